// Package subscribe implements the live tail fan-out: every entry appended
// to the ingest pipeline is offered to each subscriber whose query matches
// it, over a bounded, non-blocking channel per subscriber.
package subscribe

import (
	"context"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/metrics"
	"github.com/puppycorp/puppylog/internal/queryeval"
	"github.com/puppycorp/puppylog/internal/querylang"
	"github.com/puppycorp/puppylog/pkg/log"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// slower than this falls behind and starts dropping entries rather than
// blocking the publisher.
const subscriberBuffer = 100

// subscribeReq is a request to add a new subscriber, carrying the channel
// entries are delivered on and the query that gates delivery.
type subscribeReq struct {
	resCh chan *logcodec.LogEntry
	query *querylang.QueryAst
	tz    *time.Location
}

type subscriberInfo struct {
	resCh chan *logcodec.LogEntry
	query *querylang.QueryAst
	tz    *time.Location
}

// Hub runs a single worker goroutine that owns the subscriber list,
// selecting over channels rather than holding a lock: one for new
// subscriptions, one for cancelled subscriptions, one for published
// entries, and the done channel that Close closes.
type Hub struct {
	subCh   chan subscribeReq
	unsubCh chan chan *logcodec.LogEntry
	pubCh   chan *logcodec.LogEntry
	done    chan struct{}
}

// NewHub starts the worker goroutine and returns a Hub ready to accept
// subscriptions and published entries.
func NewHub() *Hub {
	h := &Hub{
		subCh:   make(chan subscribeReq),
		unsubCh: make(chan chan *logcodec.LogEntry),
		pubCh:   make(chan *logcodec.LogEntry, 100),
		done:    make(chan struct{}),
	}
	go h.run()
	return h
}

// Subscribe registers a new subscriber for query and returns a channel that
// receives every subsequently published entry matching it. The channel is
// closed once ctx is cancelled, since Go channels have no sender-side
// receiver-gone query; callers must keep draining it until then.
func (h *Hub) Subscribe(ctx context.Context, query *querylang.QueryAst, tz *time.Location) <-chan *logcodec.LogEntry {
	if tz == nil {
		tz = time.UTC
	}
	resCh := make(chan *logcodec.LogEntry, subscriberBuffer)
	req := subscribeReq{resCh: resCh, query: query, tz: tz}

	select {
	case h.subCh <- req:
	case <-ctx.Done():
		close(resCh)
		return resCh
	case <-h.done:
		close(resCh)
		return resCh
	}

	go func() {
		<-ctx.Done()
		select {
		case h.unsubCh <- resCh:
		case <-h.done:
		}
	}()

	return resCh
}

// Publish offers entry to every current subscriber. It implements
// ingest.Publisher so a Hub can be wired directly into an ingest.Pipeline.
func (h *Hub) Publish(entry *logcodec.LogEntry) {
	select {
	case h.pubCh <- entry:
	case <-h.done:
	}
}

// Close stops the worker goroutine and closes every subscriber channel.
func (h *Hub) Close() {
	close(h.done)
}

func (h *Hub) run() {
	var subs []subscriberInfo

	for {
		select {
		case req := <-h.subCh:
			subs = append(subs, subscriberInfo{resCh: req.resCh, query: req.query, tz: req.tz})
			metrics.ActiveSubscriptions.Set(float64(len(subs)))
		case resCh := <-h.unsubCh:
			subs = removeSubscriber(subs, resCh)
			metrics.ActiveSubscriptions.Set(float64(len(subs)))
		case entry := <-h.pubCh:
			subs = handleEntry(subs, entry)
		case <-h.done:
			for _, s := range subs {
				close(s.resCh)
			}
			return
		}
	}
}

func removeSubscriber(subs []subscriberInfo, resCh chan *logcodec.LogEntry) []subscriberInfo {
	for i, s := range subs {
		if s.resCh == resCh {
			close(s.resCh)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// handleEntry evaluates entry against every subscriber's query, newest
// subscriber first, delivering non-blockingly: a subscriber whose channel
// is full misses this entry but stays subscribed. Subscribers are removed
// only when their context is cancelled.
func handleEntry(subs []subscriberInfo, entry *logcodec.LogEntry) []subscriberInfo {
	for i := len(subs) - 1; i >= 0; i-- {
		s := subs[i]
		matched, err := queryeval.CheckExpr(s.query.Root, entry, s.tz)
		if err != nil {
			log.Warnf("subscribe: evaluate query for subscriber: %v", err)
			continue
		}
		if !matched {
			continue
		}
		select {
		case s.resCh <- entry:
		default:
			// Full: the subscriber is behind, drop this entry rather than
			// block the publisher for everyone else.
		}
	}
	return subs
}
