package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puppycorp/puppylog/internal/ingest"
	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/querylang"
	"github.com/puppycorp/puppylog/internal/search"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/puppycorp/puppylog/pkg/log"
)

// Router builds the thin HTTP transport: upload, status, get_logs (JSON or
// SSE), histogram, stream_logs, plus a prometheus /metrics endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/device/{deviceId}/logs", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/device/{deviceId}/status", s.handleDeviceStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/device/{deviceId}/metadata", s.handleUpdateDeviceMetadata).Methods(http.MethodPost)

	r.HandleFunc("/api/logs", s.handleGetLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/logs/histogram", s.handleHistogram).Methods(http.MethodGet)
	r.HandleFunc("/api/logs/stream", s.handleStreamLogs).Methods(http.MethodGet)

	r.HandleFunc("/api/settings/query", s.handleGetSettingsQuery).Methods(http.MethodGet)
	r.HandleFunc("/api/settings/query", s.handleSetSettingsQuery).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

// handleUpload streams the request body straight to the admission guard and
// staging area, reporting 503 with a randomly jittered Retry-After hint when
// the guard is over capacity.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	if err := s.Ingest.HandleUpload(deviceID, r.Body); err != nil {
		if err == ingest.ErrOverCapacity {
			retryAfter := 10 + rand.Intn(4990)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "upload limit reached", http.StatusServiceUnavailable)
			return
		}
		log.Errorf("server: upload for device %s: %v", deviceID, err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

type deviceStatusResponse struct {
	Level        int  `json:"level"`
	SendLogs     bool `json:"sendLogs"`
	SendInterval int  `json:"sendInterval"`
	NextPoll     *int `json:"nextPoll,omitempty"`
}

// handleDeviceStatus reports the device's current send policy, refusing
// further uploads with a jittered next_poll hint when the admission guard
// is saturated.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	device, err := store.GetDeviceRepository().GetDevice(deviceID)
	if err != nil && err != sql.ErrNoRows {
		log.Errorf("server: get device %s: %v", deviceID, err)
		http.Error(w, "device lookup failed", http.StatusInternalServerError)
		return
	}

	resp := deviceStatusResponse{SendLogs: true, SendInterval: 60}
	if device != nil {
		resp.Level = device.FilterLevel
		resp.SendLogs = device.SendLogs
		resp.SendInterval = device.SendInterval
	}

	if s.Ingest.Guard().AtCapacity() {
		next := 10 + rand.Intn(4990)
		resp.SendLogs = false
		resp.NextPoll = &next
	}

	writeJSON(w, resp)
}

// handleUpdateDeviceMetadata replaces a device's metadata property set.
func (s *Server) handleUpdateDeviceMetadata(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	var props []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	storeProps := make([]store.DeviceProp, 0, len(props))
	for _, p := range props {
		storeProps = append(storeProps, store.DeviceProp{DeviceID: deviceID, Key: p.Key, Value: p.Value})
	}
	if err := store.GetDeviceRepository().UpdateDeviceMetadata(deviceID, storeProps); err != nil {
		log.Errorf("server: update device metadata for %s: %v", deviceID, err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "ok")
}

// parseSearchParams builds a QueryAst from the shared get_logs/histogram/
// stream_logs query parameters: query, count, endDate, tzOffset. tzOffset
// is minutes west of UTC (JS Date.getTimezoneOffset() convention).
func parseSearchParams(r *http.Request) (*querylang.QueryAst, error) {
	q := r.URL.Query()

	raw := strings.TrimSpace(strings.ReplaceAll(q.Get("query"), "\n", " "))
	var ast *querylang.QueryAst
	if raw == "" {
		ast = &querylang.QueryAst{}
	} else {
		parsed, err := querylang.Parse(raw)
		if err != nil {
			return nil, err
		}
		ast = parsed
	}

	if v := q.Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			ast.Limit = &n
		}
	}
	if v := q.Get("endDate"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			ast.EndDate = &t
		}
	}
	if v := q.Get("tzOffset"); v != "" {
		if minutesWest, err := strconv.Atoi(v); err == nil {
			ast.TZOffset = time.Duration(-minutesWest) * time.Minute
		}
	}
	return ast, nil
}

type propJSON struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type logEntryJSON struct {
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Level     string     `json:"level"`
	Msg       string     `json:"msg"`
	Props     []propJSON `json:"props"`
}

func entryJSON(e *logcodec.LogEntry) logEntryJSON {
	props := make([]propJSON, len(e.Props))
	for i, p := range e.Props {
		props[i] = propJSON{Key: p.Key, Value: p.Value}
	}
	return logEntryJSON{
		ID:        e.ID(),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Level:     e.Level.String(),
		Msg:       e.Msg,
		Props:     props,
	}
}

// handleGetLogs runs one search and replies either as a JSON array (the
// default) or as a Server-Sent-Events stream when the client sends
// `Accept: text/event-stream`.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	ast, err := parseSearchParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ast.EndDate == nil {
		t := time.Now().Add(200 * 24 * time.Hour)
		ast.EndDate = &t
	}

	limit := 200
	if ast.Limit != nil {
		limit = *ast.Limit
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan search.StreamItem, 100)
	done := make(chan error, 1)
	go func() {
		done <- s.Search.Search(ctx, ast, out)
		close(out)
	}()

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeSSE(w, out, cancel, limit, func(item search.StreamItem) (event, data string, ok bool) {
			switch v := item.(type) {
			case search.EntryItem:
				b, _ := json.Marshal(entryJSON(v.Entry))
				return "", string(b), true
			case search.SegmentProgressItem:
				b, _ := json.Marshal(v)
				return "progress", string(b), true
			case search.SearchProgressItem:
				b, _ := json.Marshal(v)
				return "progress", string(b), true
			default:
				return "", "", false
			}
		})
		<-done
		return
	}

	entries := make([]logEntryJSON, 0, limit)
	for item := range out {
		e, ok := item.(search.EntryItem)
		if !ok {
			continue
		}
		entries = append(entries, entryJSON(e.Entry))
		if len(entries) >= limit {
			cancel()
			break
		}
	}
	for range out {
		// drain whatever the searcher had already queued before it saw cancel
	}
	<-done

	writeJSON(w, entries)
}

// handleHistogram streams {timestamp, count} buckets as Server-Sent-Events.
func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	ast, err := parseSearchParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	bucketSecs := int64(60)
	if v := r.URL.Query().Get("bucketSecs"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			bucketSecs = n
		}
	}

	out := make(chan search.HistogramBucket, 100)
	done := make(chan error, 1)
	go func() {
		done <- s.Search.Histogram(r.Context(), ast, time.Duration(bucketSecs)*time.Second, out)
		close(out)
	}()

	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		<-done
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for bucket := range out {
		b, _ := json.Marshal(struct {
			Timestamp string `json:"timestamp"`
			Count     uint64 `json:"count"`
		}{Timestamp: bucket.Bucket.UTC().Format(time.RFC3339), Count: bucket.Count})
		fmt.Fprintf(w, "data: %s\n\n", b)
		f.Flush()
	}
	<-done
}

// handleStreamLogs subscribes to the live-tail fan-out (C10) and streams
// matching entries as Server-Sent-Events until the client disconnects.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	ast, err := parseSearchParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tz := time.UTC
	if ast.TZOffset != 0 {
		tz = time.FixedZone("query", int(ast.TZOffset.Seconds()))
	}
	sub := s.Hub.Subscribe(ctx, ast, tz)

	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for entry := range sub {
		b, _ := json.Marshal(entryJSON(entry))
		fmt.Fprintf(w, "data: %s\n\n", b)
		f.Flush()
	}
}

func (s *Server) handleGetSettingsQuery(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, s.Settings.CollectionQuery())
}

func (s *Server) handleSetSettingsQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := s.Settings.SetCollectionQuery(string(body)); err != nil {
		log.Errorf("server: set collection query: %v", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprint(w, "ok")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("server: encode json response: %v", err)
	}
}

// writeSSE drains items from out onto w as Server-Sent-Events until out is
// closed or limit matching entries have been sent (progress/segment events
// don't count against limit). Reaching limit calls cancel so the producer
// stops and closes out
// instead of leaving it to finish an unbounded backward walk unread; a
// client disconnect cancels out on its own, since the producer's context is
// derived from the request's.
func writeSSE(w http.ResponseWriter, out <-chan search.StreamItem, cancel context.CancelFunc, limit int, encode func(search.StreamItem) (event, data string, ok bool)) {
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		for range out {
		}
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sent := 0
	for item := range out {
		event, data, ok := encode(item)
		if !ok {
			continue
		}
		if event != "" {
			fmt.Fprintf(w, "event: %s\n", event)
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		f.Flush()
		if _, isEntry := item.(search.EntryItem); isEntry {
			sent++
			if limit > 0 && sent >= limit {
				cancel()
			}
		}
	}
}
