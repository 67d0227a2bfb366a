package queryeval

import (
	"time"

	"github.com/puppycorp/puppylog/internal/querylang"
)

// SegmentMayMatch reports whether a segment spanning [first, last] could
// possibly contain an entry satisfying expr's timestamp constraints. It is
// a pure range-intersection test against TimestampBounds(expr), used by
// the archive walk to skip segments the AST already rules out without
// reading their property summary or contents.
func SegmentMayMatch(expr querylang.Expr, first, last time.Time) bool {
	start, end := TimestampBounds(expr)
	if start != nil && last.Before(*start) {
		return false
	}
	if end != nil && first.After(*end) {
		return false
	}
	return true
}

// TimestampBounds statically walks expr for timestamp constraints and
// returns a coarse [start, end] the searcher can use to prune segments
// whose own [first, last] timestamps fall entirely outside it. Either
// bound is nil when the AST doesn't pin it down. And-branches narrow the
// bound (both sides must hold, so the tighter side wins); or-branches
// widen it (either side may hold, so an unbounded side makes the whole
// branch unbounded).
//
// Only a bare `timestamp` condition against a date literal, and
// `timestamp.year` against a number literal, produce a bound: the other
// timestamp.<component> fields (month, day, hour, ...) are cyclical and
// don't pin an absolute instant without a year alongside them.
func TimestampBounds(expr querylang.Expr) (start, end *time.Time) {
	switch e := expr.(type) {
	case querylang.And:
		ls, le := TimestampBounds(e.Left)
		rs, re := TimestampBounds(e.Right)
		return laterOf(ls, rs), earlierOf(le, re)
	case querylang.Or:
		ls, le := TimestampBounds(e.Left)
		rs, re := TimestampBounds(e.Right)
		return widenStart(ls, rs), widenEnd(le, re)
	case querylang.Condition:
		return conditionBounds(e)
	default:
		return nil, nil
	}
}

func conditionBounds(cond querylang.Condition) (start, end *time.Time) {
	if fa, ok := cond.Left.(querylang.FieldAccess); ok {
		return fieldAccessBounds(fa, cond.Right, cond.Operator)
	}
	if fa, ok := cond.Right.(querylang.FieldAccess); ok {
		return fieldAccessBounds(fa, cond.Left, cond.Operator)
	}

	left, leftIsVal := cond.Left.(querylang.ValueExpr)
	right, rightIsVal := cond.Right.(querylang.ValueExpr)
	if !leftIsVal || !rightIsVal {
		return nil, nil
	}

	var name string
	var val querylang.Value
	switch {
	case left.Value.Kind == querylang.KindString && left.Value.Str == "timestamp":
		name, val = "timestamp", right.Value
	case right.Value.Kind == querylang.KindString && right.Value.Str == "timestamp":
		name, val = "timestamp", left.Value
	default:
		return nil, nil
	}
	if name != "timestamp" || val.Kind != querylang.KindDate {
		return nil, nil
	}
	return boundsFromOp(val.Date, cond.Operator)
}

func fieldAccessBounds(fa querylang.FieldAccess, other querylang.Expr, op querylang.Operator) (start, end *time.Time) {
	base, ok := fa.Expr.(querylang.ValueExpr)
	if !ok || base.Value.Kind != querylang.KindString || base.Value.Str != "timestamp" || fa.Field != "year" {
		return nil, nil
	}
	otherVal, ok := other.(querylang.ValueExpr)
	if !ok || otherVal.Value.Kind != querylang.KindNumber {
		return nil, nil
	}
	year := int(otherVal.Value.Num)
	switch op {
	case querylang.OpEqual:
		s := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		e := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)
		return &s, &e
	case querylang.OpGreaterThan:
		s := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)
		return &s, nil
	case querylang.OpGreaterThanOrEqual:
		s := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		return &s, nil
	case querylang.OpLessThan:
		e := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		return nil, &e
	case querylang.OpLessThanOrEqual:
		e := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)
		return nil, &e
	default:
		return nil, nil
	}
}

func boundsFromOp(t time.Time, op querylang.Operator) (start, end *time.Time) {
	switch op {
	case querylang.OpEqual:
		return &t, &t
	case querylang.OpGreaterThan, querylang.OpGreaterThanOrEqual:
		return &t, nil
	case querylang.OpLessThan, querylang.OpLessThanOrEqual:
		return nil, &t
	default:
		return nil, nil
	}
}

func laterOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.After(*b) {
		return a
	}
	return b
}

func earlierOf(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.Before(*b) {
		return a
	}
	return b
}

func widenStart(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if a.Before(*b) {
		return a
	}
	return b
}

func widenEnd(a, b *time.Time) *time.Time {
	if a == nil || b == nil {
		return nil
	}
	if a.After(*b) {
		return a
	}
	return b
}
