package queryeval

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/querylang"
)

// fieldKind distinguishes the pseudo-fields a condition's left/right side
// can resolve to against a log entry.
type fieldKind int

const (
	fieldNone fieldKind = iota
	fieldTimestamp
	fieldLevel
	fieldMsg
	fieldProp
)

type field struct {
	kind     fieldKind
	propKey  string
	propVal  string
}

// findField resolves a bare field name against an entry: the well-known
// "timestamp"/"level"/"msg" names, or the first prop whose key matches.
func findField(name string, entry *logcodec.LogEntry) (field, bool) {
	switch name {
	case "timestamp":
		return field{kind: fieldTimestamp}, true
	case "level":
		return field{kind: fieldLevel}, true
	case "msg":
		return field{kind: fieldMsg}, true
	}
	for _, p := range entry.Props {
		if p.Key == name {
			return field{kind: fieldProp, propKey: p.Key, propVal: p.Value}, true
		}
	}
	return field{}, false
}

// CheckExpr evaluates expr against a single log entry, the query's
// timezone and the root AST's end-date unused here (callers apply
// limit/offset/end-date separately). tz is the IANA location the query's
// timestamp.<component> field accesses are evaluated in.
func CheckExpr(expr querylang.Expr, entry *logcodec.LogEntry, tz *time.Location) (bool, error) {
	switch e := expr.(type) {
	case querylang.Condition:
		return checkCondition(e, entry, tz)
	case querylang.And:
		l, err := CheckExpr(e.Left, entry, tz)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return CheckExpr(e.Right, entry, tz)
	case querylang.Or:
		l, err := CheckExpr(e.Left, entry, tz)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return CheckExpr(e.Right, entry, tz)
	case querylang.ValueExpr:
		return valueTruthy(e.Value)
	case querylang.Empty:
		return true, nil
	default:
		return false, fmt.Errorf("queryeval: unsupported expression %T", expr)
	}
}

func valueTruthy(v querylang.Value) (bool, error) {
	switch v.Kind {
	case querylang.KindString:
		return v.Str != "", nil
	case querylang.KindNumber:
		return v.Num > 0, nil
	case querylang.KindRegex, querylang.KindDate:
		return true, nil
	case querylang.KindList:
		return false, fmt.Errorf("queryeval: a bare value list is not a valid expression")
	default:
		return false, fmt.Errorf("queryeval: unknown value kind")
	}
}

func checkCondition(cond querylang.Condition, entry *logcodec.LogEntry, tz *time.Location) (bool, error) {
	if fa, ok := cond.Left.(querylang.FieldAccess); ok {
		return checkFieldAccess(fa, cond.Right, cond.Operator, entry, tz)
	}
	if fa, ok := cond.Right.(querylang.FieldAccess); ok {
		return checkFieldAccess(fa, cond.Left, cond.Operator, entry, tz)
	}

	leftVal, leftIsVal := cond.Left.(querylang.ValueExpr)
	rightVal, rightIsVal := cond.Right.(querylang.ValueExpr)

	if leftIsVal && leftVal.Value.Kind == querylang.KindString {
		if cond.Operator == querylang.OpExists {
			_, ok := findField(leftVal.Value.Str, entry)
			return ok, nil
		}
		if cond.Operator == querylang.OpNotExists {
			_, ok := findField(leftVal.Value.Str, entry)
			return !ok, nil
		}
		if rightIsVal {
			return matchField(leftVal.Value.Str, rightVal.Value, cond.Operator, entry, tz)
		}
	}
	if rightIsVal && rightVal.Value.Kind == querylang.KindString && leftIsVal {
		return matchField(rightVal.Value.Str, leftVal.Value, cond.Operator, entry, tz)
	}

	return false, fmt.Errorf("queryeval: unsupported condition shape %#v", cond)
}

func matchField(name string, val querylang.Value, op querylang.Operator, entry *logcodec.LogEntry, tz *time.Location) (bool, error) {
	f, ok := findField(name, entry)
	if !ok {
		return false, nil
	}
	return doesFieldMatch(f, val, op, entry, tz)
}

// anyValue reports whether field matches any of values under OpEqual,
// used to implement in/not in as a fold over Equal.
func anyValue(f field, values []querylang.Value, entry *logcodec.LogEntry, tz *time.Location) (bool, error) {
	for _, v := range values {
		ok, err := doesFieldMatch(f, v, querylang.OpEqual, entry, tz)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func doesFieldMatch(f field, val querylang.Value, op querylang.Operator, entry *logcodec.LogEntry, tz *time.Location) (bool, error) {
	if val.Kind == querylang.KindList {
		switch op {
		case querylang.OpIn:
			return anyValue(f, val.Values, entry, tz)
		case querylang.OpNotIn:
			ok, err := anyValue(f, val.Values, entry, tz)
			return !ok, err
		default:
			return false, fmt.Errorf("queryeval: list value only valid with in/not in")
		}
	}

	switch f.kind {
	case fieldMsg:
		return matchMsgOrProp(entry.Msg, val, op)
	case fieldProp:
		return matchMsgOrProp(f.propVal, val, op)
	case fieldTimestamp:
		if val.Kind != querylang.KindDate {
			return false, fmt.Errorf("queryeval: invalid value for timestamp field")
		}
		r, ok := timeCmp(entry.Timestamp.In(tz), val.Date.In(tz), op)
		if !ok {
			return false, fmt.Errorf("queryeval: unsupported operator %s for timestamp", op)
		}
		return r, nil
	case fieldLevel:
		var lvl logcodec.Level
		switch val.Kind {
		case querylang.KindString:
			lvl = logcodec.ParseLevel(val.Str)
		case querylang.KindNumber:
			lvl = logcodec.Level(val.Num)
		default:
			return false, fmt.Errorf("queryeval: invalid value for level field")
		}
		r, ok := magicCmp(int(entry.Level), int(lvl), op)
		if !ok {
			return false, fmt.Errorf("queryeval: unsupported operator %s for level", op)
		}
		return r, nil
	default:
		return false, fmt.Errorf("queryeval: unresolved field")
	}
}

// matchMsgOrProp implements the shared comparison matrix for msg and prop
// fields: like/not like is a case-insensitive substring test, matches/not
// matches runs a cached regex, strings fall back to semver-or-lexicographic
// comparison and numbers compare against the string form of the field.
func matchMsgOrProp(fieldVal string, val querylang.Value, op querylang.Operator) (bool, error) {
	switch val.Kind {
	case querylang.KindString:
		switch op {
		case querylang.OpLike:
			return strings.Contains(strings.ToLower(fieldVal), strings.ToLower(val.Str)), nil
		case querylang.OpNotLike:
			return !strings.Contains(strings.ToLower(fieldVal), strings.ToLower(val.Str)), nil
		default:
			return cmpSemverOrString(fieldVal, val.Str, op), nil
		}
	case querylang.KindRegex:
		re, err := CachedRegexp(val.Str)
		if err != nil {
			return false, err
		}
		switch op {
		case querylang.OpMatches:
			return re.MatchString(fieldVal), nil
		case querylang.OpNotMatches:
			return !re.MatchString(fieldVal), nil
		default:
			return false, fmt.Errorf("queryeval: regex value only valid with matches/not matches")
		}
	case querylang.KindNumber:
		r, ok := magicCmp(fieldVal, strconv.FormatInt(val.Num, 10), op)
		if !ok {
			return false, fmt.Errorf("queryeval: unsupported operator %s", op)
		}
		return r, nil
	default:
		return false, fmt.Errorf("queryeval: invalid value kind for field")
	}
}

func timeCmp(left, right time.Time, op querylang.Operator) (bool, bool) {
	switch op {
	case querylang.OpEqual:
		return left.Equal(right), true
	case querylang.OpNotEqual:
		return !left.Equal(right), true
	case querylang.OpGreaterThan:
		return left.After(right), true
	case querylang.OpGreaterThanOrEqual:
		return left.After(right) || left.Equal(right), true
	case querylang.OpLessThan:
		return left.Before(right), true
	case querylang.OpLessThanOrEqual:
		return left.Before(right) || left.Equal(right), true
	default:
		return false, false
	}
}

// checkFieldAccess handles timestamp.<component> conditions. other is the
// condition's other side (the literal number being compared against).
func checkFieldAccess(fa querylang.FieldAccess, other querylang.Expr, op querylang.Operator, entry *logcodec.LogEntry, tz *time.Location) (bool, error) {
	base, ok := fa.Expr.(querylang.ValueExpr)
	if !ok || base.Value.Kind != querylang.KindString || base.Value.Str != "timestamp" {
		return false, fmt.Errorf("queryeval: unsupported field access base")
	}
	otherVal, ok := other.(querylang.ValueExpr)
	if !ok || otherVal.Value.Kind != querylang.KindNumber {
		return false, fmt.Errorf("queryeval: invalid value for timestamp.%s", fa.Field)
	}
	num := int(otherVal.Value.Num)
	t := entry.Timestamp.In(tz)

	switch fa.Field {
	case "year":
		r, ok := magicCmp(t.Year(), num, op)
		return mustOp(r, ok, op)
	case "month":
		r, ok := magicCmp(int(t.Month()), num, op)
		return mustOp(r, ok, op)
	case "day":
		r, ok := magicCmp(t.Day(), num, op)
		return mustOp(r, ok, op)
	case "hour":
		r, ok := magicCmp(t.Hour(), num, op)
		return mustOp(r, ok, op)
	case "minute":
		r, ok := magicCmp(t.Minute(), num, op)
		return mustOp(r, ok, op)
	case "second":
		r, ok := magicCmp(t.Second(), num, op)
		return mustOp(r, ok, op)
	default:
		return false, fmt.Errorf("queryeval: field not found: timestamp.%s", fa.Field)
	}
}

func mustOp(r, ok bool, op querylang.Operator) (bool, error) {
	if !ok {
		return false, fmt.Errorf("queryeval: unsupported operator %s for timestamp field access", op)
	}
	return r, nil
}
