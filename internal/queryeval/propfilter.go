package queryeval

import (
	"fmt"

	"github.com/puppycorp/puppylog/internal/querylang"
	"github.com/puppycorp/puppylog/internal/store"
)

// CheckProps is the tier-2 pre-filter: it evaluates expr against a
// segment's deduplicated property summary instead of a full log entry.
// References to msg/timestamp always pass since the summary doesn't carry
// them; a prop reference needs at least one matching (key, value) pair in
// props.
func CheckProps(expr querylang.Expr, props []store.SegmentProp) (bool, error) {
	switch e := expr.(type) {
	case querylang.Condition:
		return checkPropsCondition(e, props)
	case querylang.And:
		l, err := CheckProps(e.Left, props)
		if err != nil {
			return false, err
		}
		if !l {
			return false, nil
		}
		return CheckProps(e.Right, props)
	case querylang.Or:
		l, err := CheckProps(e.Left, props)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return CheckProps(e.Right, props)
	case querylang.ValueExpr:
		return valueTruthy(e.Value)
	case querylang.Empty:
		return true, nil
	default:
		return false, fmt.Errorf("queryeval: unsupported expression %T in property filter", expr)
	}
}

func checkPropsCondition(cond querylang.Condition, props []store.SegmentProp) (bool, error) {
	left, leftIsVal := cond.Left.(querylang.ValueExpr)
	right, rightIsVal := cond.Right.(querylang.ValueExpr)
	if !leftIsVal || left.Value.Kind != querylang.KindString || !rightIsVal {
		// timestamp.<component> and other shapes carry no summary signal;
		// treat as "can't rule out" rather than erroring the pre-filter.
		return true, nil
	}
	return matchPropsField(left.Value.Str, right.Value, cond.Operator, props)
}

func matchPropsField(fieldName string, val querylang.Value, op querylang.Operator, props []store.SegmentProp) (bool, error) {
	if fieldName == "msg" || fieldName == "timestamp" {
		return true, nil
	}
	for _, p := range props {
		if p.Key != fieldName {
			continue
		}
		ok, err := comparePropValue(p.Value, val, op)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func comparePropValue(propVal string, val querylang.Value, op querylang.Operator) (bool, error) {
	switch val.Kind {
	case querylang.KindRegex:
		re, err := CachedRegexp(val.Str)
		if err != nil {
			return false, err
		}
		switch op {
		case querylang.OpMatches:
			return re.MatchString(propVal), nil
		case querylang.OpNotMatches:
			return !re.MatchString(propVal), nil
		default:
			return false, nil
		}
	case querylang.KindString:
		return matchMsgOrProp(propVal, val, op)
	case querylang.KindNumber:
		r, _ := magicCmp(propVal, fmtInt(val.Num), op)
		return r, nil
	case querylang.KindList:
		if op != querylang.OpIn && op != querylang.OpNotIn {
			return false, nil
		}
		for _, v := range val.Values {
			ok, err := comparePropValue(propVal, v, querylang.OpEqual)
			if err != nil {
				return false, err
			}
			if ok {
				return op == querylang.OpIn, nil
			}
		}
		return op == querylang.OpNotIn, nil
	default:
		return false, nil
	}
}

func fmtInt(n int64) string {
	return fmt.Sprintf("%d", n)
}
