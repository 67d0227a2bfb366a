package queryeval

import "github.com/puppycorp/puppylog/internal/querylang"

// ExtractDeviceIDs statically scans expr for deviceId equality/in
// conditions the searcher can use to restrict its segment catalog lookups
// to a known device set. Returns nil when no such restriction can be
// safely inferred.
//
// This is conservative by necessity: an Or branch might only constrain
// deviceId on one side, so a deviceId constraint anywhere under an Or
// cannot be hoisted out without risking silently dropping matching entries
// from a device the Or's other branch would have admitted. This walk
// therefore only collects constraints across And chains and gives up
// (returns nil) the moment it sees an Or anywhere in the tree, a safe if
// occasionally overcautious approximation, which is all a catalog
// pre-filter needs to be.
func ExtractDeviceIDs(expr querylang.Expr) []string {
	ids, safe := extractDeviceIDs(expr)
	if !safe {
		return nil
	}
	return ids
}

func extractDeviceIDs(expr querylang.Expr) (ids []string, safe bool) {
	switch e := expr.(type) {
	case querylang.And:
		lids, lsafe := extractDeviceIDs(e.Left)
		rids, rsafe := extractDeviceIDs(e.Right)
		if !lsafe || !rsafe {
			return nil, false
		}
		return append(lids, rids...), true
	case querylang.Or:
		return nil, false
	case querylang.Condition:
		return deviceIDsFromCondition(e), true
	default:
		return nil, true
	}
}

func deviceIDsFromCondition(cond querylang.Condition) []string {
	left, leftIsVal := cond.Left.(querylang.ValueExpr)
	right, rightIsVal := cond.Right.(querylang.ValueExpr)
	if !leftIsVal || left.Value.Kind != querylang.KindString || left.Value.Str != "deviceId" || !rightIsVal {
		return nil
	}
	switch cond.Operator {
	case querylang.OpEqual:
		if right.Value.Kind == querylang.KindString {
			return []string{right.Value.Str}
		}
	case querylang.OpIn:
		if right.Value.Kind == querylang.KindList {
			var ids []string
			for _, v := range right.Value.Values {
				if v.Kind == querylang.KindString {
					ids = append(ids, v.Str)
				}
			}
			return ids
		}
	}
	return nil
}
