package queryeval

import (
	"testing"
	"time"

	"github.com/puppycorp/puppylog/internal/logcodec"
	"github.com/puppycorp/puppylog/internal/querylang"
	"github.com/puppycorp/puppylog/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var utc = time.UTC

func strVal(s string) querylang.Value { return querylang.Value{Kind: querylang.KindString, Str: s} }
func numVal(n int64) querylang.Value  { return querylang.Value{Kind: querylang.KindNumber, Num: n} }
func reVal(s string) querylang.Value  { return querylang.Value{Kind: querylang.KindRegex, Str: s} }
func listVal(vs ...querylang.Value) querylang.Value {
	return querylang.Value{Kind: querylang.KindList, Values: vs}
}

func fieldCond(name string, op querylang.Operator, v querylang.Value) querylang.Condition {
	return querylang.Condition{
		Left:     querylang.ValueExpr{Value: strVal(name)},
		Operator: op,
		Right:    querylang.ValueExpr{Value: v},
	}
}

func testLogEntry() *logcodec.LogEntry {
	return &logcodec.LogEntry{
		Timestamp: time.Now(),
		Level:     logcodec.LevelInfo,
		Msg:       "User login successful",
		Props: []logcodec.Prop{
			{Key: "service", Value: "auth"},
			{Key: "user_id", Value: "123"},
			{Key: "duration_ms", Value: "150"},
		},
	}
}

func TestMatchesProps(t *testing.T) {
	props := []store.SegmentProp{
		{Key: "service", Value: "auth"},
		{Key: "user_id", Value: "123"},
		{Key: "duration_ms", Value: "150"},
	}
	ok, err := CheckProps(fieldCond("service", querylang.OpEqual, strVal("auth")), props)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchesPropsWithManySameKeys(t *testing.T) {
	props := []store.SegmentProp{
		{Key: "service", Value: "auth"},
		{Key: "service", Value: "auth2"},
	}
	ok, err := CheckProps(fieldCond("service", querylang.OpEqual, strVal("auth2")), props)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchesNumberProps(t *testing.T) {
	props := []store.SegmentProp{{Key: "duration_ms", Value: "150"}}
	ok, err := CheckProps(fieldCond("duration_ms", querylang.OpEqual, numVal(150)), props)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDoesNotMatchProps(t *testing.T) {
	props := []store.SegmentProp{{Key: "service", Value: "auth"}}
	ok, err := CheckProps(fieldCond("service", querylang.OpEqual, strVal("wrong_service")), props)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchesAndWithProps(t *testing.T) {
	props := []store.SegmentProp{
		{Key: "service", Value: "auth"},
		{Key: "user_id", Value: "123"},
	}
	expr := querylang.And{
		Left:  fieldCond("service", querylang.OpEqual, strVal("auth")),
		Right: fieldCond("user_id", querylang.OpEqual, strVal("123")),
	}
	ok, err := CheckProps(expr, props)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMsgDoesNotMatch(t *testing.T) {
	e := testLogEntry()
	ok, err := CheckExpr(fieldCond("msg", querylang.OpEqual, strVal("Hello")), e, utc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMsgMatches(t *testing.T) {
	e := testLogEntry()
	ok, err := CheckExpr(fieldCond("msg", querylang.OpEqual, strVal("User login successful")), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchField(t *testing.T) {
	e := testLogEntry()
	f, ok := findField("timestamp", e)
	require.True(t, ok)
	assert.Equal(t, fieldTimestamp, f.kind)

	f, ok = findField("level", e)
	require.True(t, ok)
	assert.Equal(t, fieldLevel, f.kind)

	f, ok = findField("msg", e)
	require.True(t, ok)
	assert.Equal(t, fieldMsg, f.kind)

	f, ok = findField("service", e)
	require.True(t, ok)
	assert.Equal(t, fieldProp, f.kind)
	assert.Equal(t, "auth", f.propVal)

	_, ok = findField("nonexistent", e)
	assert.False(t, ok)
}

func TestMagicCmp(t *testing.T) {
	r, _ := magicCmp(5, 5, querylang.OpEqual)
	assert.True(t, r)
	r, _ = magicCmp(6, 5, querylang.OpGreaterThan)
	assert.True(t, r)
	r, _ = magicCmp(5, 5, querylang.OpGreaterThanOrEqual)
	assert.True(t, r)
	r, _ = magicCmp(4, 5, querylang.OpLessThan)
	assert.True(t, r)
	r, _ = magicCmp(5, 5, querylang.OpLessThanOrEqual)
	assert.True(t, r)
	r, _ = magicCmp(5, 6, querylang.OpEqual)
	assert.False(t, r)
	r, _ = magicCmp(5, 6, querylang.OpGreaterThan)
	assert.False(t, r)
}

func TestLevelComparison(t *testing.T) {
	e := testLogEntry()
	ok, err := CheckExpr(fieldCond("level", querylang.OpEqual, strVal("INFO")), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(fieldCond("level", querylang.OpEqual, strVal("ERROR")), e, utc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPropertyMatching(t *testing.T) {
	e := testLogEntry()
	ok, err := CheckExpr(fieldCond("service", querylang.OpEqual, strVal("auth")), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(fieldCond("duration_ms", querylang.OpEqual, numVal(150)), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(fieldCond("service", querylang.OpNotEqual, strVal("auth")), e, utc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckExpr(fieldCond("duration_ms", querylang.OpNotEqual, numVal(200)), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMessageLikeOperator(t *testing.T) {
	e := testLogEntry()
	ok, _ := CheckExpr(fieldCond("msg", querylang.OpLike, strVal("login")), e, utc)
	assert.True(t, ok)

	ok, _ = CheckExpr(fieldCond("msg", querylang.OpLike, strVal("logout")), e, utc)
	assert.False(t, ok)

	ok, _ = CheckExpr(fieldCond("msg", querylang.OpNotLike, strVal("login")), e, utc)
	assert.False(t, ok)

	ok, _ = CheckExpr(fieldCond("msg", querylang.OpNotLike, strVal("logout")), e, utc)
	assert.True(t, ok)
}

func TestPropLikeOperator(t *testing.T) {
	e := testLogEntry()
	ok, _ := CheckExpr(fieldCond("service", querylang.OpLike, strVal("au")), e, utc)
	assert.True(t, ok)

	ok, _ = CheckExpr(fieldCond("service", querylang.OpLike, strVal("asdf")), e, utc)
	assert.False(t, ok)

	ok, _ = CheckExpr(fieldCond("service", querylang.OpNotLike, strVal("au")), e, utc)
	assert.False(t, ok)

	ok, _ = CheckExpr(fieldCond("service", querylang.OpNotLike, strVal("asdf")), e, utc)
	assert.True(t, ok)
}

func TestRegexOperators(t *testing.T) {
	e := testLogEntry()
	ok, err := CheckExpr(fieldCond("msg", querylang.OpMatches, reVal("^User.*success")), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(fieldCond("service", querylang.OpNotMatches, reVal("^auth$")), e, utc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompoundExpressions(t *testing.T) {
	e := testLogEntry()
	and := querylang.And{
		Left:  fieldCond("service", querylang.OpEqual, strVal("auth")),
		Right: fieldCond("user_id", querylang.OpEqual, strVal("123")),
	}
	ok, err := CheckExpr(and, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	or := querylang.Or{
		Left:  fieldCond("service", querylang.OpEqual, strVal("wrong")),
		Right: fieldCond("user_id", querylang.OpEqual, strVal("123")),
	}
	ok, err = CheckExpr(or, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidComparisons(t *testing.T) {
	e := testLogEntry()
	dateVal := querylang.Value{Kind: querylang.KindDate, Date: time.Now()}

	_, err := CheckExpr(fieldCond("level", querylang.OpEqual, dateVal), e, utc)
	assert.Error(t, err)

	_, err = CheckExpr(fieldCond("msg", querylang.OpEqual, dateVal), e, utc)
	assert.Error(t, err)
}

func TestEmptyAndValueExpressions(t *testing.T) {
	e := testLogEntry()
	ok, err := CheckExpr(querylang.Empty{}, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(querylang.ValueExpr{Value: strVal("nonempty")}, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(querylang.ValueExpr{Value: strVal("")}, e, utc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckExpr(querylang.ValueExpr{Value: numVal(1)}, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(querylang.ValueExpr{Value: numVal(0)}, e, utc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckExpr(querylang.ValueExpr{Value: querylang.Value{Kind: querylang.KindDate, Date: time.Now()}}, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInEval(t *testing.T) {
	e := testLogEntry()
	ok, err := CheckExpr(fieldCond("level", querylang.OpIn, listVal(strVal("info"), strVal("debug"))), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(fieldCond("level", querylang.OpIn, listVal(strVal("error"), strVal("warn"))), e, utc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExists(t *testing.T) {
	e := &logcodec.LogEntry{
		Timestamp: time.Now(),
		Level:     logcodec.LevelInfo,
		Msg:       "Hello, world!",
		Props:     []logcodec.Prop{{Key: "key", Value: "value"}},
	}
	ok, err := CheckExpr(querylang.Condition{Left: querylang.ValueExpr{Value: strVal("key")}, Operator: querylang.OpExists, Right: querylang.Empty{}}, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(querylang.Condition{Left: querylang.ValueExpr{Value: strVal("nonexistent")}, Operator: querylang.OpExists, Right: querylang.Empty{}}, e, utc)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckExpr(querylang.Condition{Left: querylang.ValueExpr{Value: strVal("nonexistent")}, Operator: querylang.OpNotExists, Right: querylang.Empty{}}, e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(querylang.Condition{Left: querylang.ValueExpr{Value: strVal("key")}, Operator: querylang.OpNotExists, Right: querylang.Empty{}}, e, utc)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimestampFields(t *testing.T) {
	e := &logcodec.LogEntry{
		Timestamp: time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC),
		Level:     logcodec.LevelInfo,
		Msg:       "Hello, world!",
		Props:     []logcodec.Prop{{Key: "key", Value: "value"}},
	}
	cases := []struct {
		field string
		num   int64
	}{
		{"year", 2024},
		{"month", 5},
		{"day", 15},
		{"hour", 0},
		{"minute", 0},
		{"second", 0},
	}
	for _, c := range cases {
		cond := querylang.Condition{
			Left:     querylang.FieldAccess{Expr: querylang.ValueExpr{Value: strVal("timestamp")}, Field: c.field},
			Operator: querylang.OpEqual,
			Right:    querylang.ValueExpr{Value: numVal(c.num)},
		}
		ok, err := CheckExpr(cond, e, utc)
		require.NoError(t, err)
		assert.True(t, ok, "field %s", c.field)
	}
}

func TestSemverComparison(t *testing.T) {
	e := &logcodec.LogEntry{
		Timestamp: time.Now(),
		Level:     logcodec.LevelInfo,
		Props:     []logcodec.Prop{{Key: "version", Value: "1.10.0"}},
	}
	ok, err := CheckExpr(fieldCond("version", querylang.OpGreaterThan, strVal("1.2.0")), e, utc)
	require.NoError(t, err)
	assert.True(t, ok, "semver compare should treat 1.10.0 > 1.2.0, not lexicographically")

	ok, err = CheckExpr(fieldCond("version", querylang.OpLessThan, strVal("2.0.0")), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckExpr(fieldCond("version", querylang.OpEqual, strVal("1.10.0")), e, utc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTimestampBoundsNarrowsOnAnd(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	expr := querylang.And{
		Left:  fieldCond("timestamp", querylang.OpGreaterThanOrEqual, querylang.Value{Kind: querylang.KindDate, Date: start}),
		Right: fieldCond("timestamp", querylang.OpLessThan, querylang.Value{Kind: querylang.KindDate, Date: end}),
	}
	s, e := TimestampBounds(expr)
	require.NotNil(t, s)
	require.NotNil(t, e)
	assert.True(t, s.Equal(start))
	assert.True(t, e.Equal(end))
}

func TestTimestampBoundsWidensOnOr(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expr := querylang.Or{
		Left:  fieldCond("timestamp", querylang.OpGreaterThanOrEqual, querylang.Value{Kind: querylang.KindDate, Date: start}),
		Right: fieldCond("level", querylang.OpEqual, strVal("error")),
	}
	s, e := TimestampBounds(expr)
	assert.Nil(t, s)
	assert.Nil(t, e)
}

func TestCachedRegexpReusesCompiledPattern(t *testing.T) {
	re1, err := CachedRegexp("^abc")
	require.NoError(t, err)
	re2, err := CachedRegexp("^abc")
	require.NoError(t, err)
	assert.Same(t, re1, re2)

	_, err = CachedRegexp("(unterminated")
	assert.Error(t, err)
}
