package props

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper/value"
)

func TestLookup(t *testing.T) {
	assert.Equal(t, Name, Lookup("name"))
	assert.Equal(t, Name, Lookup("@name"))
	assert.Equal(t, Expr, Lookup("expression"))
	assert.Equal(t, Max, Lookup("maximum"))
	assert.Equal(t, Extra, Lookup("colour"))
	assert.Equal(t, "@num_inst", NumInst.Key())
	assert.True(t, Steal.IsSymbolic())
	assert.False(t, Prop(3).IsSymbolic())
}

func TestSetThenGetBeforePush(t *testing.T) {
	tb := NewTable()
	require.NoError(t, tb.Set(ByName("colour"), value.Str("red"), true))
	require.NoError(t, tb.Set(ByProp(Unit), value.Str("Hz"), true))

	v, ok := tb.Get(ByName("colour"))
	assert.True(t, ok)
	assert.True(t, value.Equal(value.Str("red"), v))
	v, ok = tb.Get(ByName("unit"))
	assert.True(t, ok)
	assert.True(t, value.Equal(value.Str("Hz"), v))

	assert.True(t, tb.Dirty())
	assert.Equal(t, 0, tb.Len(false))
	assert.Equal(t, 2, tb.Len(true))
}

func TestReservedAndUnknown(t *testing.T) {
	tb := NewTable()
	assert.ErrorIs(t, tb.Set(ByProp(Data), value.Int(1), true), ErrReserved)
	assert.ErrorIs(t, tb.Remove(ByProp(Data)), ErrReserved)
	_, ok := tb.Get(ByProp(Data))
	assert.False(t, ok)
	assert.ErrorIs(t, tb.Set(Key{}, value.Int(1), true), ErrUnknownKey)
	assert.ErrorIs(t, tb.Set(ByProp(Prop(0x0105)), value.Int(1), true), ErrUnknownKey)
	assert.False(t, tb.Dirty())
}

func TestTypedProperties(t *testing.T) {
	tb := NewTable()
	assert.ErrorIs(t, tb.Set(ByProp(Name), value.Int(3), true), ErrTypeMismatch)
	assert.ErrorIs(t, tb.Set(ByProp(Muted), value.Bools(true, false), true), ErrLength)

	require.NoError(t, tb.Set(ByProp(Rate), value.Float(2), true))
	v, _ := tb.Get(ByProp(Rate))
	assert.Equal(t, value.Float32, v.Type())

	require.NoError(t, tb.Set(ByProp(Max), value.Float32s(1, 2, 3), true))
	assert.ErrorIs(t, tb.Set(ByName("anything"), value.Value{}, true), value.ErrEmpty)
}

func TestRemoveIsIdempotent(t *testing.T) {
	tb := NewTable()
	require.NoError(t, tb.Set(ByName("colour"), value.Str("red"), true))
	tb.Push()

	require.NoError(t, tb.Remove(ByName("colour")))
	_, ok := tb.Get(ByName("colour"))
	assert.False(t, ok)
	require.NoError(t, tb.Remove(ByName("colour")))
	require.NoError(t, tb.Remove(ByName("never-there")))

	changes := tb.Push()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Removed)
	assert.Equal(t, 0, tb.Len(false))

	require.NoError(t, tb.Set(ByName("colour"), value.Str("blue"), true))
	v, ok := tb.Get(ByName("colour"))
	assert.True(t, ok)
	assert.True(t, value.Equal(value.Str("blue"), v))
}

func TestPushSkipsLocalOnly(t *testing.T) {
	tb := NewTable()
	require.NoError(t, tb.Set(ByName("public"), value.Int(1), true))
	require.NoError(t, tb.Set(ByName("private"), value.Int(2), false))
	changes := tb.Push()
	require.Len(t, changes, 1)
	assert.Equal(t, "public", changes[0].Key)
	assert.False(t, tb.Dirty())

	_, ok := tb.Get(ByName("private"))
	assert.True(t, ok)
	require.Len(t, tb.Published(), 1)
}

func TestReadOnly(t *testing.T) {
	tb := NewTable()
	require.NoError(t, tb.Define(ByProp(ID), value.Int64s(42), ReadOnly, true))
	assert.ErrorIs(t, tb.Set(ByProp(ID), value.Int64s(7), true), ErrReadOnly)
	assert.ErrorIs(t, tb.Remove(ByProp(ID)), ErrReadOnly)

	changed, err := tb.Apply(ByProp(Length), value.Int(3))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.ErrorIs(t, tb.Set(ByProp(Length), value.Int(4), true), ErrReadOnly)
}

func TestPositionalStability(t *testing.T) {
	tb := NewTable()
	require.NoError(t, tb.Define(ByProp(Name), value.Str("dev"), ReadOnly, true))
	require.NoError(t, tb.Define(ByProp(ID), value.Int64s(1), ReadOnly, true))
	require.NoError(t, tb.Set(ByName("zeta"), value.Int(1), true))
	require.NoError(t, tb.Set(ByName("alpha"), value.Int(2), true))

	n := tb.Len(true)
	require.Equal(t, 4, n)
	var keys []string
	for i := 0; i < n; i++ {
		rec, ok := tb.At(i)
		require.True(t, ok)
		keys = append(keys, rec.Key)
	}
	assert.Equal(t, []string{"@id", "@name", "alpha", "zeta"}, keys)

	// value changes keep positions
	require.NoError(t, tb.Set(ByName("alpha"), value.Int(3), true))
	rec, _ := tb.At(2)
	assert.Equal(t, "alpha", rec.Key)
	_, ok := tb.At(n)
	assert.False(t, ok)
}

func TestApplyLastWriterWins(t *testing.T) {
	tb := NewTable()
	changed, err := tb.Apply(ByProp(Unit), value.Str("m"))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, _ = tb.Apply(ByProp(Unit), value.Str("m"))
	assert.False(t, changed)
	changed, _ = tb.Apply(ByProp(Unit), value.Str("cm"))
	assert.True(t, changed)
	v, _ := tb.Get(ByProp(Unit))
	assert.True(t, value.Equal(value.Str("cm"), v))

	// a staged local value still shadows remote state
	require.NoError(t, tb.Set(ByProp(Unit), value.Str("km"), true))
	_, _ = tb.Apply(ByProp(Unit), value.Str("mm"))
	v, _ = tb.Get(ByProp(Unit))
	assert.True(t, value.Equal(value.Str("km"), v))

	assert.True(t, tb.ApplyRemove(ByProp(Unit)))
	assert.False(t, tb.ApplyRemove(ByProp(Unit)))
}
