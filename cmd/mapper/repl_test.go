package main

import (
	"bytes"
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper"
	"github.com/libmapper/libmapper/value"
)

func TestReplBuildsAndDrivesAMap(t *testing.T) {
	rt, clock := testRuntime(t, DefaultConfig())
	out := &bytes.Buffer{}
	repl := REPL{rt: rt, out: out}

	require.NoError(t, repl.Execute("device synth"))
	settle(t, rt, clock)
	require.NoError(t, repl.Execute("signal synth/freq out"))
	require.NoError(t, repl.Execute("signal synth/gain in float 1"))
	require.NoError(t, repl.Execute("map synth/freq -> synth/gain y=x+1"))
	settle(t, rt, clock)

	require.Equal(t, 1, rt.graph.Maps().Len())
	require.NoError(t, repl.Execute("set synth/freq 5"))
	settle(t, rt, clock)

	gain, ok := rt.graph.SignalByPath("synth/gain")
	require.True(t, ok)
	v, _, ok := gain.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Float32s(6), v))

	out.Reset()
	require.NoError(t, repl.Execute("get synth/gain"))
	assert.Contains(t, out.String(), "synth/gain = 6 @")

	out.Reset()
	require.NoError(t, repl.Execute("signals synth"))
	assert.Contains(t, out.String(), "synth/freq")
	assert.Contains(t, out.String(), "synth/gain")

	out.Reset()
	require.NoError(t, repl.Execute("find @name == gain"))
	assert.Contains(t, out.String(), "synth/gain")
	assert.NotContains(t, out.String(), "synth/freq")

	m, err := rt.graph.Maps().Index(0)
	require.NoError(t, err)
	id := m.ID()
	out.Reset()
	require.NoError(t, repl.Execute("show "+hex(id)))
	assert.Contains(t, out.String(), "synth/freq -> synth/gain")
	assert.Contains(t, out.String(), "y=x+1")

	require.NoError(t, repl.Execute("mute "+hex(id)))
	assert.True(t, m.(*libmapper.Map).Muted())
	require.NoError(t, repl.Execute("unmap "+hex(id)))
	settle(t, rt, clock)
	assert.Equal(t, 0, rt.graph.Maps().Len())
}

func TestReplErrors(t *testing.T) {
	rt, _ := testRuntime(t, DefaultConfig())
	repl := REPL{rt: rt, out: io.Discard}

	assert.NoError(t, repl.Execute("   "))
	assert.Equal(t, io.EOF, repl.Execute("quit"))
	assert.Error(t, repl.Execute("frobnicate"))
	assert.ErrorIs(t, repl.Execute("signal nowhere/x in"), ErrNoSuchThing)
	assert.ErrorIs(t, repl.Execute("signal broken"), ErrUsage)
	assert.ErrorIs(t, repl.Execute("map a/x b/y"), ErrUsage)
	assert.ErrorIs(t, repl.Execute("set nowhere/x 1"), ErrNoSuchThing)
	assert.ErrorIs(t, repl.Execute("show ffff"), ErrNoSuchThing)
	assert.Error(t, repl.Execute("find @name ~~ x"))
	assert.Error(t, repl.Execute("device bad/name"))
}

func TestParseValue(t *testing.T) {
	v, err := parseValue([]string{"1", "2.5"})
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Float64s(1, 2.5), v))
	v, err = parseValue([]string{"on", "3"})
	require.NoError(t, err)
	assert.Equal(t, value.String, v.Type())
	_, err = parseValue(nil)
	assert.ErrorIs(t, err, ErrUsage)
}

func hex(id uint64) string {
	return "0x" + strconv.FormatUint(id, 16)
}
