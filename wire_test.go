package libmapper

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper/protocol"
	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/value"
)

func TestWireAnnouncement(t *testing.T) {
	origin := uuid.New()
	rec := encode(&message{
		kind:   kindSignal,
		origin: origin,
		id:     5<<32 | 2,
		props: []wireProp{
			{key: "@name", val: value.Str("freq")},
			{key: "@max", val: value.Float32s(1, 2)},
			{key: "local", val: value.Pointers(t)},
		},
	})
	m, err := decode(rec)
	require.NoError(t, err)
	assert.Equal(t, kindSignal, m.kind)
	assert.Equal(t, origin, m.origin)
	assert.Equal(t, uint64(5<<32|2), m.id)
	require.Len(t, m.props, 2)
	assert.Equal(t, "@name", m.props[0].key)
	assert.True(t, value.Equal(value.Float32s(1, 2), m.props[1].val))
}

func TestWireMapAndRequest(t *testing.T) {
	m, err := decode(encode(&message{kind: kindMap, id: 9, srcs: []uint64{1, 2}, dst: 3}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, m.srcs)
	assert.Equal(t, uint64(3), m.dst)

	m, err = decode(encode(&message{kind: kindRequest, action: actionRelease, srcs: []uint64{1}, dst: 3}))
	require.NoError(t, err)
	assert.Equal(t, actionRelease, m.action)

	_, err = decode(encode(&message{kind: kindRequest, action: 'z', srcs: []uint64{1}, dst: 3}))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = decode(encode(&message{kind: kindMap, id: 9, dst: 3}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWireUpdateAndRelease(t *testing.T) {
	at := timetag.FromFloat(12.5)
	m, err := decode(encode(&message{kind: kindUpdate, id: 4, inst: 8, time: at, val: value.Int32s(1, 2), mapID: 77, index: 1, from: 6}))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), m.inst)
	assert.Equal(t, at, m.time)
	assert.Equal(t, uint64(77), m.mapID)
	assert.Equal(t, 1, m.index)
	assert.Equal(t, uint64(6), m.from)
	assert.True(t, value.Equal(value.Int32s(1, 2), m.val))

	m, err = decode(encode(&message{kind: kindRelease, id: 4, inst: 8, time: at, from: 6, upstream: true}))
	require.NoError(t, err)
	assert.True(t, m.upstream)
	assert.Equal(t, uint64(6), m.from)

	m, err = decode(encode(&message{kind: kindAck, id: 6, inst: 8, time: at}))
	require.NoError(t, err)
	assert.False(t, m.upstream)

	_, err = decode(encode(&message{kind: kindUpdate, id: 4, inst: 8, time: at}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWireRejectsDamage(t *testing.T) {
	rec := encode(&message{kind: kindProbe, name: "synth.1", nonce: 42})
	m, err := decode(rec)
	require.NoError(t, err)
	assert.Equal(t, "synth.1", m.name)
	assert.Equal(t, uint64(42), m.nonce)

	for i := 1; i < len(rec); i++ {
		_, err := decode(rec[:i])
		assert.Error(t, err, "truncated at %d", i)
	}
	_, err = decode(append(append([]byte(nil), rec...), 'x'))
	assert.Error(t, err)
	_, err = decode(encode(&message{kind: 'Z', id: 1}))
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = decode(encode(&message{kind: kindDevice}))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWireModifyCarriesRemovals(t *testing.T) {
	m, err := decode(encode(&message{
		kind:    kindModify,
		id:      5<<32 | 2,
		props:   []wireProp{{key: "label", val: value.Str("left")}},
		removed: []string{"gain", "@unit"},
	}))
	require.NoError(t, err)
	require.Len(t, m.props, 1)
	assert.Equal(t, []string{"gain", "@unit"}, m.removed)

	m, err = decode(encode(&message{kind: kindModify, id: 7, removed: []string{"gain"}}))
	require.NoError(t, err)
	assert.Empty(t, m.props)
	assert.Equal(t, []string{"gain"}, m.removed)

	rec := protocol.Record(kindDevice, protocol.Concat(
		protocol.Record(fieldOrigin, make([]byte, 16)),
		protocol.Record(fieldID, protocol.Uint64(7)),
		protocol.Record(fieldRemove, []byte("gain")),
	))
	_, err = decode(rec)
	assert.ErrorIs(t, err, ErrMalformed)
}
