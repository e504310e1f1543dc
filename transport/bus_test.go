package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper/protocol"
)

func TestBusBroadcast(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a, err := bus.Join("a")
	require.NoError(t, err)
	b, err := bus.Join("b")
	require.NoError(t, err)
	c, err := bus.Join("c")
	require.NoError(t, err)
	_, err = bus.Join("a")
	assert.ErrorIs(t, err, ErrAddressDuplicated)

	require.NoError(t, a.Send(ctx, protocol.Records{protocol.Record('D', []byte("x"))}))

	for _, ep := range []*Endpoint{b, c} {
		recs, err := ep.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, byte('D'), protocol.Lit(recs[0]))
	}
	recs, err := a.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestBusReceiveTimesOut(t *testing.T) {
	bus := NewBus()
	a, _ := bus.Join("")
	start := time.Now()
	recs, err := a.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestBusDuplicate(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(&BusDuplicateOpt{})
	a, _ := bus.Join("a")
	b, _ := bus.Join("b")
	require.NoError(t, a.Send(ctx, protocol.Records{protocol.Record('U', []byte("1"))}))
	recs, err := b.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestBusReorderKeepsEveryRecord(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(&BusReorderOpt{Seed: 7})
	a, _ := bus.Join("a")
	b, _ := bus.Join("b")
	var sent protocol.Records
	for i := 0; i < 20; i++ {
		sent = append(sent, protocol.Record('U', protocol.Uint64(uint64(i))))
	}
	for _, rec := range sent {
		require.NoError(t, a.Send(ctx, protocol.Records{rec}))
	}
	recs, err := b.Receive(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, sent, recs)
}

func TestEndpointClose(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	a, _ := bus.Join("a")
	b, _ := bus.Join("b")
	require.NoError(t, b.Close())
	assert.Equal(t, 1, bus.Size())
	require.NoError(t, a.Send(ctx, protocol.Records{protocol.Record('D')}))
	_, err := b.Receive(ctx, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, nil), ErrClosed)
}
