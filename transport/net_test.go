package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper/protocol"
	"github.com/libmapper/libmapper/utils"
)

func TestParseAddr(t *testing.T) {
	typ, addr, err := parseAddr("tcp://localhost:7570")
	require.NoError(t, err)
	assert.Equal(t, TCP, typ)
	assert.Equal(t, "localhost:7570", addr)

	typ, addr, err = parseAddr("tls://example.com:443")
	require.NoError(t, err)
	assert.Equal(t, TLS, typ)
	assert.Equal(t, "example.com:443", addr)

	typ, addr, err = parseAddr("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, TCP, typ)
	assert.Equal(t, "127.0.0.1:9000", addr)

	_, _, err = parseAddr("udp://localhost:1")
	assert.ErrorIs(t, err, ErrAddressInvalid)
}

func TestNetRoundTrip(t *testing.T) {
	ctx := context.Background()
	log := utils.NewDiscardLogger()

	server := NewNet(log)
	defer server.Close()
	require.NoError(t, server.Listen("tcp://127.0.0.1:0"))
	bound, ok := server.ListenAddr("tcp://127.0.0.1:0")
	require.True(t, ok)

	client := NewNet(log)
	defer client.Close()
	require.NoError(t, client.Connect("tcp://"+bound))
	assert.ErrorIs(t, client.Connect("tcp://"+bound), ErrAddressDuplicated)

	require.Eventually(t, func() bool {
		return client.GetStats().Peers == 1 && server.GetStats().Peers == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := protocol.Record('U', protocol.Uint64(42))
	require.NoError(t, client.Send(ctx, protocol.Records{rec}))

	var got protocol.Records
	require.Eventually(t, func() bool {
		recs, err := server.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		got = append(got, recs...)
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, rec, got[0])

	require.NoError(t, server.Send(ctx, protocol.Records{protocol.Record('D', []byte("back"))}))
	got = nil
	require.Eventually(t, func() bool {
		recs, _ := client.Receive(ctx, 10*time.Millisecond)
		got = append(got, recs...)
		return len(got) > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, byte('D'), protocol.Lit(got[0]))
}

func TestNetClosed(t *testing.T) {
	n := NewNet(utils.NewDiscardLogger())
	require.NoError(t, n.Close())
	_, err := n.Receive(context.Background(), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, n.Disconnect("nope"), ErrAddressUnknown)
}
