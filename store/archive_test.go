package store

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchivePutGetLoad(t *testing.T) {
	a, err := Open("")
	require.NoError(t, err)
	defer a.Close()

	got, err := a.Get(1)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, a.Put(2<<32, []byte("dev")))
	require.NoError(t, a.PutBatch(map[uint64][]byte{
		1 << 32:   []byte("first"),
		2<<32 | 1: []byte("sig"),
	}))
	require.NoError(t, a.Put(1<<32, []byte("first again")))

	got, err = a.Get(1 << 32)
	require.NoError(t, err)
	assert.Equal(t, []byte("first again"), got)

	var ids []uint64
	require.NoError(t, a.Load(func(id uint64, rec []byte) error {
		ids = append(ids, id)
		return nil
	}))
	assert.Equal(t, []uint64{1 << 32, 2 << 32, 2<<32 | 1}, ids)

	require.NoError(t, a.Delete(2<<32))
	got, err = a.Get(2 << 32)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestArchiveAddresses(t *testing.T) {
	a, err := Open("")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.AddListen("tcp://:7570"))
	require.NoError(t, a.AddConnect("tcp://peer:7570"))
	require.NoError(t, a.Put(5, []byte("x")))

	l, err := a.Listens()
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://:7570"}, l)
	c, err := a.Connects()
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://peer:7570"}, c)
}

func TestArchiveReopen(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, a.Put(9, []byte("kept")))
	require.NoError(t, a.Close())

	a, err = Open(dir)
	require.NoError(t, err)
	defer a.Close()
	got, err := a.Get(9)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got)
}

func TestCollectorRegisters(t *testing.T) {
	a, err := Open("")
	require.NoError(t, err)
	defer a.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(a)))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 9)
}
