// Package store keeps a graph's directory on disk so a restarted graph
// starts warm instead of waiting for every peer to re-announce.
package store

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
)

// Key prefixes.
const (
	objectPrefix = 'O'
	listenPrefix = 'L'
	connPrefix   = 'C'
)

var WriteOptions = pebble.WriteOptions{Sync: false}

type Archive struct {
	db *pebble.DB
}

// Open opens (or creates) an archive under dir. An empty dir keeps
// everything in memory.
func Open(dir string) (*Archive, error) {
	opts := pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, &opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %q", dir)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) DB() *pebble.DB {
	return a.db
}

func (a *Archive) Close() error {
	return errors.Wrap(a.db.Close(), "close archive")
}

func objectKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{objectPrefix}, id)
}

// Put stores the latest announcement of an object.
func (a *Archive) Put(id uint64, rec []byte) error {
	return errors.Wrapf(a.db.Set(objectKey(id), rec, &WriteOptions), "put %016x", id)
}

// PutBatch stores several announcements atomically.
func (a *Archive) PutBatch(recs map[uint64][]byte) error {
	b := a.db.NewBatch()
	defer b.Close()
	for id, rec := range recs {
		if err := b.Set(objectKey(id), rec, nil); err != nil {
			return errors.Wrapf(err, "batch %016x", id)
		}
	}
	return errors.Wrap(b.Commit(&WriteOptions), "commit batch")
}

// Get returns nil, nil for an unknown id.
func (a *Archive) Get(id uint64) ([]byte, error) {
	val, closer, err := a.db.Get(objectKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %016x", id)
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

func (a *Archive) Delete(id uint64) error {
	return errors.Wrapf(a.db.Delete(objectKey(id), &WriteOptions), "delete %016x", id)
}

// Load calls fn for every stored object in id order.
func (a *Archive) Load(fn func(id uint64, rec []byte) error) error {
	it, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{objectPrefix},
		UpperBound: []byte{objectPrefix + 1},
	})
	if err != nil {
		return errors.Wrap(err, "iterate archive")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		id := binary.BigEndian.Uint64(it.Key()[1:])
		if err := fn(id, append([]byte(nil), it.Value()...)); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "iterate archive")
}

// AddListen and AddConnect remember transport addresses for the next
// start.
func (a *Archive) AddListen(addr string) error {
	return a.db.Set(append([]byte{listenPrefix}, addr...), nil, &WriteOptions)
}

func (a *Archive) AddConnect(addr string) error {
	return a.db.Set(append([]byte{connPrefix}, addr...), nil, &WriteOptions)
}

func (a *Archive) Listens() ([]string, error) {
	return a.addrs(listenPrefix)
}

func (a *Archive) Connects() ([]string, error) {
	return a.addrs(connPrefix)
}

func (a *Archive) addrs(prefix byte) (addrs []string, err error) {
	it, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterate addresses")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		addrs = append(addrs, string(it.Key()[1:]))
	}
	return addrs, errors.Wrap(it.Error(), "iterate addresses")
}
