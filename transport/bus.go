package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/libmapper/libmapper/protocol"
)

// Bus is an in-process broadcast medium. Every Endpoint joined to it sees
// what the others send.
type Bus struct {
	endpoints *xsync.MapOf[string, *Endpoint]

	mu        sync.Mutex
	rnd       *rand.Rand
	reorder   bool
	duplicate bool
}

type BusOpt interface {
	Apply(*Bus)
}

// BusReorderOpt delivers each record at a random position in the
// receiver's queue.
type BusReorderOpt struct {
	Seed int64
}

func (opt *BusReorderOpt) Apply(b *Bus) {
	b.reorder = true
	b.rnd = rand.New(rand.NewSource(opt.Seed))
}

// BusDuplicateOpt delivers every record twice.
type BusDuplicateOpt struct{}

func (opt *BusDuplicateOpt) Apply(b *Bus) {
	b.duplicate = true
}

func NewBus(opts ...BusOpt) *Bus {
	b := &Bus{endpoints: xsync.NewMapOf[string, *Endpoint]()}
	for _, o := range opts {
		o.Apply(b)
	}
	return b
}

// Join attaches a new endpoint; an empty name gets a generated one.
func (b *Bus) Join(name string) (*Endpoint, error) {
	if name == "" {
		name = uuid.Must(uuid.NewV7()).String()
	}
	ep := &Endpoint{bus: b, name: name, in: newInbox()}
	if _, loaded := b.endpoints.LoadOrStore(name, ep); loaded {
		return nil, ErrAddressDuplicated
	}
	return ep, nil
}

func (b *Bus) Size() int {
	return b.endpoints.Size()
}

func (b *Bus) deliver(from string, recs protocol.Records) {
	b.endpoints.Range(func(name string, ep *Endpoint) bool {
		if name == from {
			return true
		}
		times := 1
		if b.duplicate {
			times = 2
		}
		for i := 0; i < times; i++ {
			ep.push(b, recs)
		}
		return true
	})
}

func (b *Bus) position(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rnd.Intn(n + 1)
}

type Endpoint struct {
	bus  *Bus
	name string

	mu     sync.Mutex
	in     inbox
	closed bool
}

var _ Transport = (*Endpoint)(nil)

func (ep *Endpoint) Name() string {
	return ep.name
}

func (ep *Endpoint) push(b *Bus, recs protocol.Records) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return
	}
	for _, rec := range recs {
		cp := append([]byte(nil), rec...)
		if b.reorder {
			at := b.position(len(ep.in.recs))
			ep.in.recs = append(ep.in.recs, nil)
			copy(ep.in.recs[at+1:], ep.in.recs[at:])
			ep.in.recs[at] = cp
		} else {
			ep.in.recs = append(ep.in.recs, cp)
		}
	}
	ep.in.wake()
}

func (ep *Endpoint) Send(ctx context.Context, recs protocol.Records) error {
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if len(recs) > 0 {
		ep.bus.deliver(ep.name, recs)
	}
	return nil
}

func (ep *Endpoint) take() (protocol.Records, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	recs := ep.in.recs
	ep.in.recs = nil
	return recs, ep.closed
}

func (ep *Endpoint) Receive(ctx context.Context, d time.Duration) (protocol.Records, error) {
	recs, closed := ep.take()
	if closed {
		return nil, ErrClosed
	}
	if len(recs) > 0 {
		return recs, nil
	}
	wait(ctx, ep.in.notify, d)
	recs, _ = ep.take()
	return recs, nil
}

func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	ep.closed = true
	ep.in.recs = nil
	ep.mu.Unlock()
	ep.bus.endpoints.Delete(ep.name)
	return nil
}
