// Package transport moves mapper records between graphs. Delivery is
// broadcast, best effort, and may reorder or duplicate; the graph layer
// tolerates both.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/libmapper/libmapper/protocol"
)

var (
	ErrClosed            = errors.New("mapper: transport closed")
	ErrAddressInvalid    = errors.New("mapper: address invalid")
	ErrAddressDuplicated = errors.New("mapper: address already used")
	ErrAddressUnknown    = errors.New("mapper: address unknown")
)

type Transport interface {
	// Send broadcasts whole records to every other participant.
	Send(ctx context.Context, recs protocol.Records) error
	// Receive returns whatever has arrived, waiting up to wait for the
	// first record. It never blocks past wait or ctx.
	Receive(ctx context.Context, wait time.Duration) (protocol.Records, error)
	Close() error
}

// inbox is a notify-on-push record queue shared by the implementations.
type inbox struct {
	recs   protocol.Records
	notify chan struct{}
}

func newInbox() inbox {
	return inbox{notify: make(chan struct{}, 1)}
}

func (in *inbox) wake() {
	select {
	case in.notify <- struct{}{}:
	default:
	}
}

func wait(ctx context.Context, notify <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
	case <-ctx.Done():
	}
}
