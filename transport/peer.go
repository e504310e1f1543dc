package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libmapper/libmapper/protocol"
	"github.com/libmapper/libmapper/utils"
)

// link is the per-connection protocol handler: Feed drains the peer's
// outbox, Drain pushes into the shared inbox.
type link struct {
	name string
	net  *Net

	mu     sync.Mutex
	out    chan protocol.Records
	closed bool
}

var _ protocol.Link = (*link)(nil)

func newLink(name string, n *Net) *link {
	return &link{name: name, net: n, out: make(chan protocol.Records, MAX_OUT_QUEUE_LEN)}
}

func (l *link) enqueue(recs protocol.Records) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return true
	}
	select {
	case l.out <- recs:
		return true
	default:
		return false
	}
}

func (l *link) Feed(ctx context.Context) (protocol.Records, error) {
	select {
	case recs, ok := <-l.out:
		if !ok {
			return nil, io.EOF
		}
		return recs, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (l *link) Drain(ctx context.Context, recs protocol.Records) error {
	l.net.drain(recs)
	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.out)
	}
	return nil
}

func (l *link) Name() string {
	return l.name
}

// Peer runs the read and write loops of one connection.
type Peer struct {
	closed         atomic.Bool
	wg             sync.WaitGroup
	writeBatchSize *utils.AvgVal

	conn          net.Conn
	link          *link
	readTimeLimit time.Duration
	writeTimeout  time.Duration
	bufferMaxSize int
}

func (p *Peer) Name() string {
	return p.link.Name()
}

// keepRead accumulates bytes until at least one whole record is present,
// then hands every complete record to the link. A partial tail stays in
// the buffer.
func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	for !p.closed.Load() && ctx.Err() == nil {
		if buf.Available() < TYPICAL_MTU {
			buf.Grow(TYPICAL_MTU)
		}
		idle := buf.AvailableBuffer()[:buf.Available()]
		p.conn.SetReadDeadline(time.Now().Add(p.readTimeLimit))
		n, err := p.conn.Read(idle)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				return err
			}
		}
		buf.Write(idle[:n])
		if buf.Len() == 0 {
			continue
		}
		recs, err := protocol.Split(&buf)
		if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
			return err
		}
		if errors.Is(err, protocol.ErrIncomplete) && buf.Len() >= p.bufferMaxSize {
			return errors.Join(err, errors.New("buffer is not enough to read packet"))
		}
		if len(recs) > 0 {
			if err := p.link.Drain(ctx, recs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.link.Feed(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(recs) == 0 {
			continue
		}
		p.writeBatchSize.Add(float64(recs.TotalLen()))
		b := net.Buffers(recs)
		if p.writeTimeout != 0 {
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		if _, err = b.WriteTo(p.conn); err != nil {
			return err
		}
	}
	return nil
}

// Keep runs both loops until either ends. The write side closes the
// connection when it finishes, which unblocks the read side.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(1)
	defer p.wg.Done()
	if p.closed.Load() {
		return nil, nil, nil
	}
	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
			if errors.Is(rerr, net.ErrClosed) {
				rerr = nil
			}
			p.link.Close()
		case werr = <-writeErrCh:
			if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				cerr = err
			}
		}
		p.closed.Store(true)
	}
	return
}

func (p *Peer) Close() {
	p.closed.Store(true)
	p.link.Close()
	p.conn.Close()
}
