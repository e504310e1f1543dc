package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/libmapper/libmapper/protocol"
	"github.com/libmapper/libmapper/utils"
)

type ConnType = uint

const (
	TCP ConnType = iota + 1
	TLS
)

const (
	TYPICAL_MTU = 1500
	// MAX_OUT_QUEUE_LEN bounds the per-peer batch queue; a slow peer
	// loses batches rather than stalling the others.
	MAX_OUT_QUEUE_LEN = 1 << 10

	MAX_RETRY_PERIOD = time.Minute
	MIN_RETRY_PERIOD = time.Second / 2
)

// Net is a full mesh of TCP (or TLS) links. Every record sent goes to
// every live link; everything read from any link lands in one inbox.
// Connect every graph to every other for full coverage: records are
// not forwarded.
type Net struct {
	wg  sync.WaitGroup
	log utils.Logger

	conns     *xsync.MapOf[string, *Peer]
	listens   *xsync.MapOf[string, net.Listener]
	ctx       context.Context
	cancelCtx context.CancelFunc

	mu sync.Mutex
	in inbox

	tlsConfig     *tls.Config
	writeTimeout  time.Duration
	readTimeLimit time.Duration
	bufferMaxSize int
}

var _ Transport = (*Net)(nil)

type NetOpt interface {
	Apply(*Net)
}

type NetWriteTimeoutOpt struct {
	Timeout time.Duration
}

func (opt *NetWriteTimeoutOpt) Apply(n *Net) {
	n.writeTimeout = opt.Timeout
}

type NetTlsConfigOpt struct {
	Config *tls.Config
}

func (opt *NetTlsConfigOpt) Apply(n *Net) {
	n.tlsConfig = opt.Config
}

type NetReadBatchOpt struct {
	ReadTimeLimit time.Duration
	BufferMaxSize int
}

func (opt *NetReadBatchOpt) Apply(n *Net) {
	n.readTimeLimit = opt.ReadTimeLimit
	n.bufferMaxSize = opt.BufferMaxSize
}

func NewNet(log utils.Logger, opts ...NetOpt) *Net {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		log:           log,
		ctx:           ctx,
		cancelCtx:     cancel,
		conns:         xsync.NewMapOf[string, *Peer](),
		listens:       xsync.NewMapOf[string, net.Listener](),
		in:            newInbox(),
		readTimeLimit: 50 * time.Millisecond,
		bufferMaxSize: 1 << 20,
	}
	for _, o := range opts {
		o.Apply(n)
	}
	return n
}

type NetStats struct {
	Peers        int
	WriteBatches map[string]float64
}

func (n *Net) GetStats() NetStats {
	stats := NetStats{WriteBatches: make(map[string]float64)}
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil {
			stats.Peers++
			stats.WriteBatches[name] = peer.writeBatchSize.Val()
		}
		return true
	})
	return stats
}

func (n *Net) Send(ctx context.Context, recs protocol.Records) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	if len(recs) == 0 {
		return nil
	}
	n.conns.Range(func(name string, peer *Peer) bool {
		if peer != nil && !peer.link.enqueue(recs) {
			n.log.WarnCtx(ctx, "net: outbox full, batch dropped", "name", name)
		}
		return true
	})
	return nil
}

func (n *Net) Receive(ctx context.Context, d time.Duration) (protocol.Records, error) {
	if n.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if recs := n.take(); len(recs) > 0 {
		return recs, nil
	}
	wait(ctx, n.in.notify, d)
	return n.take(), nil
}

func (n *Net) take() protocol.Records {
	n.mu.Lock()
	defer n.mu.Unlock()
	recs := n.in.recs
	n.in.recs = nil
	return recs
}

func (n *Net) drain(recs protocol.Records) {
	n.mu.Lock()
	n.in.recs = append(n.in.recs, recs...)
	n.in.wake()
	n.mu.Unlock()
}

func (n *Net) Close() error {
	n.cancelCtx()

	n.listens.Range(func(_ string, l net.Listener) bool {
		if l != nil {
			l.Close()
		}
		return true
	})
	n.listens.Clear()

	n.conns.Range(func(_ string, p *Peer) bool {
		// nil while still dialing
		if p != nil {
			p.Close()
		}
		return true
	})
	n.conns.Clear()

	n.wg.Wait()
	return nil
}

func (n *Net) Connect(addr string) error {
	return n.ConnectPool(addr, []string{addr})
}

// ConnectPool keeps one link to the first reachable address of addrs,
// redialing with exponential backoff whenever it drops.
func (n *Net) ConnectPool(name string, addrs []string) error {
	if _, ok := n.conns.LoadOrStore(name, nil); ok {
		return ErrAddressDuplicated
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepConnecting(name, addrs)
	}()
	return nil
}

func (n *Net) Disconnect(name string) error {
	p, ok := n.conns.LoadAndDelete(name)
	if !ok {
		return ErrAddressUnknown
	}
	if p != nil {
		p.Close()
	}
	return nil
}

func (n *Net) Listen(addr string) error {
	if _, ok := n.listens.LoadOrStore(addr, nil); ok {
		return ErrAddressDuplicated
	}
	listener, err := n.createListener(addr)
	if err != nil {
		n.listens.Delete(addr)
		return err
	}
	n.listens.Store(addr, listener)
	n.log.Info("net: listening", "addr", addr, "local", listener.Addr().String())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.KeepListening(addr)
	}()
	return nil
}

// ListenAddr reports the bound address of a listener, useful with ":0".
func (n *Net) ListenAddr(addr string) (string, bool) {
	l, ok := n.listens.Load(addr)
	if !ok || l == nil {
		return "", false
	}
	return l.Addr().String(), true
}

func (n *Net) Unlisten(addr string) error {
	l, ok := n.listens.LoadAndDelete(addr)
	if !ok || l == nil {
		return ErrAddressUnknown
	}
	return l.Close()
}

func (n *Net) KeepConnecting(name string, addrs []string) {
	backoff := MIN_RETRY_PERIOD
	for n.ctx.Err() == nil {
		var err error
		var conn net.Conn
		for _, addr := range addrs {
			if conn, err = n.createConn(addr); err == nil {
				break
			}
		}
		if err != nil {
			n.log.Error("net: couldn't connect", "name", name, "err", err)
			select {
			case <-time.After(backoff):
			case <-n.ctx.Done():
			}
			backoff = min(MAX_RETRY_PERIOD, backoff*2)
			continue
		}
		n.log.Info("net: connected", "name", name)
		backoff = MIN_RETRY_PERIOD
		n.keepPeer(name, conn, true)
	}
}

func (n *Net) KeepListening(addr string) {
	for n.ctx.Err() == nil {
		listener, ok := n.listens.Load(addr)
		if !ok || listener == nil {
			break
		}
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			n.log.Error("net: couldn't accept request", "addr", addr, "err", err)
			continue
		}
		remote := conn.RemoteAddr().String()
		n.log.Info("net: accept connection", "addr", addr, "remoteAddr", remote)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.keepPeer(fmt.Sprintf("listen:%s:%s", uuid.Must(uuid.NewV7()).String(), remote), conn, false)
		}()
	}
	n.log.Info("net: listener closed", "addr", addr)
}

func (n *Net) keepPeer(name string, conn net.Conn, dialed bool) {
	peer := &Peer{
		link:           newLink(name, n),
		conn:           conn,
		writeTimeout:   n.writeTimeout,
		readTimeLimit:  n.readTimeLimit,
		bufferMaxSize:  n.bufferMaxSize,
		writeBatchSize: utils.NewAvgVal(0.2),
	}
	n.conns.Store(name, peer)

	rerr, werr, cerr := peer.Keep(n.ctx)
	if rerr != nil {
		n.log.Error("net: couldn't read from peer", "name", name, "err", rerr, "peer", peer.Name())
	}
	if werr != nil {
		n.log.Error("net: couldn't write to peer", "name", name, "err", werr, "peer", peer.Name())
	}
	if cerr != nil {
		n.log.Error("net: couldn't correct close peer", "name", name, "err", cerr, "peer", peer.Name())
	}
	peer.Close()
	if dialed {
		// keep the slot reserved so the redial does not race a Connect
		n.conns.Store(name, nil)
	} else {
		n.conns.Delete(name)
	}
}

func (n *Net) createListener(addr string) (net.Listener, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	config := net.ListenConfig{}
	listener, err := config.Listen(n.ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		listener = tls.NewListener(listener, n.tlsConfig)
	}
	return listener, nil
}

func (n *Net) createConn(addr string) (net.Conn, error) {
	connType, address, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	if connType == TLS {
		d := tls.Dialer{Config: n.tlsConfig}
		return d.DialContext(n.ctx, "tcp", address)
	}
	d := net.Dialer{Timeout: time.Minute}
	return d.DialContext(n.ctx, "tcp", address)
}

// parseAddr splits "tcp://host:port" or "tls://host:port"; a bare
// "host:port" is TCP.
func parseAddr(addr string) (ConnType, string, error) {
	if !strings.Contains(addr, "://") {
		return TCP, addr, nil
	}
	u, err := url.Parse(addr)
	if err != nil {
		return TCP, "", err
	}
	var conn ConnType
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		conn = TCP
	case "tls":
		conn = TLS
	default:
		return conn, addr, ErrAddressInvalid
	}
	return conn, u.Host, nil
}
