package libmapper

import (
	"log/slog"
	"time"

	"github.com/libmapper/libmapper/expr"
	"github.com/libmapper/libmapper/store"
	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/transport"
	"github.com/libmapper/libmapper/utils"
	"github.com/libmapper/libmapper/value"
)

// defaultBus connects every Graph of the process created without an
// explicit Transport.
var defaultBus = transport.NewBus()

type Options struct {
	Logger    utils.Logger
	Clock     timetag.Clock
	Transport transport.Transport
	Engine    expr.Engine
	// Archive, when set, warm starts the directory and records every
	// remote announcement.
	Archive *store.Archive
	// Subscribe limits the remote object types recorded. Devices are
	// always recorded.
	Subscribe value.Type

	HeartbeatInterval time.Duration
	ExpireTimeout     time.Duration
	ReleaseTimeout    time.Duration
	ProbeWait         time.Duration

	Interface string
	Port      int

	ownTransport bool
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.Clock == nil {
		o.Clock = timetag.NewSystemClock()
	}
	if o.Transport == nil {
		ep, err := defaultBus.Join("")
		if err == nil {
			o.Transport = ep
			o.ownTransport = true
		}
	}
	if o.Engine == nil {
		o.Engine = expr.NewStarlark()
	}
	if o.Subscribe == 0 {
		o.Subscribe = value.Object
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.ExpireTimeout == 0 {
		o.ExpireTimeout = 10 * time.Second
	}
	if o.ReleaseTimeout == 0 {
		o.ReleaseTimeout = 5 * time.Second
	}
	if o.ProbeWait == 0 {
		o.ProbeWait = 500 * time.Millisecond
	}
}
