package protocol

import (
	"context"
	"io"
)

// Feeder yields records to write; it blocks until some are ready or ctx
// ends, returning nothing in the latter case.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer takes whole records read off a connection.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

// Link is the record side of one connection. Name labels it in logs.
type Link interface {
	Feeder
	Drainer
	io.Closer
	Name() string
}
