package tracker

import (
	"context"
	"time"
)

// Payload is one merged event addressed to a collector URL.
type Payload struct {
	URL     string            `msgpack:"url" json:"url"`
	Fields  map[string]string `msgpack:"fields" json:"fields"`
	Created time.Time         `msgpack:"created" json:"created"`
}

// Transport delivers payloads over one wire protocol.
type Transport interface {
	Deliver(ctx context.Context, payload Payload) error
	Close() error
}
