// Package bsf provides per-session bitstream filters that re-encapsulate
// packet payloads between container conventions. Filters are stateful:
// one instance is bound to a single input stream for the life of a
// session.
package bsf

import (
	"github.com/zsiec/rtmpbridge/internal/avtime"
	"github.com/zsiec/rtmpbridge/internal/container"
)

// Filter consumes one packet and produces zero or more output packets.
// Callers must accept more than one output when a filter splits an
// access unit.
type Filter interface {
	Filter(pkt container.Packet) ([]container.Packet, error)
}

// Config carries the input-stream parameters a filter is bound to at
// session setup.
type Config struct {
	TimeBase  avtime.Rational
	Codec     container.Codec
	Extradata []byte
}

// Factory builds a filter bound to one stream. A construction error is
// unrecoverable for the session being set up.
type Factory func(cfg Config) (Filter, error)

var registry = map[string]Factory{
	NameH264MP4ToAnnexB: newAnnexB,
}

// Lookup returns the factory registered under name. A missing name means
// the filter is unavailable and session setup must fail.
func Lookup(name string) (Factory, bool) {
	f, ok := registry[name]
	return f, ok
}
