// Package container is the seam between the session layer and the
// underlying media I/O implementation. It defines elementary stream
// descriptions, demuxed packets, and the demuxer/muxer contracts the
// sessions are written against; internal/rtmpio provides the RTMP/FLV
// implementation.
package container

import (
	"errors"
	"fmt"

	"github.com/zsiec/rtmpbridge/internal/avtime"
	"github.com/zsiec/rtmpbridge/internal/media"
)

// Codec identifies the codec of an elementary stream.
type Codec int

const (
	CodecUnknown Codec = iota
	CodecH264
	CodecAAC
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecAAC:
		return "aac"
	}
	return "unknown"
}

// Supported reports whether the bridge accepts streams of this codec.
// Validation is an explicit supported/unsupported branch: every other
// codec fails session setup with an UnsupportedCodecError.
func (c Codec) Supported() bool {
	switch c {
	case CodecH264, CodecAAC:
		return true
	}
	return false
}

// UnsupportedCodecError reports a discovered stream whose codec is
// outside the accepted set.
type UnsupportedCodecError struct {
	Name string
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("container: unsupported codec %s, only H264 and AAC are supported", e.Name)
}

// Connection errors surfaced by muxer transports, classified so callers
// can retry with backoff where it makes sense.
var (
	ErrConnectionRefused = errors.New("container: connection refused")
	ErrTimedOut          = errors.New("container: connection timed out")
)

// StreamInfo describes one elementary stream of a container.
type StreamInfo struct {
	Index     int
	Kind      media.Kind
	Codec     Codec
	CodecName string // original codec name, kept for unsupported-codec errors
	TimeBase  avtime.Rational
	Extradata []byte // codec configuration blob (AVC record / AudioSpecificConfig)

	// Video only.
	Width  int
	Height int

	// Audio only.
	Channels   int
	SampleRate int
}

// Packet is one demuxed (or to-be-muxed) elementary packet. Timestamps
// and duration are in the owning stream's time base.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	Data        []byte
}

// Demuxer is the read side of the media I/O collaborator. ReadPacket
// returns io.EOF when the source is exhausted. Close releases the
// transport and must be safe to call after a read error.
type Demuxer interface {
	Streams() []StreamInfo
	ReadPacket() (Packet, error)
	Close() error
}

// Muxer is the write side of the media I/O collaborator. WriteHeader
// must be called exactly once before any WritePacket; WriteTrailer at
// most once after the last packet.
type Muxer interface {
	WriteHeader(streams []StreamInfo) error
	WritePacket(pkt Packet) error
	WriteTrailer() error
	Close() error
}
