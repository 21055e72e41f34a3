// Package media defines the frame types that flow through the bridge,
// from ingest demuxing to egress muxing.
package media

// Kind identifies an elementary stream type. Streams of any other type
// (data, subtitles, ...) are excluded at discovery and never produce
// frames.
type Kind int

const (
	Unknown Kind = iota
	Audio
	Video
)

func (k Kind) String() string {
	switch k {
	case Audio:
		return "audio"
	case Video:
		return "video"
	}
	return "unknown"
}

// Frame is the closed union of frame variants an ingest session
// produces. Exactly two types implement it: *VideoFrame and *AudioFrame.
// Consumers branch with an exhaustive type switch.
//
// In push mode frames are delivered in order on a channel; closing the
// channel is the terminal end-of-stream event.
type Frame interface {
	frame()
}

// VideoFrame is one H.264 access unit in Annex-B encapsulation, with
// timestamps already rescaled to the session's canonical time base.
type VideoFrame struct {
	PTS      int64
	DTS      int64
	Keyframe bool
	Data     []byte
}

// AudioFrame is one AAC frame. Audio has no independent decode
// timestamp, so DTS equals PTS.
type AudioFrame struct {
	PTS  int64
	DTS  int64
	Data []byte
}

func (*VideoFrame) frame() {}
func (*AudioFrame) frame() {}
