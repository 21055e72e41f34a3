// Package egress implements the sending half of the bridge: a session
// that connects to an RTMP endpoint, registers the expected elementary
// streams, writes the container header exactly once when every expected
// stream is registered, and muxes frames with durations derived from
// running timestamps.
package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"

	"github.com/zsiec/rtmpbridge/internal/avtime"
	"github.com/zsiec/rtmpbridge/internal/container"
	"github.com/zsiec/rtmpbridge/internal/media"
	"github.com/zsiec/rtmpbridge/internal/rtmpio"
	"github.com/zsiec/rtmpbridge/internal/telemetry"
)

// Sentinel errors for egress session handling. Callers distinguish them
// with errors.Is; connection errors from TryConnect additionally match
// container.ErrConnectionRefused and container.ErrTimedOut.
var (
	ErrContainerInit  = errors.New("egress: container init failed")
	ErrNotConnected   = errors.New("egress: not connected")
	ErrFormatResent   = errors.New("egress: stream format already set")
	ErrUnexpectedKind = errors.New("egress: stream kind was not requested")
	ErrNotReady       = errors.New("egress: not all expected streams registered")
	ErrNotRegistered  = errors.New("egress: stream not registered")
	ErrInvalidParams  = errors.New("egress: invalid stream parameters")
	ErrHeaderWrite    = errors.New("egress: header write failed")
	ErrFrameWrite     = errors.New("egress: frame write failed")
	ErrTrailerWrite   = errors.New("egress: trailer write failed")
	ErrSessionFailed  = errors.New("egress: session failed, no further writes accepted")
)

// Session lifecycle states and the events moving between them.
const (
	stateAllocated = "allocated"
	stateConnected = "connected"
	stateReady     = "ready"
	stateClosed    = "closed"

	eventConnect = "connect"
	eventOpen    = "open"
	eventFinish  = "finish"
)

// Defaults for the bitrate heuristic applied when the publisher does not
// declare a rate.
const (
	defaultFrameRate = 30.0
	h264BitsPerPixel = 0.116
)

// VideoParams registers the video stream: dimensions, the codec
// configuration blob (AVCDecoderConfigurationRecord) and an optional
// frame rate used by the bitrate estimate. Zero dimensions are filled
// in from the configuration record.
type VideoParams struct {
	Width     int
	Height    int
	Extradata []byte
	FrameRate float64
}

// AudioParams registers the audio stream: channel count, sample rate
// and the codec configuration blob (AudioSpecificConfig). Zero values
// are filled in from the configuration blob.
type AudioParams struct {
	Channels   int
	SampleRate int
	Extradata  []byte
}

// Config configures an egress session. At least one of ExpectVideo and
// ExpectAudio must be set; the header is written once every expected
// stream is registered.
type Config struct {
	// URL is the rtmp:// address to publish to.
	URL string

	ExpectVideo bool
	ExpectAudio bool

	// TimeBase is the time base of incoming frame timestamps. Defaults
	// to avtime.Millis.
	TimeBase avtime.Rational

	// ContainerTimeBase is the muxer's time base. Defaults to
	// avtime.Millis, the native RTMP/FLV base.
	ContainerTimeBase avtime.Rational

	// ConnectTimeout bounds TryConnect; 0 uses the transport default.
	ConnectTimeout time.Duration

	Log *slog.Logger

	// Dial overrides the transport, mainly for tests and for chunked
	// in-process delivery. Defaults to rtmpio.DialOutput.
	Dial func(url string, timeout time.Duration) (container.Muxer, error)
}

// Session is one egress connection. Create allocates it, TryConnect
// attaches the transport, the Init calls register streams and trip the
// single header write, and Finalize releases everything exactly once.
type Session struct {
	log *slog.Logger
	cfg Config

	mu    sync.Mutex
	state *fsm.FSM
	mux   container.Muxer

	video *container.StreamInfo
	audio *container.StreamInfo

	// Running timestamps per kind, in the container time base. The next
	// frame's duration is its distance from the running value.
	videoDTS int64
	audioDTS int64

	failed bool
}

// Create allocates a session. It validates the configuration but opens
// no connection; a session that never connects still must be finalized.
func Create(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrContainerInit)
	}
	if !cfg.ExpectVideo && !cfg.ExpectAudio {
		return nil, fmt.Errorf("%w: no streams requested", ErrContainerInit)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if !cfg.TimeBase.Valid() {
		cfg.TimeBase = avtime.Millis
	}
	if !cfg.ContainerTimeBase.Valid() {
		cfg.ContainerTimeBase = avtime.Millis
	}
	if cfg.Dial == nil {
		cfg.Dial = func(url string, timeout time.Duration) (container.Muxer, error) {
			return rtmpio.DialOutput(url, timeout)
		}
	}

	s := &Session{
		log: cfg.Log.With("component", "egress"),
		cfg: cfg,
		state: fsm.NewFSM(stateAllocated, fsm.Events{
			{Name: eventConnect, Src: []string{stateAllocated}, Dst: stateConnected},
			{Name: eventOpen, Src: []string{stateConnected}, Dst: stateReady},
			{Name: eventFinish, Src: []string{stateAllocated, stateConnected, stateReady}, Dst: stateClosed},
		}, fsm.Callbacks{}),
	}
	telemetry.SessionsActive.WithLabelValues("egress").Inc()
	return s, nil
}

// TryConnect dials the endpoint. A refused or timed-out connection
// leaves the session allocated so the caller can retry; the returned
// error matches container.ErrConnectionRefused or container.ErrTimedOut
// for those cases.
func (s *Session) TryConnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Is(stateAllocated) {
		return fmt.Errorf("egress: connect in state %s", s.state.Current())
	}

	mux, err := s.cfg.Dial(s.cfg.URL, s.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	if err := s.state.Event(ctx, eventConnect); err != nil {
		mux.Close()
		return err
	}
	s.mux = mux
	s.log.Info("connected", "url", s.cfg.URL)
	return nil
}

// InitVideoStream registers the video stream from its codec
// configuration. The returned ready flag reports whether every expected
// stream is now registered and the header has been written. Registering
// the same kind twice fails with ErrFormatResent without disturbing the
// session.
func (s *Session) InitVideoStream(p VideoParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInit(s.cfg.ExpectVideo, s.video != nil); err != nil {
		return false, err
	}

	codec, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(p.Extradata)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	width, height := p.Width, p.Height
	if width == 0 {
		width = codec.Width()
	}
	if height == 0 {
		height = codec.Height()
	}
	s.video = &container.StreamInfo{
		Kind:      media.Video,
		Codec:     container.CodecH264,
		CodecName: "h264",
		TimeBase:  s.cfg.ContainerTimeBase,
		Extradata: p.Extradata,
		Width:     width,
		Height:    height,
	}
	s.log.Debug("video stream registered",
		"width", width, "height", height,
		"bitrate", estimateBitrate(width, height, p.FrameRate))
	return s.maybeOpen()
}

// InitAudioStream registers the audio stream from its codec
// configuration. Semantics mirror InitVideoStream.
func (s *Session) InitAudioStream(p AudioParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkInit(s.cfg.ExpectAudio, s.audio != nil); err != nil {
		return false, err
	}

	codec, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(p.Extradata)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	channels, sampleRate := p.Channels, p.SampleRate
	if channels == 0 {
		channels = codec.ChannelLayout().Count()
	}
	if sampleRate == 0 {
		sampleRate = codec.SampleRate()
	}
	s.audio = &container.StreamInfo{
		Kind:       media.Audio,
		Codec:      container.CodecAAC,
		CodecName:  "aac",
		TimeBase:   s.cfg.ContainerTimeBase,
		Extradata:  p.Extradata,
		Channels:   channels,
		SampleRate: sampleRate,
	}
	s.log.Debug("audio stream registered",
		"channels", s.audio.Channels, "sampleRate", s.audio.SampleRate)
	return s.maybeOpen()
}

func (s *Session) checkInit(expected, already bool) error {
	if s.failed {
		return ErrSessionFailed
	}
	if !s.state.Is(stateConnected) {
		if s.state.Is(stateReady) && already {
			return ErrFormatResent
		}
		return ErrNotConnected
	}
	if !expected {
		return ErrUnexpectedKind
	}
	if already {
		return ErrFormatResent
	}
	return nil
}

// maybeOpen writes the header once every expected stream is registered.
// A header failure marks the session failed: registration stands but no
// write will be accepted afterwards.
func (s *Session) maybeOpen() (bool, error) {
	if s.cfg.ExpectVideo && s.video == nil {
		return false, nil
	}
	if s.cfg.ExpectAudio && s.audio == nil {
		return false, nil
	}

	streams := make([]container.StreamInfo, 0, 2)
	if s.video != nil {
		s.video.Index = len(streams)
		streams = append(streams, *s.video)
	}
	if s.audio != nil {
		s.audio.Index = len(streams)
		streams = append(streams, *s.audio)
	}

	if err := s.mux.WriteHeader(streams); err != nil {
		s.failed = true
		return false, fmt.Errorf("%w: %v", ErrHeaderWrite, err)
	}
	if err := s.state.Event(context.Background(), eventOpen); err != nil {
		s.failed = true
		return false, err
	}
	telemetry.HeaderWrites.Inc()
	s.log.Info("header written", "streams", len(streams))
	return true, nil
}

// WriteVideoFrame muxes one video frame. Timestamps are rescaled into
// the container time base; the frame's duration is its DTS distance
// from the previous video frame.
func (s *Session) WriteVideoFrame(frame *media.VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWrite(s.video); err != nil {
		return err
	}

	pts := avtime.Rescale(frame.PTS, s.cfg.TimeBase, s.cfg.ContainerTimeBase)
	dts := avtime.Rescale(frame.DTS, s.cfg.TimeBase, s.cfg.ContainerTimeBase)
	pkt := container.Packet{
		StreamIndex: s.video.Index,
		PTS:         pts,
		DTS:         dts,
		Duration:    delta(dts, &s.videoDTS),
		Keyframe:    frame.Keyframe,
		Data:        frame.Data,
	}
	return s.writePacket(media.Video, pkt)
}

// WriteAudioFrame muxes one audio frame. Audio carries no reordering,
// so the container DTS is the PTS.
func (s *Session) WriteAudioFrame(frame *media.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkWrite(s.audio); err != nil {
		return err
	}

	pts := avtime.Rescale(frame.PTS, s.cfg.TimeBase, s.cfg.ContainerTimeBase)
	pkt := container.Packet{
		StreamIndex: s.audio.Index,
		PTS:         pts,
		DTS:         pts,
		Duration:    delta(pts, &s.audioDTS),
		Data:        frame.Data,
	}
	return s.writePacket(media.Audio, pkt)
}

func (s *Session) checkWrite(st *container.StreamInfo) error {
	if s.failed {
		return ErrSessionFailed
	}
	if st == nil {
		if s.state.Is(stateReady) || s.state.Is(stateConnected) {
			return ErrNotRegistered
		}
		return ErrNotConnected
	}
	if !s.state.Is(stateReady) {
		return ErrNotReady
	}
	return nil
}

// writePacket muxes one packet. A transport failure is returned but
// leaves the session usable; only header and trailer failures disable
// it.
func (s *Session) writePacket(kind media.Kind, pkt container.Packet) error {
	if err := s.mux.WritePacket(pkt); err != nil {
		return fmt.Errorf("%w: %v", ErrFrameWrite, err)
	}
	telemetry.FramesOut.WithLabelValues(kind.String()).Inc()
	telemetry.BytesOut.Add(float64(len(pkt.Data)))
	return nil
}

// delta advances the running timestamp and returns the step to it. A
// backwards timestamp contributes zero duration rather than a negative
// one.
func delta(ts int64, running *int64) int64 {
	d := ts - *running
	if d < 0 {
		d = 0
	}
	*running = ts
	return d
}

// Finalize writes the trailer if the session ever became ready, then
// releases the transport. Idempotent: every path moves the session to
// closed, and a second call is a no-op. A session that never connected
// or never wrote its header finalizes quietly.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Is(stateClosed) {
		return nil
	}

	ready := s.state.Is(stateReady)
	if err := s.state.Event(context.Background(), eventFinish); err != nil {
		return err
	}
	telemetry.SessionsActive.WithLabelValues("egress").Dec()

	if s.mux == nil {
		return nil
	}
	var trailerErr error
	if ready && !s.failed {
		if err := s.mux.WriteTrailer(); err != nil {
			s.failed = true
			trailerErr = fmt.Errorf("%w: %v", ErrTrailerWrite, err)
		}
	}
	closeErr := s.mux.Close()
	s.mux = nil

	if trailerErr != nil {
		return trailerErr
	}
	if closeErr != nil {
		return fmt.Errorf("egress: close transport: %w", closeErr)
	}
	s.log.Info("session finalized", "url", s.cfg.URL)
	return nil
}

// Close is Finalize under the usual name.
func (s *Session) Close() error {
	return s.Finalize()
}

// estimateBitrate is the bits-per-pixel heuristic applied when the
// source declares no rate.
func estimateBitrate(width, height int, frameRate float64) int64 {
	if frameRate <= 0 {
		frameRate = defaultFrameRate
	}
	return int64(h264BitsPerPixel * float64(width) * float64(height) * frameRate)
}
