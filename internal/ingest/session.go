// Package ingest implements the receiving half of the bridge: a session
// that accepts one inbound RTMP publish, validates and maps its streams,
// normalizes video encapsulation, rescales timestamps to the canonical
// time base, and hands frames to the consumer by pull (ReadFrame) or
// push (StreamFrames).
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/rtmpbridge/internal/avtime"
	"github.com/zsiec/rtmpbridge/internal/bsf"
	"github.com/zsiec/rtmpbridge/internal/container"
	"github.com/zsiec/rtmpbridge/internal/media"
	"github.com/zsiec/rtmpbridge/internal/rtmpio"
	"github.com/zsiec/rtmpbridge/internal/telemetry"
)

// Sentinel errors for ingest session handling. Callers distinguish them
// with errors.Is.
var (
	ErrNoStreams          = errors.New("ingest: no streams found, at least one stream is required")
	ErrFilterUnavailable  = errors.New("ingest: bitstream filter unavailable")
	ErrInvalidStreamIndex = errors.New("ingest: invalid stream index")
	ErrEndOfStream        = errors.New("ingest: end of stream")
	ErrNoSuchStream       = errors.New("ingest: no stream of that kind")
	ErrAlreadyStreaming   = errors.New("ingest: already streaming")
	ErrAlreadyStopped     = errors.New("ingest: already stopped")
	ErrSessionClosed      = errors.New("ingest: session closed")
)

// DefaultFrameBuffer is the push-mode channel depth: enough to absorb
// scheduling jitter between the worker and the consumer.
const DefaultFrameBuffer = 64

// Config configures an ingest session.
type Config struct {
	// URL is the rtmp:// address to listen on for one publish.
	URL string

	// AcceptTimeout bounds the wait for a publisher; 0 waits
	// indefinitely.
	AcceptTimeout time.Duration

	// TimeBase is the canonical time base frames are rescaled into.
	// Defaults to avtime.Millis.
	TimeBase avtime.Rational

	// FrameBuffer is the push-mode channel depth. Defaults to
	// DefaultFrameBuffer.
	FrameBuffer int

	Log *slog.Logger

	// OpenDemuxer overrides the transport, mainly for tests. Defaults to
	// rtmpio.Listen.
	OpenDemuxer func(ctx context.Context, url string, timeout time.Duration) (container.Demuxer, error)
}

// Session is one ingest connection. The constructor either fully
// succeeds or releases everything it acquired; Close is idempotent and
// releases the transport exactly once.
type Session struct {
	log *slog.Logger
	cfg Config

	dem       container.Demuxer
	streams   []container.StreamInfo
	streamMap []int // source index -> compact output index, -1 for excluded streams
	filter    bsf.Filter
	pending   []container.Packet // normalizer outputs queued beyond the first

	mu     sync.Mutex
	worker *worker
	closed bool

	startedAt  time.Time
	framesRead atomic.Int64
	bytesRead  atomic.Int64
}

type worker struct {
	stop chan struct{}
	done chan struct{}
}

// ctxInterrupter lets the transport poll a context while blocked in
// listen/accept, independently of the streaming stop mechanism.
type ctxInterrupter struct {
	ctx context.Context
}

func (c ctxInterrupter) Interrupted() bool {
	return c.ctx.Err() != nil
}

// Open listens on cfg.URL for one RTMP publish, discovers its streams,
// validates codecs against the supported set and prepares the video
// bitstream normalizer. ctx aborts the blocking listen/accept phase; it
// does not govern the session's later lifetime.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if !cfg.TimeBase.Valid() {
		cfg.TimeBase = avtime.Millis
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultFrameBuffer
	}
	open := cfg.OpenDemuxer
	if open == nil {
		open = func(ctx context.Context, url string, timeout time.Duration) (container.Demuxer, error) {
			return rtmpio.Listen(url, timeout, ctxInterrupter{ctx})
		}
	}

	log := cfg.Log.With("component", "ingest")

	dem, err := open(ctx, cfg.URL, cfg.AcceptTimeout)
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:       log,
		cfg:       cfg,
		dem:       dem,
		startedAt: time.Now(),
	}
	if err := s.discover(); err != nil {
		dem.Close()
		return nil, err
	}

	telemetry.SessionsActive.WithLabelValues("ingest").Inc()
	log.Info("session open", "url", cfg.URL, "streams", len(s.streams))
	return s, nil
}

// discover builds the compact stream map and validates codecs. Streams
// that are neither audio nor video are marked absent and never produce
// output; any accepted stream with an unsupported codec fails the whole
// open.
func (s *Session) discover() error {
	s.streams = s.dem.Streams()
	if len(s.streams) == 0 {
		return ErrNoStreams
	}

	s.streamMap = make([]int, len(s.streams))
	next := 0
	var video *container.StreamInfo
	for i := range s.streams {
		st := &s.streams[i]
		if st.Kind != media.Audio && st.Kind != media.Video {
			s.streamMap[i] = -1
			continue
		}
		if !st.Codec.Supported() {
			return &container.UnsupportedCodecError{Name: st.CodecName}
		}
		s.streamMap[i] = next
		next++
		if st.Kind == media.Video && video == nil {
			video = st
		}
		s.log.Debug("stream accepted",
			"index", st.Index, "kind", st.Kind.String(), "codec", st.Codec.String())
	}
	if next == 0 {
		return ErrNoStreams
	}

	if video != nil {
		factory, ok := bsf.Lookup(bsf.NameH264MP4ToAnnexB)
		if !ok {
			return ErrFilterUnavailable
		}
		filter, err := factory(bsf.Config{
			TimeBase:  video.TimeBase,
			Codec:     video.Codec,
			Extradata: video.Extradata,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFilterUnavailable, err)
		}
		s.filter = filter
	}
	return nil
}

// AudioParams returns the codec configuration blob of the first audio
// stream, or ErrNoSuchStream.
func (s *Session) AudioParams() ([]byte, error) {
	return s.params(media.Audio)
}

// VideoParams returns the codec configuration blob of the first video
// stream, or ErrNoSuchStream.
func (s *Session) VideoParams() ([]byte, error) {
	return s.params(media.Video)
}

func (s *Session) params(kind media.Kind) ([]byte, error) {
	for i, st := range s.streams {
		if st.Kind == kind && s.streamMap[i] >= 0 {
			return st.Extradata, nil
		}
	}
	return nil, ErrNoSuchStream
}

// ReadFrame pulls the next frame of an accepted stream, with video
// payloads normalized to Annex-B and timestamps rescaled to the
// canonical time base. Packets of excluded streams are skipped;
// ErrEndOfStream reports a cleanly exhausted source; an out-of-range
// stream index aborts the read with ErrInvalidStreamIndex.
func (s *Session) ReadFrame() (media.Frame, error) {
	return s.readFrame()
}

func (s *Session) readFrame() (media.Frame, error) {
	for {
		if len(s.pending) > 0 {
			pkt := s.pending[0]
			s.pending = s.pending[1:]
			return s.frame(s.streams[pkt.StreamIndex], pkt), nil
		}

		pkt, err := s.dem.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrEndOfStream
			}
			return nil, err
		}
		if pkt.StreamIndex < 0 || pkt.StreamIndex >= len(s.streamMap) {
			return nil, fmt.Errorf("%w: %d", ErrInvalidStreamIndex, pkt.StreamIndex)
		}
		if s.streamMap[pkt.StreamIndex] < 0 {
			continue
		}

		st := s.streams[pkt.StreamIndex]
		if st.Kind == media.Video {
			outs, err := s.filter.Filter(pkt)
			if err != nil {
				return nil, fmt.Errorf("ingest: normalize video packet: %w", err)
			}
			if len(outs) == 0 {
				continue
			}
			s.pending = append(s.pending, outs[1:]...)
			return s.frame(st, outs[0]), nil
		}
		return s.frame(st, pkt), nil
	}
}

func (s *Session) frame(st container.StreamInfo, pkt container.Packet) media.Frame {
	pts := avtime.Rescale(pkt.PTS, st.TimeBase, s.cfg.TimeBase)
	dts := avtime.Rescale(pkt.DTS, st.TimeBase, s.cfg.TimeBase)

	s.framesRead.Add(1)
	s.bytesRead.Add(int64(len(pkt.Data)))
	telemetry.FramesIn.WithLabelValues(st.Kind.String()).Inc()
	telemetry.BytesIn.Add(float64(len(pkt.Data)))

	if st.Kind == media.Video {
		return &media.VideoFrame{PTS: pts, DTS: dts, Keyframe: pkt.Keyframe, Data: pkt.Data}
	}
	return &media.AudioFrame{PTS: pts, DTS: dts, Data: pkt.Data}
}

// StreamFrames starts the push-mode worker: a single goroutine looping
// the pull path and forwarding frames, in order, on the returned
// channel. The channel is closed as the terminal end-of-stream event,
// whether the source finished or the worker was stopped. At most one
// worker runs per session; ErrAlreadyStreaming reports an active one.
func (s *Session) StreamFrames() (<-chan media.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.worker != nil {
		return nil, ErrAlreadyStreaming
	}

	w := &worker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	out := make(chan media.Frame, s.cfg.FrameBuffer)
	s.worker = w
	go s.run(w, out)
	return out, nil
}

// run is the streaming loop. Stop is observed only between packets: a
// frame already being processed always completes, and anything buffered
// beyond it is dropped.
func (s *Session) run(w *worker, out chan<- media.Frame) {
	defer close(w.done)
	defer close(out)
	defer func() {
		s.mu.Lock()
		if s.worker == w {
			s.worker = nil
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		frame, err := s.readFrame()
		if err != nil {
			if !errors.Is(err, ErrEndOfStream) {
				s.log.Warn("streaming loop", "error", err)
			}
			return
		}

		select {
		case out <- frame:
		case <-w.stop:
			return
		}
	}
}

// StopStreaming requests a cooperative stop and blocks until the worker
// observes it and exits. Best effort: no guarantee a clean end-of-stream
// reached the consumer or the remote peer. ErrAlreadyStopped reports an
// idle session, letting callers detect start/stop logic mistakes.
func (s *Session) StopStreaming() error {
	s.mu.Lock()
	w := s.worker
	s.worker = nil
	s.mu.Unlock()

	if w == nil {
		return ErrAlreadyStopped
	}
	close(w.stop)
	<-w.done
	return nil
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	FramesRead int64 `json:"framesRead"`
	BytesRead  int64 `json:"bytesRead"`
	UptimeMs   int64 `json:"uptimeMs"`
}

// Stats returns a snapshot of session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesRead: s.framesRead.Load(),
		BytesRead:  s.bytesRead.Load(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
	}
}

// Close stops an active worker, then releases the normalizer and the
// transport exactly once. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.worker
	s.worker = nil
	s.mu.Unlock()

	if w != nil {
		close(w.stop)
	}
	// Closing the demuxer first unblocks a worker stuck in a read.
	err := s.dem.Close()
	if w != nil {
		<-w.done
	}
	s.filter = nil
	s.pending = nil

	telemetry.SessionsActive.WithLabelValues("ingest").Dec()
	s.log.Info("session closed", "frames", s.framesRead.Load(), "bytes", s.bytesRead.Load())
	return err
}
