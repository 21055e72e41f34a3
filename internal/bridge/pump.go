package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nareix/joy4/codec/h264parser"

	"github.com/zsiec/rtmpbridge/internal/egress"
	"github.com/zsiec/rtmpbridge/internal/ingest"
	"github.com/zsiec/rtmpbridge/internal/media"
)

// Expect reports which stream kinds the ingest session carries, for
// sizing the egress side before connecting it.
func Expect(in *ingest.Session) (video, audio bool) {
	_, verr := in.VideoParams()
	_, aerr := in.AudioParams()
	return verr == nil, aerr == nil
}

// Pump registers the ingest session's streams on the egress session,
// then forwards frames until the source ends, a write fails, or ctx is
// canceled. It finalizes neither session; ownership stays with the
// caller. Returns nil on a clean end of stream.
func Pump(ctx context.Context, in *ingest.Session, out *egress.Session, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bridge")

	if err := register(in, out); err != nil {
		return err
	}

	frames, err := in.StreamFrames()
	if err != nil {
		return fmt.Errorf("bridge: start streaming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := in.StopStreaming(); err != nil && !errors.Is(err, ingest.ErrAlreadyStopped) {
				log.Warn("stop streaming", "error", err)
			}
			for range frames {
			}
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				log.Info("source ended")
				return nil
			}
			if err := forward(out, frame); err != nil {
				if stopErr := in.StopStreaming(); stopErr != nil && !errors.Is(stopErr, ingest.ErrAlreadyStopped) {
					log.Warn("stop streaming", "error", stopErr)
				}
				for range frames {
				}
				return err
			}
		}
	}
}

// register feeds the ingest side's codec parameters to the egress side.
// The egress session must have been created expecting exactly the kinds
// the ingest session carries, so the last registration reports ready.
func register(in *ingest.Session, out *egress.Session) error {
	ready := false

	if params, err := in.VideoParams(); err == nil {
		ready, err = out.InitVideoStream(egress.VideoParams{Extradata: params})
		if err != nil {
			return fmt.Errorf("bridge: register video: %w", err)
		}
	} else if !errors.Is(err, ingest.ErrNoSuchStream) {
		return err
	}

	if params, err := in.AudioParams(); err == nil {
		ready, err = out.InitAudioStream(egress.AudioParams{Extradata: params})
		if err != nil {
			return fmt.Errorf("bridge: register audio: %w", err)
		}
	} else if !errors.Is(err, ingest.ErrNoSuchStream) {
		return err
	}

	if !ready {
		return errors.New("bridge: egress not ready after registration")
	}
	return nil
}

func forward(out *egress.Session, frame media.Frame) error {
	switch f := frame.(type) {
	case *media.VideoFrame:
		repacked := *f
		repacked.Data = avccPayload(f.Data)
		return out.WriteVideoFrame(&repacked)
	case *media.AudioFrame:
		return out.WriteAudioFrame(f)
	}
	return fmt.Errorf("bridge: unknown frame type %T", frame)
}

// avccPayload re-encapsulates an Annex-B access unit as length-prefixed
// AVCC, the layout the outbound container expects. Payloads already in
// AVCC form pass through unchanged.
func avccPayload(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	nalus, typ := h264parser.SplitNALUs(data)
	if typ == h264parser.NALU_AVCC || len(nalus) == 0 {
		return data
	}

	size := 0
	for _, nalu := range nalus {
		size += 4 + len(nalu)
	}
	out := make([]byte, 0, size)
	for _, nalu := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}
