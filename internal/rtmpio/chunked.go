package rtmpio

import (
	"errors"
	"fmt"
	"io"

	"github.com/nareix/joy4/format/flv"

	"github.com/zsiec/rtmpbridge/internal/container"
)

// SeekSizeWhence is the out-of-band whence value size probes use
// (ffmpeg's AVSEEK_SIZE).
const SeekSizeWhence = 0x10000

// placeholderCapacity is the fixed capacity reported to size probes.
// True seeking is unsupported; the value only satisfies formats that
// probe before streaming.
const placeholderCapacity = 4096

// ErrUnsupportedSeek is returned for any seek request kind other than
// set/cur/end positioning or a size probe.
var ErrUnsupportedSeek = errors.New("rtmpio: unsupported seek")

// ChunkWriter forwards every serialized chunk a muxer produces to an
// in-process consumer as an opaque binary message, instead of writing to
// a file or socket. It is only valid for container formats that never
// truly seek, such as streamed FLV.
type ChunkWriter struct {
	sink chan<- []byte
}

// NewChunkWriter returns a writer forwarding chunks to sink. The caller
// owns the channel and its lifetime; the writer never closes it.
func NewChunkWriter(sink chan<- []byte) *ChunkWriter {
	return &ChunkWriter{sink: sink}
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.sink <- chunk
	return len(p), nil
}

// Seek satisfies seekability probes without moving anywhere: position
// requests report a constant success value, size probes report a fixed
// placeholder capacity, anything else fails.
func (w *ChunkWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart, io.SeekCurrent, io.SeekEnd:
		return 1, nil
	case SeekSizeWhence:
		return placeholderCapacity, nil
	}
	return 0, ErrUnsupportedSeek
}

// ChunkedOutput is a container.Muxer that serializes packets into an FLV
// stream and forwards the bytes chunk-by-chunk to an in-process
// consumer.
type ChunkedOutput struct {
	mux *flv.Muxer
}

// NewChunkedOutput builds an FLV muxer over a ChunkWriter bound to sink.
func NewChunkedOutput(sink chan<- []byte) *ChunkedOutput {
	return &ChunkedOutput{mux: flv.NewMuxer(NewChunkWriter(sink))}
}

func (out *ChunkedOutput) WriteHeader(streams []container.StreamInfo) error {
	codecs, err := codecDataList(streams)
	if err != nil {
		return err
	}
	if err := out.mux.WriteHeader(codecs); err != nil {
		return fmt.Errorf("rtmpio: write flv header: %w", err)
	}
	return nil
}

func (out *ChunkedOutput) WritePacket(pkt container.Packet) error {
	if err := out.mux.WritePacket(packetToAV(pkt)); err != nil {
		return fmt.Errorf("rtmpio: write flv packet: %w", err)
	}
	return nil
}

func (out *ChunkedOutput) WriteTrailer() error {
	if err := out.mux.WriteTrailer(); err != nil {
		return fmt.Errorf("rtmpio: write flv trailer: %w", err)
	}
	return nil
}

// Close is a no-op: the sink channel belongs to the consumer.
func (out *ChunkedOutput) Close() error {
	return nil
}
