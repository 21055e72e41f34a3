package rtmpio

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/format/rtmp"

	"github.com/zsiec/rtmpbridge/internal/container"
)

// DialOutput connects to a remote RTMP endpoint and returns a Muxer over
// the connection. Connect failures are classified so callers can retry
// with backoff on refused or timed-out attempts.
func DialOutput(rtmpURL string, timeout time.Duration) (*Output, error) {
	conn, err := rtmp.DialTimeout(rtmpURL, timeout)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return &Output{conn: conn}, nil
}

// Output is a container.Muxer over a dialed RTMP connection.
type Output struct {
	conn *rtmp.Conn
}

func (out *Output) WriteHeader(streams []container.StreamInfo) error {
	codecs, err := codecDataList(streams)
	if err != nil {
		return err
	}
	if err := out.conn.WriteHeader(codecs); err != nil {
		return fmt.Errorf("rtmpio: write header: %w", err)
	}
	return nil
}

func (out *Output) WritePacket(pkt container.Packet) error {
	if err := out.conn.WritePacket(packetToAV(pkt)); err != nil {
		return fmt.Errorf("rtmpio: write packet: %w", err)
	}
	return nil
}

func (out *Output) WriteTrailer() error {
	if err := out.conn.WriteTrailer(); err != nil {
		return fmt.Errorf("rtmpio: write trailer: %w", err)
	}
	return nil
}

func (out *Output) Close() error {
	return out.conn.Close()
}

func codecDataList(streams []container.StreamInfo) ([]av.CodecData, error) {
	codecs := make([]av.CodecData, len(streams))
	for i, info := range streams {
		cd, err := codecDataFor(info)
		if err != nil {
			return nil, err
		}
		codecs[i] = cd
	}
	return codecs, nil
}

// classifyDialError maps transport errors onto the container sentinels
// callers key retry behavior on.
func classifyDialError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", container.ErrConnectionRefused, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", container.ErrTimedOut, err)
	}
	return fmt.Errorf("rtmpio: dial: %w", err)
}
