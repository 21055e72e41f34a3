// Package rtmpio implements the container seam over RTMP and FLV using
// joy4: a listen-mode input accepting a single publish, a dialed RTMP
// output, and a chunk-forwarding FLV output for in-process consumers.
package rtmpio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/nareix/joy4/format/rtmp"

	"github.com/zsiec/rtmpbridge/internal/container"
)

// Errors surfaced while waiting for an inbound publish.
var (
	ErrAcceptTimeout = errors.New("rtmpio: timed out waiting for publish")
	ErrInterrupted   = errors.New("rtmpio: open interrupted")
	ErrStreamInfo    = errors.New("rtmpio: stream info unavailable")
)

// interruptPollInterval bounds how long an interrupt request can go
// unnoticed while waiting for a publisher.
const interruptPollInterval = 50 * time.Millisecond

// Interrupter reports whether a blocking open should be abandoned. It is
// polled by the transport while waiting, independently of the streaming
// stop mechanism, so a stuck listen can be aborted externally.
type Interrupter interface {
	Interrupted() bool
}

// Listen binds the address of rtmpURL and waits for one inbound RTMP
// publish, returning a Demuxer over the accepted connection with its
// streams already probed. timeout == 0 waits indefinitely; otherwise it
// bounds the wait. interrupt may be nil.
//
// joy4 owns the accept socket and offers no shutdown hook, so the
// listener stays bound until the process exits; only the accepted
// connection is released by Close.
// TODO: close the accept socket once joy4 exposes listener shutdown.
func Listen(rtmpURL string, timeout time.Duration, interrupt Interrupter) (*Input, error) {
	addr, err := listenAddr(rtmpURL)
	if err != nil {
		return nil, err
	}

	connCh := make(chan *rtmp.Conn, 1)
	release := make(chan struct{})
	srv := &rtmp.Server{
		Addr: addr,
		HandlePublish: func(conn *rtmp.Conn) {
			select {
			case connCh <- conn:
				// One session = one connection: hold the handler open so
				// joy4 keeps the connection alive until the session ends.
				<-release
			default:
				conn.Close()
			}
		},
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe()
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	poll := time.NewTicker(interruptPollInterval)
	defer poll.Stop()

	var conn *rtmp.Conn
wait:
	for {
		select {
		case conn = <-connCh:
			break wait
		case err := <-srvErr:
			return nil, fmt.Errorf("rtmpio: listen on %s: %w", addr, err)
		case <-deadline:
			return nil, ErrAcceptTimeout
		case <-poll.C:
			if interrupt != nil && interrupt.Interrupted() {
				return nil, ErrInterrupted
			}
		}
	}

	streams, err := conn.Streams()
	if err != nil {
		close(release)
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrStreamInfo, err)
	}

	slog.Debug("publish accepted", "component", "rtmpio", "addr", addr, "streams", len(streams))
	return &Input{
		conn:    conn,
		streams: streamInfos(streams),
		release: release,
	}, nil
}

// Input is a container.Demuxer over an accepted RTMP publish.
type Input struct {
	conn    *rtmp.Conn
	streams []container.StreamInfo
	release chan struct{}
	once    sync.Once
}

// Streams returns the probed stream descriptions.
func (in *Input) Streams() []container.StreamInfo {
	return in.streams
}

// ReadPacket returns the next packet from the publisher, io.EOF when the
// remote end finished cleanly.
func (in *Input) ReadPacket() (container.Packet, error) {
	pkt, err := in.conn.ReadPacket()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return container.Packet{}, io.EOF
		}
		return container.Packet{}, fmt.Errorf("rtmpio: read packet: %w", err)
	}
	return packetFromAV(pkt), nil
}

// Close releases the accepted connection exactly once. It also unblocks
// a concurrent ReadPacket.
func (in *Input) Close() error {
	var err error
	in.once.Do(func() {
		close(in.release)
		err = in.conn.Close()
	})
	return err
}

// listenAddr extracts host:port from an rtmp:// URL, defaulting to the
// standard RTMP port.
func listenAddr(rtmpURL string) (string, error) {
	u, err := url.Parse(rtmpURL)
	if err != nil {
		return "", fmt.Errorf("rtmpio: parse url %q: %w", rtmpURL, err)
	}
	if u.Scheme != "rtmp" {
		return "", fmt.Errorf("rtmpio: unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host += ":1935"
	}
	return host, nil
}
