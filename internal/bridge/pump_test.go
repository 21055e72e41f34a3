package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/rtmpbridge/internal/avtime"
	"github.com/zsiec/rtmpbridge/internal/container"
	"github.com/zsiec/rtmpbridge/internal/egress"
	"github.com/zsiec/rtmpbridge/internal/ingest"
	"github.com/zsiec/rtmpbridge/internal/media"
)

type bitWriter struct {
	buf []byte
	n   uint
}

func (w *bitWriter) bit(b uint64) {
	if w.n%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[len(w.buf)-1] |= 1 << (7 - w.n%8)
	}
	w.n++
}

func (w *bitWriter) bits(v uint64, n uint) {
	for i := n; i > 0; i-- {
		w.bit((v >> (i - 1)) & 1)
	}
}

func (w *bitWriter) ue(v uint64) {
	v++
	n := uint(0)
	for t := v; t > 1; t >>= 1 {
		n++
	}
	w.bits(0, n)
	w.bits(v, n+1)
}

// testSPS builds a baseline profile sequence parameter set for 320x240.
func testSPS() []byte {
	w := &bitWriter{}
	w.bits(0x67, 8)
	w.bits(66, 8)
	w.bits(0, 8)
	w.bits(30, 8)
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(0)
	w.ue(1)
	w.bit(0)
	w.ue(19) // 320px
	w.ue(14) // 240px
	w.bit(1)
	w.bit(1)
	w.bit(0)
	w.bit(0)
	w.bit(1)
	return w.buf
}

var testPPS = []byte{0x68, 0xCE, 0x38, 0x80}

func testAVCRecord() []byte {
	sps := testSPS()
	rec := []byte{0x01, 0x42, 0x00, 0x1E, 0xFF, 0xE1}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 0x01)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(testPPS)))
	rec = append(rec, testPPS...)
	return rec
}

var testASC = []byte{0x11, 0x90}

type fakeDemuxer struct {
	streams []container.StreamInfo
	packets []container.Packet
	loop    bool

	mu     sync.Mutex
	pos    int
	closed bool
}

func (d *fakeDemuxer) Streams() []container.StreamInfo { return d.streams }

func (d *fakeDemuxer) ReadPacket() (container.Packet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return container.Packet{}, errors.New("demuxer closed")
	}
	if d.pos >= len(d.packets) {
		if !d.loop || len(d.packets) == 0 {
			return container.Packet{}, io.EOF
		}
		d.pos = 0
	}
	pkt := d.packets[d.pos]
	d.pos++
	return pkt, nil
}

func (d *fakeDemuxer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeMuxer struct {
	mu      sync.Mutex
	streams []container.StreamInfo
	packets []container.Packet
}

func (m *fakeMuxer) WriteHeader(streams []container.StreamInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = streams
	return nil
}

func (m *fakeMuxer) WritePacket(pkt container.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, pkt)
	return nil
}

func (m *fakeMuxer) WriteTrailer() error { return nil }
func (m *fakeMuxer) Close() error        { return nil }

func (m *fakeMuxer) snapshot() ([]container.StreamInfo, []container.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams, m.packets
}

func audioStream(index int) container.StreamInfo {
	return container.StreamInfo{
		Index:      index,
		Kind:       media.Audio,
		Codec:      container.CodecAAC,
		CodecName:  "aac",
		TimeBase:   avtime.Millis,
		Extradata:  testASC,
		Channels:   2,
		SampleRate: 48000,
	}
}

func videoStream(index int) container.StreamInfo {
	return container.StreamInfo{
		Index:     index,
		Kind:      media.Video,
		Codec:     container.CodecH264,
		CodecName: "h264",
		TimeBase:  avtime.Millis,
		Extradata: testAVCRecord(),
		Width:     320,
		Height:    240,
	}
}

func openIngest(t *testing.T, d *fakeDemuxer) *ingest.Session {
	t.Helper()
	in, err := ingest.Open(context.Background(), ingest.Config{
		URL: "rtmp://127.0.0.1:1935/live/in",
		OpenDemuxer: func(context.Context, string, time.Duration) (container.Demuxer, error) {
			return d, nil
		},
	})
	if err != nil {
		t.Fatalf("ingest.Open: %v", err)
	}
	t.Cleanup(func() { in.Close() })
	return in
}

func openEgress(t *testing.T, mux *fakeMuxer, video, audio bool) *egress.Session {
	t.Helper()
	out, err := egress.Create(egress.Config{
		URL:         "rtmp://127.0.0.1:1936/live/out",
		ExpectVideo: video,
		ExpectAudio: audio,
		Dial: func(string, time.Duration) (container.Muxer, error) {
			return mux, nil
		},
	})
	if err != nil {
		t.Fatalf("egress.Create: %v", err)
	}
	t.Cleanup(func() { out.Finalize() })
	if err := out.TryConnect(context.Background()); err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	return out
}

func TestAvccPayload(t *testing.T) {
	t.Parallel()

	annexb := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84}
	got := avccPayload(annexb)
	want := []byte{0x00, 0x00, 0x00, 0x03, 0x65, 0x88, 0x84}
	if !bytes.Equal(got, want) {
		t.Errorf("annexb: got %x, want %x", got, want)
	}

	avcc := []byte{0x00, 0x00, 0x00, 0x03, 0x65, 0x88, 0x84}
	if !bytes.Equal(avccPayload(avcc), avcc) {
		t.Error("avcc payload must pass through unchanged")
	}

	if got := avccPayload(nil); len(got) != 0 {
		t.Errorf("empty payload: got %x", got)
	}
}

func TestExpect(t *testing.T) {
	t.Parallel()

	in := openIngest(t, &fakeDemuxer{streams: []container.StreamInfo{audioStream(0)}})
	video, audio := Expect(in)
	if video || !audio {
		t.Errorf("got video=%v audio=%v, want false/true", video, audio)
	}
}

func TestPumpAudioOnly(t *testing.T) {
	t.Parallel()

	d := &fakeDemuxer{
		streams: []container.StreamInfo{audioStream(0)},
		packets: []container.Packet{
			{StreamIndex: 0, PTS: 0, Data: []byte{0x01}},
			{StreamIndex: 0, PTS: 21, Data: []byte{0x02}},
			{StreamIndex: 0, PTS: 42, Data: []byte{0x03}},
		},
	}
	in := openIngest(t, d)
	mux := &fakeMuxer{}
	out := openEgress(t, mux, false, true)

	if err := Pump(context.Background(), in, out, nil); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	streams, packets := mux.snapshot()
	if len(streams) != 1 || streams[0].Kind != media.Audio {
		t.Fatalf("header streams: %+v", streams)
	}
	if len(packets) != 3 {
		t.Fatalf("packets: got %d, want 3", len(packets))
	}
	for i, pkt := range packets {
		if pkt.DTS != pkt.PTS {
			t.Errorf("packet %d: dts %d differs from pts %d", i, pkt.DTS, pkt.PTS)
		}
	}
}

func TestPumpVideoAndAudio(t *testing.T) {
	t.Parallel()

	slice := []byte{0x65, 0x88, 0x84, 0x00}
	d := &fakeDemuxer{
		streams: []container.StreamInfo{videoStream(0), audioStream(1)},
		packets: []container.Packet{
			{StreamIndex: 0, PTS: 0, DTS: 0, Keyframe: true,
				Data: append(binary.BigEndian.AppendUint32(nil, uint32(len(slice))), slice...)},
			{StreamIndex: 1, PTS: 0, Data: []byte{0x02}},
		},
	}
	in := openIngest(t, d)
	mux := &fakeMuxer{}
	out := openEgress(t, mux, true, true)

	if err := Pump(context.Background(), in, out, nil); err != nil {
		t.Fatalf("Pump: %v", err)
	}

	streams, packets := mux.snapshot()
	if len(streams) != 2 {
		t.Fatalf("header streams: got %d, want 2", len(streams))
	}
	if streams[0].Width != 320 || streams[0].Height != 240 {
		t.Errorf("video dimensions: %dx%d", streams[0].Width, streams[0].Height)
	}
	if len(packets) != 2 {
		t.Fatalf("packets: got %d, want 2", len(packets))
	}

	// The ingest side normalized to Annex-B; the pump must have restored
	// length prefixes before muxing.
	video := packets[0]
	if len(video.Data) < 4 {
		t.Fatalf("video payload too short: %x", video.Data)
	}
	if bytes.HasPrefix(video.Data, []byte{0x00, 0x00, 0x00, 0x01}) {
		t.Errorf("video payload still Annex-B: %x", video.Data)
	}
	n := binary.BigEndian.Uint32(video.Data)
	if int(n) > len(video.Data)-4 {
		t.Errorf("first length prefix %d exceeds payload %d", n, len(video.Data)-4)
	}
}

func TestPumpExpectationMismatch(t *testing.T) {
	t.Parallel()

	in := openIngest(t, &fakeDemuxer{streams: []container.StreamInfo{audioStream(0)}})
	out := openEgress(t, &fakeMuxer{}, true, true)

	if err := Pump(context.Background(), in, out, nil); err == nil {
		t.Fatal("expected registration mismatch error")
	}
}

func TestPumpCanceled(t *testing.T) {
	t.Parallel()

	d := &fakeDemuxer{
		streams: []container.StreamInfo{audioStream(0)},
		packets: []container.Packet{{StreamIndex: 0, Data: []byte{0x01}}},
		loop:    true,
	}
	in := openIngest(t, d)
	out := openEgress(t, &fakeMuxer{}, false, true)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Pump(ctx, in, out, nil) }()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not stop after cancel")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)

	r, ok := reg.Create("live/key", nil, nil)
	if !ok || r == nil {
		t.Fatal("create failed")
	}
	if _, ok := reg.Create("live/key", nil, nil); ok {
		t.Error("duplicate key accepted")
	}
	if got, ok := reg.Get("live/key"); !ok || got != r {
		t.Error("lookup failed")
	}
	if len(reg.List()) != 1 {
		t.Error("list mismatch")
	}

	reg.Remove("live/key")
	select {
	case <-r.Done():
	default:
		t.Error("done channel not closed on remove")
	}
	if _, ok := reg.Get("live/key"); ok {
		t.Error("relay still present after remove")
	}
	reg.Remove("live/key") // no-op
}
