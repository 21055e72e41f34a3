package bsf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/zsiec/rtmpbridge/internal/avtime"
	"github.com/zsiec/rtmpbridge/internal/container"
)

var (
	testSPS = []byte{0x67, 0x42, 0x00, 0x1E, 0x9A, 0x74}
	testPPS = []byte{0x68, 0xCE, 0x38, 0x80}
)

// buildAVCRecord assembles an AVCDecoderConfigurationRecord around the
// given parameter sets.
func buildAVCRecord(sps, pps []byte) []byte {
	rec := []byte{
		0x01,       // configurationVersion
		0x42,       // AVCProfileIndication (baseline)
		0x00,       // profile_compatibility
		0x1E,       // AVCLevelIndication
		0xFF,       // lengthSizeMinusOne = 3
		0xE1,       // numOfSequenceParameterSets = 1
	}
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 0x01) // numOfPictureParameterSets
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	rec = append(rec, pps...)
	return rec
}

// avcc length-prefixes each NAL unit with a 4-byte size.
func avcc(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = binary.BigEndian.AppendUint32(out, uint32(len(n)))
		out = append(out, n...)
	}
	return out
}

func newTestFilter(t *testing.T) Filter {
	t.Helper()
	factory, ok := Lookup(NameH264MP4ToAnnexB)
	if !ok {
		t.Fatal("h264_mp4toannexb not registered")
	}
	f, err := factory(Config{
		TimeBase:  avtime.Rational{Num: 1, Den: 1000},
		Codec:     container.CodecH264,
		Extradata: buildAVCRecord(testSPS, testPPS),
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return f
}

func TestLookupUnknownFilter(t *testing.T) {
	t.Parallel()

	if _, ok := Lookup("hevc_mp4toannexb"); ok {
		t.Error("unregistered filter name should not resolve")
	}
}

func TestAnnexBMalformedExtradata(t *testing.T) {
	t.Parallel()

	factory, _ := Lookup(NameH264MP4ToAnnexB)
	if _, err := factory(Config{Extradata: []byte{0x01, 0x42}}); err == nil {
		t.Fatal("truncated AVC record should fail filter construction")
	}
}

func TestAnnexBConvertsLengthPrefixed(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t)
	slice := []byte{0x41, 0x9A, 0x01, 0x02, 0x03}
	pkt := container.Packet{StreamIndex: 0, PTS: 40, DTS: 40, Data: avcc(slice)}

	out, err := f.Filter(pkt)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d packets, want 1", len(out))
	}

	want := append(append([]byte{}, startCode...), slice...)
	if !bytes.Equal(out[0].Data, want) {
		t.Errorf("payload:\n got %x\nwant %x", out[0].Data, want)
	}
	if out[0].PTS != 40 || out[0].DTS != 40 {
		t.Errorf("timestamps changed: pts=%d dts=%d", out[0].PTS, out[0].DTS)
	}
}

func TestAnnexBInjectsParameterSetsBeforeIDR(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t)
	idr := []byte{0x65, 0x88, 0x84, 0x00}
	pkt := container.Packet{Keyframe: true, Data: avcc(idr)}

	out, err := f.Filter(pkt)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}

	var want []byte
	for _, n := range [][]byte{testSPS, testPPS, idr} {
		want = append(want, startCode...)
		want = append(want, n...)
	}
	if !bytes.Equal(out[0].Data, want) {
		t.Errorf("payload:\n got %x\nwant %x", out[0].Data, want)
	}
	if !out[0].Keyframe {
		t.Error("keyframe flag lost")
	}
}

func TestAnnexBKeepsInBandParameterSets(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t)
	idr := []byte{0x65, 0x88, 0x84, 0x00}
	pkt := container.Packet{Keyframe: true, Data: avcc(testSPS, testPPS, idr)}

	out, err := f.Filter(pkt)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}

	// The access unit already carries SPS/PPS; nothing may be injected.
	var want []byte
	for _, n := range [][]byte{testSPS, testPPS, idr} {
		want = append(want, startCode...)
		want = append(want, n...)
	}
	if !bytes.Equal(out[0].Data, want) {
		t.Errorf("payload:\n got %x\nwant %x", out[0].Data, want)
	}
}

func TestAnnexBPassesThroughStartCodeInput(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t)
	data := append(append([]byte{}, startCode...), 0x41, 0x9A, 0x01)
	pkt := container.Packet{Data: data}

	out, err := f.Filter(pkt)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if !bytes.Equal(out[0].Data, data) {
		t.Errorf("Annex-B input must pass through unchanged: got %x", out[0].Data)
	}
}

func TestAnnexBEmptyPayloadProducesNothing(t *testing.T) {
	t.Parallel()

	f := newTestFilter(t)
	out, err := f.Filter(container.Packet{})
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d packets for empty payload, want 0", len(out))
	}
}
