package bsf

import (
	"fmt"

	"github.com/nareix/joy4/codec/h264parser"

	"github.com/zsiec/rtmpbridge/internal/container"
)

// NameH264MP4ToAnnexB converts H.264 payloads from length-prefixed
// (AVCC) NAL encapsulation to start-code (Annex-B) form, injecting
// SPS/PPS from the decoder configuration record ahead of IDR slices
// that arrive without in-band parameter sets.
const NameH264MP4ToAnnexB = "h264_mp4toannexb"

// H.264 NAL unit types this filter cares about (ITU-T H.264 Table 7-1).
const (
	naluTypeIDR = 5
	naluTypeSPS = 7
	naluTypePPS = 8
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

type annexBFilter struct {
	cfg Config
	sps [][]byte
	pps [][]byte
}

func newAnnexB(cfg Config) (Filter, error) {
	f := &annexBFilter{cfg: cfg}
	if len(cfg.Extradata) > 0 {
		var record h264parser.AVCDecoderConfRecord
		if _, err := record.Unmarshal(cfg.Extradata); err != nil {
			return nil, fmt.Errorf("bsf: parse AVC decoder configuration record: %w", err)
		}
		f.sps = record.SPS
		f.pps = record.PPS
	}
	return f, nil
}

func (f *annexBFilter) Filter(pkt container.Packet) ([]container.Packet, error) {
	if len(pkt.Data) == 0 {
		return nil, nil
	}

	nalus, typ := h264parser.SplitNALUs(pkt.Data)
	if typ == h264parser.NALU_ANNEXB {
		return []container.Packet{pkt}, nil
	}
	if len(nalus) == 0 {
		return nil, fmt.Errorf("bsf: no NAL units in %d-byte payload", len(pkt.Data))
	}

	inbandParams := false
	for _, nalu := range nalus {
		switch naluType(nalu) {
		case naluTypeSPS, naluTypePPS:
			inbandParams = true
		}
	}

	out := make([]byte, 0, len(pkt.Data)+len(startCode)*len(nalus)+64)
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if naluType(nalu) == naluTypeIDR && !inbandParams {
			// The decoder needs parameter sets before the first slice of
			// an IDR picture; once injected they cover the whole access
			// unit.
			for _, sps := range f.sps {
				out = append(out, startCode...)
				out = append(out, sps...)
			}
			for _, pps := range f.pps {
				out = append(out, startCode...)
				out = append(out, pps...)
			}
			inbandParams = true
		}
		out = append(out, startCode...)
		out = append(out, nalu...)
	}

	filtered := pkt
	filtered.Data = out
	return []container.Packet{filtered}, nil
}

func naluType(nalu []byte) int {
	if len(nalu) == 0 {
		return 0
	}
	return int(nalu[0] & 0x1F)
}
