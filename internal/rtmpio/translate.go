package rtmpio

import (
	"fmt"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"

	"github.com/zsiec/rtmpbridge/internal/avtime"
	"github.com/zsiec/rtmpbridge/internal/container"
	"github.com/zsiec/rtmpbridge/internal/media"
)

// RTMP/FLV tags carry millisecond timestamps, so every stream this
// backend reports uses the millisecond time base.
var rtmpTimeBase = avtime.Millis

// streamInfos maps joy4 codec data to container stream descriptions.
// Unsupported codecs are reported with CodecUnknown and their name so
// the session layer can produce a precise validation error.
func streamInfos(codecs []av.CodecData) []container.StreamInfo {
	infos := make([]container.StreamInfo, len(codecs))
	for i, cd := range codecs {
		info := container.StreamInfo{
			Index:     i,
			TimeBase:  rtmpTimeBase,
			CodecName: fmt.Sprintf("%v", cd.Type()),
		}
		switch data := cd.(type) {
		case h264parser.CodecData:
			info.Kind = media.Video
			info.Codec = container.CodecH264
			info.Extradata = data.AVCDecoderConfRecordBytes()
			info.Width = data.Width()
			info.Height = data.Height()
		case aacparser.CodecData:
			info.Kind = media.Audio
			info.Codec = container.CodecAAC
			info.Extradata = data.MPEG4AudioConfigBytes()
			info.Channels = data.ChannelLayout().Count()
			info.SampleRate = data.SampleRate()
		default:
			if cd.Type().IsVideo() {
				info.Kind = media.Video
			} else if cd.Type().IsAudio() {
				info.Kind = media.Audio
			}
			info.Codec = container.CodecUnknown
		}
		infos[i] = info
	}
	return infos
}

// codecDataFor rebuilds joy4 codec data from a registered stream so an
// output header can be written.
func codecDataFor(info container.StreamInfo) (av.CodecData, error) {
	switch info.Codec {
	case container.CodecH264:
		cd, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(info.Extradata)
		if err != nil {
			return nil, fmt.Errorf("rtmpio: AVC decoder config for stream %d: %w", info.Index, err)
		}
		return cd, nil
	case container.CodecAAC:
		cd, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(info.Extradata)
		if err != nil {
			return nil, fmt.Errorf("rtmpio: AAC config for stream %d: %w", info.Index, err)
		}
		return cd, nil
	}
	return nil, fmt.Errorf("rtmpio: cannot mux codec %v", info.Codec)
}

// packetFromAV converts a demuxed joy4 packet to the container model.
// pkt.Time is the decode timestamp; the composition offset gives pts.
func packetFromAV(pkt av.Packet) container.Packet {
	dts := pkt.Time.Milliseconds()
	return container.Packet{
		StreamIndex: int(pkt.Idx),
		DTS:         dts,
		PTS:         dts + pkt.CompositionTime.Milliseconds(),
		Keyframe:    pkt.IsKeyFrame,
		Data:        pkt.Data,
	}
}

// packetToAV converts a container packet to joy4's model for muxing.
// The per-packet duration has no FLV representation and is dropped.
func packetToAV(pkt container.Packet) av.Packet {
	return av.Packet{
		Idx:             int8(pkt.StreamIndex),
		IsKeyFrame:      pkt.Keyframe,
		Time:            time.Duration(pkt.DTS) * time.Millisecond,
		CompositionTime: time.Duration(pkt.PTS-pkt.DTS) * time.Millisecond,
		Data:            pkt.Data,
	}
}
