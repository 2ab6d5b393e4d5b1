package rtc

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"

	"family-calls/internal/quality"
)

// withProfile rewrites body so every audio and video section carries the
// profile's bitrate as b=TIAS (bps) and b=AS (kbps). Video sections also get
// the frame rate. The remote sender caps its encoder to these.
func withProfile(body string, p quality.Profile) (string, error) {
	var d sdp.SessionDescription
	if err := d.Unmarshal([]byte(body)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	for _, md := range d.MediaDescriptions {
		var bps int
		switch md.MediaName.Media {
		case "audio":
			bps = p.AudioBitrate
		case "video":
			if !p.VideoEnabled {
				continue
			}
			bps = p.VideoBitrate
			if p.FrameRate > 0 {
				md.Attributes = setAttribute(md.Attributes, "framerate", strconv.FormatFloat(p.FrameRate, 'f', -1, 64))
			}
		default:
			continue
		}
		if bps <= 0 {
			continue
		}
		md.Bandwidth = setBandwidth(md.Bandwidth, "TIAS", uint64(bps))
		md.Bandwidth = setBandwidth(md.Bandwidth, "AS", uint64(bps/1000))
	}
	out, err := d.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(out), nil
}

func setBandwidth(bs []sdp.Bandwidth, typ string, v uint64) []sdp.Bandwidth {
	for i := range bs {
		if bs[i].Type == typ {
			bs[i].Bandwidth = v
			return bs
		}
	}
	return append(bs, sdp.Bandwidth{Type: typ, Bandwidth: v})
}

func setAttribute(as []sdp.Attribute, key, value string) []sdp.Attribute {
	for i := range as {
		if as[i].Key == key {
			as[i].Value = value
			return as
		}
	}
	return append(as, sdp.NewAttribute(key, value))
}
