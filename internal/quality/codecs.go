package quality

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"
)

// videoRank is the stability-first order: hardware-friendly H264, then VP8,
// then VP9, AV1 last. Unlisted video codecs (rtx, red, ulpfec) follow.
var videoRank = map[string]int{
	strings.ToLower(webrtc.MimeTypeH264): 0,
	strings.ToLower(webrtc.MimeTypeVP8):  1,
	strings.ToLower(webrtc.MimeTypeVP9):  2,
	strings.ToLower(webrtc.MimeTypeAV1):  3,
}

const unranked = 10

// RankCodecs orders codecs by videoRank, keeping the relative order of codecs
// with the same rank. AV1 is dropped unless enableAV1.
func RankCodecs(codecs []webrtc.RTPCodecParameters, enableAV1 bool) []webrtc.RTPCodecParameters {
	out := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, c := range codecs {
		if !enableAV1 && strings.EqualFold(c.MimeType, webrtc.MimeTypeAV1) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].MimeType) < rank(out[j].MimeType)
	})
	return out
}

func rank(mime string) int {
	if r, ok := videoRank[strings.ToLower(mime)]; ok {
		return r
	}
	return unranked
}

// ApplyCodecPreferences sets the ranked video codec order on every video
// transceiver. Call it before each offer.
func ApplyCodecPreferences(pc *webrtc.PeerConnection, videoCodecs []webrtc.RTPCodecParameters, enableAV1 bool) error {
	ranked := RankCodecs(videoCodecs, enableAV1)
	if len(ranked) == 0 {
		return nil
	}
	for _, tr := range pc.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := tr.SetCodecPreferences(ranked); err != nil {
			return fmt.Errorf("set codec preferences: %w", err)
		}
	}
	return nil
}
