// Package quality maps network quality tiers to media parameters and ranks
// video codecs.
package quality

import (
	"fmt"

	"family-calls/internal/medialock"
)

type Tier string

const (
	TierCritical  Tier = "critical"
	TierPoor      Tier = "poor"
	TierModerate  Tier = "moderate"
	TierGood      Tier = "good"
	TierExcellent Tier = "excellent"
	TierPremium   Tier = "premium"
)

// Profile is the media budget of one tier. Bitrates are in bits per second.
type Profile struct {
	Tier Tier

	AudioBitrate int

	VideoEnabled bool
	VideoBitrate int
	Width        int
	Height       int
	FrameRate    float64

	// ScaleDownBy is applied to the capture resolution by the sender.
	ScaleDownBy float64
}

// ordered worst to best.
var table = []Profile{
	{Tier: TierCritical, AudioBitrate: 16_000},
	{Tier: TierPoor, AudioBitrate: 24_000, VideoEnabled: true, VideoBitrate: 150_000, Width: 320, Height: 180, FrameRate: 12, ScaleDownBy: 4},
	{Tier: TierModerate, AudioBitrate: 32_000, VideoEnabled: true, VideoBitrate: 400_000, Width: 640, Height: 360, FrameRate: 15, ScaleDownBy: 2},
	{Tier: TierGood, AudioBitrate: 40_000, VideoEnabled: true, VideoBitrate: 900_000, Width: 960, Height: 540, FrameRate: 24, ScaleDownBy: 1.5},
	{Tier: TierExcellent, AudioBitrate: 48_000, VideoEnabled: true, VideoBitrate: 1_500_000, Width: 1280, Height: 720, FrameRate: 30, ScaleDownBy: 1},
	{Tier: TierPremium, AudioBitrate: 64_000, VideoEnabled: true, VideoBitrate: 2_500_000, Width: 1920, Height: 1080, FrameRate: 30, ScaleDownBy: 1},
}

// Tiers returns the table from worst to best.
func Tiers() []Tier {
	out := make([]Tier, len(table))
	for i, p := range table {
		out[i] = p.Tier
	}
	return out
}

func index(t Tier) int {
	for i, p := range table {
		if p.Tier == t {
			return i
		}
	}
	return -1
}

// Below reports whether t ranks under o. Unknown tiers rank lowest.
func (t Tier) Below(o Tier) bool {
	return index(t) < index(o)
}

func ProfileFor(t Tier) (Profile, error) {
	i := index(t)
	if i < 0 {
		return Profile{}, fmt.Errorf("unknown quality tier %q", t)
	}
	return table[i], nil
}

// Better returns the next tier up, clamped at premium. Unknown tiers map to
// good.
func Better(t Tier) Tier {
	i := index(t)
	if i < 0 {
		return TierGood
	}
	if i == len(table)-1 {
		return t
	}
	return table[i+1].Tier
}

// Worse returns the next tier down, clamped at critical.
func Worse(t Tier) Tier {
	i := index(t)
	if i < 0 {
		return TierGood
	}
	if i == 0 {
		return t
	}
	return table[i-1].Tier
}

// Constraints converts the profile into a capture request. wantVideo=false
// forces audio-only regardless of tier.
func (p Profile) Constraints(wantVideo bool) medialock.Constraints {
	c := medialock.Constraints{Audio: true}
	if wantVideo && p.VideoEnabled {
		c.Video = true
		c.Width = p.Width
		c.Height = p.Height
		c.FrameRate = p.FrameRate
	}
	return c
}
