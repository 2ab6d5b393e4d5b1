package session

import (
	"github.com/pion/sdp/v3"
)

// hasMediaSections reports whether body carries at least one audio or video
// m-line. Unparseable bodies count as missing media.
func hasMediaSections(body string) bool {
	var d sdp.SessionDescription
	if err := d.Unmarshal([]byte(body)); err != nil {
		return false
	}
	for _, md := range d.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio", "video":
			return true
		}
	}
	return false
}
