package payload

import "strings"

const (
	MediaVideo   = "video"
	MediaGallery = "gallery"
	MediaAudio   = "audio"
	MediaText    = "text"
)

// PrimaryMediaType sniffs the raw article body. Video beats gallery, which
// beats audio.
func PrimaryMediaType(body string) string {
	switch {
	case strings.Contains(body, "https://www.youtube.com/") || strings.Contains(body, "https://youtu.be/"):
		return MediaVideo
	case strings.Contains(body, "wp-block-gallery") || strings.Contains(body, "wp:gallery"):
		return MediaGallery
	case strings.Contains(body, ".mp3"):
		return MediaAudio
	}
	return MediaText
}
