package recording

import (
	"fmt"
	"strings"
	"time"
)

// ObjectKey builds the storage path for a session recording:
// recordings/{yyyy}/{mm}/{dd}/{streamer}-session-{id}-{yyyymmdd-hhmmss}.mp4.
func ObjectKey(streamer, sessionID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("recordings/%04d/%02d/%02d/%s-session-%s-%s.mp4",
		at.Year(), int(at.Month()), at.Day(), slugify(streamer), sessionID, at.Format("20060102-150405"))
}

// slugify reduces a display name to a lowercase hyphenated token safe for
// object keys.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "streamer"
	}
	return slug
}
