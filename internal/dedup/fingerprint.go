package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"pewpost/internal/post"
)

// Fingerprint identifies content for duplicate suppression.
type Fingerprint struct {
	Hash        string    `json:"hash"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ContentType string    `json:"content_type"`
}

// Hash computes the fingerprint hash of c. Text is case-folded and
// whitespace-collapsed so cosmetic edits do not defeat suppression; media
// posts hash the media reference together with the normalized caption.
func Hash(c post.Content) string {
	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(string(c.MessageType))
	switch c.MessageType {
	case post.MessagePhoto, post.MessageVideo:
		write(strings.TrimSpace(c.MediaRef))
		write(Normalize(c.Caption))
		write(Normalize(c.Text))
	case post.MessagePoll:
		write(Normalize(c.Text))
		for _, o := range c.PollOptions {
			write(Normalize(o))
		}
	default:
		write(Normalize(c.Text))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize case-folds s and collapses every whitespace run to one space.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
