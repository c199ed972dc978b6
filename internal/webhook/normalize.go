// Package webhook turns inbound messaging-provider events into canonical
// messages and renders the reply sent back to the sender.
package webhook

import (
	"mime"
	"net/url"
	"strconv"
	"strings"

	"github.com/starford/myvault/internal/apperr"
	"github.com/starford/myvault/internal/models"
)

// MaxMedia is the largest number of attachments read from one event.
const MaxMedia = 10

// RawEvent is an inbound event as delivered by the provider, before any
// validation. MediaCount is kept as received.
type RawEvent struct {
	MessageID         string
	SenderID          string
	Body              string
	MediaCount        string
	MediaURLs         []string
	MediaContentTypes []string
}

var senderPrefixes = []string{"whatsapp:", "sms:", "tel:"}

// SenderKey strips transport prefixes and whitespace from a provider sender id.
func SenderKey(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		stripped := false
		for _, p := range senderPrefixes {
			if len(s) >= len(p) && strings.EqualFold(s[:len(p)], p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// Normalize validates ev and converts it to a Message. A missing sender is
// the only fatal condition; unusable media slots are dropped.
func Normalize(ev RawEvent) (models.Message, error) {
	sender := SenderKey(ev.SenderID)
	if sender == "" {
		return models.Message{}, apperr.Validation("webhook.Normalize", "sender identity is missing")
	}

	msg := models.Message{
		SenderKey: sender,
		BodyText:  strings.TrimSpace(ev.Body),
		MediaRefs: []models.MediaRef{},
	}

	n := mediaCount(ev)
	for i := 0; i < n; i++ {
		ref, ok := mediaSlot(ev, i)
		if ok {
			msg.MediaRefs = append(msg.MediaRefs, ref)
		}
	}
	return msg, nil
}

func mediaCount(ev RawEvent) int {
	n, err := strconv.Atoi(strings.TrimSpace(ev.MediaCount))
	if err != nil || n < 0 {
		n = len(ev.MediaURLs)
	}
	return min(n, MaxMedia, len(ev.MediaURLs))
}

func mediaSlot(ev RawEvent, i int) (models.MediaRef, bool) {
	rawURL := strings.TrimSpace(ev.MediaURLs[i])
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return models.MediaRef{}, false
	}
	if i >= len(ev.MediaContentTypes) {
		return models.MediaRef{}, false
	}
	mediaType, _, err := mime.ParseMediaType(ev.MediaContentTypes[i])
	if err != nil {
		return models.MediaRef{}, false
	}
	return models.MediaRef{URL: rawURL, ContentType: mediaType}, true
}
