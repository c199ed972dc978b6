package webhook

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/starford/myvault/internal/models"
)

// Reply identifies one of the fixed texts sent back to a sender.
type Reply string

const (
	ReplyGreeting   Reply = "greeting"
	ReplyHelp       Reply = "help"
	ReplyAck        Reply = "ack"
	ReplyProcessed  Reply = "processed"
	ReplyDuplicate  Reply = "duplicate"
	ReplyPartial    Reply = "partial"
	ReplyParseRetry Reply = "parse_retry"
	ReplyResend     Reply = "resend"
	ReplyRetryLater Reply = "retry_later"
	ReplyInvalid    Reply = "invalid"
)

var replyTexts = map[Reply]string{
	ReplyGreeting:   "Hey 👋\nSend me any document and I'll store it safely.",
	ReplyHelp:       "Send a photo, PDF or any other document and I'll keep it in your vault and make it searchable.",
	ReplyAck:        "✅ Stored securely. Processing has started.",
	ReplyProcessed:  "✅ Stored securely and processed. It's now searchable.",
	ReplyDuplicate:  "You've already sent this document. It's safe in your vault.",
	ReplyPartial:    "Some attachments could not be saved. Please send the missing ones again.",
	ReplyParseRetry: "Stored securely, but processing failed. We'll retry automatically.",
	ReplyResend:     "We couldn't save your document. Please send it again.",
	ReplyRetryLater: "We're having trouble right now. Please try again in a moment.",
	ReplyInvalid:    "Sorry, we couldn't read that message.",
}

// Text returns the user-facing text for r.
func (r Reply) Text() string {
	if t, ok := replyTexts[r]; ok {
		return t
	}
	return replyTexts[ReplyInvalid]
}

// SelectReply picks the initial reply for a message: help or greeting for
// text-only messages, an acknowledgement when media is attached.
func SelectReply(msg models.Message) Reply {
	if len(msg.MediaRefs) > 0 {
		return ReplyAck
	}
	switch strings.ToLower(msg.BodyText) {
	case "help", "?":
		return ReplyHelp
	}
	return ReplyGreeting
}

// Reply body formats.
const (
	FormatTwiML = "twiml"
	FormatText  = "text"
)

// WriteReply writes r in the given format with status 200.
func WriteReply(w http.ResponseWriter, r Reply, format string) {
	if format == FormatText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.Text()))
		return
	}
	body, err := twiml.Messages([]twiml.Element{&twiml.MessagingMessage{Body: r.Text()}})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
