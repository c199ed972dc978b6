package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go/client"
	"golang.org/x/time/rate"
)

// Processor runs the inbound pipeline for one event and returns the reply.
type Processor interface {
	Process(ctx context.Context, ev RawEvent) Reply
}

// HandlerConfig configures the provider webhook endpoint.
type HandlerConfig struct {
	// AuthToken enables X-Twilio-Signature verification when non-empty.
	AuthToken string
	// PublicURL is the externally visible base URL used to rebuild the
	// signed request URL behind a proxy.
	PublicURL    string
	ReplyFormat  string
	RateLimit    rate.Limit
	RateBurst    int
	MaxBodyBytes int64
}

// Handler serves POST /webhooks/whatsapp.
type Handler struct {
	proc      Processor
	cfg       HandlerConfig
	validator client.RequestValidator
	logger    *slog.Logger

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

// NewHandler creates a webhook handler that hands events to proc.
func NewHandler(proc Processor, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Handler{
		proc:        proc,
		cfg:         cfg,
		validator:   client.NewRequestValidator(cfg.AuthToken),
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.logger.Warn("webhook: malformed form", slog.String("error", err.Error()))
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	if h.cfg.AuthToken != "" {
		sig := r.Header.Get("X-Twilio-Signature")
		if sig == "" || !h.validator.Validate(h.requestURL(r), formParams(r.PostForm), sig) {
			h.logger.Warn("webhook: invalid signature", slog.String("remote", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	ev := eventFromForm(r)
	key := SenderKey(ev.SenderID)
	if key == "" {
		key = clientIP(r)
	}
	if !h.limiter(key).Allow() {
		h.logger.Warn("webhook: rate limit exceeded", slog.String("sender", key))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	reply := h.proc.Process(r.Context(), ev)
	WriteReply(w, reply, h.cfg.ReplyFormat)
}

func eventFromForm(r *http.Request) RawEvent {
	ev := RawEvent{
		MessageID:  r.PostFormValue("MessageSid"),
		SenderID:   r.PostFormValue("From"),
		Body:       r.PostFormValue("Body"),
		MediaCount: r.PostFormValue("NumMedia"),
	}
	for i := range MaxMedia {
		ev.MediaURLs = append(ev.MediaURLs, r.PostFormValue(fmt.Sprintf("MediaUrl%d", i)))
		ev.MediaContentTypes = append(ev.MediaContentTypes, r.PostFormValue(fmt.Sprintf("MediaContentType%d", i)))
	}
	// Trim trailing empty slots so a missing NumMedia falls back to the URLs present.
	last := len(ev.MediaURLs)
	for last > 0 && ev.MediaURLs[last-1] == "" {
		last--
	}
	ev.MediaURLs = ev.MediaURLs[:last]
	ev.MediaContentTypes = ev.MediaContentTypes[:last]
	return ev
}

// limiter returns the per-sender limiter, resetting the map hourly.
func (h *Handler) limiter(key string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastCleanup) > time.Hour {
		h.limiters = make(map[string]*rate.Limiter)
		h.lastCleanup = time.Now()
	}
	l, ok := h.limiters[key]
	if !ok {
		l = rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst)
		h.limiters[key] = l
	}
	return l
}

func (h *Handler) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return strings.TrimRight(h.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// formParams flattens a provider form; every field is single-valued.
func formParams(form map[string][]string) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i != -1 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
