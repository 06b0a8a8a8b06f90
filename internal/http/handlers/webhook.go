package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/textrelay/server/internal/middleware"
	"github.com/textrelay/server/internal/router"
)

// emptyTwiML acknowledges the webhook without queuing a synchronous reply;
// all outbound messages go through the gateway.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// InboundRouter is the routing entry point behind the webhook. Satisfied by
// *router.Router.
type InboundRouter interface {
	HandleInbound(ctx context.Context, providerMessageID, from, body string) router.Outcome
}

// WebhookHandler handles inbound SMS webhooks from the provider
type WebhookHandler struct {
	router       InboundRouter
	ipLimiter    *middleware.RateLimiter
	phoneLimiter *middleware.RateLimiter

	// signingSecret enables provider signature validation when non-empty.
	signingSecret string
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(inbound InboundRouter, signingSecret string) *WebhookHandler {
	// Per-IP covers the provider's egress range; per-phone stops one chatty
	// number from exhausting the shared budget.
	return &WebhookHandler{
		router:        inbound,
		ipLimiter:     middleware.NewRateLimiter(60*time.Second, 300),
		phoneLimiter:  middleware.NewRateLimiter(60*time.Second, 20),
		signingSecret: signingSecret,
	}
}

// HandleInboundSMS handles POST /webhook/sms. The provider expects a fast
// acknowledgment; everything slow happens downstream of the router.
func (h *WebhookHandler) HandleInboundSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	if h.signingSecret != "" && !h.validSignature(r) {
		log.Printf("Webhook signature rejected from %s", getClientIP(r))
		respondWithError(w, http.StatusForbidden, "invalid signature")
		return
	}

	messageSid := strings.TrimSpace(r.PostFormValue("MessageSid"))
	from := strings.TrimSpace(r.PostFormValue("From"))
	body := r.PostFormValue("Body")

	if messageSid == "" || from == "" {
		respondWithError(w, http.StatusBadRequest, "MessageSid and From are required")
		return
	}

	if !h.phoneLimiter.Allow(middleware.GetPhoneKey(from)) {
		log.Printf("Sender rate limit hit for %s", maskPhone(from))
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	outcome := h.router.HandleInbound(r.Context(), messageSid, from, body)
	log.Printf("Inbound %s from %s: %s", messageSid, maskPhone(from), outcome.State)

	// The ack is always the same empty document: real replies, duplicate
	// absorption, and apologies are all handled by the router and gateway.
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

// validSignature checks the X-Twilio-Signature header: HMAC-SHA1 over the
// full request URL plus the sorted form parameters, keyed with the auth token.
func (h *WebhookHandler) validSignature(r *http.Request) bool {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	url := scheme + "://" + r.Host + r.URL.RequestURI()

	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := url
	for _, k := range keys {
		payload += k + r.PostForm.Get(k)
	}

	mac := hmac.New(sha1.New, []byte(h.signingSecret))
	mac.Write([]byte(payload))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	provided := r.Header.Get("X-Twilio-Signature")
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}
