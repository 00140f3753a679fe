package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// SignatureHeader carries the relay's HMAC-SHA256 body signature.
const SignatureHeader = "X-Signature"

const maxRelayBody = 1 << 20

// EventSink receives relayed events. Coordinator.Deliver satisfies it.
type EventSink func(Event) error

// ============================================================================
// Standalone Functions
// ============================================================================

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// Relay
// ============================================================================

// Relay accepts push events over signed HTTP POSTs, for deployments where a
// backend forwards socket traffic instead of the console holding the socket.
type Relay struct {
	secret string
	sink   EventSink
	log    zerolog.Logger
}

// NewRelay creates a relay handler.
func NewRelay(secret string, sink EventSink, log zerolog.Logger) (*Relay, error) {
	if secret == "" {
		return nil, fmt.Errorf("relay secret is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("relay sink is required")
	}
	return &Relay{secret: secret, sink: sink, log: log.With().Str("component", "relay").Logger()}, nil
}

// Handle processes one request body (verify + decode + deliver). Returns the
// status code and response body for the caller to write.
func (r *Relay) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, r.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := DecodeEvent(body)
	if err != nil {
		if errors.Is(err, errUnknownEvent) {
			EventsDropped.WithLabelValues("unknown").Inc()
			return http.StatusAccepted, map[string]bool{"ok": true}
		}
		EventsDropped.WithLabelValues("parse").Inc()
		r.log.Warn().Err(err).Msg("dropping malformed relay event")
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	EventsReceived.WithLabelValues(ev.Kind()).Inc()

	if err := r.sink(ev); err != nil {
		return http.StatusServiceUnavailable, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
func (r *Relay) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if req.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxRelayBody))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
		return
	}
	defer req.Body.Close()

	statusCode, data := r.Handle(body, req.Header.Get(SignatureHeader))
	rw.WriteHeader(statusCode)
	json.NewEncoder(rw).Encode(data)
}
