package core

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const webhookTimeout = 15 * time.Second

// WebhookServer exposes the three endpoints §6 requires: health, agent card,
// and the inbox ingest POST.
type WebhookServer struct {
	router    chi.Router
	identity  *Identity
	inbox     *Inbox
	card      func() (*AgentCard, bool)
	logger    *logrus.Logger
}

// NewWebhookServer builds the chi router for the webhook transport. card may
// be nil if no agent card is configured; it returns (card, true) when one is
// available.
func NewWebhookServer(identity *Identity, inbox *Inbox, card func() (*AgentCard, bool), logger *logrus.Logger) *WebhookServer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &WebhookServer{identity: identity, inbox: inbox, card: card, logger: logger}
	r := chi.NewRouter()
	r.Get("/beacon/health", s.handleHealth)
	r.Get("/.well-known/beacon.json", s.handleCard)
	r.Post("/beacon/inbox", s.handleInbox)
	s.router = r
	return s
}

// Handler returns the http.Handler to mount (or serve directly).
func (s *WebhookServer) Handler() http.Handler { return s.router }

// ListenAndServe starts an HTTP server on host:port with the webhook router.
func (s *WebhookServer) ListenAndServe(host string, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.router,
		ReadTimeout:  webhookTimeout,
		WriteTimeout: webhookTimeout,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", ErrTransportFailure)
	}
	return nil
}

func (s *WebhookServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"ok": true, "beacon_version": BeaconVersion}
	if s.identity != nil {
		resp["agent_id"] = s.identity.AgentID()
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (s *WebhookServer) handleCard(w http.ResponseWriter, _ *http.Request) {
	if s.card == nil {
		writeJSONResponse(w, http.StatusNotFound, map[string]any{"error": "no agent card configured"})
		return
	}
	card, ok := s.card()
	if !ok || card == nil {
		writeJSONResponse(w, http.StatusNotFound, map[string]any{"error": "no agent card configured"})
		return
	}
	writeJSONResponse(w, http.StatusOK, card)
}

type inboxResult struct {
	Nonce    string `json:"nonce"`
	Kind     string `json:"kind"`
	Verified *bool  `json:"verified"`
}

func (s *WebhookServer) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, map[string]any{"error": "read body failed"})
		return
	}
	envelopes := parseInboxBody(body)
	if len(envelopes) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, map[string]any{"error": "no envelope parseable"})
		return
	}

	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}

	results := make([]inboxResult, 0, len(envelopes))
	for _, env := range envelopes {
		rec, err := s.inbox.Ingest(IngestInput{
			Platform:   "webhook",
			From:       clientIP,
			Text:       string(body),
			Envelope:   env,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			s.logger.WithError(err).Warn("webhook: ingest failed")
			continue
		}
		results = append(results, inboxResult{Nonce: rec.Envelope.Nonce, Kind: rec.Envelope.Kind, Verified: rec.Verified})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"ok": true, "received": len(results), "results": results})
}

// parseInboxBody accepts a single envelope object, a JSON array of
// envelopes, a wrapped-text body field, or raw framed text.
func parseInboxBody(body []byte) []Envelope {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	if strings.Contains(trimmed, "[BEACON v") {
		frames := DecodeEnvelopes(trimmed)
		out := make([]Envelope, 0, len(frames))
		for _, f := range frames {
			out = append(out, f.Envelope)
		}
		if len(out) > 0 {
			return out
		}
	}

	var asArray []Envelope
	if err := json.Unmarshal(body, &asArray); err == nil && len(asArray) > 0 {
		return asArray
	}

	var wrapped struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Text != "" {
		frames := DecodeEnvelopes(wrapped.Text)
		if len(frames) > 0 {
			out := make([]Envelope, 0, len(frames))
			for _, f := range frames {
				out = append(out, f.Envelope)
			}
			return out
		}
	}

	var single Envelope
	if err := json.Unmarshal(body, &single); err == nil && single.Kind != "" {
		return []Envelope{single}
	}

	return nil
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SendWebhook POSTs envelope as JSON to url, optionally signing it via
// identity (v2 framing fields attached before marshal). 2xx is treated as
// success.
func SendWebhook(url string, envelope Envelope, identity *Identity) error {
	if identity != nil {
		envelope.AgentID = identity.AgentID()
		envelope.Pubkey = identity.PublicKeyHex()
		signBytes, err := envelopeSigningBytes(envelope)
		if err != nil {
			return fmt.Errorf("canonicalize for signing: %w", err)
		}
		envelope.Sig = fmt.Sprintf("%x", identity.Sign(signBytes))
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(url, "application/json", strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, ErrTransportFailure)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s returned %d: %w", url, resp.StatusCode, ErrTransportFailure)
	}
	return nil
}
