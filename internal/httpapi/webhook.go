package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lumi-retreat/lumi/pkg/api"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-ElevenLabs-Signature"

const webhookEventEnded = "conversation.ended"

type webhookTurn struct {
	Role      string `json:"role"`
	Message   string `json:"message"`
	Timestamp any    `json:"timestamp,omitempty"`
}

type webhookPayload struct {
	Type             string         `json:"type"`
	ConversationID   string         `json:"conversation_id"`
	AgentID          string         `json:"agent_id"`
	Status           string         `json:"status"`
	Transcript       string         `json:"transcript"`
	TranscriptObject []webhookTurn  `json:"transcript_object"`
	Metadata         map[string]any `json:"metadata"`
	Analysis         *struct {
		TranscriptSummary string `json:"transcript_summary"`
	} `json:"analysis"`
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a "v1=<hex>" header against body in constant time.
func VerifySignature(header string, body []byte, secret string) bool {
	if header == "" || secret == "" {
		return false
	}
	version, sig, ok := strings.Cut(header, "=")
	if !ok || version != "v1" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *Server) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"endpoint":  "elevenlabs-webhook",
		"timestamp": s.today().Format(time.RFC3339),
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	switch {
	case s.cfg.WebhookSecret != "":
		if !VerifySignature(r.Header.Get(SignatureHeader), body, s.cfg.WebhookSecret) {
			s.logger.WarnContext(r.Context(), "webhook_bad_signature", slog.Int("body_len", len(body)))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}
	case s.cfg.RequireSecret:
		s.logger.ErrorContext(r.Context(), "webhook_secret_missing")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook secret not configured"})
		return
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid request",
			"issues": []api.FieldIssue{{Field: "body", Message: "must be a valid JSON object"}},
		})
		return
	}

	var v api.Validator
	v.Required("conversation_id", p.ConversationID)
	v.Required("agent_id", p.AgentID)
	if err := v.Err(); err != nil {
		writeWebhookInvalid(w, err)
		return
	}

	if p.Type != webhookEventEnded {
		s.logger.InfoContext(r.Context(), "webhook_ignored", slog.String("type", p.Type))
		writeJSON(w, http.StatusOK, map[string]bool{"received": true, "processed": false})
		return
	}

	ended := p.toEvent()
	env := api.NewEnvelope(ended)
	if err := env.Validate(); err != nil {
		writeWebhookInvalid(w, err)
		return
	}
	runIDs, err := s.events.Emit(r.Context(), env)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "webhook_emit_failed",
			slog.String("conversation_id", p.ConversationID),
			slog.Any("error", err),
		)
		resp := map[string]string{"error": "internal error"}
		if s.cfg.DevMode {
			resp["detail"] = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	s.logger.InfoContext(r.Context(), "webhook_processed",
		slog.String("conversation_id", p.ConversationID),
		slog.String("status", p.Status),
		slog.Bool("has_transcript", ended.Transcript != ""),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"received":        true,
		"processed":       true,
		"conversation_id": p.ConversationID,
		"run_ids":         runIDs,
	})
}

func writeWebhookInvalid(w http.ResponseWriter, err error) {
	resp := map[string]any{"error": "invalid request"}
	var ve *api.ValidationError
	if errors.As(err, &ve) {
		resp["issues"] = ve.Issues
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func (p *webhookPayload) toEvent() *api.ConversationEnded {
	ev := &api.ConversationEnded{
		ConversationID: p.ConversationID,
		AgentID:        p.AgentID,
		Status:         p.Status,
		Transcript:     p.Transcript,
	}
	for _, t := range p.TranscriptObject {
		turn := api.TranscriptTurn{Role: t.Role, Message: t.Message}
		if t.Timestamp != nil {
			turn.Timestamp = metadataString(t.Timestamp)
		}
		ev.TranscriptObject = append(ev.TranscriptObject, turn)
	}
	ev.Transcript = ev.FullTranscript()

	if len(p.Metadata) > 0 {
		ev.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			ev.Metadata[k] = metadataString(v)
		}
	}
	if p.Analysis != nil {
		ev.Summary = p.Analysis.TranscriptSummary
	}
	return ev
}

func metadataString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
