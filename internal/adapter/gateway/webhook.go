package gateway

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
)

// emptyTwiML acknowledges a carrier-A webhook without further instructions.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

/// handleWebhook serves POST /twiml: authenticates the request, normalizes it
// into carrier events and routes them. When a routed event asks for the media
// socket, the carrier's connect directive is served instead of the default
// acknowledgement.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.metrics.WebhooksTotal.Add(1)

	ctx, span := tracer.StartSpan(r.Context(), "gateway.webhook")
	defer span.End()

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !s.authenticate(w, r, body) {
		tracer.RecordError(span, domain.ErrAuth)
		return
	}

	events, reply, err := s.carrier.ParseWebhook(r, body)
	if err != nil {
		s.metrics.WebhookParseFailures.Add(1)
		tracer.RecordError(span, err)
		s.logger.Warn("webhook parse failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var wsURL string
	for _, ev := range events {
		connect, err := s.router.HandleCarrierEvent(ctx, ev)
		if err != nil {
			// Carriers retry non-200s; an event for a session we no longer
			// track is acknowledged and dropped.
			if errors.Is(err, domain.ErrSessionNotFound) {
				s.logger.Debug("webhook event for unknown call",
					"call_ref", ev.CallRef, "event", ev.Kind)
				continue
			}
			tracer.RecordError(span, err)
			s.logger.Warn("webhook event routing failed",
				"call_ref", ev.CallRef, "event", ev.Kind, "error", err)
			continue
		}
		if connect != "" {
			wsURL = connect
		}
	}
	tracer.SetOK(span)

	if wsURL != "" {
		directive := s.carrier.MediaConnectDirective(wsURL)
		w.Header().Set("Content-Type", directive.ContentType)
		w.Write(directive.Body)
		return
	}

	if reply.ContentType != "" {
		w.Header().Set("Content-Type", reply.ContentType)
	}
	w.WriteHeader(reply.StatusCode)
	w.Write(reply.Body)
}

// handleSMS serves POST /sms. Inbound texts are acknowledged and logged; the
// bridge only originates SMS, it does not converse over them.
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if !s.authenticate(w, r, body) {
		return
	}
	s.metrics.TextsReceived.Add(1)

	from, size := inboundTextSummary(r.Header.Get("Content-Type"), body)
	s.logger.Info("inbound text acknowledged", "from", from, "body_bytes", size)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(emptyTwiML))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// readBody drains the request body, translating the MaxBody middleware's
// rejection into 413.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		s.logger.Warn("webhook body read failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// authenticate enforces webhook signatures unless the operator trusts the
// tunnel. A failure is terminal for the request, never for the session.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, body []byte) bool {
	if s.cfg.TrustWithoutSignature {
		s.logger.Debug("webhook signature check bypassed", "path", r.URL.Path)
		return true
	}
	if err := s.carrier.VerifyWebhook(r, body); err != nil {
		s.metrics.WebhookAuthFailures.Add(1)
		s.logger.Warn("webhook rejected",
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"error", err,
		)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// inboundTextSummary extracts what is safe to log about an inbound SMS: the
// sender and the body size, never the content.
func inboundTextSummary(contentType string, body []byte) (from string, size int) {
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(string(body)); err == nil {
			return values.Get("From"), len(values.Get("Body"))
		}
	}
	return "", len(body)
}
