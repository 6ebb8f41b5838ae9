package carrier

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

const (
	telnyxAPIBase = "https://api.telnyx.com"

	// telnyxMaxSkew bounds how old (or how far in the future) a webhook
	// timestamp may be before it is rejected as a replay.
	telnyxMaxSkew = 5 * time.Minute
)

var telnyxOKReply = []byte(`{"status":"ok"}`)

// Telnyx implements domain.Carrier against the Telnyx Call Control API:
// JSON webhooks signed with Ed25519, media socket opened by an explicit
// streaming_start action.
type Telnyx struct {
	cfg     config.TelnyxConfig
	pubKey  ed25519.PublicKey
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

// NewTelnyx creates a Telnyx carrier, decoding the webhook public key. An
// empty key is allowed only when webhook auth is bypassed; config validation
// enforces that pairing.
func NewTelnyx(cfg config.TelnyxConfig, logger *slog.Logger) (*Telnyx, error) {
	var pubKey ed25519.PublicKey
	if cfg.PublicKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.PublicKey)
		if err != nil {
			return nil, domain.NewDomainError("telnyx.New", domain.ErrConfig, "decode public key: "+err.Error())
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, domain.NewDomainError("telnyx.New", domain.ErrConfig,
				fmt.Sprintf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key)))
		}
		pubKey = ed25519.PublicKey(key)
	}
	return &Telnyx{
		cfg:     cfg,
		pubKey:  pubKey,
		apiBase: telnyxAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}, nil
}

func (t *Telnyx) Name() string { return "telnyx" }

// PlaceOutbound originates a call; all events for it arrive at webhookURL.
func (t *Telnyx) PlaceOutbound(ctx context.Context, to, from, webhookURL string) (string, error) {
	payload := struct {
		ConnectionID     string `json:"connection_id"`
		To               string `json:"to"`
		From             string `json:"from"`
		WebhookURL       string `json:"webhook_url"`
		WebhookURLMethod string `json:"webhook_url_method"`
	}{t.cfg.ConnectionID, to, from, webhookURL, "POST"}

	body, err := t.postJSON(ctx, "/v2/calls", payload)
	if err != nil {
		return "", domain.NewKindError("telnyx.PlaceOutbound", domain.ErrCarrier, domain.KindPlaceFailed, err.Error())
	}

	var result struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", domain.NewKindError("telnyx.PlaceOutbound", domain.ErrCarrier, domain.KindPlaceFailed,
			"parse create response: "+err.Error())
	}
	if result.Data.CallControlID == "" {
		return "", domain.NewKindError("telnyx.PlaceOutbound", domain.ErrCarrier, domain.KindPlaceFailed,
			"create response missing call_control_id")
	}

	t.logger.Info("outbound call placed", "call_control_id", result.Data.CallControlID)
	return result.Data.CallControlID, nil
}

// StartMediaStream asks Telnyx to open the bidirectional media socket at
// wsURL, streaming the caller-inbound track as mu-law.
func (t *Telnyx) StartMediaStream(ctx context.Context, callRef, wsURL string) error {
	payload := struct {
		StreamURL          string `json:"stream_url"`
		StreamTrack        string `json:"stream_track"`
		BidirectionalMode  string `json:"stream_bidirectional_mode"`
		BidirectionalCodec string `json:"stream_bidirectional_codec"`
	}{wsURL, "inbound_track", "rtp", "PCMU"}

	path := "/v2/calls/" + url.PathEscape(callRef) + "/actions/streaming_start"
	if _, err := t.postJSON(ctx, path, payload); err != nil {
		return domain.NewDomainError("telnyx.StartMediaStream", domain.ErrCarrier, err.Error())
	}
	return nil
}

// Hangup terminates the call.
func (t *Telnyx) Hangup(ctx context.Context, callRef string) error {
	path := "/v2/calls/" + url.PathEscape(callRef) + "/actions/hangup"
	if _, err := t.postJSON(ctx, path, struct{}{}); err != nil {
		return domain.NewKindError("telnyx.Hangup", domain.ErrCarrier, domain.KindHangupFailed, err.Error())
	}
	return nil
}

// MediaConnectDirective returns the standard webhook acknowledgement: Telnyx
// opens the media socket via StartMediaStream, never from a webhook reply.
func (t *Telnyx) MediaConnectDirective(string) domain.ConnectDirective {
	return domain.ConnectDirective{ContentType: "application/json", Body: telnyxOKReply}
}

// VerifyWebhook checks the Ed25519 signature over "timestamp|body" and
// rejects stale timestamps.
func (t *Telnyx) VerifyWebhook(r *http.Request, body []byte) error {
	const op = "telnyx.VerifyWebhook"

	// ed25519.Verify panics on a wrong-size key; refuse instead.
	if len(t.pubKey) != ed25519.PublicKeySize {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "no webhook public key configured")
	}

	sigB64 := r.Header.Get("Telnyx-Signature-Ed25519")
	tsStr := r.Header.Get("Telnyx-Timestamp")
	if sigB64 == "" || tsStr == "" {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "missing signature headers")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "malformed Telnyx-Timestamp")
	}
	if skew := time.Since(time.Unix(ts, 0)); skew > telnyxMaxSkew || skew < -telnyxMaxSkew {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindStaleTimestamp,
			fmt.Sprintf("webhook timestamp skew %s exceeds %s", skew.Round(time.Second), telnyxMaxSkew))
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "malformed signature encoding")
	}

	signed := make([]byte, 0, len(tsStr)+1+len(body))
	signed = append(signed, tsStr...)
	signed = append(signed, '|')
	signed = append(signed, body...)
	if !ed25519.Verify(t.pubKey, signed, sig) {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "signature mismatch")
	}
	return nil
}

// ParseWebhook normalizes a Telnyx event. Telnyx expects the same JSON
// acknowledgement regardless of event type.
func (t *Telnyx) ParseWebhook(_ *http.Request, body []byte) ([]domain.CarrierEvent, domain.WebhookReply, error) {
	const op = "telnyx.ParseWebhook"
	reply := domain.WebhookReply{StatusCode: http.StatusOK, ContentType: "application/json", Body: telnyxOKReply}

	var envelope struct {
		Data struct {
			EventType  string    `json:"event_type"`
			OccurredAt time.Time `json:"occurred_at"`
			Payload    struct {
				CallControlID string `json:"call_control_id"`
				HangupCause   string `json:"hangup_cause"`
				Result        string `json:"result"`
			} `json:"payload"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, reply, domain.NewKindError(op, domain.ErrCarrier, domain.KindParseFailed, "parse event body: "+err.Error())
	}

	data := envelope.Data
	var kind domain.CarrierEventKind
	detail := data.EventType
	switch data.EventType {
	case "call.initiated":
		kind = domain.EventOutboundPlaced
	case "call.answered":
		kind = domain.EventAnswered
	case "call.hangup":
		kind = domain.EventHungUp
		if data.Payload.HangupCause != "" {
			detail = data.Payload.HangupCause
		}
	case "streaming.started":
		kind = domain.EventStreamReady
	case "streaming.stopped":
		kind = domain.EventStreamStopped
	case "call.machine.detection.ended":
		kind = domain.EventMachineEnded
		detail = data.Payload.Result
	default:
		t.logger.Debug("ignoring unknown webhook event", "event_type", data.EventType)
		return nil, reply, nil
	}

	if data.Payload.CallControlID == "" {
		return nil, reply, domain.NewKindError(op, domain.ErrCarrier, domain.KindParseFailed, "missing call_control_id")
	}

	ts := data.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	event := domain.CarrierEvent{
		CallRef:   data.Payload.CallControlID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: ts,
	}
	return []domain.CarrierEvent{event}, reply, nil
}

// SendSMS sends a text message, optionally with media attachments.
func (t *Telnyx) SendSMS(ctx context.Context, to, from, body string, mediaURLs []string) error {
	payload := struct {
		From      string   `json:"from"`
		To        string   `json:"to"`
		Text      string   `json:"text"`
		MediaURLs []string `json:"media_urls,omitempty"`
	}{from, to, body, mediaURLs}

	if _, err := t.postJSON(ctx, "/v2/messages", payload); err != nil {
		return domain.NewDomainError("telnyx.SendSMS", domain.ErrCarrier, err.Error())
	}
	return nil
}

// postJSON issues an authenticated JSON POST and returns the response body,
// or an error carrying the HTTP status and body on failure.
func (t *Telnyx) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telnyx api call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telnyx api error (HTTP %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
