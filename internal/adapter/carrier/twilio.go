package carrier

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

const twilioAPIBase = "https://api.twilio.com"

// Twilio implements domain.Carrier against the Twilio REST API: form-encoded
// webhooks authenticated with HMAC-SHA1, media socket opened by a TwiML
// connect directive served from the webhook.
type Twilio struct {
	cfg       config.TwilioConfig
	publicURL string // base URL webhooks are signed against
	apiBase   string
	client    *http.Client
	logger    *slog.Logger
}

// NewTwilio creates a Twilio carrier. publicURL is the externally visible
// base URL of the webhook server; Twilio signs requests against it.
func NewTwilio(cfg config.TwilioConfig, publicURL string, logger *slog.Logger) *Twilio {
	return &Twilio{
		cfg:       cfg,
		publicURL: strings.TrimRight(publicURL, "/"),
		apiBase:   twilioAPIBase,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

func (t *Twilio) Name() string { return "twilio" }

// PlaceOutbound originates a call. webhookURL both serves the TwiML connect
// directive and receives status callbacks for the call.
func (t *Twilio) PlaceOutbound(ctx context.Context, to, from, webhookURL string) (string, error) {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", t.apiBase, t.cfg.AccountSID)

	form := url.Values{
		"To":                   {to},
		"From":                 {from},
		"Url":                  {webhookURL},
		"StatusCallback":       {webhookURL},
		"StatusCallbackEvent":  {"initiated ringing answered completed"},
		"StatusCallbackMethod": {"POST"},
	}

	body, err := t.postForm(ctx, apiURL, form)
	if err != nil {
		return "", domain.NewKindError("twilio.PlaceOutbound", domain.ErrCarrier, domain.KindPlaceFailed, err.Error())
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", domain.NewKindError("twilio.PlaceOutbound", domain.ErrCarrier, domain.KindPlaceFailed,
			"parse create response: "+err.Error())
	}
	if result.SID == "" {
		return "", domain.NewKindError("twilio.PlaceOutbound", domain.ErrCarrier, domain.KindPlaceFailed,
			"create response missing call sid")
	}

	t.logger.Info("outbound call placed", "call_sid", result.SID, "status", result.Status)
	return result.SID, nil
}

// StartMediaStream is a no-op: Twilio opens the media socket when the
// webhook serves the connect directive.
func (t *Twilio) StartMediaStream(context.Context, string, string) error { return nil }

// Hangup terminates the call by updating its status.
func (t *Twilio) Hangup(ctx context.Context, callRef string) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls/%s.json", t.apiBase, t.cfg.AccountSID, callRef)

	if _, err := t.postForm(ctx, apiURL, url.Values{"Status": {"completed"}}); err != nil {
		return domain.NewKindError("twilio.Hangup", domain.ErrCarrier, domain.KindHangupFailed, err.Error())
	}
	return nil
}

// MediaConnectDirective renders the TwiML that tells Twilio to open the
// bidirectional media socket at wsURL.
func (t *Twilio) MediaConnectDirective(wsURL string) domain.ConnectDirective {
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	body := fmt.Sprintf(`<Response><Connect><Stream url="%s" /></Connect></Response>`, xmlEscape(wsURL))
	return domain.ConnectDirective{ContentType: "text/xml", Body: []byte(body)}
}

// VerifyWebhook validates the X-Twilio-Signature header: HMAC-SHA1 over the
// request URL concatenated with the sorted form parameters.
func (t *Twilio) VerifyWebhook(r *http.Request, body []byte) error {
	const op = "twilio.VerifyWebhook"

	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "missing X-Twilio-Signature header")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "malformed signature encoding")
	}

	expected := computeTwilioSignature(t.cfg.AuthToken, t.publicURL+r.URL.RequestURI(), body)
	if !hmac.Equal(sigBytes, expected) {
		return domain.NewKindError(op, domain.ErrAuth, domain.KindBadSignature, "signature mismatch")
	}
	return nil
}

// ParseWebhook normalizes a Twilio status callback. The default reply is an
// empty 200; the caller substitutes the connect directive when the call is
// ready for media.
func (t *Twilio) ParseWebhook(_ *http.Request, body []byte) ([]domain.CarrierEvent, domain.WebhookReply, error) {
	const op = "twilio.ParseWebhook"
	// Twilio rejects empty bodies on TwiML fetches, so the default reply is a
	// valid empty document.
	reply := domain.WebhookReply{
		StatusCode:  http.StatusOK,
		ContentType: "text/xml",
		Body:        []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`),
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, reply, domain.NewKindError(op, domain.ErrCarrier, domain.KindParseFailed, "parse form body: "+err.Error())
	}

	callSID := values.Get("CallSid")
	if callSID == "" {
		return nil, reply, domain.NewKindError(op, domain.ErrCarrier, domain.KindParseFailed, "missing CallSid")
	}

	status := values.Get("CallStatus")
	kind, ok := mapCallStatus(status)
	if !ok {
		t.logger.Debug("ignoring unknown call status", "call_sid", callSID, "call_status", status)
		return nil, reply, nil
	}

	event := domain.CarrierEvent{
		CallRef:   callSID,
		Kind:      kind,
		Detail:    status,
		Timestamp: time.Now().UTC(),
	}
	return []domain.CarrierEvent{event}, reply, nil
}

// SendSMS sends a text message, optionally with media attachments.
func (t *Twilio) SendSMS(ctx context.Context, to, from, body string, mediaURLs []string) error {
	apiURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.apiBase, t.cfg.AccountSID)

	form := url.Values{
		"To":   {to},
		"From": {from},
		"Body": {body},
	}
	for _, u := range mediaURLs {
		form.Add("MediaUrl", u)
	}

	if _, err := t.postForm(ctx, apiURL, form); err != nil {
		return domain.NewDomainError("twilio.SendSMS", domain.ErrCarrier, err.Error())
	}
	return nil
}

// postForm issues an authenticated form POST and returns the response body,
// or an error carrying the HTTP status and body on failure.
func (t *Twilio) postForm(ctx context.Context, apiURL string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio api call: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio api error (HTTP %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// mapCallStatus maps a Twilio CallStatus to a normalized event kind.
func mapCallStatus(status string) (domain.CarrierEventKind, bool) {
	switch status {
	case "queued", "initiated":
		return domain.EventOutboundPlaced, true
	case "ringing":
		return domain.EventRinging, true
	case "in-progress":
		return domain.EventAnswered, true
	case "completed", "busy", "no-answer", "failed", "canceled":
		return domain.EventHungUp, true
	}
	return "", false
}

// computeTwilioSignature computes the HMAC-SHA1 webhook signature: the full
// request URL followed by every form parameter as key+value, sorted by key.
func computeTwilioSignature(authToken, requestURL string, body []byte) []byte {
	values, _ := url.ParseQuery(string(body))

	data := requestURL
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range values[k] {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// xmlEscape escapes special characters for TwiML content.
func xmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
