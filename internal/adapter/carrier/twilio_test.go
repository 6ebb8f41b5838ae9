package carrier

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

var _ domain.Carrier = (*Twilio)(nil)

func newTestLogger() *slog.Logger { return slog.Default() }

func newTestTwilio(srvURL string) *Twilio {
	tw := NewTwilio(config.TwilioConfig{AccountSID: "AC123", AuthToken: "secret-token"}, "https://bridge.example.com", newTestLogger())
	if srvURL != "" {
		tw.apiBase = srvURL
	}
	return tw
}

func TestTwilioPlaceOutbound(t *testing.T) {
	var gotPath string
	var gotForm url.Values
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(`{"sid":"CA001","status":"queued"}`))
	}))
	defer srv.Close()

	tw := newTestTwilio(srv.URL)
	ref, err := tw.PlaceOutbound(context.Background(), "+15550001111", "+15550002222", "https://bridge.example.com/twiml")
	if err != nil {
		t.Fatalf("PlaceOutbound: %v", err)
	}
	if ref != "CA001" {
		t.Errorf("call ref = %q, want CA001", ref)
	}
	if gotPath != "/2010-04-01/Accounts/AC123/Calls.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotUser != "AC123" || gotPass != "secret-token" {
		t.Errorf("basic auth = %q/%q", gotUser, gotPass)
	}
	if got := gotForm.Get("To"); got != "+15550001111" {
		t.Errorf("To = %q", got)
	}
	if got := gotForm.Get("Url"); got != "https://bridge.example.com/twiml" {
		t.Errorf("Url = %q", got)
	}
	if got := gotForm.Get("StatusCallback"); got != "https://bridge.example.com/twiml" {
		t.Errorf("StatusCallback = %q", got)
	}
	if got := gotForm.Get("StatusCallbackEvent"); got != "initiated ringing answered completed" {
		t.Errorf("StatusCallbackEvent = %q", got)
	}
}

func TestTwilioPlaceOutboundAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":20003,"message":"authenticate"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	tw := newTestTwilio(srv.URL)
	_, err := tw.PlaceOutbound(context.Background(), "+15550001111", "+15550002222", "https://bridge.example.com/twiml")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, domain.ErrCarrier) {
		t.Errorf("error = %v, want ErrCarrier", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeCarrierPlaceFailed {
		t.Errorf("code = %v, want CARRIER_PLACE_FAILED", code)
	}
}

func TestTwilioHangup(t *testing.T) {
	var gotPath, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotStatus = r.PostForm.Get("Status")
		w.Write([]byte(`{"sid":"CA001","status":"completed"}`))
	}))
	defer srv.Close()

	tw := newTestTwilio(srv.URL)
	if err := tw.Hangup(context.Background(), "CA001"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC123/Calls/CA001.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotStatus != "completed" {
		t.Errorf("Status = %q, want completed", gotStatus)
	}
}

func TestTwilioHangupError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	tw := newTestTwilio(srv.URL)
	err := tw.Hangup(context.Background(), "CA404")
	if code := domain.ErrorCodeOf(err); code != domain.CodeCarrierHangupFailed {
		t.Errorf("code = %v, want CARRIER_HANGUP_FAILED", code)
	}
}

func TestTwilioMediaConnectDirective(t *testing.T) {
	tw := newTestTwilio("")
	d := tw.MediaConnectDirective("wss://bridge.example.com/media-stream?token=abc123")
	if d.ContentType != "text/xml" {
		t.Errorf("content type = %q", d.ContentType)
	}
	want := `<Response><Connect><Stream url="wss://bridge.example.com/media-stream?token=abc123" /></Connect></Response>`
	if string(d.Body) != want {
		t.Errorf("directive = %s, want %s", d.Body, want)
	}
}

func TestTwilioMediaConnectDirectiveConvertsScheme(t *testing.T) {
	tw := newTestTwilio("")
	d := tw.MediaConnectDirective("https://bridge.example.com/media-stream?token=abc")
	if !strings.Contains(string(d.Body), `url="wss://bridge.example.com/media-stream?token=abc"`) {
		t.Errorf("directive did not convert scheme: %s", d.Body)
	}
}

func signedTwilioRequest(t *testing.T, tw *Twilio, target string, form url.Values) (*http.Request, []byte) {
	t.Helper()
	body := []byte(form.Encode())
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(string(body)))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	sig := computeTwilioSignature(tw.cfg.AuthToken, tw.publicURL+r.URL.RequestURI(), body)
	r.Header.Set("X-Twilio-Signature", base64.StdEncoding.EncodeToString(sig))
	return r, body
}

func TestTwilioVerifyWebhook(t *testing.T) {
	tw := newTestTwilio("")
	form := url.Values{"CallSid": {"CA001"}, "CallStatus": {"ringing"}, "From": {"+15550002222"}}
	r, body := signedTwilioRequest(t, tw, "https://bridge.example.com/twiml", form)

	if err := tw.VerifyWebhook(r, body); err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
}

func TestTwilioVerifyWebhookWithQuery(t *testing.T) {
	tw := newTestTwilio("")
	form := url.Values{"CallSid": {"CA001"}, "CallStatus": {"completed"}}
	r, body := signedTwilioRequest(t, tw, "https://bridge.example.com/twiml?source=status", form)

	if err := tw.VerifyWebhook(r, body); err != nil {
		t.Fatalf("VerifyWebhook with query: %v", err)
	}
}

func TestTwilioVerifyWebhookTampered(t *testing.T) {
	tw := newTestTwilio("")
	form := url.Values{"CallSid": {"CA001"}, "CallStatus": {"ringing"}}
	r, _ := signedTwilioRequest(t, tw, "https://bridge.example.com/twiml", form)

	tampered := []byte("CallSid=CA001&CallStatus=completed")
	err := tw.VerifyWebhook(r, tampered)
	if code := domain.ErrorCodeOf(err); code != domain.CodeAuthBadSignature {
		t.Errorf("code = %v, want AUTH_BAD_SIGNATURE", code)
	}
}

func TestTwilioVerifyWebhookMissingHeader(t *testing.T) {
	tw := newTestTwilio("")
	r := httptest.NewRequest(http.MethodPost, "https://bridge.example.com/twiml", nil)
	err := tw.VerifyWebhook(r, nil)
	if !errors.Is(err, domain.ErrAuth) {
		t.Errorf("error = %v, want ErrAuth", err)
	}
}

func TestTwilioVerifyWebhookMalformedEncoding(t *testing.T) {
	tw := newTestTwilio("")
	r := httptest.NewRequest(http.MethodPost, "https://bridge.example.com/twiml", nil)
	r.Header.Set("X-Twilio-Signature", "not-base64!!!")
	err := tw.VerifyWebhook(r, nil)
	if code := domain.ErrorCodeOf(err); code != domain.CodeAuthBadSignature {
		t.Errorf("code = %v, want AUTH_BAD_SIGNATURE", code)
	}
}

func TestTwilioParseWebhook(t *testing.T) {
	tests := []struct {
		status string
		want   domain.CarrierEventKind
	}{
		{"initiated", domain.EventOutboundPlaced},
		{"queued", domain.EventOutboundPlaced},
		{"ringing", domain.EventRinging},
		{"in-progress", domain.EventAnswered},
		{"completed", domain.EventHungUp},
		{"busy", domain.EventHungUp},
		{"no-answer", domain.EventHungUp},
		{"failed", domain.EventHungUp},
	}

	tw := newTestTwilio("")
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			body := []byte(url.Values{"CallSid": {"CA001"}, "CallStatus": {tt.status}}.Encode())
			r := httptest.NewRequest(http.MethodPost, "/twiml", nil)

			events, reply, err := tw.ParseWebhook(r, body)
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			if events[0].Kind != tt.want {
				t.Errorf("kind = %v, want %v", events[0].Kind, tt.want)
			}
			if events[0].CallRef != "CA001" {
				t.Errorf("call ref = %q", events[0].CallRef)
			}
			if events[0].Detail != tt.status {
				t.Errorf("detail = %q, want %q", events[0].Detail, tt.status)
			}
			if reply.StatusCode != http.StatusOK {
				t.Errorf("reply status = %d", reply.StatusCode)
			}
		})
	}
}

func TestTwilioParseWebhookUnknownStatus(t *testing.T) {
	tw := newTestTwilio("")
	body := []byte(url.Values{"CallSid": {"CA001"}, "CallStatus": {"conferencing"}}.Encode())
	r := httptest.NewRequest(http.MethodPost, "/twiml", nil)

	events, reply, err := tw.ParseWebhook(r, body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
	if reply.StatusCode != http.StatusOK {
		t.Errorf("reply status = %d", reply.StatusCode)
	}
}

func TestTwilioParseWebhookMissingCallSid(t *testing.T) {
	tw := newTestTwilio("")
	r := httptest.NewRequest(http.MethodPost, "/twiml", nil)
	_, _, err := tw.ParseWebhook(r, []byte("CallStatus=ringing"))
	if code := domain.ErrorCodeOf(err); code != domain.CodeCarrierParseFailed {
		t.Errorf("code = %v, want CARRIER_PARSE_FAILED", code)
	}
}

func TestTwilioSendSMS(t *testing.T) {
	var gotPath string
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(`{"sid":"SM001","status":"queued"}`))
	}))
	defer srv.Close()

	tw := newTestTwilio(srv.URL)
	err := tw.SendSMS(context.Background(), "+15550001111", "+15550002222", "hello there",
		[]string{"https://cdn.example.com/a.png", "https://cdn.example.com/b.png"})
	if err != nil {
		t.Fatalf("SendSMS: %v", err)
	}
	if gotPath != "/2010-04-01/Accounts/AC123/Messages.json" {
		t.Errorf("path = %q", gotPath)
	}
	if got := gotForm.Get("Body"); got != "hello there" {
		t.Errorf("Body = %q", got)
	}
	if got := gotForm["MediaUrl"]; len(got) != 2 {
		t.Errorf("MediaUrl values = %v, want 2 entries", got)
	}
}

func TestXMLEscape(t *testing.T) {
	got := xmlEscape(`a&b<c>"d'`)
	want := "a&amp;b&lt;c&gt;&quot;d&apos;"
	if got != want {
		t.Errorf("xmlEscape = %q, want %q", got, want)
	}
}
