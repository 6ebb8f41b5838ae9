package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ross-commits/talk-to-claude/internal/adapter/carrier"
	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

// mediaFixture runs the media-stream handler on an httptest server and
// captures attached sockets.
type mediaFixture struct {
	ts     *httptest.Server
	router *fakeRouter
	socks  chan domain.MediaSocket
}

func newMediaFixture(t *testing.T, cfg config.ServerConfig, router *fakeRouter) *mediaFixture {
	t.Helper()
	f := &mediaFixture{
		router: router,
		socks:  make(chan domain.MediaSocket, 4),
	}
	router.attachFunc = func(_ context.Context, _ string, sock domain.MediaSocket) error {
		f.socks <- sock
		return nil
	}
	s := newTestGateway(router, carrier.NewMock(), cfg)
	f.ts = httptest.NewServer(http.HandlerFunc(s.handleMediaStream))
	t.Cleanup(f.ts.Close)
	return f
}

func (f *mediaFixture) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	if query != "" {
		u += "?" + query
	}
	return u
}

func (f *mediaFixture) dial(t *testing.T, ctx context.Context, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, f.wsURL(query), nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	return ws
}

func (f *mediaFixture) attached(t *testing.T, ctx context.Context) domain.MediaSocket {
	t.Helper()
	select {
	case sock := <-f.socks:
		return sock
	case <-ctx.Done():
		t.Fatal("no socket attached before timeout")
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMediaStreamRequiresToken(t *testing.T) {
	f := newMediaFixture(t, config.ServerConfig{}, &fakeRouter{})

	resp, err := http.Get(f.ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMediaTokenSingleUse(t *testing.T) {
	ctx := testContext(t)
	used := false
	router := &fakeRouter{
		claimFunc: func(token string) (string, error) {
			if token != "tok1" || used {
				return "", domain.NewKindError("mgr.Claim", domain.ErrAuth, domain.KindBadToken, "unknown or used token")
			}
			used = true
			return "call-1", nil
		},
	}
	f := newMediaFixture(t, config.ServerConfig{}, router)

	ws := f.dial(t, ctx, "token=tok1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	_, resp, err := websocket.Dial(ctx, f.wsURL("token=tok1"), nil)
	if err == nil {
		t.Fatal("second upgrade with the same token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("second upgrade response = %+v, want 401", resp)
	}
}

func TestMediaHandshakeAndInboundAudio(t *testing.T) {
	ctx := testContext(t)
	f := newMediaFixture(t, config.ServerConfig{}, &fakeRouter{})

	ws := f.dial(t, ctx, "token=tok1")
	defer ws.Close(websocket.StatusNormalClosure, "")
	sock := f.attached(t, ctx)

	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{Event: carrier.StreamEventConnected}); err != nil {
		t.Fatalf("write connected: %v", err)
	}
	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{
		Event: carrier.StreamEventStart,
		Start: &carrier.StartPayload{StreamSID: "MZ123", CallSID: "CA1"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}

	if err := sock.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if got := sock.StreamID(); got != "MZ123" {
		t.Errorf("StreamID = %q, want MZ123", got)
	}

	payload := []byte{0xFF, 0x7F, 0x00, 0x80}
	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{
		Event: carrier.StreamEventMedia,
		Media: &carrier.MediaPayload{
			Track:   "inbound",
			Payload: base64.StdEncoding.EncodeToString(payload),
		},
	}); err != nil {
		t.Fatalf("write media: %v", err)
	}

	got, err := sock.ReadAudio(ctx)
	if err != nil {
		t.Fatalf("ReadAudio: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("audio = %x, want %x", got, payload)
	}
}

func TestMediaSkipsNonInboundTracks(t *testing.T) {
	ctx := testContext(t)
	f := newMediaFixture(t, config.ServerConfig{}, &fakeRouter{})

	ws := f.dial(t, ctx, "token=tok1")
	defer ws.Close(websocket.StatusNormalClosure, "")
	sock := f.attached(t, ctx)

	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{
		Event: carrier.StreamEventStart,
		Start: &carrier.StartPayload{StreamSID: "MZ1"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{
		Event: carrier.StreamEventMedia,
		Media: &carrier.MediaPayload{Track: "outbound", Payload: base64.StdEncoding.EncodeToString([]byte{1})},
	}); err != nil {
		t.Fatalf("write outbound frame: %v", err)
	}
	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{
		Event: carrier.StreamEventMedia,
		Media: &carrier.MediaPayload{Track: "inbound", Payload: base64.StdEncoding.EncodeToString([]byte{2})},
	}); err != nil {
		t.Fatalf("write inbound frame: %v", err)
	}

	got, err := sock.ReadAudio(ctx)
	if err != nil {
		t.Fatalf("ReadAudio: %v", err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("audio = %x, want the inbound frame only", got)
	}
}

func TestMediaOutboundEnvelopes(t *testing.T) {
	ctx := testContext(t)
	f := newMediaFixture(t, config.ServerConfig{}, &fakeRouter{})

	ws := f.dial(t, ctx, "token=tok1")
	defer ws.Close(websocket.StatusNormalClosure, "")
	sock := f.attached(t, ctx)

	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{
		Event: carrier.StreamEventStart,
		Start: &carrier.StartPayload{StreamSID: "MZ9"},
	}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if err := sock.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	mulaw := []byte{0x7F, 0xFF, 0x00}
	if err := sock.WriteAudio(ctx, mulaw); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	var frame carrier.StreamMessage
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read media frame: %v", err)
	}
	if frame.Event != carrier.StreamEventMedia || frame.StreamSID != "MZ9" {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Media == nil || frame.Media.Payload != base64.StdEncoding.EncodeToString(mulaw) {
		t.Errorf("payload = %+v", frame.Media)
	}

	if err := sock.WriteClear(ctx); err != nil {
		t.Fatalf("WriteClear: %v", err)
	}
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read clear frame: %v", err)
	}
	if frame.Event != carrier.StreamEventClear || frame.StreamSID != "MZ9" {
		t.Errorf("clear frame = %+v", frame)
	}
}

func TestMediaWriteBeforeReadyFails(t *testing.T) {
	ctx := testContext(t)
	f := newMediaFixture(t, config.ServerConfig{}, &fakeRouter{})

	ws := f.dial(t, ctx, "token=tok1")
	defer ws.Close(websocket.StatusNormalClosure, "")
	sock := f.attached(t, ctx)

	err := sock.WriteAudio(ctx, []byte{1, 2, 3})
	if err == nil {
		t.Fatal("WriteAudio before start succeeded")
	}
	if !errors.Is(err, domain.ErrMedia) {
		t.Errorf("error = %v, want ErrMedia", err)
	}
	if domain.ErrorCodeOf(err) != domain.CodeMediaNotReady {
		t.Errorf("code = %s, want MEDIA_NOT_READY", domain.ErrorCodeOf(err))
	}
}

func TestMediaCarrierCloseUnblocksReaders(t *testing.T) {
	ctx := testContext(t)
	f := newMediaFixture(t, config.ServerConfig{}, &fakeRouter{})

	ws := f.dial(t, ctx, "token=tok1")
	sock := f.attached(t, ctx)

	ws.Close(websocket.StatusNormalClosure, "done")

	_, err := sock.ReadAudio(ctx)
	if err == nil {
		t.Fatal("ReadAudio returned after close without error")
	}
	if domain.ErrorCodeOf(err) != domain.CodeMediaSocketClosed {
		t.Errorf("code = %s, want MEDIA_SOCKET_CLOSED", domain.ErrorCodeOf(err))
	}

	if err := sock.WaitReady(ctx); err == nil {
		t.Error("WaitReady succeeded on a closed socket")
	}
}

func TestMediaStopEventEndsStream(t *testing.T) {
	ctx := testContext(t)
	f := newMediaFixture(t, config.ServerConfig{}, &fakeRouter{})

	ws := f.dial(t, ctx, "token=tok1")
	defer ws.Close(websocket.StatusNormalClosure, "")
	sock := f.attached(t, ctx)

	if err := wsjson.Write(ctx, ws, carrier.StreamMessage{Event: carrier.StreamEventStop}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	_, err := sock.ReadAudio(ctx)
	if domain.ErrorCodeOf(err) != domain.CodeMediaSocketClosed {
		t.Errorf("error = %v, want socket closed", err)
	}
}

func TestMediaUntokenizedUpgradeWhenTrusted(t *testing.T) {
	ctx := testContext(t)
	router := &fakeRouter{
		newestFunc: func() (string, error) { return "call-9", nil },
	}
	f := newMediaFixture(t, config.ServerConfig{TrustWithoutSignature: true}, router)

	ws := f.dial(t, ctx, "")
	defer ws.Close(websocket.StatusNormalClosure, "")

	sock := f.attached(t, ctx)
	if sock == nil {
		t.Fatal("no socket attached")
	}
}

func TestMediaUntokenizedUpgradeRejectedWithoutSessions(t *testing.T) {
	ctx := testContext(t)
	f := newMediaFixture(t, config.ServerConfig{TrustWithoutSignature: true}, &fakeRouter{})

	_, resp, err := websocket.Dial(ctx, f.wsURL(""), nil)
	if err == nil {
		t.Fatal("upgrade succeeded with no active sessions")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}
}
