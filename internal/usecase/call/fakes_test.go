package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pollFor retries cond every few milliseconds until it holds or the
// deadline passes.
func pollFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

// ---------------------------------------------------------------- carrier

type fakePlacement struct {
	to, from, webhookURL, ref string
}

type fakeSMS struct {
	to, from, body string
	mediaURLs      []string
}

type fakeCarrier struct {
	mu         sync.Mutex
	placed     []fakePlacement
	hangups    []string
	streamURLs []string
	sms        []fakeSMS
	placeErr   error
	hangupErr  error
	streamErr  error
	refSeq     int
}

func (c *fakeCarrier) PlaceOutbound(_ context.Context, to, from, webhookURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.placeErr != nil {
		return "", c.placeErr
	}
	c.refSeq++
	ref := fmt.Sprintf("REF%03d", c.refSeq)
	c.placed = append(c.placed, fakePlacement{to: to, from: from, webhookURL: webhookURL, ref: ref})
	return ref, nil
}

func (c *fakeCarrier) StartMediaStream(_ context.Context, _, wsURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamErr != nil {
		return c.streamErr
	}
	c.streamURLs = append(c.streamURLs, wsURL)
	return nil
}

func (c *fakeCarrier) Hangup(_ context.Context, callRef string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hangupErr != nil {
		return c.hangupErr
	}
	c.hangups = append(c.hangups, callRef)
	return nil
}

func (c *fakeCarrier) MediaConnectDirective(wsURL string) domain.ConnectDirective {
	return domain.ConnectDirective{ContentType: "application/json", Body: []byte(`{"connect":"` + wsURL + `"}`)}
}

func (c *fakeCarrier) VerifyWebhook(_ *http.Request, _ []byte) error { return nil }

func (c *fakeCarrier) ParseWebhook(_ *http.Request, _ []byte) ([]domain.CarrierEvent, domain.WebhookReply, error) {
	return nil, domain.WebhookReply{StatusCode: http.StatusOK}, nil
}

func (c *fakeCarrier) SendSMS(_ context.Context, to, from, body string, mediaURLs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sms = append(c.sms, fakeSMS{to: to, from: from, body: body, mediaURLs: mediaURLs})
	return nil
}

func (c *fakeCarrier) Name() string { return "fake" }

func (c *fakeCarrier) waitPlacement(t *testing.T) fakePlacement {
	t.Helper()
	var p fakePlacement
	pollFor(t, 2*time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.placed) == 0 {
			return false
		}
		p = c.placed[len(c.placed)-1]
		return true
	}, "no outbound call placed")
	return p
}

func (c *fakeCarrier) hangupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hangups)
}

func (c *fakeCarrier) streamStartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streamURLs)
}

// ----------------------------------------------------------- media socket

type fakeSocket struct {
	streamID string
	readCh   chan []byte
	readyErr error

	mu          sync.Mutex
	ops         []string // "audio" / "clear", in write order
	audio       [][]byte
	clears      int
	closed      bool
	closeReason string
	writeErr    error

	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{streamID: "MZtest", readCh: make(chan []byte, 64)}
}

func (s *fakeSocket) WaitReady(_ context.Context) error { return s.readyErr }

func (s *fakeSocket) StreamID() string { return s.streamID }

func (s *fakeSocket) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.readCh:
		if !ok {
			return nil, domain.NewKindError("fakeSocket.ReadAudio", domain.ErrMedia, domain.KindSocketClosed, "socket closed")
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) WriteAudio(_ context.Context, mulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	buf := append([]byte(nil), mulaw...)
	s.audio = append(s.audio, buf)
	s.ops = append(s.ops, "audio")
	return nil
}

func (s *fakeSocket) WriteClear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.clears++
	s.ops = append(s.ops, "clear")
	return nil
}

func (s *fakeSocket) Close(reason string) error {
	s.mu.Lock()
	s.closed = true
	s.closeReason = reason
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.readCh) })
	return nil
}

func (s *fakeSocket) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func (s *fakeSocket) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

func (s *fakeSocket) opsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *fakeSocket) audioSnapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ----------------------------------------------------------- unified agent

type sentText struct {
	text string
	role domain.TextRole
}

type sentToolResult struct {
	id, result string
}

type fakeAgent struct {
	cb         domain.AgentCallbacks
	connectErr error

	mu          sync.Mutex
	connected   bool
	closed      bool
	texts       []sentText
	toolResults []sentToolResult
	audioBytes  int
}

func (a *fakeAgent) Connect(_ context.Context) error {
	if a.connectErr != nil {
		return a.connectErr
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) SendAudio(pcm []byte) {
	a.mu.Lock()
	a.audioBytes += len(pcm)
	a.mu.Unlock()
}

func (a *fakeAgent) SendText(text string, role domain.TextRole) {
	a.mu.Lock()
	a.texts = append(a.texts, sentText{text: text, role: role})
	a.mu.Unlock()
}

func (a *fakeAgent) SendToolResult(toolUseID, result string) {
	a.mu.Lock()
	a.toolResults = append(a.toolResults, sentToolResult{id: toolUseID, result: result})
	a.mu.Unlock()
}

func (a *fakeAgent) Close(_ context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) sentTexts() []sentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentText(nil), a.texts...)
}

func (a *fakeAgent) sentToolResults() []sentToolResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentToolResult(nil), a.toolResults...)
}

func (a *fakeAgent) audioIn() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioBytes
}

func (a *fakeAgent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *fakeAgent) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

type fakeEngine struct {
	mu         sync.Mutex
	sessions   []*fakeAgent
	newErr     error
	connectErr error
}

func (e *fakeEngine) NewSession(cb domain.AgentCallbacks) (domain.AgentSession, error) {
	if e.newErr != nil {
		return nil, e.newErr
	}
	if !cb.Valid() {
		return nil, errors.New("incomplete callbacks")
	}
	a := &fakeAgent{cb: cb, connectErr: e.connectErr}
	e.mu.Lock()
	e.sessions = append(e.sessions, a)
	e.mu.Unlock()
	return a, nil
}

func (e *fakeEngine) waitSession(t *testing.T) *fakeAgent {
	t.Helper()
	var a *fakeAgent
	pollFor(t, 2*time.Second, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.sessions) == 0 {
			return false
		}
		a = e.sessions[len(e.sessions)-1]
		return a.isConnected() || a.connectErr != nil
	}, "no unified session opened")
	return a
}

// ------------------------------------------------------------------ brain

type fakeBrain struct {
	mu          sync.Mutex
	script      []*domain.BrainResponse
	respondIn   []string
	injected    []string
	toolResults [][]domain.ToolResult
	err         error
}

func (b *fakeBrain) next() *domain.BrainResponse {
	if len(b.script) == 0 {
		return &domain.BrainResponse{Text: "ok", StopReason: domain.StopEndTurn}
	}
	resp := b.script[0]
	b.script = b.script[1:]
	return resp
}

func (b *fakeBrain) Respond(_ context.Context, userText string) (*domain.BrainResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.respondIn = append(b.respondIn, userText)
	return b.next(), nil
}

func (b *fakeBrain) HandleToolResults(_ context.Context, _ []domain.ToolUse, results []domain.ToolResult) (*domain.BrainResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.toolResults = append(b.toolResults, results)
	return b.next(), nil
}

func (b *fakeBrain) InjectContext(_ context.Context, text string) (*domain.BrainResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.injected = append(b.injected, text)
	return b.next(), nil
}

func (b *fakeBrain) injectedSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.injected...)
}

func (b *fakeBrain) respondSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.respondIn...)
}

func (b *fakeBrain) toolResultsSnapshot() [][]domain.ToolResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]domain.ToolResult, len(b.toolResults))
	copy(out, b.toolResults)
	return out
}

// -------------------------------------------------------------- stt / tts

type fakeSTT struct {
	mu    sync.Mutex
	wavs  [][]byte
	text  string
	errs  []error // consumed first, one per call
	calls int
	delay time.Duration
}

func (s *fakeSTT) Transcribe(_ context.Context, wav []byte) (string, error) {
	s.mu.Lock()
	s.calls++
	s.wavs = append(s.wavs, append([]byte(nil), wav...))
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	text := s.text
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (s *fakeSTT) Name() string { return "fake-stt" }

func (s *fakeSTT) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSTT) wavsSnapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.wavs))
	copy(out, s.wavs)
	return out
}

type fakeTTS struct {
	mu       sync.Mutex
	texts    []string
	pcm      []byte // one chunk of PCM16LE 24 kHz
	chunks   int
	chunkErr error
	startErr error
}

func (f *fakeTTS) SynthesizeStream(_ context.Context, text string) (<-chan domain.TTSChunk, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	pcm := f.pcm
	n := f.chunks
	chunkErr := f.chunkErr
	f.mu.Unlock()

	if n <= 0 {
		n = 1
	}
	ch := make(chan domain.TTSChunk, n+1)
	for i := 0; i < n; i++ {
		ch <- domain.TTSChunk{PCM: pcm}
	}
	if chunkErr != nil {
		ch <- domain.TTSChunk{Err: chunkErr}
	}
	close(ch)
	return ch, nil
}

func (f *fakeTTS) Name() string { return "fake-tts" }

func (f *fakeTTS) textsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// ------------------------------------------------------------------ tools

type fakeTool struct {
	name   string
	result *domain.ToolResult
	err    error
	delay  time.Duration

	mu     sync.Mutex
	inputs []json.RawMessage
}

func (ft *fakeTool) Name() string        { return ft.name }
func (ft *fakeTool) Description() string { return "test tool" }
func (ft *fakeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: ft.name, Description: "test tool", Parameters: json.RawMessage(`{"type":"object"}`)}
}

func (ft *fakeTool) Execute(ctx context.Context, input json.RawMessage) (*domain.ToolResult, error) {
	ft.mu.Lock()
	ft.inputs = append(ft.inputs, append(json.RawMessage(nil), input...))
	ft.mu.Unlock()
	if ft.delay > 0 {
		select {
		case <-time.After(ft.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ft.err != nil {
		return nil, ft.err
	}
	return ft.result, nil
}

func (ft *fakeTool) callCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.inputs)
}

type fakeToolExec struct {
	tools map[string]*fakeTool
}

func newFakeToolExec(tools ...*fakeTool) *fakeToolExec {
	m := make(map[string]*fakeTool, len(tools))
	for _, ft := range tools {
		m[ft.name] = ft
	}
	return &fakeToolExec{tools: m}
}

func (e *fakeToolExec) Get(name string) (domain.Tool, error) {
	ft, ok := e.tools[name]
	if !ok {
		return nil, domain.NewDomainError("fakeToolExec.Get", domain.ErrTool, "no such tool "+name)
	}
	return ft, nil
}

func (e *fakeToolExec) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(e.tools))
	for _, ft := range e.tools {
		out = append(out, ft.Schema())
	}
	return out
}
