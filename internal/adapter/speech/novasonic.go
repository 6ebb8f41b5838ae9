// Package speech drives the voice side of a call: a unified
// speech-to-speech session over one bidirectional Bedrock stream, plus the
// batch STT and streaming TTS providers used by the split pipeline.
package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
)

const (
	// drainTimeout bounds how long Close waits for the writer to flush the
	// teardown frames and for the reader to observe the closed stream.
	drainTimeout = 500 * time.Millisecond

	// maxAudioBacklog caps user audio buffered while the model is speaking.
	// Overflow drops the oldest frame; control frames are never dropped.
	maxAudioBacklog = 100
)

// modelStream is the open bidirectional stream. The SDK's
// *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream satisfies it.
type modelStream interface {
	Send(ctx context.Context, event types.InvokeModelWithBidirectionalStreamInput) error
	Events() <-chan types.InvokeModelWithBidirectionalStreamOutput
	Close() error
	Err() error
}

// streamOpener opens one stream to the speech model.
type streamOpener func(ctx context.Context) (modelStream, error)

// Engine opens unified agent sessions. One Engine is shared by all calls;
// each call gets its own Session.
type Engine struct {
	cfg          config.UnifiedConfig
	systemPrompt string
	tools        []domain.ToolSchema
	open         streamOpener
	logger       *slog.Logger
}

// NewEngine creates an Engine using the default AWS credential chain.
func NewEngine(ctx context.Context, cfg config.UnifiedConfig, systemPrompt string, tools []domain.ToolSchema, logger *slog.Logger) (*Engine, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, domain.NewDomainError("Engine.New", domain.ErrConfig, "load aws config: "+err.Error())
	}

	client := bedrockruntime.NewFromConfig(awsCfg)
	open := func(ctx context.Context) (modelStream, error) {
		out, err := client.InvokeModelWithBidirectionalStream(ctx,
			&bedrockruntime.InvokeModelWithBidirectionalStreamInput{
				ModelId: aws.String(cfg.ModelID),
			})
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}

	return newEngineWithOpener(cfg, systemPrompt, tools, open, logger), nil
}

// newEngineWithOpener creates an Engine with an injected stream opener (for testing).
func newEngineWithOpener(cfg config.UnifiedConfig, systemPrompt string, tools []domain.ToolSchema, open streamOpener, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		systemPrompt: systemPrompt,
		tools:        tools,
		open:         open,
		logger:       logger.With("component", "speech"),
	}
}

// NewSession prepares an unconnected session. Every callback is required.
func (e *Engine) NewSession(cb domain.AgentCallbacks) (domain.AgentSession, error) {
	if !cb.Valid() {
		return nil, domain.NewDomainError("Engine.NewSession", domain.ErrInvalidInput, "missing agent callback")
	}
	s := &Session{
		engine:       e,
		cb:           cb,
		promptName:   ulid.Make().String(),
		audioContent: ulid.Make().String(),
		speaking:     make(map[string]bool),
		toolAccums:   make(map[string]*toolAccum),
		logger:       e.logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Session is one call's bidirectional stream to the speech model. A single
// writer goroutine owns all sends; a single reader goroutine owns all
// receives and runs the callbacks.
type Session struct {
	engine *Engine
	cb     domain.AgentCallbacks
	logger *slog.Logger

	promptName   string
	audioContent string // the user audio block, open for the session lifetime

	mu            sync.Mutex
	cond          *sync.Cond
	control       [][]byte
	audio         [][]byte
	modelSpeaking bool
	speaking      map[string]bool // content IDs currently marking the model as speaking
	connected     bool
	closing       bool

	// toolAccums is touched only by the reader goroutine.
	toolAccums map[string]*toolAccum

	stream     modelStream
	cancel     context.CancelFunc
	writerDone chan struct{}
	readerDone chan struct{}
}

type toolAccum struct {
	name      string
	toolUseID string
	buf       strings.Builder
}

// Connect opens the stream, queues the setup sequence, and starts the writer
// and reader. It returns once the stream is writable; the setup frames flush
// through the ordinary control queue.
func (s *Session) Connect(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "speech.connect",
		trace.WithAttributes(tracer.StringAttr("speech.model", s.engine.cfg.ModelID)),
	)
	defer span.End()

	s.mu.Lock()
	if s.connected || s.closing {
		s.mu.Unlock()
		return domain.NewKindError("AgentSession.Connect", domain.ErrAgent, domain.KindProtocolError, "session already connected")
	}
	s.mu.Unlock()

	stream, err := s.engine.open(ctx)
	if err != nil {
		err = domain.NewKindError("AgentSession.Connect", domain.ErrAgent, domain.KindConnectFailed, err.Error())
		tracer.RecordError(span, err)
		return err
	}

	cfg := s.engine.cfg
	setup := [][]byte{
		sessionStartFrame(cfg.MaxTokens, cfg.Temperature, cfg.TopP),
		promptStartFrame(s.promptName, cfg.VoiceID, s.engine.tools),
	}
	sysContent := ulid.Make().String()
	setup = append(setup,
		contentStartTextFrame(s.promptName, sysContent, "SYSTEM", false),
		textInputFrame(s.promptName, sysContent, s.engine.systemPrompt),
		contentEndFrame(s.promptName, sysContent),
		contentStartAudioFrame(s.promptName, s.audioContent),
	)

	// The session outlives the Connect call's deadline.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.stream = stream
	s.cancel = cancel
	s.connected = true
	s.control = append(s.control, setup...)
	s.writerDone = make(chan struct{})
	s.readerDone = make(chan struct{})
	s.cond.Broadcast()
	s.mu.Unlock()

	go s.writeLoop(streamCtx)
	go s.readLoop()

	s.logger.Info("agent session connected", "model", cfg.ModelID, "tools", len(s.engine.tools))
	tracer.SetOK(span)
	return nil
}

// SendAudio enqueues user audio (PCM16LE mono 16 kHz). Frames accumulate
// while the model is speaking and resume on interruption or turn end.
func (s *Session) SendAudio(pcm []byte) {
	frame := audioInputFrame(s.promptName, s.audioContent, pcm)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closing {
		return
	}
	if len(s.audio) >= maxAudioBacklog {
		s.audio = s.audio[1:]
		s.logger.Debug("audio backlog full, dropping oldest frame")
	}
	s.audio = append(s.audio, frame)
	s.cond.Broadcast()
}

// SendText injects out-of-band text as a self-contained content block.
func (s *Session) SendText(text string, role domain.TextRole) {
	contentName := ulid.Make().String()
	interactive := role == domain.RoleUser
	s.enqueueControl(
		contentStartTextFrame(s.promptName, contentName, string(role), interactive),
		textInputFrame(s.promptName, contentName, text),
		contentEndFrame(s.promptName, contentName),
	)
}

// SendToolResult feeds one tool outcome back to the model.
func (s *Session) SendToolResult(toolUseID, result string) {
	contentName := ulid.Make().String()
	s.enqueueControl(
		contentStartToolFrame(s.promptName, contentName, toolUseID),
		toolResultFrame(s.promptName, contentName, result),
		contentEndFrame(s.promptName, contentName),
	)
}

func (s *Session) enqueueControl(frames ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closing {
		s.logger.Debug("dropping control frames, session not writable")
		return
	}
	s.control = append(s.control, frames...)
	s.cond.Broadcast()
}

// Close queues the ordered teardown (content-end, prompt-end, session-end),
// lets the writer drain control frames for at most drainTimeout, then closes
// the stream.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	connected := s.connected
	if connected {
		s.control = append(s.control,
			contentEndFrame(s.promptName, s.audioContent),
			promptEndFrame(s.promptName),
			sessionEndFrame(),
		)
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if !connected {
		return nil
	}

	select {
	case <-s.writerDone:
	case <-time.After(drainTimeout):
	case <-ctx.Done():
	}

	err := s.stream.Close()
	s.cancel()

	select {
	case <-s.readerDone:
	case <-time.After(drainTimeout):
	case <-ctx.Done():
	}

	s.logger.Info("agent session closed")
	if err != nil {
		return domain.NewKindError("AgentSession.Close", domain.ErrAgent, domain.KindStreamError, err.Error())
	}
	return nil
}

// shutdown stops the queues after a stream failure so the writer exits and
// later sends become no-ops. A subsequent Close is then a fast no-op.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closing = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// nextFrame blocks until a frame is eligible to send. Control frames go
// first, always; audio only while the model is not speaking. After Close it
// drains remaining control frames, skips any buffered audio, and reports
// done.
func (s *Session) nextFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.control) > 0 {
			frame := s.control[0]
			s.control = s.control[1:]
			return frame, true
		}
		if s.closing {
			return nil, false
		}
		if !s.modelSpeaking && len(s.audio) > 0 {
			frame := s.audio[0]
			s.audio = s.audio[1:]
			return frame, true
		}
		s.cond.Wait()
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	for {
		frame, ok := s.nextFrame()
		if !ok {
			return
		}
		chunk := &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
			Value: types.BidirectionalInputPayloadPart{Bytes: frame},
		}
		if err := s.stream.Send(ctx, chunk); err != nil {
			if !s.isClosing() {
				s.logger.Error("model stream send failed", "error", mapStreamError("AgentSession.send", err))
			}
			s.shutdown()
			return
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for evt := range s.stream.Events() {
		chunk, ok := evt.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
		if !ok {
			s.logger.Debug("ignoring unexpected stream event type")
			continue
		}
		s.handleFrame(chunk.Value.Bytes)
	}
	if err := s.stream.Err(); err != nil && !s.isClosing() {
		s.logger.Error("model stream terminated", "error", mapStreamError("AgentSession.read", err))
	}
	s.shutdown()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// handleFrame decodes one inbound frame and dispatches it. Runs on the
// reader goroutine; callbacks are invoked inline.
func (s *Session) handleFrame(raw []byte) {
	ev, err := parseServerFrame(raw)
	if err != nil {
		s.logger.Debug("dropping undecodable model frame", "error", err)
		return
	}

	switch {
	case ev.ContentStart != nil:
		cs := ev.ContentStart
		if cs.Role == "ASSISTANT" || cs.Type == contentTypeAudio {
			s.markSpeaking(cs.ContentID)
		}

	case ev.AudioOutput != nil:
		pcm, err := base64.StdEncoding.DecodeString(ev.AudioOutput.Content)
		if err != nil {
			s.logger.Debug("dropping undecodable audio frame", "error", err)
			return
		}
		s.cb.OnAudioOut(pcm)

	case ev.TextOutput != nil:
		s.cb.OnText(ev.TextOutput.Content, domain.TextRole(ev.TextOutput.Role))

	case ev.ToolUse != nil:
		tu := ev.ToolUse
		acc := s.toolAccums[tu.ContentID]
		if acc == nil {
			acc = &toolAccum{name: tu.ToolName, toolUseID: tu.ToolUseID}
			s.toolAccums[tu.ContentID] = acc
		}
		acc.buf.WriteString(tu.Content)

	case ev.ContentEnd != nil:
		s.handleContentEnd(ev.ContentEnd)

	case ev.CompletionEnd != nil:
		s.cb.OnTurnComplete()

	case ev.UsageEvent != nil:
		u := ev.UsageEvent
		s.logger.Debug("model usage",
			"input_tokens", u.TotalInputTokens,
			"output_tokens", u.TotalOutputTokens,
			"total_tokens", u.TotalTokens)

	case ev.ModelStreamError != nil:
		s.logger.Error("model stream error event",
			"code", ev.ModelStreamError.Code, "message", ev.ModelStreamError.Message)

	case ev.InternalServerError != nil:
		s.logger.Error("model internal server error",
			"code", ev.InternalServerError.Code, "message", ev.InternalServerError.Message)

	default:
		s.logger.Debug("ignoring unknown model event", "frame", truncateFrame(raw))
	}
}

func (s *Session) handleContentEnd(ce *contentEndOutput) {
	// Tool input is complete once its content block ends.
	if ce.Type == contentTypeTool {
		if acc, ok := s.toolAccums[ce.ContentID]; ok {
			delete(s.toolAccums, ce.ContentID)
			s.cb.OnToolUse(acc.name, acc.toolUseID, toolInput(acc.buf.String()))
		}
	}

	if ce.StopReason == stopReasonInterrupted {
		// Barge-in cancels the whole assistant turn, not just this block.
		s.mu.Lock()
		clear(s.speaking)
		s.setSpeakingLocked(false)
		s.mu.Unlock()
		s.cb.OnInterruption()
		return
	}

	s.mu.Lock()
	if s.speaking[ce.ContentID] {
		delete(s.speaking, ce.ContentID)
		s.setSpeakingLocked(len(s.speaking) > 0)
	}
	s.mu.Unlock()
}

func (s *Session) markSpeaking(contentID string) {
	s.mu.Lock()
	s.speaking[contentID] = true
	s.setSpeakingLocked(true)
	s.mu.Unlock()
}

// setSpeakingLocked flips modelSpeaking and wakes the writer. Callers hold mu.
func (s *Session) setSpeakingLocked(v bool) {
	if s.modelSpeaking != v {
		s.modelSpeaking = v
		s.cond.Broadcast()
	}
}

// toolInput returns the accumulated tool content as JSON: parsed when valid,
// wrapped as a JSON string otherwise.
func toolInput(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(content)
	return quoted
}

func truncateFrame(raw []byte) string {
	const max = 256
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}

// --- Error mapping ---

func mapStreamError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		detail := apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ResourceNotFoundException":
			return domain.NewKindError(op, domain.ErrAgent, domain.KindConnectFailed, detail)
		case "ValidationException", "ModelErrorException":
			return domain.NewKindError(op, domain.ErrAgent, domain.KindProtocolError, detail)
		default:
			return domain.NewKindError(op, domain.ErrAgent, domain.KindStreamError, detail)
		}
	}

	return domain.NewKindError(op, domain.ErrAgent, domain.KindStreamError, err.Error())
}
