package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/audio"
	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

const (
	// toolTimeout bounds one tool execution during a live call.
	toolTimeout = 30 * time.Second
	// drainUnified / drainSplit cap how long end_call waits for queued
	// speech to play out before hanging up.
	drainUnified = 3 * time.Second
	drainSplit   = 2 * time.Second
	// teardownGrace bounds carrier hangup and socket shutdown.
	teardownGrace = 5 * time.Second
)

// Wait names carried in TimeoutError.Kind; the Driver-facing text and the
// Manager's keep-or-remove decision both key off them.
const (
	waitMedia    = "media"
	waitUserTurn = "user response"
)

// sessionParams carries everything a Session needs from the Manager.
type sessionParams struct {
	id           string
	token        string
	mode         domain.CallMode
	userNumber   string
	callerNumber string

	carrier domain.Carrier
	engine  AgentEngine
	brain   domain.Brain
	stt     domain.STTProvider
	tts     domain.TTSProvider
	tools   domain.ToolExecutor

	limits config.LimitsConfig
	vad    config.VADConfig
	retry  retryPolicy
	logger *slog.Logger

	onRemove func(id string)
}

// Session carries one phone call from placement through conversation to
// teardown. Driver operations block here waiting for media readiness and
// completed user turns; carrier webhooks and the media socket reach the
// session through the Manager and never block on Driver state.
type Session struct {
	id           string
	token        string
	mode         domain.CallMode
	userNumber   string
	callerNumber string

	carrier domain.Carrier
	engine  AgentEngine
	brain   domain.Brain
	stt     domain.STTProvider
	tts     domain.TTSProvider
	tools   domain.ToolExecutor

	limits config.LimitsConfig
	vadCfg config.VADConfig
	retry  retryPolicy
	logger *slog.Logger

	onRemove func(id string)

	// lifeCtx outlives any single Driver request and is cancelled once at
	// teardown; background pumps run against it.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	attachedCh chan struct{} // closed when the media socket attaches
	hangupCh   chan struct{} // closed when the carrier reports hangup
	turns      chan string   // completed user utterances
	turnDone   chan struct{} // model finished a response turn

	endOnce sync.Once

	mu            sync.Mutex
	state         domain.CallState
	carrierRef    string
	startedAt     time.Time
	endedAt       time.Time
	remoteHangup  bool
	mediaStartReq bool
	transcript    []domain.TurnEntry
	userBuf       strings.Builder
	sock          domain.MediaSocket
	writer        *mediaWriter
	agent         domain.AgentSession
	split         *splitPipeline
}

func newSession(p sessionParams) *Session {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Session{
		id:           p.id,
		token:        p.token,
		mode:         p.mode,
		userNumber:   p.userNumber,
		callerNumber: p.callerNumber,
		carrier:      p.carrier,
		engine:       p.engine,
		brain:        p.brain,
		stt:          p.stt,
		tts:          p.tts,
		tools:        p.tools,
		limits:       p.limits,
		vadCfg:       p.vad,
		retry:        p.retry,
		logger:       p.logger.With("call_id", p.id),
		onRemove:     p.onRemove,
		lifeCtx:      lifeCtx,
		lifeCancel:   lifeCancel,
		attachedCh:   make(chan struct{}),
		hangupCh:     make(chan struct{}),
		turns:        make(chan string, 4),
		turnDone:     make(chan struct{}, 1),
		state:        domain.StateNew,
		startedAt:    time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns a Driver-visible snapshot of the call.
func (s *Session) Record() domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := domain.CallRecord{
		ID:             s.id,
		CarrierCallRef: s.carrierRef,
		UserNumber:     s.userNumber,
		CallerNumber:   s.callerNumber,
		Mode:           s.mode,
		State:          s.state,
		Transcript:     append([]domain.TurnEntry(nil), s.transcript...),
		StartedAt:      s.startedAt,
		HungUp:         s.remoteHangup,
	}
	if !s.endedAt.IsZero() {
		t := s.endedAt
		rec.EndedAt = &t
	}
	return rec
}

func (s *Session) setState(next domain.CallState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == next {
		return
	}
	if !s.state.CanTransitionTo(next) {
		s.logger.Debug("ignoring state transition", "from", string(s.state), "to", string(next))
		return
	}
	s.logger.Debug("call state", "from", string(s.state), "to", string(next))
	s.state = next
}

func (s *Session) bindCarrierRef(ref string) {
	s.mu.Lock()
	s.carrierRef = ref
	s.mu.Unlock()
}

func (s *Session) carrierRefValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carrierRef
}

// needsMediaStart reports whether the call is still waiting for its media
// stream; the Manager serves the connect directive only while this holds.
func (s *Session) needsMediaStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock == nil && !s.remoteHangup && !s.state.IsTerminal() &&
		s.state != domain.StateEnding && s.state != domain.StateFailed
}

// requestMediaStart returns true the first time it is called, so the
// carrier's stream-start API is invoked once even when ringing and answered
// both arrive before media attaches. resetMediaStart re-arms it after a
// failed attempt.
func (s *Session) requestMediaStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaStartReq {
		return false
	}
	s.mediaStartReq = true
	return true
}

func (s *Session) resetMediaStart() {
	s.mu.Lock()
	s.mediaStartReq = false
	s.mu.Unlock()
}

// attachMedia hands the accepted media socket to the session. One socket
// per call; a second upgrade is refused.
func (s *Session) attachMedia(sock domain.MediaSocket) error {
	const op = "Session.attachMedia"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteHangup || s.state == domain.StateEnding || s.state == domain.StateEnded || s.state == domain.StateFailed {
		return domain.NewDomainError(op, domain.ErrSessionNotFound, "call is no longer active")
	}
	if s.sock != nil {
		return domain.NewDomainError(op, domain.ErrMedia, "media stream already attached")
	}
	s.sock = sock
	close(s.attachedCh)
	return nil
}

// markRemoteHangup records a carrier-reported hangup and wakes every
// blocked Driver wait immediately.
func (s *Session) markRemoteHangup() {
	s.mu.Lock()
	already := s.remoteHangup
	s.remoteHangup = true
	s.mu.Unlock()
	if !already {
		close(s.hangupCh)
	}
}

func (s *Session) hungUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteHangup
}

func (s *Session) writerRef() *mediaWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer
}

func (s *Session) agentRef() domain.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

func (s *Session) sockRef() domain.MediaSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sock
}

func (s *Session) splitRef() *splitPipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.split
}

func (s *Session) appendTranscript(who domain.Speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, domain.TurnEntry{Speaker: who, Text: text, Timestamp: time.Now()})
	s.mu.Unlock()
}

// pushUserTurn records a completed user utterance and offers it to the
// Driver. The channel keeps a short backlog; if the Driver is far behind,
// the oldest unclaimed turn is dropped in favor of the newest.
func (s *Session) pushUserTurn(text string) {
	s.appendTranscript(domain.SpeakerUser, text)
	select {
	case s.turns <- text:
		return
	default:
	}
	select {
	case <-s.turns:
	default:
	}
	select {
	case s.turns <- text:
	default:
	}
}

func (s *Session) signalTurnDone() {
	select {
	case s.turnDone <- struct{}{}:
	default:
	}
}

// Start waits for the media stream, opens the voice backend, delivers the
// opening message, and returns the user's first reply.
func (s *Session) Start(ctx context.Context, message string) (string, error) {
	const op = "Session.Start"
	if err := s.awaitMedia(ctx); err != nil {
		return "", err
	}
	if err := s.openVoice(ctx); err != nil {
		return "", err
	}
	s.setState(domain.StateReady)
	s.logger.Info("call ready", "mode", string(s.mode))
	return s.converse(ctx, op, message)
}

// Inject delivers Driver guidance mid-call and waits for the next user turn.
func (s *Session) Inject(ctx context.Context, message string) (string, error) {
	const op = "Session.Continue"
	if err := s.guardConversational(op); err != nil {
		return "", err
	}
	return s.converse(ctx, op, message)
}

// Speak delivers a message without waiting for a reply.
func (s *Session) Speak(ctx context.Context, message string) error {
	const op = "Session.Speak"
	if err := s.guardConversational(op); err != nil {
		return err
	}
	s.setState(domain.StateSpeakingAgent)
	switch s.mode {
	case domain.ModeUnified:
		agent := s.agentRef()
		if agent == nil {
			return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "voice backend not started")
		}
		agent.SendText(message, domain.RoleUser)
	case domain.ModeSplit:
		split := s.splitRef()
		if split == nil {
			return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "voice backend not started")
		}
		go func() {
			text := message
			if s.brain != nil {
				var err error
				text, err = split.brainRound(s.lifeCtx, func(c context.Context) (*domain.BrainResponse, error) {
					return s.brain.InjectContext(c, message)
				})
				if err != nil {
					s.logger.Warn("speak brain turn failed", "error", err)
					return
				}
			}
			if err := split.speak(s.lifeCtx, text); err != nil {
				s.logger.Warn("speak playback failed", "error", err)
			}
		}()
	}
	s.setState(domain.StateListeningUser)
	return nil
}

// End plays a closing message if the call is still conversational, lets
// queued speech drain within a bounded window, then tears everything down.
func (s *Session) End(ctx context.Context, message string) error {
	if message != "" && s.State().IsConversational() && !s.hungUp() {
		// Discard a turn-completion left over from the previous turn so
		// awaitPlayout waits for the goodbye's own completion.
		select {
		case <-s.turnDone:
		default:
		}
		if err := s.deliverClosing(ctx, message); err != nil {
			s.logger.Warn("closing message failed", "error", err)
		} else {
			s.awaitPlayout(ctx)
		}
	}
	return s.teardown(ctx, "call ended", true)
}

func (s *Session) converse(ctx context.Context, op, message string) (string, error) {
	if err := s.deliver(ctx, op, message); err != nil {
		return "", err
	}
	s.setState(domain.StateListeningUser)
	return s.waitForUserTurn(ctx, op)
}

// deliver hands the Driver's message to the voice backend. Unified mode
// sends it as a user-role text turn; split mode runs it through the brain
// (when present) and speaks the result.
func (s *Session) deliver(ctx context.Context, op, message string) error {
	s.setState(domain.StateSpeakingAgent)
	switch s.mode {
	case domain.ModeUnified:
		agent := s.agentRef()
		if agent == nil {
			return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "voice backend not started")
		}
		agent.SendText(message, domain.RoleUser)
		return nil
	case domain.ModeSplit:
		split := s.splitRef()
		if split == nil {
			return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "voice backend not started")
		}
		return split.deliver(ctx, message)
	}
	return nil
}

// deliverClosing speaks the goodbye. Split mode synthesizes the Driver's
// text verbatim; a brain round before hangup only adds latency.
func (s *Session) deliverClosing(ctx context.Context, message string) error {
	s.setState(domain.StateSpeakingAgent)
	switch s.mode {
	case domain.ModeUnified:
		agent := s.agentRef()
		if agent == nil {
			return nil
		}
		agent.SendText(message, domain.RoleUser)
		return nil
	case domain.ModeSplit:
		split := s.splitRef()
		if split == nil {
			return nil
		}
		return split.speak(ctx, message)
	}
	return nil
}

// awaitPlayout gives the closing message a bounded chance to reach the
// user. Unified mode first waits for the model to finish the goodbye turn,
// then both modes drain the outbound queue within the remaining window.
func (s *Session) awaitPlayout(ctx context.Context) {
	w := s.writerRef()
	if w == nil {
		return
	}
	limit := drainSplit
	if s.mode == domain.ModeUnified {
		limit = drainUnified
	}
	deadline := time.Now().Add(limit)

	if s.mode == domain.ModeUnified {
		select {
		case <-s.turnDone:
		case <-s.hangupCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(limit):
		}
	}
	if remaining := time.Until(deadline); remaining > 0 {
		w.Drain(ctx, remaining)
	}
}

// awaitMedia blocks until the carrier's media stream attaches and
// handshakes, bounded by the configured media-ready window.
func (s *Session) awaitMedia(ctx context.Context) error {
	const op = "Session.Start"
	ctx, cancel := context.WithTimeout(ctx, s.limits.MediaReadyTimeout)
	defer cancel()

	select {
	case <-s.attachedCh:
	case <-s.hangupCh:
		return domain.NewDomainError(op, domain.ErrHangup, "user hung up during setup")
	case <-ctx.Done():
		return domain.NewTimeoutError(op, waitMedia)
	}

	sock := s.sockRef()
	if err := sock.WaitReady(ctx); err != nil {
		if ctx.Err() != nil {
			return domain.NewTimeoutError(op, waitMedia)
		}
		return domain.WrapOp(op, err)
	}

	w := newMediaWriter(sock, s.limits.AudioQueueFrames, s.logger)
	s.mu.Lock()
	s.writer = w
	s.mu.Unlock()
	go w.run(s.lifeCtx)
	return nil
}

// openVoice starts the conversational backend and the inbound media pump.
func (s *Session) openVoice(ctx context.Context) error {
	const op = "Session.Start"
	switch s.mode {
	case domain.ModeUnified:
		agent, err := s.engine.NewSession(s.unifiedCallbacks())
		if err != nil {
			return domain.WrapOp(op, err)
		}
		if err := agent.Connect(ctx); err != nil {
			return domain.WrapOp(op, err)
		}
		s.mu.Lock()
		s.agent = agent
		s.mu.Unlock()
	case domain.ModeSplit:
		split := newSplitPipeline(s)
		s.mu.Lock()
		s.split = split
		s.mu.Unlock()
	}
	go s.readMedia()
	return nil
}

// readMedia is the single inbound pump: carrier frames go to the unified
// model as 16kHz PCM, or to the split pipeline's utterance detector.
func (s *Session) readMedia() {
	sock := s.sockRef()
	for {
		mulaw, err := sock.ReadAudio(s.lifeCtx)
		if err != nil {
			s.logger.Debug("inbound media pump stopped", "error", err)
			return
		}
		switch s.mode {
		case domain.ModeUnified:
			if agent := s.agentRef(); agent != nil {
				agent.SendAudio(audio.Upsample8kTo16k(audio.MulawBufToLinear(mulaw)))
			}
		case domain.ModeSplit:
			if split := s.splitRef(); split != nil {
				split.feed(mulaw)
			}
		}
	}
}

// unifiedCallbacks wires the speech model's stream events into the call.
// Callbacks run on the model reader goroutine and must not block.
func (s *Session) unifiedCallbacks() domain.AgentCallbacks {
	return domain.AgentCallbacks{
		OnAudioOut: func(pcm []byte) {
			if w := s.writerRef(); w != nil {
				w.Write(audio.LinearBufToMulaw(audio.Downsample24kTo8k(pcm)))
			}
		},
		OnText: func(text string, role domain.TextRole) {
			switch role {
			case domain.RoleUser:
				text = strings.TrimSpace(text)
				if text == "" {
					return
				}
				s.mu.Lock()
				if s.userBuf.Len() > 0 {
					s.userBuf.WriteByte(' ')
				}
				s.userBuf.WriteString(text)
				s.mu.Unlock()
			case domain.RoleAssistant:
				s.appendTranscript(domain.SpeakerAgent, text)
			}
		},
		OnToolUse: func(name, toolUseID string, input json.RawMessage) {
			go s.runUnifiedTool(name, toolUseID, input)
		},
		OnTurnComplete: func() {
			s.completeUserTurn()
		},
		OnInterruption: func() {
			if w := s.writerRef(); w != nil {
				w.Interrupt()
			}
			s.setState(domain.StateListeningUser)
		},
	}
}

// completeUserTurn flushes accumulated user speech as one utterance when
// the model signals the end of a response turn.
func (s *Session) completeUserTurn() {
	s.mu.Lock()
	text := strings.TrimSpace(s.userBuf.String())
	s.userBuf.Reset()
	s.mu.Unlock()
	if text != "" {
		s.pushUserTurn(text)
	}
	s.signalTurnDone()
	s.setState(domain.StateListeningUser)
}

// runUnifiedTool executes one tool request and feeds the result back to the
// model. Tool failures become error results; they never end the call.
func (s *Session) runUnifiedTool(name, toolUseID string, input json.RawMessage) {
	agent := s.agentRef()
	if agent == nil {
		return
	}
	s.setState(domain.StateToolCall)
	ctx, cancel := context.WithTimeout(s.lifeCtx, toolTimeout)
	defer cancel()
	content, isErr := runTool(ctx, s.tools, name, input, s.logger)
	if isErr {
		content = "Error: " + content
	}
	agent.SendToolResult(toolUseID, content)
	s.setState(domain.StateListeningUser)
}

// waitForUserTurn blocks until the user finishes an utterance, the user
// hangs up, or the turn window expires. A timeout leaves the session alive;
// the Driver may try again.
func (s *Session) waitForUserTurn(ctx context.Context, op string) (string, error) {
	timer := time.NewTimer(s.limits.TurnTimeout)
	defer timer.Stop()
	select {
	case text := <-s.turns:
		return text, nil
	case <-s.hangupCh:
		return "", domain.NewDomainError(op, domain.ErrHangup, "user hung up")
	case <-s.lifeCtx.Done():
		// Teardown won the race; report hangup when that was the cause.
		if s.hungUp() {
			return "", domain.NewDomainError(op, domain.ErrHangup, "user hung up")
		}
		return "", domain.NewDomainError(op, domain.ErrSessionNotFound, "call ended")
	case <-timer.C:
		return "", domain.NewTimeoutError(op, waitUserTurn)
	case <-ctx.Done():
		return "", domain.WrapOp(op, ctx.Err())
	}
}

func (s *Session) guardConversational(op string) error {
	s.mu.Lock()
	st := s.state
	hungUp := s.remoteHangup
	s.mu.Unlock()
	if hungUp {
		return domain.NewDomainError(op, domain.ErrHangup, "user hung up")
	}
	if !st.IsConversational() {
		return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "call is not ready for conversation")
	}
	return nil
}

// fail marks a setup failure and tears the call down.
func (s *Session) fail(ctx context.Context, reason string) {
	s.setState(domain.StateFailed)
	_ = s.teardown(ctx, reason, true)
}

// teardown shuts the call down exactly once. hangupCarrier is false when
// the carrier already reported the hangup itself.
func (s *Session) teardown(ctx context.Context, reason string, hangupCarrier bool) error {
	var err error
	s.endOnce.Do(func() { err = s.doTeardown(ctx, reason, hangupCarrier) })
	return err
}

func (s *Session) doTeardown(ctx context.Context, reason string, hangupCarrier bool) error {
	s.setState(domain.StateEnding)

	s.mu.Lock()
	agent := s.agent
	split := s.split
	w := s.writer
	sock := s.sock
	ref := s.carrierRef
	hungUp := s.remoteHangup
	s.mu.Unlock()

	base := ctx
	if base == nil || base.Err() != nil {
		base = context.Background()
	}
	tctx, cancel := context.WithTimeout(base, teardownGrace)
	defer cancel()

	if agent != nil {
		if cerr := agent.Close(tctx); cerr != nil {
			s.logger.Debug("voice session close", "error", cerr)
		}
	}
	if split != nil {
		split.stop()
	}
	if w != nil {
		w.Stop(tctx)
	}

	var hangupErr error
	if hangupCarrier && ref != "" && !hungUp {
		if herr := s.carrier.Hangup(tctx, ref); herr != nil {
			s.logger.Warn("carrier hangup failed", "call_ref", ref, "error", herr)
			hangupErr = herr
		}
	}
	if sock != nil {
		_ = sock.Close(reason)
	}
	s.lifeCancel()

	s.mu.Lock()
	s.endedAt = time.Now()
	s.state = domain.StateEnded
	s.mu.Unlock()

	if s.onRemove != nil {
		s.onRemove(s.id)
	}
	s.logger.Info("call ended", "reason", reason, "hung_up", hungUp)
	return hangupErr
}

// runTool resolves and executes one tool. The bool reports whether the
// content is an error message.
func runTool(ctx context.Context, exec domain.ToolExecutor, name string, input json.RawMessage, logger *slog.Logger) (string, bool) {
	if exec == nil {
		return "no tools configured", true
	}
	tool, err := exec.Get(name)
	if err != nil {
		logger.Warn("tool lookup failed", "tool", name, "error", err)
		return "unknown tool: " + name, true
	}
	res, err := tool.Execute(ctx, input)
	if err != nil {
		logger.Warn("tool execution failed", "tool", name, "error", err)
		return err.Error(), true
	}
	if res == nil {
		return "", false
	}
	return res.Content, res.IsError
}
