// Package call coordinates live phone calls: it places them through a
// carrier, pairs each with its media stream, runs the conversational voice
// backend, and answers the Driver's five operations. One Manager serves the
// whole process; one Session serves one call.
package call

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
)

// AgentEngine opens unified speech-to-speech sessions. The bedrock engine
// satisfies it; tests substitute fakes.
type AgentEngine interface {
	NewSession(cb domain.AgentCallbacks) (domain.AgentSession, error)
}

// BrainFactory mints one conversation brain per call. Factories share
// process-wide clients; the per-call brain owns only conversation history.
type BrainFactory func() (domain.Brain, error)

// Deps carries the Manager's collaborators. Which fields are required
// depends on the configured voice backend.
type Deps struct {
	Carrier  domain.Carrier
	Engine   AgentEngine         // unified
	NewBrain BrainFactory        // split-brain
	STT      domain.STTProvider  // split-brain, split-direct
	TTS      domain.TTSProvider  // split-brain, split-direct
	Tools    domain.ToolExecutor // may be an empty registry
	Config   *config.Config
	Logger   *slog.Logger
}

// Manager owns every live call session. It implements the Driver's call
// surface and the gateway's webhook/media routing surface.
type Manager struct {
	carrier  domain.Carrier
	engine   AgentEngine
	newBrain BrainFactory
	stt      domain.STTProvider
	tts      domain.TTSProvider
	tools    domain.ToolExecutor
	cfg      *config.Config
	logger   *slog.Logger
	retry    retryPolicy

	mode     domain.CallMode
	useBrain bool

	ops *opLocker

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	byRef    map[string]string // carrier call ref -> call ID
	byToken  map[string]string // unclaimed media token -> call ID
	order    []string          // creation order, for untokenized fallback
}

func NewManager(deps Deps) (*Manager, error) {
	const op = "call.NewManager"
	if deps.Carrier == nil {
		return nil, domain.NewDomainError(op, domain.ErrConfig, "carrier is required")
	}
	if deps.Config == nil {
		return nil, domain.NewDomainError(op, domain.ErrConfig, "config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		carrier:  deps.Carrier,
		engine:   deps.Engine,
		newBrain: deps.NewBrain,
		stt:      deps.STT,
		tts:      deps.TTS,
		tools:    deps.Tools,
		cfg:      deps.Config,
		logger:   logger,
		retry:    defaultRetryPolicy(),
		ops:      newOpLocker(),
		sessions: make(map[string]*Session),
		byRef:    make(map[string]string),
		byToken:  make(map[string]string),
	}

	switch deps.Config.Voice.Backend {
	case "unified":
		if deps.Engine == nil {
			return nil, domain.NewDomainError(op, domain.ErrConfig, "unified backend needs a speech engine")
		}
		m.mode = domain.ModeUnified
	case "split-brain":
		if deps.NewBrain == nil || deps.STT == nil || deps.TTS == nil {
			return nil, domain.NewDomainError(op, domain.ErrConfig, "split-brain backend needs brain, stt, and tts")
		}
		m.mode = domain.ModeSplit
		m.useBrain = true
	case "split-direct":
		if deps.STT == nil || deps.TTS == nil {
			return nil, domain.NewDomainError(op, domain.ErrConfig, "split-direct backend needs stt and tts")
		}
		m.mode = domain.ModeSplit
	default:
		return nil, domain.NewDomainError(op, domain.ErrConfig, "unknown voice backend "+deps.Config.Voice.Backend)
	}
	return m, nil
}

// Initiate places an outbound call to the configured user number, delivers
// the opening message, and returns the call ID with the user's first reply.
func (m *Manager) Initiate(ctx context.Context, message string) (string, string, error) {
	const op = "Manager.Initiate"
	ctx, span := tracer.StartSpan(ctx, "call.initiate")
	defer span.End()

	sess, err := m.register(op)
	if err != nil {
		tracer.RecordError(span, err)
		return "", "", err
	}
	ctx = domain.ContextWithCallID(ctx, sess.id)
	span.SetAttributes(tracer.StringAttr("call_id", sess.id))

	unlock, err := m.ops.Lock(ctx, sess.id)
	if err != nil {
		m.remove(sess.id)
		return "", "", domain.WrapOp(op, err)
	}
	defer unlock()

	sess.setState(domain.StatePlacing)
	ref, err := m.carrier.PlaceOutbound(ctx,
		m.cfg.Telephony.UserNumber, m.cfg.Telephony.FromNumber, m.cfg.Server.WebhookURL())
	if err != nil {
		m.remove(sess.id)
		tracer.RecordError(span, err)
		return "", "", err
	}
	sess.bindCarrierRef(ref)
	m.bindRef(ref, sess.id)
	m.logger.Info("outbound call placed", "call_id", sess.id, "call_ref", ref)

	response, err := sess.Start(ctx, message)
	if err != nil {
		m.reapFailedStart(ctx, sess, err)
		tracer.RecordError(span, err)
		return "", "", err
	}
	tracer.SetOK(span)
	return sess.id, response, nil
}

// reapFailedStart decides whether a failed Start leaves the session behind.
// A turn-wait timeout keeps the call: the user is connected and may still
// engage, and the carrier will report their eventual hangup. Everything
// else tears down.
func (m *Manager) reapFailedStart(ctx context.Context, sess *Session, err error) {
	var de *domain.DomainError
	if errors.As(err, &de) && errors.Is(de.Err, domain.ErrTimeout) && de.Kind == waitUserTurn {
		m.logger.Warn("call is up but the user has not replied; keeping call", "call_id", sess.id)
		return
	}
	if errors.Is(err, domain.ErrHangup) {
		// The hangup event already triggered teardown.
		return
	}
	sess.fail(ctx, "setup failed")
}

// Continue delivers Driver guidance to a live call and waits for the next
// user turn.
func (m *Manager) Continue(ctx context.Context, callID, message string) (string, error) {
	const op = "Manager.Continue"
	ctx, span := tracer.StartSpan(ctx, "call.continue")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call_id", callID))
	ctx = domain.ContextWithCallID(ctx, callID)

	unlock, err := m.ops.Lock(ctx, callID)
	if err != nil {
		return "", domain.WrapOp(op, err)
	}
	defer unlock()

	sess, err := m.get(op, callID)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	response, err := sess.Inject(ctx, message)
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return response, nil
}

// Speak delivers a message to the user without waiting for a reply.
func (m *Manager) Speak(ctx context.Context, callID, message string) error {
	const op = "Manager.Speak"
	ctx, span := tracer.StartSpan(ctx, "call.speak")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call_id", callID))
	ctx = domain.ContextWithCallID(ctx, callID)

	unlock, err := m.ops.Lock(ctx, callID)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	defer unlock()

	sess, err := m.get(op, callID)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if err := sess.Speak(ctx, message); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// End plays an optional goodbye, hangs up, and forgets the session.
func (m *Manager) End(ctx context.Context, callID, message string) error {
	const op = "Manager.End"
	ctx, span := tracer.StartSpan(ctx, "call.end")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call_id", callID))
	ctx = domain.ContextWithCallID(ctx, callID)

	unlock, err := m.ops.Lock(ctx, callID)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	defer unlock()

	sess, err := m.get(op, callID)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if err := sess.End(ctx, message); err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// SendText sends an SMS/MMS to the configured user number.
func (m *Manager) SendText(ctx context.Context, message string, mediaURLs []string) error {
	ctx, span := tracer.StartSpan(ctx, "call.send_text")
	defer span.End()
	err := m.carrier.SendSMS(ctx, m.cfg.Telephony.UserNumber, m.cfg.Telephony.FromNumber, message, mediaURLs)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)
	return nil
}

// HandleCarrierEvent applies one normalized webhook event to its session.
// For ringing/answered on a call still awaiting media it returns the
// media-stream URL (with the call's single-use token) so the gateway can
// render the carrier's connect directive.
func (m *Manager) HandleCarrierEvent(ctx context.Context, ev domain.CarrierEvent) (string, error) {
	const op = "Manager.HandleCarrierEvent"
	sess := m.getByRef(ev.CallRef)
	if sess == nil {
		return "", domain.NewDomainError(op, domain.ErrSessionNotFound, "no session for carrier call ref")
	}
	logger := m.logger.With("call_id", sess.id, "event", string(ev.Kind))

	switch ev.Kind {
	case domain.EventOutboundPlaced:
		sess.setState(domain.StatePlacing)
	case domain.EventRinging:
		sess.setState(domain.StateRinging)
		return m.maybeStartMedia(ctx, sess)
	case domain.EventAnswered:
		sess.setState(domain.StateConnectingMedia)
		return m.maybeStartMedia(ctx, sess)
	case domain.EventHungUp:
		logger.Info("carrier reported hangup", "detail", ev.Detail)
		sess.markRemoteHangup()
		go func() { _ = sess.teardown(context.Background(), "carrier hangup", false) }()
	case domain.EventStreamReady:
		logger.Debug("carrier media stream started")
	case domain.EventStreamStopped:
		logger.Debug("carrier media stream stopped")
	case domain.EventMachineEnded:
		logger.Info("machine detection result", "detail", ev.Detail)
	default:
		logger.Debug("ignoring carrier event")
	}
	return "", nil
}

// maybeStartMedia asks the carrier to open the call's media stream while
// the session is still waiting for one. The stream-start API call happens
// once per call; the returned URL is served on every webhook until media
// attaches, since directive-based carriers render it into each reply.
func (m *Manager) maybeStartMedia(ctx context.Context, sess *Session) (string, error) {
	if !sess.needsMediaStart() {
		return "", nil
	}
	wsURL := m.cfg.Server.MediaStreamURL() + "?token=" + sess.token
	if sess.requestMediaStart() {
		if err := m.carrier.StartMediaStream(ctx, sess.carrierRefValue(), wsURL); err != nil {
			sess.resetMediaStart()
			m.logger.Warn("start media stream failed", "call_id", sess.id, "error", err)
			return "", err
		}
	}
	return wsURL, nil
}

// ClaimMediaToken burns a single-use media token and returns its call ID.
// Every stored token is compared in constant time; lookup cost does not
// depend on where a mismatch occurs.
func (m *Manager) ClaimMediaToken(token string) (string, error) {
	const op = "Manager.ClaimMediaToken"
	m.mu.Lock()
	defer m.mu.Unlock()

	cand := []byte(token)
	var matchTok, matchID string
	matched := false
	for stored, id := range m.byToken {
		if subtle.ConstantTimeCompare([]byte(stored), cand) == 1 {
			matchTok, matchID = stored, id
			matched = true
		}
	}
	if !matched {
		return "", domain.NewKindError(op, domain.ErrAuth, domain.KindBadToken, "unknown or already used media token")
	}
	delete(m.byToken, matchTok)
	return matchID, nil
}

// NewestActiveCallID supports the trust-without-signature mode, where tunnel
// daemons may strip the token off the upgrade URL.
func (m *Manager) NewestActiveCallID() (string, error) {
	const op = "Manager.NewestActiveCallID"
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		if _, ok := m.sessions[m.order[i]]; ok {
			return m.order[i], nil
		}
	}
	return "", domain.NewDomainError(op, domain.ErrSessionNotFound, "no active calls")
}

// AttachMedia hands an accepted media socket to its session.
func (m *Manager) AttachMedia(ctx context.Context, callID string, sock domain.MediaSocket) error {
	const op = "Manager.AttachMedia"
	sess, err := m.get(op, callID)
	if err != nil {
		return err
	}
	return sess.attachMedia(sock)
}

// ActiveCalls reports how many sessions are live.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot returns the Driver-visible record of one call.
func (m *Manager) Snapshot(callID string) (domain.CallRecord, error) {
	sess, err := m.get("Manager.Snapshot", callID)
	if err != nil {
		return domain.CallRecord{}, err
	}
	return sess.Record(), nil
}

// Shutdown ends every live call, bounded by ctx (callers pass the shutdown
// grace window). New calls are refused once it begins.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	m.logger.Info("ending active calls", "count", len(sessions))
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.End(ctx, ""); err != nil {
				m.logger.Warn("call end during shutdown failed", "call_id", sess.id, "error", err)
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown grace elapsed with calls still ending")
	}
}

// register creates and indexes a new session, enforcing the concurrency
// limit. The per-call brain is minted first so a factory failure surfaces
// before anything is registered.
func (m *Manager) register(op string) (*Session, error) {
	token, err := newMediaToken()
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	var brain domain.Brain
	if m.useBrain {
		brain, err = m.newBrain()
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%s: bridge is shutting down", op)
	}
	if len(m.sessions) >= m.cfg.Limits.MaxConcurrent {
		return nil, fmt.Errorf("%s: active call limit reached (%d)", op, m.cfg.Limits.MaxConcurrent)
	}

	sess := newSession(sessionParams{
		id:           ulid.Make().String(),
		token:        token,
		mode:         m.mode,
		userNumber:   m.cfg.Telephony.UserNumber,
		callerNumber: m.cfg.Telephony.FromNumber,
		carrier:      m.carrier,
		engine:       m.engine,
		brain:        brain,
		stt:          m.stt,
		tts:          m.tts,
		tools:        m.tools,
		limits:       m.cfg.Limits,
		vad:          m.cfg.Voice.VAD,
		retry:        m.retry,
		logger:       m.logger,
		onRemove:     m.remove,
	})
	m.sessions[sess.id] = sess
	m.byToken[token] = sess.id
	m.order = append(m.order, sess.id)
	return sess, nil
}

func (m *Manager) bindRef(ref, callID string) {
	m.mu.Lock()
	m.byRef[ref] = callID
	m.mu.Unlock()
}

func (m *Manager) get(op, callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrSessionNotFound, "no active call "+callID)
	}
	return sess, nil
}

func (m *Manager) getByRef(ref string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byRef[ref]
	if !ok {
		return nil
	}
	return m.sessions[id]
}

// remove forgets a session and all its indexes. Idempotent; it runs from
// Driver paths and from session teardown.
func (m *Manager) remove(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	if !ok {
		return
	}
	delete(m.sessions, callID)
	if ref := sess.carrierRefValue(); ref != "" {
		delete(m.byRef, ref)
	}
	delete(m.byToken, sess.token)
	for i, id := range m.order {
		if id == callID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
