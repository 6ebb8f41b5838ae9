package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ross-commits/talk-to-claude/internal/audio"
	"github.com/ross-commits/talk-to-claude/internal/domain"
)

const (
	sttTimeout   = 30 * time.Second
	brainTimeout = 60 * time.Second
	// jitterPrimeMs of synthesized audio must accumulate before playback
	// starts, smoothing bursty TTS chunk arrival.
	jitterPrimeMs = 100
	jitterMaxMs   = 4000
)

// retryDecision is what the split pipeline does with a failed stage.
type retryDecision int

const (
	retryTurn retryDecision = iota // try the stage again, then drop the turn
	endCall                        // tear the call down
)

// retryPolicy governs transient failures on the split pipeline's background
// loop, where no Driver request is waiting to receive the error.
type retryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Classify    func(error) retryDecision
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		Classify:    classifyPipelineErr,
	}
}

func classifyPipelineErr(err error) retryDecision {
	switch {
	case errors.Is(err, domain.ErrHangup),
		errors.Is(err, domain.ErrAuth),
		errors.Is(err, domain.ErrConfig),
		errors.Is(err, domain.ErrSessionNotFound):
		return endCall
	case errors.Is(err, domain.ErrMedia):
		// Socket is gone; there is nobody left to speak to.
		return endCall
	}
	return retryTurn
}

// do runs fn until it succeeds, the policy says stop, or attempts run out.
// Backoff grows linearly with the attempt number.
func (r retryPolicy) do(ctx context.Context, fn func(context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if r.Classify != nil && r.Classify(err) == endCall {
			return err
		}
		if attempt >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.Backoff * time.Duration(attempt)):
		}
	}
}

// splitPipeline composes STT, an optional LLM brain, and TTS into the same
// conversational surface the unified model provides. Inbound frames arrive
// via feed on the media pump goroutine; each detected utterance is handled
// on its own goroutine, one at a time.
type splitPipeline struct {
	s   *Session
	vad *audio.UtteranceDetector

	transcribing atomic.Bool
	stopped      atomic.Bool

	// speakMu serializes playback so concurrent replies cannot interleave
	// frames in the writer queue.
	speakMu sync.Mutex
}

func newSplitPipeline(s *Session) *splitPipeline {
	return &splitPipeline{
		s:   s,
		vad: audio.NewUtteranceDetector(s.vadCfg.EnergyThreshold, s.vadCfg.MinSpeechMs, s.vadCfg.SilenceMs),
	}
}

func (p *splitPipeline) stop() {
	p.stopped.Store(true)
}

// feed runs VAD over one inbound frame and kicks off utterance handling
// when silence closes a turn. While a transcription is in flight, newly
// completed utterances are dropped rather than queued.
func (p *splitPipeline) feed(mulaw []byte) {
	if p.stopped.Load() {
		return
	}
	utt := p.vad.Feed(mulaw)
	if utt == nil {
		return
	}
	if !p.transcribing.CompareAndSwap(false, true) {
		p.s.logger.Debug("utterance dropped: transcription already in flight")
		return
	}
	go p.handleUtterance(utt)
}

func (p *splitPipeline) handleUtterance(mulaw []byte) {
	defer p.transcribing.Store(false)

	text, err := p.transcribe(mulaw)
	if err != nil {
		p.giveUp(err, "stt")
		return
	}
	if text == "" {
		return
	}
	p.s.logger.Debug("utterance transcribed", "chars", len(text))
	p.s.pushUserTurn(text)

	if p.s.brain == nil {
		p.s.signalTurnDone()
		return
	}
	reply, err := p.brainRound(p.s.lifeCtx, func(c context.Context) (*domain.BrainResponse, error) {
		return p.s.brain.Respond(c, text)
	})
	if err != nil {
		p.giveUp(err, "brain")
		return
	}
	if reply != "" {
		if serr := p.speak(p.s.lifeCtx, reply); serr != nil {
			p.s.logger.Warn("reply playback failed", "error", serr)
		}
	}
	p.s.signalTurnDone()
}

func (p *splitPipeline) transcribe(mulaw []byte) (string, error) {
	wav := audio.WrapWAV(audio.MulawBufToLinear(mulaw), audio.CarrierSampleRate)
	var text string
	err := p.s.retry.do(p.s.lifeCtx, func(ctx context.Context) error {
		c, cancel := context.WithTimeout(ctx, sttTimeout)
		defer cancel()
		var terr error
		text, terr = p.s.stt.Transcribe(c, wav)
		return terr
	})
	return strings.TrimSpace(text), err
}

// deliver routes a Driver message through the brain when one is configured,
// otherwise speaks it verbatim.
func (p *splitPipeline) deliver(ctx context.Context, message string) error {
	text := message
	if p.s.brain != nil {
		var err error
		text, err = p.brainRound(ctx, func(c context.Context) (*domain.BrainResponse, error) {
			return p.s.brain.InjectContext(c, message)
		})
		if err != nil {
			return err
		}
	}
	if text == "" {
		return nil
	}
	return p.speak(ctx, text)
}

// brainRound runs one LLM exchange, resolving tool-use rounds until the
// model stops asking for tools.
func (p *splitPipeline) brainRound(ctx context.Context, first func(context.Context) (*domain.BrainResponse, error)) (string, error) {
	bctx, cancel := context.WithTimeout(ctx, brainTimeout)
	defer cancel()

	var resp *domain.BrainResponse
	err := p.s.retry.do(bctx, func(c context.Context) error {
		var rerr error
		resp, rerr = first(c)
		return rerr
	})
	if err != nil {
		return "", err
	}

	for resp.StopReason == domain.StopToolUse && len(resp.ToolUses) > 0 {
		uses := resp.ToolUses
		p.s.setState(domain.StateToolCall)
		results := p.executeTools(bctx, uses)
		p.s.setState(domain.StateSpeakingAgent)
		err = p.s.retry.do(bctx, func(c context.Context) error {
			var rerr error
			resp, rerr = p.s.brain.HandleToolResults(c, uses, results)
			return rerr
		})
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(resp.Text), nil
}

// executeTools runs the requested tools concurrently; results[i] answers
// uses[i]. Failures become error results, never pipeline errors.
func (p *splitPipeline) executeTools(ctx context.Context, uses []domain.ToolUse) []domain.ToolResult {
	results := make([]domain.ToolResult, len(uses))
	var wg sync.WaitGroup
	for i, use := range uses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, toolTimeout)
			defer cancel()
			content, isErr := runTool(tctx, p.s.tools, use.Name, use.Input, p.s.logger)
			if isErr {
				content = "Error: " + content
			}
			results[i] = domain.ToolResult{ToolUseID: use.ID, Content: content, IsError: isErr}
		}()
	}
	wg.Wait()
	return results
}

// speak synthesizes text and feeds it through a jitter buffer into the
// paced writer queue. Synthesis chunks arrive in bursts; priming absorbs
// the gaps so playback does not stutter.
func (p *splitPipeline) speak(ctx context.Context, text string) error {
	const op = "splitPipeline.speak"
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	p.speakMu.Lock()
	defer p.speakMu.Unlock()

	w := p.s.writerRef()
	if w == nil {
		return domain.NewKindError(op, domain.ErrMedia, domain.KindNotReady, "media writer not running")
	}

	chunks, err := p.s.tts.SynthesizeStream(ctx, text)
	if err != nil {
		return err
	}
	p.s.appendTranscript(domain.SpeakerAgent, text)

	jb := audio.NewJitterBuffer(jitterPrimeMs, jitterMaxMs)
	var streamErr error
	for chunk := range chunks {
		if streamErr != nil {
			continue // drain so the producer can finish
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		jb.Write(audio.LinearBufToMulaw(audio.Downsample24kTo8k(chunk.PCM)))
		for {
			frame := jb.ReadFrame()
			if frame == nil {
				break
			}
			w.Write(frame)
		}
	}
	if streamErr != nil {
		return domain.WrapOp(op, streamErr)
	}
	for _, frame := range jb.Flush() {
		w.Write(frame)
	}
	return nil
}

// giveUp is the terminal path for a pipeline stage that failed after
// retries: transient stage errors drop the turn, structural ones end the
// call on a separate goroutine so teardown never waits on this one.
func (p *splitPipeline) giveUp(err error, stage string) {
	classify := p.s.retry.Classify
	if classify == nil {
		classify = classifyPipelineErr
	}
	if classify(err) == endCall {
		p.s.logger.Error("split pipeline failure, ending call", "stage", stage, "error", err)
		go func() { _ = p.s.teardown(context.Background(), "pipeline failure", true) }()
		return
	}
	p.s.logger.Warn("split pipeline stage failed, keeping call", "stage", stage, "error", err)
}
