package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
)

// sttBreakerFailures opens the circuit after this many consecutive failures;
// the split pipeline then fails fast instead of stalling every utterance.
const sttBreakerFailures uint32 = 3

// OpenAISTT posts WAV utterances to an OpenAI-compatible transcription
// endpoint. One instance is shared by all calls.
type OpenAISTT struct {
	cfg     config.STTConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger
}

// NewOpenAISTT creates the transcription provider. Pass the shared voice
// HTTP client; nil builds a private one.
func NewOpenAISTT(cfg config.STTConfig, client *http.Client, logger *slog.Logger) *OpenAISTT {
	if client == nil {
		client = NewVoiceHTTPClient()
	}

	s := &OpenAISTT{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "stt"),
	}
	s.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "stt:" + cfg.Model,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= sttBreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Name implements domain.STTProvider.
func (s *OpenAISTT) Name() string { return "openai-stt" }

// Transcribe implements domain.STTProvider.
func (s *OpenAISTT) Transcribe(ctx context.Context, wav []byte) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "speech.stt",
		trace.WithAttributes(
			tracer.StringAttr("stt.model", s.cfg.Model),
			tracer.IntAttr("stt.wav_bytes", len(wav)),
		),
	)
	defer span.End()

	text, err := s.breaker.Execute(func() (string, error) {
		return s.transcribeOnce(ctx, wav)
	})
	if err != nil {
		tracer.RecordError(span, err)
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return "", fmt.Errorf("stt circuit open: %w", err)
		}
		return "", err
	}

	tracer.SetOK(span)
	s.logger.Debug("utterance transcribed", "chars", len(text))
	return text, nil
}

func (s *OpenAISTT) transcribeOnce(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.WriteField("model", s.cfg.Model); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post transcription: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read transcription response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("stt api error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse transcription response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

var _ domain.STTProvider = (*OpenAISTT)(nil)
