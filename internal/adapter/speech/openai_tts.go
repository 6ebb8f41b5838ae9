package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sony/gobreaker/v2"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

const (
	ttsBreakerFailures uint32 = 3

	// ttsChunkBytes is the read granularity of the synthesis stream:
	// about 85 ms at 24 kHz PCM16 mono.
	ttsChunkBytes = 4096
)

// OpenAITTS streams synthesized speech from an OpenAI-compatible endpoint as
// raw PCM16LE mono 24 kHz.
type OpenAITTS struct {
	cfg     config.TTSConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	logger  *slog.Logger
}

// NewOpenAITTS creates the synthesis provider. Pass the shared voice HTTP
// client; nil builds a private one.
func NewOpenAITTS(cfg config.TTSConfig, client *http.Client, logger *slog.Logger) *OpenAITTS {
	if client == nil {
		client = NewVoiceHTTPClient()
	}

	t := &OpenAITTS{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "tts"),
	}
	t.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "tts:" + cfg.Model,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= ttsBreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return t
}

// Name implements domain.TTSProvider.
func (t *OpenAITTS) Name() string { return "openai-tts" }

// SynthesizeStream implements domain.TTSProvider. The circuit breaker
// protects request initiation; read errors after the stream opens flow
// through the channel and do not trip the breaker.
func (t *OpenAITTS) SynthesizeStream(ctx context.Context, text string) (<-chan domain.TTSChunk, error) {
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		return t.startSynthesis(ctx, text)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("tts circuit open: %w", err)
		}
		return nil, err
	}

	ch := make(chan domain.TTSChunk, 8)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Chunks stay sample-aligned: a read ending mid-sample holds the
		// dangling byte and prepends it to the next chunk.
		buf := make([]byte, ttsChunkBytes)
		var carry byte
		haveCarry := false

		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, 0, n+1)
				if haveCarry {
					chunk = append(chunk, carry)
					haveCarry = false
				}
				chunk = append(chunk, buf[:n]...)
				if len(chunk)%2 == 1 {
					carry = chunk[len(chunk)-1]
					haveCarry = true
					chunk = chunk[:len(chunk)-1]
				}
				if len(chunk) > 0 {
					select {
					case ch <- domain.TTSChunk{PCM: chunk}:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- domain.TTSChunk{Err: fmt.Errorf("read synthesis stream: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	return ch, nil
}

func (t *OpenAITTS) startSynthesis(ctx context.Context, text string) (*http.Response, error) {
	payload, _ := json.Marshal(map[string]string{
		"model":           t.cfg.Model,
		"input":           text,
		"voice":           t.cfg.Voice,
		"response_format": "pcm",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post synthesis: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		resp.Body.Close()
		return nil, fmt.Errorf("tts api error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

var _ domain.TTSProvider = (*OpenAITTS)(nil)
