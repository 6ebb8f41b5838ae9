package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateTelephony(cfg, ve)
	validateVoice(cfg, ve)
	validateServer(cfg, ve)
	validateLimits(cfg, ve)
	validateTools(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if cfg.Logger.Output == "" {
		ve.Add("logger.output must not be empty (want: stderr or a file path)")
	}
	// stdout carries the Driver RPC stream; log lines there would corrupt it.
	if cfg.Logger.Output == "stdout" {
		ve.Add("logger.output must not be stdout (it carries the RPC stream; want: stderr or a file path)")
	}
}

var validTracerExporters = map[string]bool{
	"noop":   true,
	"stdout": true,
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !validTracerExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

var validCarriers = map[string]bool{
	"twilio": true,
	"telnyx": true,
	"mock":   true,
}

func validateTelephony(cfg *Config, ve *ValidationError) {
	t := cfg.Telephony
	if !validCarriers[t.Carrier] {
		ve.Add("telephony.carrier %q is invalid (want: twilio, telnyx, mock)", t.Carrier)
	}

	if t.FromNumber == "" {
		ve.Add("telephony.from_number is required")
	} else if !isE164(t.FromNumber) {
		ve.Add("telephony.from_number %q is not a valid E.164 phone number", t.FromNumber)
	}
	if t.UserNumber == "" {
		ve.Add("telephony.user_number is required")
	} else if !isE164(t.UserNumber) {
		ve.Add("telephony.user_number %q is not a valid E.164 phone number", t.UserNumber)
	}

	switch t.Carrier {
	case "twilio":
		if t.Twilio.AccountSID == "" {
			ve.Add("telephony.twilio.account_sid is required when carrier is twilio (set via TALKBRIDGE_TWILIO_ACCOUNT_SID)")
		}
		if t.Twilio.AuthToken == "" {
			ve.Add("telephony.twilio.auth_token is required when carrier is twilio (set via TALKBRIDGE_TWILIO_AUTH_TOKEN)")
		}
	case "telnyx":
		if t.Telnyx.APIKey == "" {
			ve.Add("telephony.telnyx.api_key is required when carrier is telnyx (set via TALKBRIDGE_TELNYX_API_KEY)")
		}
		if t.Telnyx.ConnectionID == "" {
			ve.Add("telephony.telnyx.connection_id is required when carrier is telnyx")
		}
		if t.Telnyx.PublicKey == "" {
			if !cfg.Server.TrustWithoutSignature {
				ve.Add("telephony.telnyx.public_key is required when carrier is telnyx (unless server.trust_without_signature is set)")
			}
		} else {
			key, err := base64.StdEncoding.DecodeString(t.Telnyx.PublicKey)
			if err != nil || len(key) != 32 {
				ve.Add("telephony.telnyx.public_key is not a base64-encoded Ed25519 public key")
			}
		}
	}
}

var validVoiceBackends = map[string]bool{
	"unified":      true,
	"split-brain":  true,
	"split-direct": true,
}

func validateVoice(cfg *Config, ve *ValidationError) {
	v := cfg.Voice
	if !validVoiceBackends[v.Backend] {
		ve.Add("voice.backend %q is invalid (want: unified, split-brain, split-direct)", v.Backend)
	}
	if v.SystemPrompt == "" {
		ve.Add("voice.system_prompt must not be empty")
	}

	switch v.Backend {
	case "unified":
		if v.Unified.ModelID == "" {
			ve.Add("voice.unified.model_id is required when backend is unified")
		}
		if v.Unified.Region == "" {
			ve.Add("voice.unified.region is required when backend is unified")
		}
		if v.Unified.VoiceID == "" {
			ve.Add("voice.unified.voice_id is required when backend is unified")
		}
		if v.Unified.MaxTokens <= 0 {
			ve.Add("voice.unified.max_tokens must be > 0")
		}
		if v.Unified.Temperature < 0 || v.Unified.Temperature > 2 {
			ve.Add("voice.unified.temperature must be between 0 and 2")
		}
		if v.Unified.TopP <= 0 || v.Unified.TopP > 1 {
			ve.Add("voice.unified.top_p must be between 0 and 1")
		}
	case "split-brain":
		if v.Brain.ModelID == "" {
			ve.Add("voice.brain.model_id is required when backend is split-brain")
		}
		if v.Brain.Region == "" {
			ve.Add("voice.brain.region is required when backend is split-brain")
		}
		if v.Brain.MaxTokens <= 0 {
			ve.Add("voice.brain.max_tokens must be > 0")
		}
		if v.Brain.HistoryBudget <= 0 {
			ve.Add("voice.brain.history_token_budget must be > 0")
		}
		validateSplitSpeech(cfg, ve)
	case "split-direct":
		validateSplitSpeech(cfg, ve)
	}

	if v.VAD.SilenceMs <= 0 {
		ve.Add("voice.vad.silence_ms must be > 0")
	}
	if v.VAD.MinSpeechMs <= 0 {
		ve.Add("voice.vad.min_speech_ms must be > 0")
	}
	if v.VAD.EnergyThreshold <= 0 {
		ve.Add("voice.vad.energy_threshold must be > 0")
	}
}

func validateSplitSpeech(cfg *Config, ve *ValidationError) {
	v := cfg.Voice
	if v.STT.Endpoint == "" {
		ve.Add("voice.stt.endpoint is required when backend is %s", v.Backend)
	}
	if v.STT.APIKey == "" {
		ve.Add("voice.stt.api_key is required when backend is %s (set via TALKBRIDGE_STT_API_KEY)", v.Backend)
	}
	if v.STT.Model == "" {
		ve.Add("voice.stt.model is required when backend is %s", v.Backend)
	}
	if v.TTS.Endpoint == "" {
		ve.Add("voice.tts.endpoint is required when backend is %s", v.Backend)
	}
	if v.TTS.APIKey == "" {
		ve.Add("voice.tts.api_key is required when backend is %s (set via TALKBRIDGE_TTS_API_KEY)", v.Backend)
	}
	if v.TTS.Model == "" {
		ve.Add("voice.tts.model is required when backend is %s", v.Backend)
	}
	if v.TTS.Voice == "" {
		ve.Add("voice.tts.voice is required when backend is %s", v.Backend)
	}
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", s.Addr)
	}

	// The mock carrier never dials back, so no public URL is needed for it.
	if cfg.Telephony.Carrier != "mock" {
		if s.PublicURL == "" {
			ve.Add("server.public_url is required so the carrier can reach webhooks")
		} else if u, err := url.Parse(s.PublicURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			ve.Add("server.public_url %q is not an absolute http(s) URL", s.PublicURL)
		}
	}

	if s.WebSocketURL != "" {
		u, err := url.Parse(s.WebSocketURL)
		if err != nil || u.Host == "" {
			ve.Add("server.websocket_url %q is not an absolute URL", s.WebSocketURL)
		} else if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
			ve.Add("server.websocket_url scheme %q is invalid (want: ws, wss, http, https)", u.Scheme)
		}
	}

	if s.RateLimitPerMinute <= 0 {
		ve.Add("server.rate_limit_per_minute must be > 0")
	}
	if s.RateBurst <= 0 {
		ve.Add("server.rate_burst must be > 0")
	}
}

func validateLimits(cfg *Config, ve *ValidationError) {
	l := cfg.Limits
	if l.TurnTimeout <= 0 {
		ve.Add("limits.turn_timeout must be > 0")
	}
	if l.MediaReadyTimeout <= 0 {
		ve.Add("limits.media_ready_timeout must be > 0")
	}
	if l.MaxConcurrent <= 0 {
		ve.Add("limits.max_concurrent must be > 0")
	}
	if l.AudioQueueFrames <= 0 {
		ve.Add("limits.audio_queue_frames must be > 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, t := range cfg.Tools {
		if t.Name == "" {
			ve.Add("tools[%d].name must not be empty", i)
			continue
		}
		if !isToolName(t.Name) {
			ve.Add("tools[%d].name %q is invalid (want: letters, digits, _ or -, at most 64 chars)", i, t.Name)
		}
		if seen[t.Name] {
			ve.Add("tools[%d]: duplicate tool name %q", i, t.Name)
		}
		seen[t.Name] = true
		if t.Description == "" {
			ve.Add("tools[%d] (%s): description is required", i, t.Name)
		}
		if len(t.Command) == 0 {
			ve.Add("tools[%d] (%s): command is required", i, t.Name)
		}
		if t.TimeoutMs < 0 {
			ve.Add("tools[%d] (%s): timeout_ms must be >= 0", i, t.Name)
		}
	}
}

// isE164 validates an E.164 phone number format.
func isE164(phone string) bool {
	if len(phone) < 2 || len(phone) > 16 {
		return false
	}
	if phone[0] != '+' {
		return false
	}
	if phone[1] < '1' || phone[1] > '9' {
		return false
	}
	for _, c := range phone[2:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// isToolName validates a tool identifier.
func isToolName(name string) bool {
	if len(name) == 0 || len(name) > 64 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
