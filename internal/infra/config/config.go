package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level bridge configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Voice     VoiceConfig     `yaml:"voice"`
	Server    ServerConfig    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	Tools     []ToolConfig    `yaml:"tools,omitempty"`
}

// LoggerConfig holds logging settings. Output must never be stdout: stdout
// carries the Driver RPC stream.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// TelephonyConfig selects and configures the carrier.
type TelephonyConfig struct {
	Carrier    string       `yaml:"carrier"`     // "twilio" | "telnyx" | "mock"
	FromNumber string       `yaml:"from_number"` // E.164
	UserNumber string       `yaml:"user_number"` // E.164, the human being called
	Twilio     TwilioConfig `yaml:"twilio"`
	Telnyx     TelnyxConfig `yaml:"telnyx"`
}

// TwilioConfig holds carrier-A credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
}

// TelnyxConfig holds carrier-B credentials.
type TelnyxConfig struct {
	APIKey       string `yaml:"api_key"`
	ConnectionID string `yaml:"connection_id"`
	PublicKey    string `yaml:"public_key"` // base64 Ed25519 key from the portal
}

// VoiceConfig selects and configures the conversational engine.
type VoiceConfig struct {
	Backend      string        `yaml:"backend"` // "unified" | "split-brain" | "split-direct"
	SystemPrompt string        `yaml:"system_prompt"`
	Unified      UnifiedConfig `yaml:"unified"`
	Brain        BrainConfig   `yaml:"brain"`
	STT          STTConfig     `yaml:"stt"`
	TTS          TTSConfig     `yaml:"tts"`
	VAD          VADConfig     `yaml:"vad"`
}

// UnifiedConfig holds the speech-to-speech model settings.
type UnifiedConfig struct {
	ModelID     string  `yaml:"model_id"`
	VoiceID     string  `yaml:"voice_id"`
	Region      string  `yaml:"region"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`
}

// BrainConfig holds the split-mode LLM settings.
type BrainConfig struct {
	ModelID         string `yaml:"model_id"`
	Region          string `yaml:"region"`
	MaxTokens       int    `yaml:"max_tokens"`
	HistoryBudget   int    `yaml:"history_token_budget"` // tokens of history kept per call
	ContextTemplate string `yaml:"context_template"`     // wraps injected Driver messages
}

// STTConfig holds the split-mode speech-to-text settings.
type STTConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// TTSConfig holds the split-mode text-to-speech settings.
type TTSConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
}

// VADConfig tunes the split-mode utterance detector.
type VADConfig struct {
	SilenceMs       int `yaml:"silence_ms"`       // silence that ends an utterance
	MinSpeechMs     int `yaml:"min_speech_ms"`    // speech required to open an utterance
	EnergyThreshold int `yaml:"energy_threshold"` // mean |pcm16| per chunk counted as speech
}

// ServerConfig holds the webhook/media HTTP listener settings.
type ServerConfig struct {
	Addr                  string `yaml:"addr"`       // ":8080"
	PublicURL             string `yaml:"public_url"` // e.g. "https://bridge.example.com"
	WebSocketURL          string `yaml:"websocket_url,omitempty"`
	TrustWithoutSignature bool   `yaml:"trust_without_signature"`
	RateLimitPerMinute    int    `yaml:"rate_limit_per_minute"`
	RateBurst             int    `yaml:"rate_burst"`
}

// WebhookURL returns the absolute URL carriers post call events to.
func (s ServerConfig) WebhookURL() string {
	return strings.TrimRight(s.PublicURL, "/") + "/twiml"
}

// MediaStreamURL returns the wss:// URL carriers open the media socket to.
// A separate websocket_url wins when a tunnel terminates only the socket.
func (s ServerConfig) MediaStreamURL() string {
	base := s.WebSocketURL
	if base == "" {
		base = s.PublicURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/media-stream"
}

// LimitsConfig bounds per-call waits and queues.
type LimitsConfig struct {
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	MediaReadyTimeout time.Duration `yaml:"media_ready_timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	AudioQueueFrames  int           `yaml:"audio_queue_frames"`
}

// ToolConfig declares one tool exposed to the conversational model. The
// executor runs Command with the tool input as JSON on stdin and returns
// stdout as the result.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"` // JSON Schema for the input object
	Command     []string       `yaml:"command"`
	TimeoutMs   int            `yaml:"timeout_ms"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Telephony: TelephonyConfig{
			Carrier: "twilio",
		},
		Voice: VoiceConfig{
			Backend:      "unified",
			SystemPrompt: "You are a voice assistant relaying messages between an AI coding assistant and its operator. Be concise; you are on a phone call.",
			Unified: UnifiedConfig{
				Region:      "us-east-1",
				VoiceID:     "matthew",
				MaxTokens:   1024,
				Temperature: 0.7,
				TopP:        0.9,
			},
			Brain: BrainConfig{
				Region:          "us-east-1",
				MaxTokens:       1024,
				HistoryBudget:   8192,
				ContextTemplate: "[System: %s]",
			},
			STT: STTConfig{
				Endpoint: "https://api.openai.com/v1/audio/transcriptions",
				Model:    "whisper-1",
			},
			TTS: TTSConfig{
				Endpoint: "https://api.openai.com/v1/audio/speech",
				Model:    "tts-1",
				Voice:    "alloy",
			},
			VAD: VADConfig{
				SilenceMs:       800,
				MinSpeechMs:     300,
				EnergyThreshold: 500,
			},
		},
		Server: ServerConfig{
			Addr:               ":8080",
			RateLimitPerMinute: 300,
			RateBurst:          60,
		},
		Limits: LimitsConfig{
			TurnTimeout:       180 * time.Second,
			MediaReadyTimeout: 15 * time.Second,
			MaxConcurrent:     4,
			AudioQueueFrames:  100,
		},
	}
}

// Load reads, merges, decrypts, and validates a config file. A missing file
// is not an error: defaults plus environment overrides are used, so that a
// fully env-configured deployment needs no config.yaml.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("TALKBRIDGE_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps TALKBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TALKBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("TALKBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("TALKBRIDGE_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("TALKBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("TALKBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("TALKBRIDGE_CARRIER"); v != "" {
		cfg.Telephony.Carrier = v
	}
	if v := os.Getenv("TALKBRIDGE_FROM_NUMBER"); v != "" {
		cfg.Telephony.FromNumber = v
	}
	if v := os.Getenv("TALKBRIDGE_USER_NUMBER"); v != "" {
		cfg.Telephony.UserNumber = v
	}
	if v := os.Getenv("TALKBRIDGE_TWILIO_ACCOUNT_SID"); v != "" {
		cfg.Telephony.Twilio.AccountSID = v
	}
	if v := os.Getenv("TALKBRIDGE_TWILIO_AUTH_TOKEN"); v != "" {
		cfg.Telephony.Twilio.AuthToken = v
	}
	if v := os.Getenv("TALKBRIDGE_TELNYX_API_KEY"); v != "" {
		cfg.Telephony.Telnyx.APIKey = v
	}
	if v := os.Getenv("TALKBRIDGE_TELNYX_CONNECTION_ID"); v != "" {
		cfg.Telephony.Telnyx.ConnectionID = v
	}
	if v := os.Getenv("TALKBRIDGE_TELNYX_PUBLIC_KEY"); v != "" {
		cfg.Telephony.Telnyx.PublicKey = v
	}
	if v := os.Getenv("TALKBRIDGE_VOICE_BACKEND"); v != "" {
		cfg.Voice.Backend = v
	}
	if v := os.Getenv("TALKBRIDGE_SYSTEM_PROMPT"); v != "" {
		cfg.Voice.SystemPrompt = v
	}
	if v := os.Getenv("TALKBRIDGE_UNIFIED_MODEL_ID"); v != "" {
		cfg.Voice.Unified.ModelID = v
	}
	if v := os.Getenv("TALKBRIDGE_UNIFIED_VOICE_ID"); v != "" {
		cfg.Voice.Unified.VoiceID = v
	}
	if v := os.Getenv("TALKBRIDGE_UNIFIED_REGION"); v != "" {
		cfg.Voice.Unified.Region = v
	}
	if v := os.Getenv("TALKBRIDGE_BRAIN_MODEL_ID"); v != "" {
		cfg.Voice.Brain.ModelID = v
	}
	if v := os.Getenv("TALKBRIDGE_BRAIN_REGION"); v != "" {
		cfg.Voice.Brain.Region = v
	}
	if v := os.Getenv("TALKBRIDGE_STT_ENDPOINT"); v != "" {
		cfg.Voice.STT.Endpoint = v
	}
	if v := os.Getenv("TALKBRIDGE_STT_API_KEY"); v != "" {
		cfg.Voice.STT.APIKey = v
	}
	if v := os.Getenv("TALKBRIDGE_TTS_ENDPOINT"); v != "" {
		cfg.Voice.TTS.Endpoint = v
	}
	if v := os.Getenv("TALKBRIDGE_TTS_API_KEY"); v != "" {
		cfg.Voice.TTS.APIKey = v
	}
	if v := os.Getenv("TALKBRIDGE_TTS_VOICE"); v != "" {
		cfg.Voice.TTS.Voice = v
	}
	if v := os.Getenv("TALKBRIDGE_VAD_SILENCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Voice.VAD.SilenceMs = n
		}
	}
	if v := os.Getenv("TALKBRIDGE_VAD_ENERGY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Voice.VAD.EnergyThreshold = n
		}
	}
	if v := os.Getenv("TALKBRIDGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TALKBRIDGE_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("TALKBRIDGE_WEBSOCKET_URL"); v != "" {
		cfg.Server.WebSocketURL = v
	}
	if v := os.Getenv("TALKBRIDGE_TRUST_WITHOUT_SIGNATURE"); v == "true" {
		cfg.Server.TrustWithoutSignature = true
	}
	if v := os.Getenv("TALKBRIDGE_TURN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Limits.TurnTimeout = d
		}
	}
	if v := os.Getenv("TALKBRIDGE_MEDIA_READY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Limits.MediaReadyTimeout = d
		}
	}
	if v := os.Getenv("TALKBRIDGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.MaxConcurrent = n
		}
	}
}

// decryptSecrets finds "enc:..." values in credential fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name  string
		field *string
	}{
		{"telephony.twilio.auth_token", &cfg.Telephony.Twilio.AuthToken},
		{"telephony.telnyx.api_key", &cfg.Telephony.Telnyx.APIKey},
		{"voice.stt.api_key", &cfg.Voice.STT.APIKey},
		{"voice.tts.api_key", &cfg.Voice.TTS.APIKey},
	}
	for _, s := range secrets {
		if strings.HasPrefix(*s.field, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("%s: %w", s.name, err)
			}
			*s.field = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// ExampleYAML returns a commented starter configuration.
func ExampleYAML() string {
	return `# talk-to-claude bridge configuration.
# Secrets may be sealed with 'bridge encrypt-secret' and stored as "enc:...";
# set TALKBRIDGE_CONFIG_KEY to the passphrase used when sealing.

logger:
  level: info        # debug | info | warn | error
  format: text       # text | json
  output: stderr     # stderr or a file path (never stdout: it carries the RPC stream)

tracer:
  enabled: false
  exporter: noop     # noop | stdout

telephony:
  carrier: twilio    # twilio | telnyx | mock
  from_number: "+15550001111"
  user_number: "+15552223333"
  twilio:
    account_sid: ACxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx
    auth_token: "enc:..."
  # telnyx:
  #   api_key: "enc:..."
  #   connection_id: "1234567890"
  #   public_key: "base64-ed25519-key"

voice:
  backend: unified   # unified | split-brain | split-direct
  system_prompt: "You are a voice assistant relaying messages for a coding agent."
  unified:
    model_id: amazon.nova-sonic-v1:0
    voice_id: matthew
    region: us-east-1
    max_tokens: 1024
    temperature: 0.7
    top_p: 0.9
  brain:
    model_id: anthropic.claude-sonnet-4-20250514-v1:0
    region: us-east-1
    max_tokens: 1024
    history_token_budget: 8192
  stt:
    endpoint: https://api.openai.com/v1/audio/transcriptions
    api_key: "enc:..."
    model: whisper-1
  tts:
    endpoint: https://api.openai.com/v1/audio/speech
    api_key: "enc:..."
    model: tts-1
    voice: alloy
  vad:
    silence_ms: 800
    min_speech_ms: 300
    energy_threshold: 500

server:
  addr: ":8080"
  public_url: https://bridge.example.com
  # websocket_url: wss-only tunnel origin, when it differs from public_url
  trust_without_signature: false

limits:
  turn_timeout: 3m
  media_ready_timeout: 15s
  max_concurrent: 4
  audio_queue_frames: 100

tools:
  - name: service_health
    description: Report the health of the deployment's services.
    parameters:
      type: object
      properties:
        service:
          type: string
          description: Service name, or "all".
      required: [service]
    command: ["./scripts/service-health.sh"]
    timeout_ms: 10000
`
}
