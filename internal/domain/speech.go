package domain

import (
	"context"
	"encoding/json"
)

// TextRole tags text crossing the unified agent stream: SYSTEM and USER on
// the way in (SendText), USER and ASSISTANT on transcripts coming back.
type TextRole string

const (
	RoleSystem    TextRole = "SYSTEM"
	RoleUser      TextRole = "USER"
	RoleAssistant TextRole = "ASSISTANT"
)

// AgentCallbacks are the event hooks a unified agent session fires. All
// fields are required; constructors must reject a missing callback rather
// than tolerate nil fields at dispatch time.
type AgentCallbacks struct {
	// OnAudioOut receives model speech as PCM16LE mono 24 kHz.
	OnAudioOut func(pcm []byte)
	// OnText receives transcripts for either side of the conversation.
	OnText func(text string, role TextRole)
	// OnToolUse fires when the model requests a tool invocation.
	OnToolUse func(name, toolUseID string, input json.RawMessage)
	// OnTurnComplete fires when the model considers the user turn finished.
	OnTurnComplete func()
	// OnInterruption fires when the model reports barge-in.
	OnInterruption func()
}

// Valid reports whether every required callback is set.
func (c AgentCallbacks) Valid() bool {
	return c.OnAudioOut != nil && c.OnText != nil && c.OnToolUse != nil &&
		c.OnTurnComplete != nil && c.OnInterruption != nil
}

// AgentSession is one bidirectional stream to the unified speech model.
type AgentSession interface {
	// Connect opens the stream, emits the setup sequence, and returns once
	// the stream is writable.
	Connect(ctx context.Context) error
	// SendAudio enqueues user audio (PCM16LE mono 16 kHz). Audio is withheld
	// while the model is speaking and resumes on interruption or turn end.
	SendAudio(pcm []byte)
	// SendText injects out-of-band text into the conversation.
	SendText(text string, role TextRole)
	// SendToolResult feeds a tool outcome back to the model.
	SendToolResult(toolUseID, result string)
	// Close emits the ordered teardown sequence and drains briefly.
	Close(ctx context.Context) error
}

// TTSChunk is a chunk of synthesized audio (PCM16LE mono, provider rate).
type TTSChunk struct {
	PCM []byte
	Err error // non-nil terminates the stream
}

// TTSProvider abstracts streaming text-to-speech synthesis.
type TTSProvider interface {
	// SynthesizeStream returns a channel of PCM chunks; the channel is
	// closed when synthesis completes.
	SynthesizeStream(ctx context.Context, text string) (<-chan TTSChunk, error)
	// Name returns the provider identifier.
	Name() string
}

// STTProvider abstracts batch speech-to-text over one utterance.
type STTProvider interface {
	// Transcribe posts a WAV-wrapped utterance and returns its text.
	Transcribe(ctx context.Context, wav []byte) (string, error)
	// Name returns the provider identifier.
	Name() string
}

// StopReason terminates one brain response.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ToolUse is one model-originated tool invocation request.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// BrainResponse is one turn of the split-mode LLM brain.
type BrainResponse struct {
	Text       string     `json:"text"`
	ToolUses   []ToolUse  `json:"tool_uses,omitempty"`
	StopReason StopReason `json:"stop_reason"`
}

// Brain is the split-mode conversational engine. Implementations hold the
// conversation history for one call.
type Brain interface {
	// Respond advances the conversation with the user's transcribed speech.
	Respond(ctx context.Context, userText string) (*BrainResponse, error)
	// HandleToolResults feeds tool outcomes back; results[i] answers uses[i].
	HandleToolResults(ctx context.Context, uses []ToolUse, results []ToolResult) (*BrainResponse, error)
	// InjectContext inserts out-of-band context (a Driver message) and
	// returns the brain's spoken reaction to it.
	InjectContext(ctx context.Context, text string) (*BrainResponse, error)
}
