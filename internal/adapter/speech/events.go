package speech

import (
	"encoding/base64"
	"encoding/json"

	"github.com/ross-commits/talk-to-claude/internal/domain"
)

// Every frame on the bidirectional stream, in both directions, is one JSON
// object carrying exactly one member under "event". The client vocabulary is
// sessionStart, promptStart, contentStart, textInput, audioInput, toolResult,
// contentEnd, promptEnd, sessionEnd; the model answers with contentStart,
// audioOutput, textOutput, toolUse, contentEnd, completionEnd, usageEvent,
// modelStreamError, internalServerError. Unknown inbound members are logged
// and dropped.

const (
	contentTypeText  = "TEXT"
	contentTypeAudio = "AUDIO"
	contentTypeTool  = "TOOL"

	stopReasonInterrupted = "INTERRUPTED"
)

// --- Client frames ---

type clientFrame struct {
	Event clientEvent `json:"event"`
}

type clientEvent struct {
	SessionStart *sessionStartEvent `json:"sessionStart,omitempty"`
	PromptStart  *promptStartEvent  `json:"promptStart,omitempty"`
	ContentStart *contentStartInput `json:"contentStart,omitempty"`
	TextInput    *textInputEvent    `json:"textInput,omitempty"`
	AudioInput   *audioInputEvent   `json:"audioInput,omitempty"`
	ToolResult   *toolResultInput   `json:"toolResult,omitempty"`
	ContentEnd   *contentEndInput   `json:"contentEnd,omitempty"`
	PromptEnd    *promptEndEvent    `json:"promptEnd,omitempty"`
	SessionEnd   *struct{}          `json:"sessionEnd,omitempty"`
}

type sessionStartEvent struct {
	InferenceConfiguration inferenceConfiguration `json:"inferenceConfiguration"`
}

type inferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type promptStartEvent struct {
	PromptName                 string                   `json:"promptName"`
	TextOutputConfiguration    textConfiguration        `json:"textOutputConfiguration"`
	AudioOutputConfiguration   audioOutputConfiguration `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration textConfiguration        `json:"toolUseOutputConfiguration"`
	ToolConfiguration          *toolConfiguration       `json:"toolConfiguration,omitempty"`
}

type textConfiguration struct {
	MediaType string `json:"mediaType"`
}

type audioOutputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type audioInputConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

type toolConfiguration struct {
	Tools []toolSpec `json:"tools"`
}

type toolSpec struct {
	ToolSpec toolSpecInner `json:"toolSpec"`
}

// The input schema rides inside the prompt as a serialized JSON string, not
// an inline object.
type toolSpecInner struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema toolInputSchema `json:"inputSchema"`
}

type toolInputSchema struct {
	JSON string `json:"json"`
}

type contentStartInput struct {
	PromptName                   string                        `json:"promptName"`
	ContentName                  string                        `json:"contentName"`
	Type                         string                        `json:"type"`
	Interactive                  bool                          `json:"interactive"`
	Role                         string                        `json:"role,omitempty"`
	TextInputConfiguration       *textConfiguration            `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *audioInputConfiguration      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *toolResultInputConfiguration `json:"toolResultInputConfiguration,omitempty"`
}

type toolResultInputConfiguration struct {
	ToolUseID              string            `json:"toolUseId"`
	Type                   string            `json:"type"`
	TextInputConfiguration textConfiguration `json:"textInputConfiguration"`
}

type textInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type audioInputEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type toolResultInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type contentEndInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptEndEvent struct {
	PromptName string `json:"promptName"`
}

// encodeFrame marshals a client frame. The shapes above contain nothing a
// marshal can choke on.
func encodeFrame(ev clientEvent) []byte {
	b, _ := json.Marshal(clientFrame{Event: ev})
	return b
}

func sessionStartFrame(maxTokens int, temperature, topP float64) []byte {
	return encodeFrame(clientEvent{SessionStart: &sessionStartEvent{
		InferenceConfiguration: inferenceConfiguration{
			MaxTokens:   maxTokens,
			TopP:        topP,
			Temperature: temperature,
		},
	}})
}

func promptStartFrame(promptName, voiceID string, tools []domain.ToolSchema) []byte {
	ev := &promptStartEvent{
		PromptName:              promptName,
		TextOutputConfiguration: textConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: audioOutputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: 24000,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         voiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
		ToolUseOutputConfiguration: textConfiguration{MediaType: "application/json"},
	}
	if len(tools) > 0 {
		specs := make([]toolSpec, 0, len(tools))
		for _, t := range tools {
			specs = append(specs, toolSpec{ToolSpec: toolSpecInner{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: toolInputSchema{JSON: string(t.Parameters)},
			}})
		}
		ev.ToolConfiguration = &toolConfiguration{Tools: specs}
	}
	return encodeFrame(clientEvent{PromptStart: ev})
}

func contentStartTextFrame(promptName, contentName, role string, interactive bool) []byte {
	return encodeFrame(clientEvent{ContentStart: &contentStartInput{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   contentTypeText,
		Interactive:            interactive,
		Role:                   role,
		TextInputConfiguration: &textConfiguration{MediaType: "text/plain"},
	}})
}

func textInputFrame(promptName, contentName, text string) []byte {
	return encodeFrame(clientEvent{TextInput: &textInputEvent{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     text,
	}})
}

// contentStartAudioFrame opens the user audio block: 16-bit LPCM mono 16 kHz,
// interactive, left open for the session's lifetime.
func contentStartAudioFrame(promptName, contentName string) []byte {
	return encodeFrame(clientEvent{ContentStart: &contentStartInput{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        contentTypeAudio,
		Interactive: true,
		Role:        "USER",
		AudioInputConfiguration: &audioInputConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: 16000,
			SampleSizeBits:  16,
			ChannelCount:    1,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	}})
}

func audioInputFrame(promptName, contentName string, pcm []byte) []byte {
	return encodeFrame(clientEvent{AudioInput: &audioInputEvent{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     base64.StdEncoding.EncodeToString(pcm),
	}})
}

func contentStartToolFrame(promptName, contentName, toolUseID string) []byte {
	return encodeFrame(clientEvent{ContentStart: &contentStartInput{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        contentTypeTool,
		Interactive: false,
		Role:        "TOOL",
		ToolResultInputConfiguration: &toolResultInputConfiguration{
			ToolUseID:              toolUseID,
			Type:                   contentTypeText,
			TextInputConfiguration: textConfiguration{MediaType: "text/plain"},
		},
	}})
}

func toolResultFrame(promptName, contentName, content string) []byte {
	return encodeFrame(clientEvent{ToolResult: &toolResultInput{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     content,
	}})
}

func contentEndFrame(promptName, contentName string) []byte {
	return encodeFrame(clientEvent{ContentEnd: &contentEndInput{
		PromptName:  promptName,
		ContentName: contentName,
	}})
}

func promptEndFrame(promptName string) []byte {
	return encodeFrame(clientEvent{PromptEnd: &promptEndEvent{PromptName: promptName}})
}

func sessionEndFrame() []byte {
	return encodeFrame(clientEvent{SessionEnd: &struct{}{}})
}

// --- Server frames ---

// serverFrame is one decoded inbound frame; exactly one serverEvent member
// is non-nil. Frames where none matched are unknown vocabulary.
type serverFrame struct {
	Event serverEvent `json:"event"`
}

type serverEvent struct {
	ContentStart        *contentStartOutput `json:"contentStart,omitempty"`
	AudioOutput         *audioOutputEvent   `json:"audioOutput,omitempty"`
	TextOutput          *textOutputEvent    `json:"textOutput,omitempty"`
	ToolUse             *toolUseEvent       `json:"toolUse,omitempty"`
	ContentEnd          *contentEndOutput   `json:"contentEnd,omitempty"`
	CompletionEnd       *completionEndEvent `json:"completionEnd,omitempty"`
	UsageEvent          *usageEvent         `json:"usageEvent,omitempty"`
	ModelStreamError    *modelErrorEvent    `json:"modelStreamError,omitempty"`
	InternalServerError *modelErrorEvent    `json:"internalServerError,omitempty"`
}

type contentStartOutput struct {
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	ContentID    string `json:"contentId"`
	Type         string `json:"type"` // TEXT | AUDIO | TOOL
	Role         string `json:"role"` // USER | ASSISTANT | SYSTEM
}

type audioOutputEvent struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Content    string `json:"content"` // base64 PCM16LE mono 24 kHz
}

type textOutputEvent struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Role       string `json:"role"`
	Content    string `json:"content"`
}

type toolUseEvent struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	ToolName   string `json:"toolName"`
	ToolUseID  string `json:"toolUseId"`
	Content    string `json:"content"` // incremental; accumulated until contentEnd{type=TOOL}
}

type contentEndOutput struct {
	PromptName string `json:"promptName"`
	ContentID  string `json:"contentId"`
	Type       string `json:"type,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

type completionEndEvent struct {
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason,omitempty"`
}

type usageEvent struct {
	PromptName        string `json:"promptName"`
	TotalInputTokens  int    `json:"totalInputTokens"`
	TotalOutputTokens int    `json:"totalOutputTokens"`
	TotalTokens       int    `json:"totalTokens"`
}

type modelErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func parseServerFrame(raw []byte) (*serverEvent, error) {
	var frame serverFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	return &frame.Event, nil
}
