package llm

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/pkoukk/tiktoken-go"

	"github.com/ross-commits/talk-to-claude/internal/domain"
)

// messageOverheadTokens approximates per-message role/formatting cost.
const messageOverheadTokens = 4

// tokenCounter estimates token usage for history budgeting.
type tokenCounter interface {
	count(text string) int
}

// tiktokenCounter counts with the cl100k_base encoding, which tracks the
// Claude tokenizer closely enough for trim decisions. The encoding loads
// lazily on first use; if loading fails (offline hosts), a words-based
// estimate stands in.
type tiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *tiktokenCounter) count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		if enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE); err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		// ~1.3 tokens per word for Claude-family models.
		return len(strings.Fields(text)) * 13 / 10
	}
	return len(c.enc.Encode(text, nil, nil))
}

// sharedTokens is reused across brains; encodings are expensive to load.
var sharedTokens tokenCounter = &tiktokenCounter{}

// chatMessage is one history entry in provider-neutral form; conversion to
// Converse wire types happens per request.
type chatMessage struct {
	role     types.ConversationRole
	text     string
	toolUses []domain.ToolUse    // assistant tool requests
	results  []domain.ToolResult // tool outcomes, sent under the user role
}

// opensExchange reports whether the message can start the Converse window.
func (m chatMessage) opensExchange() bool {
	return m.role == types.ConversationRoleUser && len(m.results) == 0
}

func (m chatMessage) converseMessage() types.Message {
	msg := types.Message{Role: m.role}

	if len(m.results) > 0 {
		for _, r := range m.results {
			status := types.ToolResultStatusSuccess
			if r.IsError {
				status = types.ToolResultStatusError
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(r.ToolUseID),
					Status:    status,
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: r.Content},
					},
				},
			})
		}
		return msg
	}

	if m.role == types.ConversationRoleUser {
		msg.Content = []types.ContentBlock{
			&types.ContentBlockMemberText{Value: m.text},
		}
		return msg
	}

	if m.text != "" {
		msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.text})
	}
	for _, u := range m.toolUses {
		var input map[string]interface{}
		if len(u.Input) > 0 {
			json.Unmarshal(u.Input, &input)
		}
		if input == nil {
			input = map[string]interface{}{}
		}
		msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{
			Value: types.ToolUseBlock{
				ToolUseId: aws.String(u.ID),
				Name:      aws.String(u.Name),
				Input:     document.NewLazyDocument(input),
			},
		})
	}
	return msg
}

// history is one call's conversation window. It is not safe for concurrent
// use; ClaudeBrain serializes access.
type history struct {
	messages []chatMessage
	counter  tokenCounter
}

func newHistory(counter tokenCounter) *history {
	return &history{counter: counter}
}

func (h *history) len() int { return len(h.messages) }

func (h *history) appendUser(text string) {
	h.messages = append(h.messages, chatMessage{role: types.ConversationRoleUser, text: text})
}

func (h *history) appendAssistant(resp *domain.BrainResponse) {
	h.messages = append(h.messages, chatMessage{
		role:     types.ConversationRoleAssistant,
		text:     resp.Text,
		toolUses: resp.ToolUses,
	})
}

func (h *history) appendToolResults(results []domain.ToolResult) {
	h.messages = append(h.messages, chatMessage{role: types.ConversationRoleUser, results: results})
}

// converseMessages converts the current window to Converse wire messages.
func (h *history) converseMessages() []types.Message {
	out := make([]types.Message, 0, len(h.messages))
	for _, m := range h.messages {
		out = append(out, m.converseMessage())
	}
	return out
}

func (h *history) tokens() int {
	total := 0
	for _, m := range h.messages {
		total += messageOverheadTokens
		total += h.counter.count(m.text)
		for _, u := range m.toolUses {
			total += h.counter.count(u.Name) + h.counter.count(string(u.Input))
		}
		for _, r := range m.results {
			total += h.counter.count(r.Content)
		}
	}
	return total
}

// trim drops the oldest exchanges until the history fits the budget. The
// window must keep opening on a plain user message: Converse rejects
// conversations that start with an assistant turn or an orphaned tool
// result. The newest user message is never dropped. Returns the number of
// messages removed.
func (h *history) trim(budget int) int {
	if budget <= 0 {
		return 0
	}
	dropped := 0
	for h.tokens() > budget {
		n := h.dropOldestExchange()
		if n == 0 {
			break
		}
		dropped += n
	}
	return dropped
}

// dropLast removes the newest message.
func (h *history) dropLast() {
	if len(h.messages) > 0 {
		h.messages = h.messages[:len(h.messages)-1]
	}
}

// dropOldestExchange removes the leading user message and everything up to
// the next message that can open the window.
func (h *history) dropOldestExchange() int {
	if len(h.messages) <= 1 {
		return 0
	}
	i := 1
	for i < len(h.messages) && !h.messages[i].opensExchange() {
		i++
	}
	if i >= len(h.messages) {
		return 0
	}
	h.messages = h.messages[i:]
	return i
}
