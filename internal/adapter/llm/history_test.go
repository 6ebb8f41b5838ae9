package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/ross-commits/talk-to-claude/internal/domain"
)

// wordCounter prices one token per word, keeping trim tests offline.
type wordCounter struct{}

func (wordCounter) count(text string) int { return len(strings.Fields(text)) }

func TestTrimDropsOldestExchangeFirst(t *testing.T) {
	h := newHistory(wordCounter{})
	h.appendUser("one two three")
	h.appendAssistant(&domain.BrainResponse{Text: "four five six"})
	h.appendUser("seven eight")

	// 3 messages x 4 overhead + 8 words = 20 tokens.
	if got := h.tokens(); got != 20 {
		t.Fatalf("tokens = %d, want 20", got)
	}

	dropped := h.trim(15)
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if h.len() != 1 {
		t.Fatalf("len = %d, want 1", h.len())
	}
	if h.messages[0].text != "seven eight" {
		t.Errorf("front = %q, want newest user turn", h.messages[0].text)
	}
}

func TestTrimKeepsToolRoundsIntact(t *testing.T) {
	h := newHistory(wordCounter{})
	h.appendUser("check the api")
	h.appendAssistant(&domain.BrainResponse{
		ToolUses: []domain.ToolUse{{ID: "tu_1", Name: "service_health", Input: json.RawMessage(`{"service":"api"}`)}},
	})
	h.appendToolResults([]domain.ToolResult{{ToolUseID: "tu_1", Content: "ok"}})
	h.appendAssistant(&domain.BrainResponse{Text: "done"})
	h.appendUser("next question")

	dropped := h.trim(10)
	if dropped != 4 {
		t.Errorf("dropped = %d, want 4 (whole tool round)", dropped)
	}
	if h.len() != 1 {
		t.Fatalf("len = %d, want 1", h.len())
	}
	if h.messages[0].text != "next question" {
		t.Errorf("front = %q", h.messages[0].text)
	}
	if !h.messages[0].opensExchange() {
		t.Error("window must open on a plain user message")
	}
}

func TestTrimNeverDropsNewestUserMessage(t *testing.T) {
	h := newHistory(wordCounter{})
	h.appendUser("a very long single user message indeed")

	if dropped := h.trim(1); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if h.len() != 1 {
		t.Errorf("len = %d, want 1", h.len())
	}
}

func TestTrimStopsWhenNoExchangeCanOpen(t *testing.T) {
	h := newHistory(wordCounter{})
	h.appendUser("question")
	h.appendAssistant(&domain.BrainResponse{Text: "long answer with many words in it"})

	// No later user message to re-open the window on; nothing droppable.
	if dropped := h.trim(1); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if h.len() != 2 {
		t.Errorf("len = %d, want 2", h.len())
	}
}

func TestTrimDisabledWithoutBudget(t *testing.T) {
	h := newHistory(wordCounter{})
	h.appendUser("one")
	h.appendAssistant(&domain.BrainResponse{Text: "two"})
	h.appendUser("three")

	if dropped := h.trim(0); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if h.len() != 3 {
		t.Errorf("len = %d, want 3", h.len())
	}
}

func TestDropLast(t *testing.T) {
	h := newHistory(wordCounter{})
	h.appendUser("kept")
	h.appendUser("rolled back")

	h.dropLast()
	if h.len() != 1 || h.messages[0].text != "kept" {
		t.Errorf("messages = %+v", h.messages)
	}

	h.dropLast()
	h.dropLast() // no-op on empty history
	if h.len() != 0 {
		t.Errorf("len = %d, want 0", h.len())
	}
}

func TestConverseMessageToolResultShape(t *testing.T) {
	m := chatMessage{
		role:    types.ConversationRoleUser,
		results: []domain.ToolResult{{ToolUseID: "tu_9", Content: "disk full", IsError: true}},
	}

	msg := m.converseMessage()
	if msg.Role != types.ConversationRoleUser {
		t.Errorf("Role = %q", msg.Role)
	}
	if len(msg.Content) != 1 {
		t.Fatalf("Content len = %d", len(msg.Content))
	}
	block, ok := msg.Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatal("expected ContentBlockMemberToolResult")
	}
	if aws.ToString(block.Value.ToolUseId) != "tu_9" {
		t.Errorf("ToolUseId = %q", aws.ToString(block.Value.ToolUseId))
	}
	if block.Value.Status != types.ToolResultStatusError {
		t.Errorf("Status = %q, want error", block.Value.Status)
	}
	text, ok := block.Value.Content[0].(*types.ToolResultContentBlockMemberText)
	if !ok || text.Value != "disk full" {
		t.Errorf("content = %+v", block.Value.Content[0])
	}
}

func TestConverseMessageAssistantShape(t *testing.T) {
	m := chatMessage{
		role:     types.ConversationRoleAssistant,
		text:     "let me check",
		toolUses: []domain.ToolUse{{ID: "tu_2", Name: "service_health", Input: json.RawMessage(`{"p":"q"}`)}},
	}

	msg := m.converseMessage()
	if len(msg.Content) != 2 {
		t.Fatalf("Content len = %d, want text + tool use", len(msg.Content))
	}
	if text, ok := msg.Content[0].(*types.ContentBlockMemberText); !ok || text.Value != "let me check" {
		t.Errorf("text block = %+v", msg.Content[0])
	}
	use, ok := msg.Content[1].(*types.ContentBlockMemberToolUse)
	if !ok {
		t.Fatal("expected ContentBlockMemberToolUse")
	}
	if aws.ToString(use.Value.Name) != "service_health" {
		t.Errorf("Name = %q", aws.ToString(use.Value.Name))
	}
	if !strings.Contains(string(marshalDocument(use.Value.Input)), `"q"`) {
		t.Errorf("input document lost: %s", marshalDocument(use.Value.Input))
	}
}

func TestConverseMessageAssistantMalformedToolInput(t *testing.T) {
	m := chatMessage{
		role:     types.ConversationRoleAssistant,
		toolUses: []domain.ToolUse{{ID: "tu_3", Name: "service_health", Input: json.RawMessage(`not json`)}},
	}

	msg := m.converseMessage()
	use, ok := msg.Content[0].(*types.ContentBlockMemberToolUse)
	if !ok {
		t.Fatal("expected ContentBlockMemberToolUse")
	}
	if got := string(marshalDocument(use.Value.Input)); got != "{}" {
		t.Errorf("input = %s, want empty object fallback", got)
	}
}
