// Package llm implements the split-mode conversation brain on the Bedrock
// Converse API. The unified speech-to-speech path lives in adapter/speech;
// this package only serves calls running with backend "split-brain".
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
)

// brainBreakerFailures opens the circuit after this many consecutive
// Converse failures; the conversation loop then fails fast instead of
// stalling the caller on every turn.
const brainBreakerFailures uint32 = 3

// defaultContextTemplate frames Driver messages injected mid-conversation.
const defaultContextTemplate = "[System: %s]"

// converseAPI abstracts the Bedrock runtime method the brain needs.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// ClaudeBrain implements domain.Brain via the Bedrock Converse API. One
// brain holds one call's conversation history; methods serialize
// internally, so turn handling and Driver injections never interleave a
// half-recorded exchange.
type ClaudeBrain struct {
	mu           sync.Mutex
	cfg          config.BrainConfig
	systemPrompt string
	template     string
	tools        []domain.ToolSchema
	client       converseAPI
	history      *history
	breaker      *gobreaker.CircuitBreaker[*bedrockruntime.ConverseOutput]
	logger       *slog.Logger
}

// newClaudeBrainWithClient creates a ClaudeBrain with an injected client;
// the Factory provides the shared production client.
func newClaudeBrainWithClient(cfg config.BrainConfig, systemPrompt string, tools []domain.ToolSchema, client converseAPI, logger *slog.Logger) *ClaudeBrain {
	template := cfg.ContextTemplate
	if !strings.Contains(template, "%s") {
		template = defaultContextTemplate
	}

	breaker := gobreaker.NewCircuitBreaker[*bedrockruntime.ConverseOutput](gobreaker.Settings{
		Name:        "brain:" + cfg.ModelID,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= brainBreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &ClaudeBrain{
		cfg:          cfg,
		systemPrompt: systemPrompt,
		template:     template,
		tools:        tools,
		client:       client,
		history:      newHistory(sharedTokens),
		breaker:      breaker,
		logger:       logger.With("component", "brain"),
	}
}

// Respond implements domain.Brain.
func (b *ClaudeBrain) Respond(ctx context.Context, userText string) (*domain.BrainResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.appendUser(userText)
	return b.converse(ctx, "brain.respond")
}

// HandleToolResults implements domain.Brain. The assistant's tool-use turn
// was recorded when converse returned it; only the results are appended
// here. results[i] answers uses[i] when a result arrives without its
// tool-use ID.
func (b *ClaudeBrain) HandleToolResults(ctx context.Context, uses []domain.ToolUse, results []domain.ToolResult) (*domain.BrainResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filled := make([]domain.ToolResult, len(results))
	for i, r := range results {
		if r.ToolUseID == "" && i < len(uses) {
			r.ToolUseID = uses[i].ID
		}
		filled[i] = r
	}

	b.history.appendToolResults(filled)
	return b.converse(ctx, "brain.tool_results")
}

// InjectContext implements domain.Brain. The text is framed with the
// configured template so the model can tell Driver guidance from user speech.
func (b *ClaudeBrain) InjectContext(ctx context.Context, text string) (*domain.BrainResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.appendUser(fmt.Sprintf(b.template, text))
	return b.converse(ctx, "brain.inject")
}

// converse trims history to budget, runs one Converse round through the
// breaker, and records the assistant's reply. Callers hold b.mu.
func (b *ClaudeBrain) converse(ctx context.Context, op string) (*domain.BrainResponse, error) {
	ctx, span := tracer.StartSpan(ctx, op,
		trace.WithAttributes(tracer.StringAttr("brain.model", b.cfg.ModelID)),
	)
	defer span.End()

	if dropped := b.history.trim(b.cfg.HistoryBudget); dropped > 0 {
		b.logger.Debug("history trimmed to token budget",
			"dropped_messages", dropped,
			"budget", b.cfg.HistoryBudget,
		)
	}

	input := b.converseInput()

	output, err := b.breaker.Execute(func() (*bedrockruntime.ConverseOutput, error) {
		return b.client.Converse(ctx, input)
	})
	if err != nil {
		// Roll back the message this round added so a retry of the same
		// turn does not duplicate it.
		b.history.dropLast()
		tracer.RecordError(span, err)
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("brain circuit open: %w", err)
		}
		return nil, mapConverseError(op, err)
	}

	resp := fromConverseOutput(output)
	b.history.appendAssistant(resp)

	if output.Usage != nil {
		span.SetAttributes(
			tracer.IntAttr("brain.input_tokens", int(aws.ToInt32(output.Usage.InputTokens))),
			tracer.IntAttr("brain.output_tokens", int(aws.ToInt32(output.Usage.OutputTokens))),
		)
	}
	tracer.SetOK(span)

	b.logger.Debug("brain turn completed",
		"stop_reason", string(resp.StopReason),
		"tool_uses", len(resp.ToolUses),
		"history_messages", b.history.len(),
	)

	return resp, nil
}

func (b *ClaudeBrain) converseInput() *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(b.cfg.ModelID),
		Messages: b.history.converseMessages(),
	}

	maxTokens := b.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}

	if b.systemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: b.systemPrompt},
		}
	}

	if len(b.tools) > 0 {
		input.ToolConfig = toConverseToolConfig(b.tools)
	}

	return input
}

func toConverseToolConfig(tools []domain.ToolSchema) *types.ToolConfiguration {
	var converseTools []types.Tool
	for _, t := range tools {
		var schema map[string]interface{}
		if len(t.Parameters) > 0 {
			json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}

		converseTools = append(converseTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: converseTools}
}

func fromConverseOutput(output *bedrockruntime.ConverseOutput) *domain.BrainResponse {
	resp := &domain.BrainResponse{
		StopReason: mapStopReason(output.StopReason),
	}

	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				resp.Text = b.Value
			case *types.ContentBlockMemberToolUse:
				resp.ToolUses = append(resp.ToolUses, domain.ToolUse{
					ID:    aws.ToString(b.Value.ToolUseId),
					Name:  aws.ToString(b.Value.Name),
					Input: marshalDocument(b.Value.Input),
				})
			}
		}
	}

	return resp
}

// mapStopReason folds Converse stop reasons onto the three the session
// distinguishes; guardrail and filter stops read as a finished turn.
func mapStopReason(reason types.StopReason) domain.StopReason {
	switch reason {
	case types.StopReasonToolUse:
		return domain.StopToolUse
	case types.StopReasonMaxTokens:
		return domain.StopMaxTokens
	default:
		return domain.StopEndTurn
	}
}

// marshalDocument converts a Bedrock document.Interface to json.RawMessage.
func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v interface{}
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func mapConverseError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewTimeoutError(op, "model")
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "ResourceNotFoundException":
			return domain.NewKindError(op, domain.ErrAgent, domain.KindConnectFailed, msg)
		case "ValidationException":
			return domain.NewKindError(op, domain.ErrAgent, domain.KindProtocolError, msg)
		case "ThrottlingException", "TooManyRequestsException", "ModelNotReadyException",
			"ModelTimeoutException", "ServiceUnavailableException", "InternalServerException":
			return domain.NewKindError(op, domain.ErrAgent, domain.KindStreamError, msg)
		}
	}

	return domain.WrapOp(op, err)
}

var _ domain.Brain = (*ClaudeBrain)(nil)
