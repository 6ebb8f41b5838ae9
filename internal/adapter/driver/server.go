// Package driver exposes call control to the Driver process as MCP tools
// served over stdio. stdout carries the RPC stream, so nothing in this
// package may write to it except the protocol itself; logs go to the
// injected slog handler.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kaptinlin/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/tracer"
)

const (
	serverName    = "talk-to-claude"
	serverVersion = "1.0.0"
)

const serverInstructions = "Place and control phone calls to the user. " +
	"Start a conversation with initiate_call; every message is spoken aloud. " +
	"Use the returned callId with continue_call, speak_to_user and end_call. " +
	"send_text delivers an SMS instead of a call."

// Tool names advertised to the Driver.
const (
	toolInitiateCall = "initiate_call"
	toolContinueCall = "continue_call"
	toolSpeakToUser  = "speak_to_user"
	toolEndCall      = "end_call"
	toolSendText     = "send_text"
)

// maxErrorTextLen caps the error text sent to the Driver; full chains stay
// in the log.
const maxErrorTextLen = 200

// CallManager is the slice of the call manager the Driver tools operate on.
type CallManager interface {
	// Initiate places a call, speaks message once answered, and returns the
	// new call id together with the user's first spoken response.
	Initiate(ctx context.Context, message string) (callID, response string, err error)
	// Continue speaks message on the call and waits for the user's response.
	Continue(ctx context.Context, callID, message string) (response string, err error)
	// Speak speaks message on the call without waiting for a response.
	Speak(ctx context.Context, callID, message string) error
	// End speaks a closing message and hangs up.
	End(ctx context.Context, callID, message string) error
	// SendText sends an SMS to the user; mediaURLs may be empty.
	SendText(ctx context.Context, message string, mediaURLs []string) error
}

// toolSchemas holds the JSON Schema for each tool's arguments. The same
// document is advertised over MCP and enforced on every call.
var toolSchemas = map[string]string{
	toolInitiateCall: `{
		"type": "object",
		"properties": {
			"message": {"type": "string", "minLength": 1, "description": "What to say when the user answers."}
		},
		"required": ["message"]
	}`,
	toolContinueCall: `{
		"type": "object",
		"properties": {
			"call_id": {"type": "string", "minLength": 1, "description": "Id returned by initiate_call."},
			"message": {"type": "string", "minLength": 1, "description": "What to say before listening for the user."}
		},
		"required": ["call_id", "message"]
	}`,
	toolSpeakToUser: `{
		"type": "object",
		"properties": {
			"call_id": {"type": "string", "minLength": 1, "description": "Id returned by initiate_call."},
			"message": {"type": "string", "minLength": 1, "description": "What to say. Does not wait for a response."}
		},
		"required": ["call_id", "message"]
	}`,
	toolEndCall: `{
		"type": "object",
		"properties": {
			"call_id": {"type": "string", "minLength": 1, "description": "Id returned by initiate_call."},
			"message": {"type": "string", "minLength": 1, "description": "Final message to speak before hanging up."}
		},
		"required": ["call_id", "message"]
	}`,
	toolSendText: `{
		"type": "object",
		"properties": {
			"message": {"type": "string", "minLength": 1, "description": "Text message body."},
			"media_urls": {"type": "array", "items": {"type": "string"}, "description": "Optional media attachment URLs."}
		},
		"required": ["message"]
	}`,
}

// Server serves the Driver-facing MCP tools over stdio.
type Server struct {
	manager CallManager
	mcp     *server.MCPServer
	schemas map[string]*jsonschema.Schema
	logger  *slog.Logger
}

// NewServer builds the MCP server and registers the five call tools.
func NewServer(manager CallManager, logger *slog.Logger) (*Server, error) {
	s := &Server{
		manager: manager,
		schemas: make(map[string]*jsonschema.Schema, len(toolSchemas)),
		logger:  logger.With("component", "driver"),
	}

	compiler := jsonschema.NewCompiler()
	for name, schema := range toolSchemas {
		compiled, err := compiler.Compile([]byte(schema))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		s.schemas[name] = compiled
	}

	s.mcp = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions),
	)

	register := func(name, description string, handler server.ToolHandlerFunc) {
		tool := mcp.NewToolWithRawSchema(name, description, json.RawMessage(toolSchemas[name]))
		s.mcp.AddTool(tool, handler)
	}
	register(toolInitiateCall,
		"Place a phone call to the user and speak the given message when they answer. "+
			"Returns the callId for follow-up tools and the user's first spoken response.",
		s.handleInitiateCall)
	register(toolContinueCall,
		"Speak a message on an active call, then wait for the user's spoken response.",
		s.handleContinueCall)
	register(toolSpeakToUser,
		"Speak a message on an active call without waiting for a response.",
		s.handleSpeakToUser)
	register(toolEndCall,
		"Speak a final message, then hang up the call.",
		s.handleEndCall)
	register(toolSendText,
		"Send an SMS text message to the user, optionally with media attachments.",
		s.handleSendText)

	return s, nil
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))

	s.logger.Info("driver rpc listening on stdio")
	err := stdio.Listen(ctx, stdin, stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

func (s *Server) handleInitiateCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := s.arguments(toolInitiateCall, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ctx, span := tracer.StartSpan(ctx, "driver.initiate_call")
	defer span.End()

	callID, response, err := s.manager.Initiate(ctx, stringArg(args, "message"))
	if err != nil {
		return s.failure(span, toolInitiateCall, err), nil
	}
	span.SetAttributes(tracer.StringAttr("call_id", callID))
	tracer.SetOK(span)

	s.logger.Info("call initiated", "call_id", callID)
	return outcomeResult(callOutcome{CallID: callID, Response: response})
}

func (s *Server) handleContinueCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := s.arguments(toolContinueCall, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	callID := stringArg(args, "call_id")

	ctx, span := tracer.StartSpan(ctx, "driver.continue_call")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call_id", callID))

	response, err := s.manager.Continue(ctx, callID, stringArg(args, "message"))
	if err != nil {
		return s.failure(span, toolContinueCall, err), nil
	}
	tracer.SetOK(span)

	return outcomeResult(callOutcome{CallID: callID, Response: response})
}

func (s *Server) handleSpeakToUser(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := s.arguments(toolSpeakToUser, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	callID := stringArg(args, "call_id")

	ctx, span := tracer.StartSpan(ctx, "driver.speak_to_user")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call_id", callID))

	if err := s.manager.Speak(ctx, callID, stringArg(args, "message")); err != nil {
		return s.failure(span, toolSpeakToUser, err), nil
	}
	tracer.SetOK(span)

	return outcomeResult(callOutcome{CallID: callID, Status: "speaking"})
}

func (s *Server) handleEndCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := s.arguments(toolEndCall, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	callID := stringArg(args, "call_id")

	ctx, span := tracer.StartSpan(ctx, "driver.end_call")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("call_id", callID))

	if err := s.manager.End(ctx, callID, stringArg(args, "message")); err != nil {
		return s.failure(span, toolEndCall, err), nil
	}
	tracer.SetOK(span)

	s.logger.Info("call ended by driver", "call_id", callID)
	return outcomeResult(callOutcome{CallID: callID, Status: "ended"})
}

func (s *Server) handleSendText(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := s.arguments(toolSendText, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ctx, span := tracer.StartSpan(ctx, "driver.send_text")
	defer span.End()

	if err := s.manager.SendText(ctx, stringArg(args, "message"), stringSliceArg(args, "media_urls")); err != nil {
		return s.failure(span, toolSendText, err), nil
	}
	tracer.SetOK(span)

	s.logger.Info("text message sent")
	return outcomeResult(callOutcome{Status: "sent"})
}

// arguments extracts and validates the request arguments for tool.
func (s *Server) arguments(tool string, req mcp.CallToolRequest) (map[string]any, error) {
	args := req.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	if result := s.schemas[tool].Validate(args); !result.IsValid() {
		return nil, fmt.Errorf("invalid %s arguments: %s", tool, result.Error())
	}
	return args, nil
}

// failure records err on the span and renders the Driver-facing error result.
func (s *Server) failure(span trace.Span, tool string, err error) *mcp.CallToolResult {
	tracer.RecordError(span, err)
	s.logger.Warn("tool failed",
		"tool", tool,
		"code", domain.ErrorCodeOf(err),
		"error", err,
	)
	return mcp.NewToolResultError(driverText(err))
}

// callOutcome is the JSON payload returned for successful tool calls.
type callOutcome struct {
	CallID   string `json:"callId,omitempty"`
	Response string `json:"response,omitempty"`
	Status   string `json:"status,omitempty"`
}

func outcomeResult(out callOutcome) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// driverText renders err as the short explanation the Driver sees. Full
// error chains stay in the log; no stack traces cross the RPC boundary.
func driverText(err error) string {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeHangup:
		return "Call was hung up by user"
	case domain.CodeSessionNotFound:
		return "No active call with that call_id"
	case domain.CodeTimeout:
		var de *domain.DomainError
		if errors.As(err, &de) && de.Kind != "" {
			return "Timed out waiting for " + de.Kind
		}
		return "Operation timed out"
	case domain.CodeCarrierPlaceFailed:
		return "Could not place the call"
	case domain.CodeCarrier, domain.CodeCarrierHangupFailed, domain.CodeCarrierParseFailed:
		return "Telephony provider request failed"
	case domain.CodeMedia, domain.CodeMediaNotReady:
		return "Call audio is not ready"
	case domain.CodeMediaSocketClosed:
		return "Call audio connection was closed"
	case domain.CodeAgentConnectFailed:
		return "Could not connect to the speech model"
	case domain.CodeAgent, domain.CodeAgentStreamError, domain.CodeAgentProtocolError:
		return "Speech model stream failed"
	case domain.CodeTool:
		return "A tool call failed during the conversation"
	case domain.CodeConfig:
		return "Bridge is not configured for this operation"
	case domain.CodeInvalidInput:
		var de *domain.DomainError
		if errors.As(err, &de) && de.Detail != "" {
			return "Invalid arguments: " + de.Detail
		}
		return "Invalid arguments"
	default:
		return truncate(err.Error(), maxErrorTextLen)
	}
}

// truncate shortens s to at most maxLen bytes on a rune boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	end := 0
	for i := range s {
		if i > maxLen {
			break
		}
		end = i
	}
	return s[:end] + "..."
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
