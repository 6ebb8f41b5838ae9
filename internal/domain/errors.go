package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewKindError to attach a taxonomy kind.
var (
	ErrConfig          = fmt.Errorf("configuration error")
	ErrCarrier         = fmt.Errorf("carrier error")
	ErrAuth            = fmt.Errorf("authentication failed")
	ErrMedia           = fmt.Errorf("media error")
	ErrAgent           = fmt.Errorf("speech agent error")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrHangup          = fmt.Errorf("call was hung up")
	ErrTool            = fmt.Errorf("tool execution failed")
	ErrSessionNotFound = fmt.Errorf("call session not found")
	ErrInvalidInput    = fmt.Errorf("invalid input")
)

// Kinds refine a category sentinel. Each kind belongs to exactly one category;
// NewKindError does not enforce the pairing, ErrorCodeOf resolves it.
const (
	KindPlaceFailed    = "place_failed"    // ErrCarrier
	KindHangupFailed   = "hangup_failed"   // ErrCarrier
	KindParseFailed    = "parse_failed"    // ErrCarrier
	KindBadSignature   = "bad_signature"   // ErrAuth
	KindBadToken       = "bad_token"       // ErrAuth
	KindStaleTimestamp = "stale_timestamp" // ErrAuth
	KindNotReady       = "not_ready"       // ErrMedia
	KindSocketClosed   = "socket_closed"   // ErrMedia
	KindConnectFailed  = "connect_failed"  // ErrAgent
	KindStreamError    = "stream_error"    // ErrAgent
	KindProtocolError  = "protocol_error"  // ErrAgent
)

// DomainError wraps a category sentinel with context.
type DomainError struct {
	Op     string // operation name (e.g., "Carrier.PlaceOutbound")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
	Kind   string // taxonomy refinement (e.g., "place_failed"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError without a kind.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewKindError creates a DomainError tagged with a taxonomy kind so that
// ErrorCodeOf can map the (sentinel, kind) pair to a specific ErrorCode.
func NewKindError(op string, err error, kind, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, Kind: kind}
}

// NewTimeoutError creates a DomainError for a timed-out wait; what names the
// wait that expired (e.g., "media", "turn", "stt").
func NewTimeoutError(op, what string) *DomainError {
	return &DomainError{Op: op, Err: ErrTimeout, Detail: what + " timed out", Kind: what}
}

// NewToolError wraps a tool execution failure, keeping the tool name in Kind.
func NewToolError(op, toolName string, cause error) *DomainError {
	return &DomainError{Op: op, Err: ErrTool, Detail: cause.Error(), Kind: toolName}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed
// on retry. Hangups and auth failures are never retryable; per-turn timeouts
// are (the Driver may issue another continue).
func IsRetryableError(err error) bool {
	if errors.Is(err, ErrHangup) || errors.Is(err, ErrAuth) || errors.Is(err, ErrConfig) {
		return false
	}
	return errors.Is(err, ErrTimeout) || isKind(err, KindStreamError)
}

func isKind(err error, kind string) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Kind == kind
}

// ErrorCode is a machine-parseable error category for monitoring and the
// Driver-facing error text.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeConfig          ErrorCode = "CONFIG"
	CodeCarrier         ErrorCode = "CARRIER"
	CodeAuth            ErrorCode = "AUTH"
	CodeMedia           ErrorCode = "MEDIA"
	CodeAgent           ErrorCode = "AGENT"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeHangup          ErrorCode = "HANGUP"
	CodeTool            ErrorCode = "TOOL"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"

	// Kind-specific codes used by kindCodeMap.
	CodeCarrierPlaceFailed  ErrorCode = "CARRIER_PLACE_FAILED"
	CodeCarrierHangupFailed ErrorCode = "CARRIER_HANGUP_FAILED"
	CodeCarrierParseFailed  ErrorCode = "CARRIER_PARSE_FAILED"
	CodeAuthBadSignature    ErrorCode = "AUTH_BAD_SIGNATURE"
	CodeAuthBadToken        ErrorCode = "AUTH_BAD_TOKEN"
	CodeAuthStaleTimestamp  ErrorCode = "AUTH_STALE_TIMESTAMP"
	CodeMediaNotReady       ErrorCode = "MEDIA_NOT_READY"
	CodeMediaSocketClosed   ErrorCode = "MEDIA_SOCKET_CLOSED"
	CodeAgentConnectFailed  ErrorCode = "AGENT_CONNECT_FAILED"
	CodeAgentStreamError    ErrorCode = "AGENT_STREAM_ERROR"
	CodeAgentProtocolError  ErrorCode = "AGENT_PROTOCOL_ERROR"
)

// errorCodeMap maps category sentinels to their fallback codes.
var errorCodeMap = map[error]ErrorCode{
	ErrConfig:          CodeConfig,
	ErrCarrier:         CodeCarrier,
	ErrAuth:            CodeAuth,
	ErrMedia:           CodeMedia,
	ErrAgent:           CodeAgent,
	ErrTimeout:         CodeTimeout,
	ErrHangup:          CodeHangup,
	ErrTool:            CodeTool,
	ErrSessionNotFound: CodeSessionNotFound,
	ErrInvalidInput:    CodeInvalidInput,
}

// kindCodeMap maps (category sentinel, kind) pairs to specific ErrorCodes.
var kindCodeMap = map[error]map[string]ErrorCode{
	ErrCarrier: {
		KindPlaceFailed:  CodeCarrierPlaceFailed,
		KindHangupFailed: CodeCarrierHangupFailed,
		KindParseFailed:  CodeCarrierParseFailed,
	},
	ErrAuth: {
		KindBadSignature:   CodeAuthBadSignature,
		KindBadToken:       CodeAuthBadToken,
		KindStaleTimestamp: CodeAuthStaleTimestamp,
	},
	ErrMedia: {
		KindNotReady:     CodeMediaNotReady,
		KindSocketClosed: CodeMediaSocketClosed,
	},
	ErrAgent: {
		KindConnectFailed: CodeAgentConnectFailed,
		KindStreamError:   CodeAgentStreamError,
		KindProtocolError: CodeAgentProtocolError,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		// Kind-specific mapping first (higher specificity).
		if de.Kind != "" {
			if kindMap, ok := kindCodeMap[de.Err]; ok {
				if code, ok := kindMap[de.Kind]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.Kind != "" {
		if kindMap, ok := kindCodeMap[e.Err]; ok {
			if code, ok := kindMap[e.Kind]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
