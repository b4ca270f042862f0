package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair them with NewSubSystemError so ErrorCodeOf can
// resolve a subsystem-specific code.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrDisabled      = fmt.Errorf("disabled")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for orchestration, queueing and synchronization.
var (
	ErrAgentNotReady       = fmt.Errorf("agent not ready")
	ErrInvalidTransition   = fmt.Errorf("invalid status transition")
	ErrUnknownTaskType     = fmt.Errorf("unknown task type")
	ErrAlreadyClaimed      = fmt.Errorf("already claimed")
	ErrNoTimestampColumn   = fmt.Errorf("no timestamp column")
	ErrNoPrimaryKey        = fmt.Errorf("no primary key")
	ErrUnsafeIdentifier    = fmt.Errorf("identifier not allowed")
	ErrUnsafeQuery         = fmt.Errorf("query not allowed")
	ErrEndpointNotFound    = fmt.Errorf("endpoint not registered")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrDecryption          = fmt.Errorf("decryption failed")
	ErrLeaseNotAcquired    = fmt.Errorf("lease held by another node")
	ErrSnapshotNotFound    = fmt.Errorf("no snapshot matches fork strategy")
	ErrHandlerPanic        = fmt.Errorf("task handler panicked")
	ErrProviderCircuitOpen = fmt.Errorf("fork provider circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Orchestrator.StartAgent")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "agent", "task", "sync"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrProviderCircuitOpen) || errors.Is(err, ErrLeaseNotAcquired)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeAgentNotReady      ErrorCode = "AGENT_NOT_READY"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	CodeUnknownTaskType    ErrorCode = "UNKNOWN_TASK_TYPE"
	CodeAlreadyClaimed     ErrorCode = "ALREADY_CLAIMED"
	CodeNoTimestampColumn  ErrorCode = "NO_TIMESTAMP_COLUMN"
	CodeNoPrimaryKey       ErrorCode = "NO_PRIMARY_KEY"
	CodeUnsafeIdentifier   ErrorCode = "UNSAFE_IDENTIFIER"
	CodeUnsafeQuery        ErrorCode = "UNSAFE_QUERY"
	CodeEndpointNotFound   ErrorCode = "ENDPOINT_NOT_FOUND"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeLeaseNotAcquired   ErrorCode = "LEASE_NOT_ACQUIRED"
	CodeSnapshotNotFound   ErrorCode = "SNAPSHOT_NOT_FOUND"
	CodeHandlerPanic       ErrorCode = "HANDLER_PANIC"
	CodeProviderCircuit    ErrorCode = "PROVIDER_CIRCUIT_OPEN"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate     ErrorCode = "AGENT_DUPLICATE"
	CodeTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
	CodeSyncJobNotFound    ErrorCode = "SYNC_JOB_NOT_FOUND"
	CodeMessageNotFound    ErrorCode = "MESSAGE_NOT_FOUND"
	CodeForkNotFound       ErrorCode = "FORK_NOT_FOUND"
	CodeForkProvision      ErrorCode = "FORK_PROVISION"
	CodeSyncConfigInvalid  ErrorCode = "SYNC_CONFIG_INVALID"
	CodeAgentConfigInvalid ErrorCode = "AGENT_CONFIG_INVALID"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeDisabled      ErrorCode = "DISABLED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrDisabled:      CodeDisabled,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrAgentNotReady:       CodeAgentNotReady,
	ErrInvalidTransition:   CodeInvalidTransition,
	ErrUnknownTaskType:     CodeUnknownTaskType,
	ErrAlreadyClaimed:      CodeAlreadyClaimed,
	ErrNoTimestampColumn:   CodeNoTimestampColumn,
	ErrNoPrimaryKey:        CodeNoPrimaryKey,
	ErrUnsafeIdentifier:    CodeUnsafeIdentifier,
	ErrUnsafeQuery:         CodeUnsafeQuery,
	ErrEndpointNotFound:    CodeEndpointNotFound,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrLeaseNotAcquired:    CodeLeaseNotAcquired,
	ErrSnapshotNotFound:    CodeSnapshotNotFound,
	ErrHandlerPanic:        CodeHandlerPanic,
	ErrProviderCircuitOpen: CodeProviderCircuit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent":   CodeAgentNotFound,
		"task":    CodeTaskNotFound,
		"sync":    CodeSyncJobNotFound,
		"message": CodeMessageNotFound,
		"fork":    CodeForkNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrInvalidInput: {
		"agent": CodeAgentConfigInvalid,
		"sync":  CodeSyncConfigInvalid,
	},
	ErrProviderError: {
		"fork": CodeForkProvision,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Domain sentinels take precedence over categories when both are wrapped.
	for sentinel, code := range errorCodeMap {
		if isCategory(sentinel) {
			continue
		}
		if errors.Is(err, sentinel) {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

func isCategory(err error) bool {
	switch err {
	case ErrNotFound, ErrDuplicate, ErrTimeout, ErrDisabled, ErrInvalidInput, ErrProviderError:
		return true
	}
	return false
}
