package types

import "errors"

// Error code constants. These are stable identifiers that appear in logs,
// alerts, metrics labels, and the failed-tray audit trail. Do not rename.
const (
	// Orchestrator / stage codes
	CodeNoErrorsFound          = "NO_ERRORS_FOUND"
	CodeMistralAnalysisError   = "MISTRAL_ANALYSIS_ERROR"
	CodeDeepSeekContextError   = "DEEPSEEK_CONTEXT_ERROR"
	CodeCodeGemmaValidation    = "CODEGEMMA_VALIDATION_ERROR"
	CodeGemma2GenerationError  = "GEMMA2_GENERATION_ERROR"
	CodeOrchestratorUnexpected = "ORCHESTRATOR_UNEXPECTED"
	CodePipelineStatusError    = "PIPELINE_STATUS_ERROR"

	// Gateway codes
	CodeNetworkError        = "NETWORK_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeModelNotLoaded      = "MODEL_NOT_LOADED"
	CodeBadRequest          = "BAD_REQUEST"
	CodeServerError         = "SERVER_ERROR"
	CodeNoEndpointAvailable = "NO_ENDPOINT_AVAILABLE"

	// Persistence codes
	CodeBookletSaveUnauthorized = "BOOKLET_SAVE_UNAUTHORIZED"
	CodeBookletSaveDirNotFound  = "BOOKLET_SAVE_DIR_NOT_FOUND"
	CodeBookletSaveError        = "BOOKLET_SAVE_ERROR"

	// Config codes
	CodeConfigLoadError       = "CONFIG_LOAD_ERROR"
	CodeConfigValidationError = "CONFIG_VALIDATION_ERROR"
)

// Error is the typed failure every public AIRES operation returns.
// Code is a stable identifier, Message is human-readable, Cause carries
// the underlying error for unwrapping.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a typed error with the given stable code.
func NewError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the stable code from an error chain.
// Returns ORCHESTRATOR_UNEXPECTED for untyped errors.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeOrchestratorUnexpected
}

// transientCodes is the set of codes the watchdog retries at the job level.
var transientCodes = map[string]bool{
	CodeTimeout:             true,
	CodeNetworkError:        true,
	CodeNoEndpointAvailable: true,
}

// IsTransient reports whether the error (or its cause chain) carries a
// transient code. Transient failures are requeued with backoff; everything
// else is terminal for the job.
func IsTransient(err error) bool {
	for err != nil {
		var te *Error
		if errors.As(err, &te) {
			if transientCodes[te.Code] {
				return true
			}
			err = te.Cause
			continue
		}
		return false
	}
	return false
}
