package agent

import "fmt"

// Error codes surfaced to the LLM inside tool results. Prompts key off the
// SCREAMING_CASE prefix, so codes are stable API.
const (
	CodeFileNotFound          = "FILE_NOT_FOUND"
	CodePathIsDirectory       = "PATH_IS_DIRECTORY"
	CodeBinaryFile            = "BINARY_FILE"
	CodeLineOutOfRange        = "LINE_OUT_OF_RANGE"
	CodeTextNotFound          = "TEXT_NOT_FOUND"
	CodeBackupNotFound        = "BACKUP_NOT_FOUND"
	CodeConfirmationRequired  = "CONFIRMATION_REQUIRED"
	CodePathTraversalDetected = "PATH_TRAVERSAL_DETECTED"
	CodeLLMRequestFailed      = "LLM_REQUEST_FAILED"
	CodeInvalidArguments      = "INVALID_ARGUMENTS"
	CodeToolNotFound          = "TOOL_NOT_FOUND"
	CodeToolTimeout           = "TOOL_TIMEOUT"
	CodeUnknownAgent          = "UNKNOWN_AGENT"
	CodeNotAuthorized         = "NOT_AUTHORIZED"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
)

// FailureResult builds the LLM-visible failure shape for a coded error.
// The code is duplicated into metadata so callers need not parse the text.
func FailureResult(code, format string, args ...any) *ToolResult {
	text := fmt.Sprintf(format, args...)
	return &ToolResult{
		Success:  false,
		Error:    code + ": " + text,
		Metadata: map[string]any{"error": code},
	}
}
