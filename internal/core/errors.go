package core

// Error codes carried to clients on error events. Missing and full rooms
// have dedicated events (groupNotFound, groupFull) instead of codes.
const (
	ErrCodeStageFull    = "stage_full"
	ErrCodeNotMember    = "not_member"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeCannotTalk   = "cannot_talk"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeStoreError   = "store_error"
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
