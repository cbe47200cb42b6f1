package service

import "fmt"

// Check-in error codes surfaced to the branch HTTP layer.
const (
	CodeInvalidInput   = "INVALID_INPUT"
	CodeMemberNotFound = "MEMBER_NOT_FOUND"
	CodeMemberInactive = "MEMBER_INACTIVE"
)

// CheckInError is a business rejection of a branch-side check-in. The code
// is stable; the message is operator-facing.
type CheckInError struct {
	Code    string
	Message string
}

func (e *CheckInError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func checkInErr(code, message string) *CheckInError {
	return &CheckInError{Code: code, Message: message}
}
