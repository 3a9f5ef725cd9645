package util

import "errors"

var (
	ErrPermissionDenied        = errors.New("permission denied")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrExamNotFound            = errors.New("exam not found")
	ErrExamNotAvailable        = errors.New("exam is not available at this time")
	ErrAttemptNotFound         = errors.New("attempt not found")
	ErrAttemptAlreadyCompleted = errors.New("attempt already completed")
	ErrAttemptNotCompleted     = errors.New("attempt not completed")
	ErrTimeExpired             = errors.New("time limit expired")
	ErrQuestionNotFound        = errors.New("question not found in this exam")
	ErrInvalidOption           = errors.New("option does not belong to question")
	ErrPayloadMismatch         = errors.New("answer payload does not match question type")
	ErrInvalidManualGrade      = errors.New("invalid manual grade")
	ErrInvalidEvent            = errors.New("invalid proctoring event")
	ErrInvalidTransition       = errors.New("invalid verification status transition")
	ErrEventTooLarge           = errors.New("event payload too large")
	ErrConcurrentUpdate        = errors.New("concurrent update on attempt, retry")
	ErrTransientStore          = errors.New("temporary storage failure, retry")
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindTimeExpired      ErrorKind = "time_expired"
	KindAlreadyCompleted ErrorKind = "already_completed"
	KindNotCompleted     ErrorKind = "not_completed"
	KindTooLarge         ErrorKind = "too_large"
	KindForbidden        ErrorKind = "forbidden"
	KindTransient        ErrorKind = "transient"
	KindInternal         ErrorKind = "internal"
)

// 按顺序匹配，包装了多个哨兵错误时取第一个
var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrConcurrentUpdate, KindConflict},
	{ErrTransientStore, KindTransient},
	{ErrTimeExpired, KindTimeExpired},
	{ErrAttemptAlreadyCompleted, KindAlreadyCompleted},
	{ErrAttemptNotCompleted, KindNotCompleted},
	{ErrEventTooLarge, KindTooLarge},
	{ErrPermissionDenied, KindForbidden},
	{ErrExamNotFound, KindNotFound},
	{ErrAttemptNotFound, KindNotFound},
	{ErrExamNotAvailable, KindForbidden},
	{ErrInvalidRequest, KindValidation},
	{ErrQuestionNotFound, KindValidation},
	{ErrInvalidOption, KindValidation},
	{ErrPayloadMismatch, KindValidation},
	{ErrInvalidManualGrade, KindValidation},
	{ErrInvalidEvent, KindValidation},
	{ErrInvalidTransition, KindValidation},
}

// KindOf 返回错误类别，未知错误归为 internal
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsRetryable 客户端可以原样重试的错误
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindTransient:
		return true
	}
	return false
}
