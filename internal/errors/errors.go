package errors

import (
	"fmt"
	"net/http"
	"time"
)

// Kind 定义核心错误类别
type Kind string

// 核心只区分五类错误
const (
	KindInvalidInput Kind = "invalid_input" // 校验失败，不可重试
	KindDuplicate    Kind = "duplicate"     // 去重命中，静默成功
	KindUnavailable  Kind = "unavailable"   // 下游不可用，按策略重试
	KindThrottled    Kind = "throttled"     // 背压，传给生产者
	KindInternal     Kind = "internal"      // 程序不变量被破坏
)

// Severity 定义错误严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AppError 应用错误结构
type AppError struct {
	Kind      Kind                   `json:"kind"`
	Reason    string                 `json:"reason"`
	Message   string                 `json:"message"`
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusOK // idempotent
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable 判断错误是否可重试
func (e *AppError) IsRetryable() bool {
	return e.Kind == KindUnavailable
}

// WithContext 添加上下文信息
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an AppError with severity derived from the kind.
func New(kind Kind, reason, message string, cause error) *AppError {
	return &AppError{
		Kind:      kind,
		Reason:    reason,
		Message:   message,
		Severity:  severityFor(kind),
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// Invalid builds an invalid_input error.
func Invalid(reason, message string) *AppError {
	return New(KindInvalidInput, reason, message, nil)
}

// Unavailable builds an unavailable error wrapping the downstream failure.
func Unavailable(reason string, cause error) *AppError {
	msg := reason
	if cause != nil {
		msg = cause.Error()
	}
	return New(KindUnavailable, reason, msg, cause)
}

// Throttled builds a throttled error for producer-facing backpressure.
func Throttled(reason, message string) *AppError {
	return New(KindThrottled, reason, message, nil)
}

// Internal builds an internal invariant-violation error.
func Internal(reason string, cause error) *AppError {
	msg := reason
	if cause != nil {
		msg = cause.Error()
	}
	return New(KindInternal, reason, msg, cause)
}

// Duplicate builds the dedup-hit marker surfaced to HTTP callers as an
// idempotent success.
func Duplicate(msgID string) *AppError {
	return New(KindDuplicate, "dedup_hit", "message already processed", nil).
		WithContext("msg_id", msgID)
}

func severityFor(kind Kind) Severity {
	switch kind {
	case KindInternal:
		return SeverityCritical
	case KindUnavailable:
		return SeverityHigh
	case KindThrottled:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	if app := AsApp(err); app != nil {
		return app.Kind == kind
	}
	return false
}

// AsApp extracts an AppError from err, walking the wrap chain.
func AsApp(err error) *AppError {
	for err != nil {
		if app, ok := err.(*AppError); ok {
			return app
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

// Wrap 包装标准错误为应用错误
func Wrap(err error, kind Kind, reason string) *AppError {
	if err == nil {
		return nil
	}
	if app, ok := err.(*AppError); ok {
		return app
	}
	return New(kind, reason, err.Error(), err)
}
