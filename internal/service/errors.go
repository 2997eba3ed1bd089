package service

import (
	"errors"
	"fmt"
)

// Kind 是对外暴露的错误分类。
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindUnauthenticated   Kind = "unauthenticated"
	KindConflict          Kind = "conflict"
	KindUpstreamFailure   Kind = "upstream_failure"
	KindValidationFailure Kind = "validation_failure"
)

// Error 携带分类与对调用方可见的简短信息，Err 只用于日志。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(msg string) *Error        { return &Error{Kind: KindNotFound, Message: msg} }
func Forbidden(msg string) *Error       { return &Error{Kind: KindForbidden, Message: msg} }
func Unauthenticated(msg string) *Error { return &Error{Kind: KindUnauthenticated, Message: msg} }
func Conflict(msg string) *Error        { return &Error{Kind: KindConflict, Message: msg} }
func Invalid(msg string) *Error         { return &Error{Kind: KindValidationFailure, Message: msg} }

// Upstream 包装内容存储或模型接口的失败，cause 不会返回给调用方。
func Upstream(msg string, cause error) *Error {
	return &Error{Kind: KindUpstreamFailure, Message: msg, Err: cause}
}

// Invalidf 按格式构造校验错误。
func Invalidf(format string, args ...any) *Error {
	return Invalid(fmt.Sprintf(format, args...))
}

// KindOf 返回错误链中的分类，非 *Error 返回空字符串。
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind 判断错误是否属于 k。
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
