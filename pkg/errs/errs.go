// Package errs 定义引擎统一的错误分类，调用方按 Kind 分支处理，而不是解析错误文本。
package errs

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation 调用参数不合法，未产生任何状态变更
	KindValidation
	// KindMarket 滑点/价格冲击超限，放宽边界后可重试
	KindMarket
	// KindSolvency 偿付相关（例如仓位健康无需强平），属于信息性错误
	KindSolvency
	// KindInvariant 账务不变量被破坏，引擎进入暂停状态
	KindInvariant
	// KindExternal 外部协作方（托管、价格源）失败
	KindExternal
	// KindNotFound 对象不存在
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindMarket:
		return "market"
	case KindSolvency:
		return "solvency"
	case KindInvariant:
		return "invariant"
	case KindExternal:
		return "external"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error 带类别与稳定错误码的错误。
// 两个 *Error 只要 Code 相同，errors.Is 即视为相等，因此附加了上下文的副本仍能匹配哨兵错误。
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

// New 创建哨兵错误
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Wrap 返回包裹了底层原因的副本
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Withf 返回附加了格式化描述的副本
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = e.Message + ": " + fmt.Sprintf(format, args...)
	return &cp
}

// KindOf 提取错误链上第一个 *Error 的类别
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf 提取错误码，非 *Error 返回空串
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is 报告 err 是否属于 kind 类别
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
