package retry

import (
	"context"
	stderrors "errors"
	"strings"
)

// RetryableError 显式声明是否可重试的错误，OracleError 也实现了它
type RetryableError interface {
	error
	IsRetryable() bool
}

type markedError struct {
	err       error
	retryable bool
}

func (m *markedError) Error() string     { return m.err.Error() }
func (m *markedError) Unwrap() error     { return m.err }
func (m *markedError) IsRetryable() bool { return m.retryable }

// NewRetryableError 给错误打上可重试标记，覆盖按错误文本的判断
func NewRetryableError(err error, retryable bool) RetryableError {
	return &markedError{err: err, retryable: retryable}
}

// 节点拒绝交易，重发同一笔交易没有意义，下一轮重新取 nonce 和 gas price
var rejectedTxErrors = []string{
	"execution reverted",
	"insufficient funds",
	"nonce too low",
	"replacement transaction underpriced",
	"already known",
	"invalid sender",
}

// 节点或行情接口暂时不可用
var transientErrors = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"bad gateway",
	"too many requests",
	"rate limit",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"eof",
	"node not ready",
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// IsRetryableError 判断只读调用失败后能否重试
// 顺序: 上下文结束不重试，节点拒绝交易不重试，显式标记优先，最后按文本匹配暂时性错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, rejectedTxErrors) {
		return false
	}

	var marked RetryableError
	if stderrors.As(err, &marked) {
		return marked.IsRetryable()
	}
	return containsAny(msg, transientErrors)
}
