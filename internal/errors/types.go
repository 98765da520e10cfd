package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 启动期错误，进程直接退出
	ErrorTypeConfig ErrorType = iota
	ErrorTypeKeyFormat

	// 单次提交错误
	ErrorTypeEncoding
	ErrorTypeSigning
	ErrorTypeEmptyAccountSet

	// 网络与节点错误
	ErrorTypeRPC
	ErrorTypeFeed
	ErrorTypeSubmissionTimeout

	// 系统错误
	ErrorTypeStorage
	ErrorTypeOutput
	ErrorTypeSystem
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// 错误码
const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeKeyFormat         = "KEY_FORMAT"
	CodeEncoding          = "ENCODING_FAILED"
	CodeSigning           = "SIGNING_FAILED"
	CodeEmptyAccountSet   = "EMPTY_ACCOUNT_SET"
	CodeRPC               = "RPC_FAILED"
	CodeFeed              = "FEED_FAILED"
	CodeSubmissionTimeout = "SUBMISSION_TIMEOUT"
	CodeStorage           = "STORAGE_FAILED"
	CodeOutput            = "OUTPUT_FAILED"
	CodeUnknown           = "UNKNOWN_ERROR"
)

// OracleError 自定义错误类型
type OracleError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *OracleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *OracleError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrRPC) 对所有RPC错误成立
func (e *OracleError) Is(target error) bool {
	t, ok := target.(*OracleError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable 判断是否可重试
func (e *OracleError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *OracleError) WithContext(key string, value interface{}) *OracleError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTxHash 添加交易哈希
func (e *OracleError) WithTxHash(txHash string) *OracleError {
	e.TxHash = &txHash
	return e
}

// WithComponent 设置出错组件
func (e *OracleError) WithComponent(component string) *OracleError {
	e.Component = component
	return e
}

// NewOracleError 创建新的错误
func NewOracleError(errorType ErrorType, severity ErrorSeverity, code, message string) *OracleError {
	return &OracleError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *OracleError {
	return &OracleError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
// 只读调用可以重试，提交失败由下一轮重新获取 nonce 和 gas price
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeRPC, ErrorTypeFeed:
		return true
	default:
		return false
	}
}

// 便利构造函数

// ConfigError 配置错误，启动时致命
func ConfigError(message string, cause error) *OracleError {
	return WrapError(cause, ErrorTypeConfig, SeverityCritical, CodeConfigInvalid, message)
}

// EncodingError 参数无法放入ABI槽位
func EncodingError(message string, cause error) *OracleError {
	return WrapError(cause, ErrorTypeEncoding, SeverityHigh, CodeEncoding, message)
}

// KeyFormatError 私钥格式错误
func KeyFormatError(message string, cause error) *OracleError {
	return WrapError(cause, ErrorTypeKeyFormat, SeverityCritical, CodeKeyFormat, message)
}

// SigningError 签名失败
func SigningError(message string, cause error) *OracleError {
	return WrapError(cause, ErrorTypeSigning, SeverityHigh, CodeSigning, message)
}

// RPCError 节点调用失败，节点返回的信息原样保留在 Cause 中
func RPCError(method string, cause error) *OracleError {
	return WrapError(cause, ErrorTypeRPC, SeverityMedium, CodeRPC, fmt.Sprintf("节点调用 %s 失败", method)).
		WithContext("method", method)
}

// FeedError 价格源错误
func FeedError(message string, cause error) *OracleError {
	return WrapError(cause, ErrorTypeFeed, SeverityMedium, CodeFeed, message)
}

// EmptyAccountSetError 节点没有可用账户
func EmptyAccountSetError() *OracleError {
	return NewOracleError(ErrorTypeEmptyAccountSet, SeverityHigh, CodeEmptyAccountSet, "节点没有可用的已解锁账户")
}

// SubmissionTimeoutError 等待回执超时，交易结果未知
func SubmissionTimeoutError(txHash string, timeout time.Duration) *OracleError {
	return NewOracleError(ErrorTypeSubmissionTimeout, SeverityMedium, CodeSubmissionTimeout,
		fmt.Sprintf("在 %v 内未观察到交易回执，交易状态未知", timeout)).WithTxHash(txHash)
}

// StorageError 本地存储错误
func StorageError(message string, cause error) *OracleError {
	return WrapError(cause, ErrorTypeStorage, SeverityMedium, CodeStorage, message)
}

// 预定义错误，用于 errors.Is 判断
var (
	ErrConfig            = &OracleError{Type: ErrorTypeConfig, Code: CodeConfigInvalid, Message: "配置无效"}
	ErrKeyFormat         = &OracleError{Type: ErrorTypeKeyFormat, Code: CodeKeyFormat, Message: "私钥格式错误"}
	ErrEncoding          = &OracleError{Type: ErrorTypeEncoding, Code: CodeEncoding, Message: "ABI编码失败"}
	ErrSigning           = &OracleError{Type: ErrorTypeSigning, Code: CodeSigning, Message: "交易签名失败"}
	ErrEmptyAccountSet   = &OracleError{Type: ErrorTypeEmptyAccountSet, Code: CodeEmptyAccountSet, Message: "节点账户为空"}
	ErrRPC               = &OracleError{Type: ErrorTypeRPC, Code: CodeRPC, Message: "节点调用失败"}
	ErrFeed              = &OracleError{Type: ErrorTypeFeed, Code: CodeFeed, Message: "价格源调用失败"}
	ErrSubmissionTimeout = &OracleError{Type: ErrorTypeSubmissionTimeout, Code: CodeSubmissionTimeout, Message: "等待确认超时"}
)

// AsOracleError 提取 OracleError
func AsOracleError(err error) (*OracleError, bool) {
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// IsFatal 启动期错误，需要终止进程
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfig) || errors.Is(err, ErrKeyFormat)
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeConfig:            "Config",
	ErrorTypeKeyFormat:         "KeyFormat",
	ErrorTypeEncoding:          "Encoding",
	ErrorTypeSigning:           "Signing",
	ErrorTypeEmptyAccountSet:   "EmptyAccountSet",
	ErrorTypeRPC:               "RPC",
	ErrorTypeFeed:              "Feed",
	ErrorTypeSubmissionTimeout: "SubmissionTimeout",
	ErrorTypeStorage:           "Storage",
	ErrorTypeOutput:            "Output",
	ErrorTypeSystem:            "System",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*OracleError        `json:"recent_errors"`
	LastError         *OracleError          `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*OracleError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *OracleError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}
