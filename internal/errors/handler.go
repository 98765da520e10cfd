package errors

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 单轮错误处理器
// 在更新控制器边界捕获所有单轮错误：统计、记录日志、执行回调，然后继续下一轮
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback

	// 每小时错误数告警阈值
	thresholds map[ErrorSeverity]int
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *OracleError, fields logrus.Fields) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *OracleError)

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: map[ErrorSeverity]int{
			SeverityLow:      100,
			SeverityMedium:   50,
			SeverityHigh:     20,
			SeverityCritical: 5,
		},
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}

	return eh
}

// HandleError 处理错误，fields 为诊断上下文（价格、nonce、gas price、交易哈希）
func (eh *ErrorHandler) HandleError(ctx context.Context, err error, fields logrus.Fields) error {
	if err == nil {
		return nil
	}

	oracleErr, ok := AsOracleError(err)
	if !ok {
		oracleErr = WrapError(err, ErrorTypeSystem, SeverityMedium, CodeUnknown, "未知错误")
	}

	eh.recordError(oracleErr)

	if eh.checkThresholds(oracleErr) {
		eh.logger.Warnf("错误达到阈值限制: %s", oracleErr.Error())
	}

	eh.executeCallbacks(oracleErr)

	return eh.executeStrategy(ctx, oracleErr, fields)
}

// recordError 记录错误
func (eh *ErrorHandler) recordError(err *OracleError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats.RecordError(err)
}

// checkThresholds 检查阈值
func (eh *ErrorHandler) checkThresholds(err *OracleError) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	limit, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}
	return eh.stats.GetErrorRate(time.Hour) > float64(limit)
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *OracleError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// executeStrategy 执行处理策略
func (eh *ErrorHandler) executeStrategy(ctx context.Context, err *OracleError, fields logrus.Fields) error {
	eh.mu.RLock()
	strategy, exists := eh.strategies[err.Type]
	eh.mu.RUnlock()
	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}

	return strategy.Handle(ctx, err, fields)
}

// Handle 实现LoggingStrategy的处理方法
// 单轮错误不会终止进程，Critical 也只记录为 Error
func (ls *LoggingStrategy) Handle(ctx context.Context, err *OracleError, fields logrus.Fields) error {
	entry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	if err.TxHash != nil {
		entry = entry.WithField("tx_hash", *err.TxHash)
	}
	if len(err.Context) > 0 {
		entry = entry.WithField("context", err.Context)
	}
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Error())
	case SeverityMedium:
		entry.Warn(err.Error())
	default:
		entry.Error(err.Error())
	}

	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// GetStats 获取错误统计信息快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	// 分类计数的 map 由 RecordError 持续写入，返回副本
	snapshot := *eh.stats
	snapshot.ErrorsByType = maps.Clone(eh.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = maps.Clone(eh.stats.ErrorsBySeverity)
	snapshot.ErrorsByComponent = maps.Clone(eh.stats.ErrorsByComponent)
	snapshot.RecentErrors = append([]*OracleError(nil), eh.stats.RecentErrors...)
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
