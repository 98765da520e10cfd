package api

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// 日志字段名包含这些词时只保留占位符
var sensitiveFields = []string{"private", "secret", "password", "api_key"}

const redacted = "[REDACTED]"

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 内存日志环形缓冲，供 /api/v1/logs 查询
type LogManager struct {
	logs    []LogEntry
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, 0, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	logEntry := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    copyFields(entry.Data),
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs = append(lm.logs, logEntry)

	// 超过上限时丢弃最旧的日志
	if len(lm.logs) > lm.maxLogs {
		lm.logs = lm.logs[len(lm.logs)-lm.maxLogs:]
	}
}

// copyFields 复制字段并隐藏敏感值，error 转为字符串以便序列化
func copyFields(data logrus.Fields) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSensitive(k) {
			fields[k] = redacted
			continue
		}
		if err, ok := v.(error); ok {
			fields[k] = err.Error()
			continue
		}
		fields[k] = v
	}
	return fields
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, word := range sensitiveFields {
		if strings.Contains(key, word) {
			return true
		}
	}
	return false
}

// GetLogsWithPagination 按级别过滤后分页，最新的在前
func (lm *LogManager) GetLogsWithPagination(level string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	filtered := make([]LogEntry, 0, len(lm.logs))
	for i := len(lm.logs) - 1; i >= 0; i-- {
		if level != "" && lm.logs[i].Level != level {
			continue
		}
		filtered = append(filtered, lm.logs[i])
	}

	total := len(filtered)

	start := (page - 1) * pageSize
	end := start + pageSize

	if start >= total {
		return []LogEntry{}, total
	}

	if end > total {
		end = total
	}

	return filtered[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, 0, lm.maxLogs)
}

// LogHook 把日志写入 LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
