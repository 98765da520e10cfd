// Package output 发布提交记录和价格事件
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"priceoracle/internal/config"
	"priceoracle/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 输出接口
type Output interface {
	WriteSubmission(rec *models.SubmissionRecord) error
	WriteEvent(event *models.PriceEvent) error
	Close() error
}

// NewOutput 按 output.format 创建输出器：none, file, kafka
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return NoopOutput{}, nil
	}

	switch cfg.Format {
	case "", "none":
		return NoopOutput{}, nil
	case "file":
		return NewFileOutput(cfg.Directory)
	case "kafka":
		brokers := []string{"localhost:9092"}
		topics := DefaultTopics()
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			for k, v := range cfg.Kafka.Topics {
				topics[k] = v
			}
		}
		return NewKafkaOutput(brokers, topics, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// NoopOutput 不输出
type NoopOutput struct{}

func (NoopOutput) WriteSubmission(*models.SubmissionRecord) error { return nil }
func (NoopOutput) WriteEvent(*models.PriceEvent) error            { return nil }
func (NoopOutput) Close() error                                   { return nil }

// FileOutput 按行写入 JSON 文件
type FileOutput struct {
	outputDir      string
	mu             sync.Mutex
	submissionFile *os.File
	eventFile      *os.File
}

// NewFileOutput 在目录下创建带时间戳的输出文件
func NewFileOutput(outputDir string) (*FileOutput, error) {
	if outputDir == "" {
		outputDir = "./outputs"
	}
	// 确保输出目录存在
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")

	submissionFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("submissions_%s.json", timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建提交记录文件失败: %w", err)
	}

	eventFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("price_events_%s.json", timestamp)))
	if err != nil {
		submissionFile.Close()
		return nil, fmt.Errorf("创建价格事件文件失败: %w", err)
	}

	return &FileOutput{
		outputDir:      outputDir,
		submissionFile: submissionFile,
		eventFile:      eventFile,
	}, nil
}

// WriteSubmission 写入提交记录
func (o *FileOutput) WriteSubmission(rec *models.SubmissionRecord) error {
	if rec == nil {
		return nil
	}
	return o.writeLine(o.submissionFile, rec, "提交记录")
}

// WriteEvent 写入价格事件
func (o *FileOutput) WriteEvent(event *models.PriceEvent) error {
	if event == nil {
		return nil
	}
	return o.writeLine(o.eventFile, event, "价格事件")
}

func (o *FileOutput) writeLine(file *os.File, v interface{}, kind string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化%s失败: %w", kind, err)
	}

	// 添加换行符
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("写入%s文件失败: %w", kind, err)
	}

	// 强制刷新到磁盘
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新%s文件失败: %w", kind, err)
	}

	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	if o.submissionFile != nil {
		if err := o.submissionFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭提交记录文件失败: %w", err))
		}
	}
	if o.eventFile != nil {
		if err := o.eventFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭价格事件文件失败: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
