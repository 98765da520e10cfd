package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig 退避参数
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts"`
	InitialInterval     time.Duration `json:"initial_interval"`
	MaxInterval         time.Duration `json:"max_interval"`
	BackoffFactor       float64       `json:"backoff_factor"`
	RandomizationFactor float64       `json:"randomization_factor"` // 抖动幅度，0.2 表示 ±20%
	EnableJitter        bool          `json:"enable_jitter"`
}

// DefaultRetryConfig 未指定配置时使用
var DefaultRetryConfig = &RetryConfig{
	MaxAttempts:         5,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         30 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
	EnableJitter:        true,
}

// NetworkRetryConfig 节点 RPC 和行情接口使用
var NetworkRetryConfig = &RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     500 * time.Millisecond,
	MaxInterval:         10 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
	EnableJitter:        true,
}

// Retrier 对只读调用做指数退避重试，交易提交不经过这里
type Retrier struct {
	config *RetryConfig
	logger *logrus.Logger
}

// NewRetrier 创建重试器，MaxAttempts 至少为 1
func NewRetrier(config *RetryConfig, logger *logrus.Logger) *Retrier {
	if config == nil {
		config = DefaultRetryConfig
	}
	if config.MaxAttempts < 1 {
		c := *config
		c.MaxAttempts = 1
		config = &c
	}
	return &Retrier{config: config, logger: logger}
}

// GetConfig 当前退避参数
func (r *Retrier) GetConfig() *RetryConfig {
	return r.config
}

// Execute 执行 fn，可重试错误按退避间隔重试，不可重试错误原样返回
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	log := r.logger.WithField("operation", operation)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		switch {
		case err == nil:
			if attempt > 1 {
				log.Debugf("第 %d 次尝试成功", attempt)
			}
			return nil
		case !IsRetryableError(err):
			log.Debugf("不可重试: %v", err)
			return err
		case attempt >= r.config.MaxAttempts:
			log.Errorf("%d 次尝试均失败: %v", attempt, err)
			return fmt.Errorf("%s 重试 %d 次后失败: %w", operation, attempt, err)
		}

		delay := r.calculateDelay(attempt)
		log.Debugf("第 %d 次失败: %v，%v 后重试", attempt, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Do 带返回值的 Execute
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var result T
	err := r.Execute(ctx, operation, func() error {
		v, err := fn()
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

// calculateDelay 第 attempt 次失败后的等待时间
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	c := r.config
	delay := math.Min(
		float64(c.InitialInterval)*math.Pow(c.BackoffFactor, float64(attempt-1)),
		float64(c.MaxInterval),
	)

	if c.EnableJitter && c.RandomizationFactor > 0 {
		spread := delay * c.RandomizationFactor
		delay += (rand.Float64()*2 - 1) * spread
		if delay < float64(c.InitialInterval) {
			delay = float64(c.InitialInterval)
		}
	}
	return time.Duration(delay)
}
