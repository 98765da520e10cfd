// Package confirm 等待交易回执
package confirm

import (
	"context"
	"time"

	"priceoracle/internal/config"
	"priceoracle/internal/errors"
	"priceoracle/internal/node"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// 默认值沿用线上部署的参数，只等一个确认
const (
	DefaultTimeout       = time.Second
	DefaultInterval      = 250 * time.Millisecond
	DefaultConfirmations = 1
)

// Waiter 轮询回执直到确认或超时，从不重新提交
type Waiter struct {
	Interval      time.Duration
	Timeout       time.Duration
	Confirmations int
	logger        *logrus.Logger
}

// NewWaiter 创建等待器，零值参数使用默认值
func NewWaiter(cfg *config.UpdaterConfig, logger *logrus.Logger) *Waiter {
	w := &Waiter{
		Interval:      DefaultInterval,
		Timeout:       DefaultTimeout,
		Confirmations: DefaultConfirmations,
		logger:        logger,
	}
	if cfg != nil {
		if cfg.ConfirmInterval > 0 {
			w.Interval = cfg.ConfirmInterval
		}
		if cfg.ConfirmTimeout > 0 {
			w.Timeout = cfg.ConfirmTimeout
		}
		if cfg.Confirmations > 0 {
			w.Confirmations = cfg.Confirmations
		}
	}
	return w
}

// Wait 在 t = 0, I, 2I, ... (t < Timeout) 时查询回执
// 回执出现即一个确认；N 个确认要求最新高度 >= 打包高度 + N - 1
// 超时返回 SubmissionTimeout，交易结果未知
func (w *Waiter) Wait(ctx context.Context, client node.Client, hash common.Hash) (*models.Receipt, error) {
	log := w.logger.WithFields(logrus.Fields{
		"component": "confirm",
		"tx_hash":   hash.Hex(),
	})

	start := time.Now()
	deadline := start.Add(w.Timeout)

	for poll := 0; time.Duration(poll)*w.Interval < w.Timeout; poll++ {
		if poll > 0 {
			if err := sleepUntil(ctx, start.Add(time.Duration(poll)*w.Interval)); err != nil {
				return nil, err
			}
		}

		receipt, err := client.TransactionReceipt(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithError(err).Debug("查询回执失败，继续等待")
			continue
		}
		if receipt == nil {
			continue
		}

		if w.confirmed(ctx, client, receipt, log) {
			log.WithFields(logrus.Fields{
				"block":  receipt.BlockNumber,
				"status": receipt.Status,
				"polls":  poll + 1,
			}).Debug("交易已确认")
			return receipt, nil
		}
	}

	if err := sleepUntil(ctx, deadline); err != nil {
		return nil, err
	}
	return nil, errors.SubmissionTimeoutError(hash.Hex(), w.Timeout)
}

func (w *Waiter) confirmed(ctx context.Context, client node.Client, receipt *models.Receipt, log *logrus.Entry) bool {
	if w.Confirmations <= 1 {
		return true
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		log.WithError(err).Debug("查询区块高度失败")
		return false
	}
	return head >= receipt.BlockNumber+uint64(w.Confirmations)-1
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
