// Package updater 价格更新控制循环
package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"priceoracle/internal/calldata"
	"priceoracle/internal/confirm"
	"priceoracle/internal/errors"
	"priceoracle/internal/feed"
	"priceoracle/internal/logging"
	"priceoracle/internal/monitor"
	"priceoracle/internal/node"
	"priceoracle/internal/output"
	"priceoracle/internal/txbuilder"
	"priceoracle/internal/validation"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval 两轮之间的间隔
const DefaultPollInterval = time.Minute

// Submitter 提交交易
type Submitter interface {
	Submit(ctx context.Context, cfg *txbuilder.UpdateConfig, data []byte) (*models.Submission, error)
}

// Journal 提交日志
type Journal interface {
	Record(rec *models.SubmissionRecord) error
	UpdateOutcome(txHash common.Hash, outcome models.Outcome, blockNumber uint64, errMsg string) error
	LastSubmittedPrice() (float64, bool)
}

// Options 控制器依赖，Journal、Output、Metrics 可为空
type Options struct {
	Feed         feed.Fetcher
	Submitter    Submitter
	Client       node.Client
	Waiter       *confirm.Waiter
	Target       txbuilder.UpdateConfig
	PollInterval time.Duration
	Journal      Journal
	Output       output.Output
	Metrics      *monitor.Metrics
	ErrorHandler *errors.ErrorHandler
	Resume       bool
}

// Controller 价格更新控制器
// 状态 Idle → Fetching → Deciding → Submitting → Confirming → Idle，出错经 Error 回到 Idle
type Controller struct {
	feed         feed.Fetcher
	submitter    Submitter
	client       node.Client
	waiter       *confirm.Waiter
	target       txbuilder.UpdateConfig
	pollInterval time.Duration
	journal      Journal
	output       output.Output
	metrics      *monitor.Metrics
	errHandler   *errors.ErrorHandler
	logger       *logrus.Logger

	mu   sync.RWMutex
	snap Snapshot
	// lastSubmitted 只在节点接受交易后更新，hasLast 为 false 时小于任何价格
	lastSubmitted float64
	hasLast       bool
}

// NewController 创建控制器
func NewController(opts Options, logger *logrus.Logger) (*Controller, error) {
	if opts.Submitter == nil || opts.Client == nil {
		return nil, fmt.Errorf("控制器缺少节点客户端或交易构建器")
	}
	if opts.Waiter == nil {
		opts.Waiter = confirm.NewWaiter(nil, logger)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Output == nil {
		opts.Output = output.NoopOutput{}
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = errors.NewErrorHandler(logger)
	}

	c := &Controller{
		feed:         opts.Feed,
		submitter:    opts.Submitter,
		client:       opts.Client,
		waiter:       opts.Waiter,
		target:       opts.Target,
		pollInterval: opts.PollInterval,
		journal:      opts.Journal,
		output:       opts.Output,
		metrics:      opts.Metrics,
		errHandler:   opts.ErrorHandler,
		logger:       logger,
		snap:         Snapshot{State: StateIdle},
	}

	if c.metrics != nil {
		c.errHandler.AddCallback(func(err *errors.OracleError) {
			c.metrics.ErrorsTotal.WithLabelValues(err.Code).Inc()
		})
	}

	if opts.Resume && c.journal != nil {
		if price, ok := c.journal.LastSubmittedPrice(); ok {
			c.setLastSubmitted(price)
			logger.Infof("从提交日志恢复上次提交价格: %v", price)
		}
	}

	return c, nil
}

// Snapshot 当前状态
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := c.snap
	if c.hasLast {
		last := c.lastSubmitted
		snap.LastSubmitted = &last
	}
	return snap
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.snap.State = s
	c.mu.Unlock()
}

func (c *Controller) setLastSubmitted(price float64) {
	c.mu.Lock()
	c.lastSubmitted = price
	c.hasLast = true
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.LastSubmittedPrice.Set(price)
	}
}

// shouldSubmit 价格严格高于上次提交才更新
func (c *Controller) shouldSubmit(price float64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.hasLast || price > c.lastSubmitted
}

// Run 循环直到 ctx 取消，只在每轮开始时检查取消
// 每轮使用不随 ctx 取消的上下文，已开始的提交和确认等待会完整执行，确认等待受 Waiter 超时约束
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Infof("价格更新循环已启动，间隔 %v", c.pollInterval)

	var tick uint64
	for {
		if err := ctx.Err(); err != nil {
			c.logger.Info("价格更新循环已停止")
			return nil
		}

		tick++
		c.Tick(context.WithoutCancel(ctx), tick)

		select {
		case <-ctx.Done():
		case <-time.After(c.pollInterval):
		}
	}
}

// Tick 执行一轮：获取价格、判断、提交、等待确认
func (c *Controller) Tick(ctx context.Context, tick uint64) TickResult {
	log := logging.NewTickLogger(c.logger, tick)

	fields := logrus.Fields{"tick": tick}
	result, err := c.tick(ctx, log, fields)
	if err != nil {
		c.setState(StateError)
		_ = c.errHandler.HandleError(ctx, err, fields)
	}

	c.mu.Lock()
	c.snap.State = StateIdle
	c.snap.LastResult = result
	c.snap.LastTickAt = time.Now()
	c.snap.Ticks++
	switch result {
	case TickSkipped:
		c.snap.Skipped++
	case TickError:
		c.snap.Errors++
	}
	if err != nil {
		c.snap.LastError = err.Error()
	} else {
		c.snap.LastError = ""
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.TicksTotal.WithLabelValues(string(result)).Inc()
	}
	return result
}

// tick 执行一轮，fields 收集出错时需要的诊断字段
func (c *Controller) tick(ctx context.Context, log *logrus.Entry, fields logrus.Fields) (TickResult, error) {
	if c.feed == nil {
		return TickError, fmt.Errorf("未配置价格源")
	}

	c.setState(StateFetching)
	quote, err := c.feed.FetchPrice(ctx)
	if err != nil {
		return TickError, err
	}

	fields["price"] = quote.Rate
	c.mu.Lock()
	c.snap.LastFeedPrice = quote.Rate
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.FeedPrice.Set(quote.Rate)
	}

	c.setState(StateDeciding)
	if err := validation.ValidatePrice(quote.Rate); err != nil {
		return TickError, err
	}
	if !c.shouldSubmit(quote.Rate) {
		log.WithField("price", quote.Rate).Debug("价格未高于上次提交，跳过")
		return TickSkipped, nil
	}

	rec, err := c.submitPrice(ctx, quote.Rate, fields)
	if rec == nil {
		return TickError, err
	}

	switch rec.Outcome {
	case models.OutcomeConfirmed:
		return TickSubmitted, nil
	case models.OutcomeReverted:
		return TickReverted, err
	default:
		return TickTimeout, err
	}
}

// SubmitPrice 提交一个价格并等待确认，不经过价格判断
// 节点拒绝时返回 nil 记录；已提交但未确认时同时返回记录和错误
func (c *Controller) SubmitPrice(ctx context.Context, price float64) (*models.SubmissionRecord, error) {
	return c.submitPrice(ctx, price, logrus.Fields{})
}

// submitPrice 提交并等待确认，价格、交易哈希、nonce、gas price 写入 fields
func (c *Controller) submitPrice(ctx context.Context, price float64, fields logrus.Fields) (*models.SubmissionRecord, error) {
	if err := validation.ValidatePrice(price); err != nil {
		return nil, err
	}

	c.setState(StateSubmitting)
	wei, err := PriceToWei(price)
	if err != nil {
		return nil, err
	}
	data, err := calldata.EncodeUint256Call(calldata.UpdatePriceSignature, wei)
	if err != nil {
		return nil, err
	}

	target := c.target
	target.Price = price

	fields["price"] = price
	fields["price_wei"] = wei.String()
	fields["path"] = string(target.Path())

	sub, err := c.submitter.Submit(ctx, &target, data)
	if err != nil {
		if oe, ok := errors.AsOracleError(err); ok {
			oe.WithContext("price", price)
			for _, key := range []string{"nonce", "gas_price"} {
				if v, ok := oe.Context[key]; ok {
					fields[key] = v
				}
			}
		}
		return nil, err
	}

	c.setLastSubmitted(price)
	rec := &models.SubmissionRecord{
		Submission: *sub,
		Price:      price,
		PriceWei:   wei.String(),
		Outcome:    models.OutcomePending,
		UpdatedAt:  time.Now(),
	}
	c.mu.Lock()
	c.snap.LastTxHash = sub.TxHash.Hex()
	c.snap.Submissions++
	c.mu.Unlock()

	fields["tx_hash"] = sub.TxHash.Hex()
	fields["nonce"] = sub.Nonce
	if sub.GasPrice != nil {
		fields["gas_price"] = sub.GasPrice.String()
	}
	c.logger.WithFields(fields).Info("价格已提交")

	if c.journal != nil {
		if err := c.journal.Record(rec); err != nil {
			c.logger.WithError(err).Warn("写入提交日志失败")
		}
	}

	c.setState(StateConfirming)
	waitErr := c.confirm(ctx, rec)

	if c.journal != nil {
		if err := c.journal.UpdateOutcome(rec.TxHash, rec.Outcome, rec.BlockNumber, rec.Error); err != nil {
			c.logger.WithError(err).Warn("更新提交日志失败")
		}
	}
	if err := c.output.WriteSubmission(rec); err != nil {
		c.logger.WithError(err).Warn("输出提交记录失败")
	}
	if c.metrics != nil {
		c.metrics.SubmissionsTotal.WithLabelValues(string(rec.Path), string(rec.Outcome)).Inc()
	}

	return rec, waitErr
}

// confirm 等待回执并填写结果
func (c *Controller) confirm(ctx context.Context, rec *models.SubmissionRecord) error {
	log := c.logger.WithFields(logrus.Fields{
		"tx_hash": rec.TxHash.Hex(),
		"price":   rec.Price,
	})

	receipt, err := c.waiter.Wait(ctx, c.client, rec.TxHash)
	rec.UpdatedAt = time.Now()
	if c.metrics != nil && err == nil {
		c.metrics.ConfirmationSeconds.Observe(time.Since(rec.SubmittedAt).Seconds())
	}

	switch {
	case err != nil:
		// 超时或取消：交易可能仍会上链
		rec.Outcome = models.OutcomeTimeout
		rec.Error = err.Error()
		log.WithError(err).Warn("交易确认状态未知")
		return err
	case !receipt.Succeeded():
		rec.Outcome = models.OutcomeReverted
		rec.BlockNumber = receipt.BlockNumber
		rec.Error = "交易执行失败"
		log.WithField("block", receipt.BlockNumber).Warn("交易执行失败")
		return errors.RPCError("eth_getTransactionReceipt", fmt.Errorf("交易 %s 执行失败 (status=%d)", rec.TxHash.Hex(), receipt.Status)).
			WithTxHash(rec.TxHash.Hex())
	default:
		rec.Outcome = models.OutcomeConfirmed
		rec.BlockNumber = receipt.BlockNumber
		log.WithFields(logrus.Fields{
			"block":    receipt.BlockNumber,
			"gas_used": receipt.GasUsed,
		}).Info("交易已确认")
		return nil
	}
}

