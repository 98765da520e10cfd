// Package events 读取合约的 PriceChanged 事件
package events

import (
	"context"
	"time"

	"priceoracle/internal/calldata"
	"priceoracle/internal/errors"
	"priceoracle/internal/monitor"
	"priceoracle/internal/node"
	"priceoracle/internal/output"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

// Cursor 保存最后一个已投递事件的位置
type Cursor interface {
	SetEventCursor(pos models.EventPosition) error
}

// Reader 订阅并解码 PriceChanged(uint256) 事件
type Reader struct {
	client   node.Client
	contract common.Address
	output   output.Output
	cursor   Cursor
	metrics  *monitor.Metrics
	logger   *logrus.Logger
}

// NewReader 创建事件读取器，out、cursor、metrics 可为空
func NewReader(client node.Client, contract common.Address, out output.Output, cursor Cursor, metrics *monitor.Metrics, logger *logrus.Logger) *Reader {
	if out == nil {
		out = output.NoopOutput{}
	}
	return &Reader{
		client:   client,
		contract: contract,
		output:   out,
		cursor:   cursor,
		metrics:  metrics,
		logger:   logger,
	}
}

// Filter 事件过滤条件
func (r *Reader) Filter(fromBlock uint64) node.LogFilter {
	return node.LogFilter{
		Address:   r.contract,
		Topics:    []common.Hash{calldata.Topic(calldata.PriceChangedSignature)},
		FromBlock: fromBlock,
	}
}

// Run 从 fromBlock 开始读取直到 ctx 取消或订阅出错
// after 不为空时跳过位于它之前或与它相同的日志，用于从上次进度继续
func (r *Reader) Run(ctx context.Context, fromBlock uint64, after *models.EventPosition) error {
	sub, err := r.client.SubscribeLogs(ctx, r.Filter(fromBlock))
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	r.logger.WithFields(logrus.Fields{
		"contract":   r.contract.Hex(),
		"from_block": fromBlock,
		"resume":     after != nil,
	}).Info("开始读取价格事件")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("事件读取已停止")
			return nil
		case err, ok := <-sub.Err():
			if ok && err != nil {
				return err
			}
			return nil
		case log, ok := <-sub.Logs():
			if !ok {
				return nil
			}
			if after != nil && !log.Removed && !positionOf(log).After(*after) {
				continue
			}
			r.handle(log)
		}
	}
}

func (r *Reader) handle(log types.Log) {
	event, err := Decode(log)
	if err != nil {
		r.logger.WithError(err).WithField("tx_hash", log.TxHash.Hex()).Warn("跳过无法解码的事件")
		return
	}

	r.logger.WithFields(logrus.Fields{
		"block":   event.BlockNumber,
		"tx_hash": event.TxHash.Hex(),
		"price":   event.Price.String(),
		"removed": event.Removed,
	}).Info("价格已更新")

	if err := r.output.WriteEvent(event); err != nil {
		r.logger.WithError(err).Warn("输出价格事件失败")
	}
	if r.metrics != nil {
		r.metrics.EventsTotal.Inc()
	}
	if r.cursor != nil && !event.Removed {
		if err := r.cursor.SetEventCursor(event.Position()); err != nil {
			r.logger.WithError(err).Warn("保存事件进度失败")
		}
	}
}

func positionOf(log types.Log) models.EventPosition {
	return models.EventPosition{BlockNumber: log.BlockNumber, LogIndex: log.Index}
}

// Decode 解码 PriceChanged 日志，价格在 data 中
func Decode(log types.Log) (*models.PriceEvent, error) {
	if len(log.Topics) == 0 || log.Topics[0] != calldata.Topic(calldata.PriceChangedSignature) {
		return nil, errors.EncodingError("不是 PriceChanged 事件", nil)
	}
	price, err := calldata.DecodeUint256(log.Data)
	if err != nil {
		return nil, err
	}
	return &models.PriceEvent{
		Contract:    log.Address,
		Price:       price,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Removed:     log.Removed,
		ReceivedAt:  time.Now(),
	}, nil
}
