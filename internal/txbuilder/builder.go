// Package txbuilder 组装、签名并提交交易
package txbuilder

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"priceoracle/internal/errors"
	"priceoracle/internal/logging"
	"priceoracle/internal/node"
	"priceoracle/internal/nonce"
	"priceoracle/internal/retry"
	"priceoracle/internal/signer"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// UpdateConfig 单次提交所需的参数，每轮构建一次，只读
type UpdateConfig struct {
	NodeURL    string
	Transport  string
	Sender     common.Address
	PrivateKey models.PrivateKey // 为空时走节点托管账户路径
	ChainID    *big.Int
	GasLimit   uint64
	Contract   common.Address
	ABI        []byte
	Price      float64
}

// Path 提交路径
func (c *UpdateConfig) Path() models.SubmissionPath {
	if c.PrivateKey.IsSet() {
		return models.PathLocalSigning
	}
	return models.PathNodeManaged
}

// Builder 交易构建器
// 顺序固定为 gas price → nonce → 签名 → 提交；只读调用可重试，提交不重试
type Builder struct {
	client  node.Client
	nonces  *nonce.Manager
	retrier *retry.Retrier
	logger  *logrus.Logger
}

// NewBuilder 创建交易构建器，retrier 为 nil 时只读调用不重试
func NewBuilder(client node.Client, nonces *nonce.Manager, retrier *retry.Retrier, logger *logrus.Logger) *Builder {
	if nonces == nil {
		nonces = nonce.NewManager(client, nil, logger)
	}
	if retrier == nil {
		retrier = retry.NewRetrier(&retry.RetryConfig{MaxAttempts: 1}, logger)
	}
	return &Builder{
		client:  client,
		nonces:  nonces,
		retrier: retrier,
		logger:  logger,
	}
}

// Submit 调用合约
func (b *Builder) Submit(ctx context.Context, cfg *UpdateConfig, data []byte) (*models.Submission, error) {
	to := cfg.Contract
	return b.submit(ctx, cfg, &to, data)
}

// Deploy 创建合约，合约地址需要从回执中读取
func (b *Builder) Deploy(ctx context.Context, cfg *UpdateConfig, bytecode []byte) (*models.Submission, error) {
	if len(bytecode) == 0 {
		return nil, errors.ConfigError("合约字节码为空", nil)
	}
	return b.submit(ctx, cfg, nil, bytecode)
}

func (b *Builder) submit(ctx context.Context, cfg *UpdateConfig, to *common.Address, data []byte) (*models.Submission, error) {
	if cfg == nil {
		return nil, fmt.Errorf("提交参数为空")
	}
	if cfg.Path() == models.PathLocalSigning {
		return b.submitLocal(ctx, cfg, to, data)
	}
	return b.submitManaged(ctx, cfg, to, data)
}

// submitManaged 由节点使用已解锁账户签名
func (b *Builder) submitManaged(ctx context.Context, cfg *UpdateConfig, to *common.Address, data []byte) (*models.Submission, error) {
	accounts, err := retry.Do(ctx, b.retrier, "eth_accounts", func() ([]common.Address, error) {
		return b.client.Accounts(ctx)
	})
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.EmptyAccountSetError()
	}
	from := accounts[0]
	log := logging.NewTxLogger(b.logger, string(models.PathNodeManaged), from.Hex())

	gasPrice, err := b.gasPrice(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := b.client.SendTransaction(ctx, &models.CallRequest{
		From:     from,
		To:       to,
		Gas:      new(big.Int).SetUint64(cfg.GasLimit),
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		log.WithError(err).Warn("节点拒绝交易")
		return nil, withTxContext(err, nil, gasPrice)
	}

	log.WithFields(logrus.Fields{
		"tx_hash":   hash.Hex(),
		"gas_price": gasPrice.String(),
	}).Info("交易已提交")

	return &models.Submission{
		Path:        models.PathNodeManaged,
		From:        from,
		To:          to,
		TxHash:      hash,
		GasPrice:    gasPrice,
		GasLimit:    cfg.GasLimit,
		SubmittedAt: time.Now(),
	}, nil
}

// submitLocal 本地私钥签名后提交原始交易
func (b *Builder) submitLocal(ctx context.Context, cfg *UpdateConfig, to *common.Address, data []byte) (*models.Submission, error) {
	log := logging.NewTxLogger(b.logger, string(models.PathLocalSigning), cfg.Sender.Hex())

	gasPrice, err := b.gasPrice(ctx)
	if err != nil {
		return nil, err
	}

	reservation, err := retry.Do(ctx, b.retrier, "eth_getTransactionCount", func() (*nonce.Reservation, error) {
		return b.nonces.Reserve(ctx, cfg.Sender)
	})
	if err != nil {
		return nil, err
	}

	unsigned := &models.UnsignedTransaction{
		To:       to,
		Value:    new(big.Int),
		GasLimit: new(big.Int).SetUint64(cfg.GasLimit),
		GasPrice: gasPrice,
		Data:     data,
		Nonce:    new(big.Int).SetUint64(reservation.Nonce),
	}

	signed, err := signer.Sign(unsigned, cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		reservation.Release(err)
		return nil, err
	}

	hash, err := b.client.SendRawTransaction(ctx, signed.Raw)
	if err != nil {
		reservation.Release(err)
		log.WithError(err).WithField("nonce", reservation.Nonce).Warn("节点拒绝交易")
		return nil, withTxContext(err, &reservation.Nonce, gasPrice)
	}
	reservation.Commit()

	if hash != signed.Hash {
		log.Warnf("节点返回的交易哈希 %s 与本地计算的 %s 不一致", hash.Hex(), signed.Hash.Hex())
	}

	log.WithFields(logrus.Fields{
		"tx_hash":   hash.Hex(),
		"nonce":     reservation.Nonce,
		"gas_price": gasPrice.String(),
	}).Info("交易已提交")

	return &models.Submission{
		Path:        models.PathLocalSigning,
		From:        signed.From,
		To:          to,
		TxHash:      hash,
		Nonce:       reservation.Nonce,
		GasPrice:    gasPrice,
		GasLimit:    cfg.GasLimit,
		SubmittedAt: time.Now(),
	}, nil
}

// withTxContext 把被拒交易的 nonce 和 gas price 附在错误上，托管账户路径的 nonce 由节点分配
func withTxContext(err error, txNonce *uint64, gasPrice *big.Int) error {
	oe, ok := errors.AsOracleError(err)
	if !ok {
		return err
	}
	if txNonce != nil {
		oe.WithContext("nonce", *txNonce)
	}
	if gasPrice != nil {
		oe.WithContext("gas_price", gasPrice.String())
	}
	return err
}

func (b *Builder) gasPrice(ctx context.Context) (*big.Int, error) {
	return retry.Do(ctx, b.retrier, "eth_gasPrice", func() (*big.Int, error) {
		return b.client.GasPrice(ctx)
	})
}
