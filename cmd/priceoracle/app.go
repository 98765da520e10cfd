package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"priceoracle/internal/calldata"
	"priceoracle/internal/config"
	"priceoracle/internal/errors"
	"priceoracle/internal/journal"
	"priceoracle/internal/logging"
	"priceoracle/internal/monitor"
	"priceoracle/internal/node"
	"priceoracle/internal/nonce"
	"priceoracle/internal/output"
	"priceoracle/internal/retry"
	"priceoracle/internal/shutdown"
	"priceoracle/internal/signer"
	"priceoracle/internal/txbuilder"
	"priceoracle/internal/validation"
)

// app 命令共用的组件，按需创建，停机时按顺序关闭
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	shutdown   *shutdown.GracefulShutdown
	metrics    *monitor.Metrics
	errHandler *errors.ErrorHandler

	client   node.Client
	contract *calldata.ContractABI
	target   txbuilder.UpdateConfig
	journal  *journal.Journal
	output   output.Output
}

// loadApp 加载配置并创建日志器，不访问网络
func loadApp() (*app, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建日志器失败: %w", err)
	}

	gs := shutdown.NewGracefulShutdown(context.Background(), 0, logger)
	gs.Listen()

	return &app{
		cfg:        cfg,
		logger:     logger,
		shutdown:   gs,
		metrics:    monitor.NewMetrics(nil),
		errHandler: errors.NewErrorHandler(logger),
	}, nil
}

// validate 启动期校验，配置错误和私钥格式错误在访问节点之前报告
func (a *app) validate() error {
	result := validation.NewValidator(a.logger).ValidateConfig(a.cfg)
	return result.Err()
}

// connect 连接节点、读取合约 ABI 并组装提交参数
func (a *app) connect(ctx context.Context) error {
	if err := a.validate(); err != nil {
		return err
	}

	abiJSON, err := os.ReadFile(a.cfg.Contract.ABIPath)
	if err != nil {
		return errors.ConfigError(fmt.Sprintf("读取合约ABI失败: %s", a.cfg.Contract.ABIPath), err)
	}
	contract, err := calldata.ParseContractABI(abiJSON)
	if err != nil {
		return err
	}
	if !contract.HasPriceEvent {
		a.logger.Warn("合约ABI未声明 PriceChanged(uint256) 事件")
	}
	a.contract = contract

	target, err := buildTarget(a.cfg, abiJSON)
	if err != nil {
		return err
	}
	a.target = target

	client, err := node.Dial(ctx, a.cfg.Node, a.logger)
	if err != nil {
		return err
	}
	a.client = client
	a.shutdown.Register("node", shutdown.OrderCloseNode, func(context.Context) error {
		client.Close()
		return nil
	})

	a.logger.WithFields(logrus.Fields{
		"node":      a.cfg.Node.URL,
		"transport": a.cfg.Node.ResolvedTransport(),
		"path":      string(a.target.Path()),
		"chain_id":  a.target.ChainID.String(),
	}).Info("节点已就绪")
	return nil
}

// buildTarget 由配置组装提交参数，私钥在这里解析一次
func buildTarget(cfg *config.Config, abiJSON []byte) (txbuilder.UpdateConfig, error) {
	target := txbuilder.UpdateConfig{
		NodeURL:   cfg.Node.URL,
		Transport: cfg.Node.ResolvedTransport(),
		ChainID:   big.NewInt(cfg.Updater.ChainID),
		GasLimit:  cfg.Updater.GasLimit,
		ABI:       abiJSON,
	}

	if cfg.Account.Sender != "" {
		sender, err := validation.ParseAddress("sender", cfg.Account.Sender)
		if err != nil {
			return target, err
		}
		target.Sender = sender
	}

	if cfg.Account.UsesLocalSigning() {
		key, err := signer.ParsePrivateKey(cfg.Account.PrivateKey)
		if err != nil {
			return target, err
		}
		target.PrivateKey = key
	}

	if cfg.Contract.Address != "" {
		contract, err := validation.ParseAddress("contract", cfg.Contract.Address)
		if err != nil {
			return target, err
		}
		target.Contract = contract
	}

	return target, nil
}

// requireContract 调用合约的命令需要合约地址
func (a *app) requireContract() error {
	if a.target.Contract == (common.Address{}) {
		return errors.ConfigError("未配置合约地址 contract.address", nil)
	}
	return nil
}

// newBuilder 创建交易构建器，nonce 锁后端由配置决定
func (a *app) newBuilder() (*txbuilder.Builder, error) {
	nonces, err := nonce.NewManagerFromConfig(a.client, a.cfg.Nonce, a.logger)
	if err != nil {
		return nil, err
	}

	retrier := retry.NewRetrier(&retry.RetryConfig{
		MaxAttempts:         a.cfg.Node.RetryLimit,
		InitialInterval:     retry.NetworkRetryConfig.InitialInterval,
		MaxInterval:         retry.NetworkRetryConfig.MaxInterval,
		BackoffFactor:       retry.NetworkRetryConfig.BackoffFactor,
		RandomizationFactor: retry.NetworkRetryConfig.RandomizationFactor,
		EnableJitter:        true,
	}, a.logger)

	return txbuilder.NewBuilder(a.client, nonces, retrier, a.logger), nil
}

// openJournal 打开提交日志
func (a *app) openJournal() error {
	j, err := journal.Open(a.cfg.Journal.Path, a.logger)
	if err != nil {
		return err
	}
	a.journal = j
	a.shutdown.Register("journal", shutdown.OrderCloseJournal, func(context.Context) error {
		return j.Close()
	})
	return nil
}

// openOutput 创建输出
func (a *app) openOutput() error {
	out, err := output.NewOutput(a.cfg.Output, a.logger)
	if err != nil {
		return err
	}
	a.output = out
	a.shutdown.Register("output", shutdown.OrderFlushOutput, func(context.Context) error {
		return out.Close()
	})
	return nil
}

// readBytecode 读取十六进制合约字节码，允许 0x 前缀和换行
func readBytecode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("读取合约字节码失败: %s", path), err)
	}

	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil, errors.ConfigError("合约字节码为空", nil)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}

	code, err := hexutil.Decode(s)
	if err != nil {
		return nil, errors.ConfigError("合约字节码不是有效的十六进制", err)
	}
	return code, nil
}
