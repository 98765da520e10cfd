package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"priceoracle/internal/api"
	"priceoracle/internal/config"
	"priceoracle/internal/confirm"
	"priceoracle/internal/events"
	"priceoracle/internal/feed"
	"priceoracle/internal/shutdown"
	"priceoracle/internal/updater"
	"priceoracle/pkg/models"
)

var (
	// 全局参数
	configFile string
	verbose    bool

	// updateprice
	newPrice float64

	// deploy
	deployTimeout time.Duration

	// readevent
	fromBlock uint64

	// server
	bindAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "priceoracle",
		Short:         "链上价格预言机更新工具",
		Long:          `从 CryptoCompare 获取 BTC/ETH 价格，价格上涨时调用合约 updatePrice(uint256) 写入链上`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "启动价格更新循环",
		RunE:  runLoop,
	}

	updateCmd := &cobra.Command{
		Use:   "updateprice",
		Short: "提交一次指定价格",
		RunE:  runUpdatePrice,
	}
	updateCmd.Flags().Float64Var(&newPrice, "newprice", 0, "要提交的价格，未指定时使用 updater.new_price")

	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "部署价格合约并输出合约地址",
		RunE:  runDeploy,
	}
	deployCmd.Flags().DurationVar(&deployTimeout, "timeout", 2*time.Minute, "等待部署回执的超时时间")

	readEventCmd := &cobra.Command{
		Use:   "readevent",
		Short: "读取合约 PriceChanged 事件",
		RunE:  runReadEvent,
	}
	readEventCmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "起始区块，未指定时从上次读取进度继续")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "获取一次价格并输出",
		RunE:  runService,
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "只启动状态接口",
		RunE:  runServer,
	}
	serverCmd.Flags().StringVar(&bindAddr, "bind", "", "监听地址，未指定时使用 api.bind")

	rootCmd.AddCommand(runCmd, updateCmd, deployCmd, readEventCmd, serviceCmd, serverCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

// finish 执行停机处理，命令本身的错误优先返回
func finish(a *app, runErr error) error {
	if err := a.shutdown.Shutdown(); err != nil && runErr == nil {
		return fmt.Errorf("停机失败: %w", err)
	}
	return runErr
}

// runLoop 价格更新循环，api.enabled 时同时启动状态接口
func runLoop(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer func() { err = finish(a, err) }()

	ctx := a.shutdown.Context()
	if err := a.connect(ctx); err != nil {
		return err
	}
	if err := a.requireContract(); err != nil {
		return err
	}
	if err := a.openJournal(); err != nil {
		return err
	}
	if err := a.openOutput(); err != nil {
		return err
	}

	controller, err := a.newController()
	if err != nil {
		return err
	}

	if a.cfg.API.Enabled {
		a.startAPI(a.cfg.API.Bind, controller)
	}

	return controller.Run(ctx)
}

// newController 创建更新控制器
func (a *app) newController() (*updater.Controller, error) {
	builder, err := a.newBuilder()
	if err != nil {
		return nil, err
	}

	return updater.NewController(updater.Options{
		Feed:         feed.NewCryptoCompare(a.cfg.Feed, a.logger),
		Submitter:    builder,
		Client:       a.client,
		Waiter:       confirm.NewWaiter(a.cfg.Updater, a.logger),
		Target:       a.target,
		PollInterval: a.cfg.Updater.PollInterval,
		Journal:      a.journal,
		Output:       a.output,
		Metrics:      a.metrics,
		ErrorHandler: a.errHandler,
		Resume:       a.cfg.Updater.Resume,
	}, a.logger)
}

// runUpdatePrice 提交一次价格，不经过价格上涨判断
func runUpdatePrice(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer func() { err = finish(a, err) }()

	price := newPrice
	if !cmd.Flags().Changed("newprice") {
		price = a.cfg.Updater.NewPrice
	}

	ctx := a.shutdown.Context()
	if err := a.connect(ctx); err != nil {
		return err
	}
	if err := a.requireContract(); err != nil {
		return err
	}
	if err := a.openJournal(); err != nil {
		return err
	}
	if err := a.openOutput(); err != nil {
		return err
	}

	controller, err := a.newController()
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	// 提交开始后不再响应停机信号，确认等待受 updater.confirm_timeout 约束
	rec, err := controller.SubmitPrice(context.WithoutCancel(ctx), price)
	if rec != nil {
		fmt.Printf("交易哈希: %s\n", rec.TxHash.Hex())
		fmt.Printf("提交结果: %s\n", rec.Outcome)
		if rec.BlockNumber > 0 {
			fmt.Printf("区块高度: %d\n", rec.BlockNumber)
		}
	}
	return err
}

// runDeploy 部署合约并等待回执
func runDeploy(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer func() { err = finish(a, err) }()

	code, err := readBytecode(a.cfg.Contract.BytecodePath)
	if err != nil {
		return err
	}

	ctx := a.shutdown.Context()
	if err := a.connect(ctx); err != nil {
		return err
	}

	builder, err := a.newBuilder()
	if err != nil {
		return err
	}

	sub, err := builder.Deploy(ctx, &a.target, code)
	if err != nil {
		return err
	}
	a.logger.WithField("tx_hash", sub.TxHash.Hex()).Info("部署交易已提交")

	waiter := confirm.NewWaiter(a.cfg.Updater, a.logger)
	waiter.Timeout = deployTimeout
	receipt, err := waiter.Wait(ctx, a.client, sub.TxHash)
	if err != nil {
		return err
	}
	if !receipt.Succeeded() || receipt.ContractAddress == nil {
		return fmt.Errorf("合约部署失败: 交易 %s status=%d", sub.TxHash.Hex(), receipt.Status)
	}

	fmt.Printf("交易哈希: %s\n", sub.TxHash.Hex())
	fmt.Printf("合约地址: %s\n", receipt.ContractAddress.Hex())
	return nil
}

// runReadEvent 订阅 PriceChanged 事件直到收到停机信号
func runReadEvent(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer func() { err = finish(a, err) }()

	ctx := a.shutdown.Context()
	if err := a.connect(ctx); err != nil {
		return err
	}
	if err := a.requireContract(); err != nil {
		return err
	}
	if err := a.openJournal(); err != nil {
		return err
	}
	if err := a.openOutput(); err != nil {
		return err
	}

	start := fromBlock
	var after *models.EventPosition
	if !cmd.Flags().Changed("from-block") {
		if cursor, ok := a.journal.EventCursor(); ok {
			// 同一区块可能还有未投递的日志，从该区块重新订阅并跳过已投递部分
			start, after = cursor.BlockNumber, &cursor
			a.logger.Infof("从上次读取进度继续: 区块 %d 日志 %d 之后", cursor.BlockNumber, cursor.LogIndex)
		}
	}

	reader := events.NewReader(a.client, a.target.Contract, a.output, a.journal, a.metrics, a.logger)
	return reader.Run(ctx, start, after)
}

// runService 获取一次价格并输出，不访问节点
func runService(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer func() { err = finish(a, err) }()

	fetcher := feed.NewCryptoCompare(a.cfg.Feed, a.logger)
	quote, err := fetcher.FetchPrice(a.shutdown.Context())
	if err != nil {
		return err
	}

	wei, err := updater.PriceToWei(quote.Rate)
	if err != nil {
		return err
	}

	fmt.Printf("%s/%s: %v\n", a.cfg.Feed.Symbol, a.cfg.Feed.Quote, quote.Rate)
	fmt.Printf("wei: %s\n", wei.String())
	return nil
}

// runServer 只启动状态接口，提交日志被占用时不提供提交记录
func runServer(cmd *cobra.Command, args []string) (err error) {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer func() { err = finish(a, err) }()

	if err := a.openJournal(); err != nil {
		a.logger.WithError(err).Warn("提交日志不可用，状态接口不提供提交记录")
	}

	bind := bindAddr
	if bind == "" {
		bind = a.cfg.API.Bind
	}

	errCh := a.startAPI(bind, nil)
	select {
	case <-a.shutdown.Context().Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// startAPI 后台启动状态接口，返回的通道在启动失败时收到错误
func (a *app) startAPI(bind string, status api.StatusProvider) <-chan error {
	opts := api.Options{
		Status:  status,
		Metrics: a.metrics,
		Errors:  a.errHandler,
	}
	if a.journal != nil {
		opts.Journal = a.journal
	}

	if dsn := os.Getenv(config.DBDSNEnv); dsn != "" {
		dbConfig, err := config.NewDatabaseConfig(dsn, a.logger)
		if err != nil {
			a.logger.WithError(err).Warn("数据库不可用，配置覆盖接口未启用")
		} else {
			opts.Config = dbConfig
			a.shutdown.Register("config-db", shutdown.OrderCloseJournal, func(context.Context) error {
				return dbConfig.Close()
			})
		}
	}

	srv := api.NewServer(opts, a.logger)
	a.shutdown.Register("api", shutdown.OrderStopAPI, srv.Stop)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(bind); err != nil {
			a.logger.WithFields(logrus.Fields{"bind": bind}).Errorf("状态接口启动失败: %v", err)
			errCh <- err
		}
	}()
	return errCh
}
