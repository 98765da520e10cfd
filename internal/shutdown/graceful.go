package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopAPI      = 10 // 停止状态接口
	OrderStopWorkers  = 20 // 等待更新循环和事件读取退出
	OrderFlushOutput  = 30 // 刷新并关闭输出
	OrderCloseJournal = 40 // 关闭提交日志
	OrderCloseNode    = 50 // 关闭节点连接
)

// DefaultTimeout 停机处理总超时
const DefaultTimeout = 30 * time.Second

// GracefulShutdown 优雅停机管理器
// 收到 SIGINT/SIGTERM 时先取消根上下文，让更新循环在下一轮开始前退出，再按顺序执行停机处理
type GracefulShutdown struct {
	logger     *logrus.Logger
	timeout    time.Duration
	hooks      []Hook
	mu         sync.Mutex
	signalChan chan os.Signal
	ctx        context.Context
	cancel     context.CancelFunc
	once       sync.Once
	done       chan struct{}
	err        error
}

// Hook 停机处理函数
type Hook struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// NewGracefulShutdown 创建优雅停机管理器，parent 取消时同样触发停机
func NewGracefulShutdown(parent context.Context, timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(parent)

	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register 注册停机处理函数，相同顺序按注册先后执行
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks = append(gs.hooks, Hook{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Listen 开始监听停机信号
func (gs *GracefulShutdown) Listen() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-gs.signalChan:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.cancel()
		case <-gs.ctx.Done():
		}
		signal.Stop(gs.signalChan)
	}()

	gs.logger.Debug("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM")
}

// Context 根上下文，收到停机信号后取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Shutdown 取消根上下文并按顺序执行停机处理，只执行一次
// 单个处理失败不影响后续处理，返回所有失败
func (gs *GracefulShutdown) Shutdown() error {
	gs.once.Do(func() {
		defer close(gs.done)
		gs.cancel()
		gs.err = gs.runHooks()
	})
	<-gs.done
	return gs.err
}

// runHooks 执行停机处理
func (gs *GracefulShutdown) runHooks() error {
	gs.mu.Lock()
	hooks := append([]Hook(nil), gs.hooks...)
	gs.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order < hooks[j].Order
	})

	gs.logger.Info("开始优雅停机流程...")

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	var errs []error
	for _, hook := range hooks {
		if ctx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", hook.Name)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, ctx.Err()))
			continue
		}

		start := time.Now()
		err := hook.Func(ctx)
		duration := time.Since(start)

		if err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", hook.Name, duration, err)
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		gs.logger.Debugf("停机处理 '%s' 完成 (耗时: %v)", hook.Name, duration)
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return errors.Join(errs...)
	}

	gs.logger.Info("优雅停机流程完成")
	return nil
}

// IsShuttingDown 根上下文是否已取消
func (gs *GracefulShutdown) IsShuttingDown() bool {
	return gs.ctx.Err() != nil
}

// RegisteredHooks 按执行顺序返回已注册的处理函数名
func (gs *GracefulShutdown) RegisteredHooks() []string {
	gs.mu.Lock()
	hooks := append([]Hook(nil), gs.hooks...)
	gs.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		return hooks[i].Order < hooks[j].Order
	})

	names := make([]string, len(hooks))
	for i, hook := range hooks {
		names[i] = hook.Name
	}
	return names
}
