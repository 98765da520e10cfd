// Package nonce 管理本地签名路径下发送账户的 nonce
package nonce

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"priceoracle/internal/config"
	"priceoracle/internal/node"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Manager 按发送地址串行分配 nonce
// 节点的 pending 计数可能落后于刚提交的交易，所以取 max(pending, 本地缓存)
type Manager struct {
	client node.Client
	locker Locker
	logger *logrus.Logger

	mu     sync.Mutex
	locks  map[common.Address]*sync.Mutex
	cached map[common.Address]uint64
}

// NewManager 创建 nonce 管理器，locker 为 nil 时只使用进程内锁
func NewManager(client node.Client, locker Locker, logger *logrus.Logger) *Manager {
	if locker == nil {
		locker = noopLocker{}
	}
	return &Manager{
		client: client,
		locker: locker,
		logger: logger,
		locks:  make(map[common.Address]*sync.Mutex),
		cached: make(map[common.Address]uint64),
	}
}

// NewManagerFromConfig 按 nonce.lock_backend 选择锁实现
func NewManagerFromConfig(client node.Client, cfg *config.NonceConfig, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil || cfg.LockBackend == "" || cfg.LockBackend == "memory" {
		return NewManager(client, nil, logger), nil
	}
	if cfg.LockBackend != "redis" {
		return nil, fmt.Errorf("不支持的nonce锁类型: %s", cfg.LockBackend)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	logger.Infof("nonce锁使用Redis: %s", cfg.RedisAddr)
	return NewManager(client, NewRedisLocker(rdb, cfg.LockTTL), logger), nil
}

// Reservation 持有锁的 nonce 预留，必须调用 Commit 或 Release 之一
type Reservation struct {
	Nonce   uint64
	m       *Manager
	sender  common.Address
	unlock  func()
	release func()
	done    bool
}

func (m *Manager) addressLock(sender common.Address) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sender]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sender] = l
	}
	return l
}

// Reserve 进入该地址的临界区并读取下一个 nonce
func (m *Manager) Reserve(ctx context.Context, sender common.Address) (*Reservation, error) {
	l := m.addressLock(sender)
	l.Lock()

	release, err := m.locker.Acquire(ctx, strings.ToLower(sender.Hex()))
	if err != nil {
		l.Unlock()
		return nil, err
	}

	pending, err := m.client.PendingNonce(ctx, sender)
	if err != nil {
		release()
		l.Unlock()
		return nil, err
	}

	nonce := pending
	m.mu.Lock()
	if cached, ok := m.cached[sender]; ok && cached > nonce {
		nonce = cached
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"from":    sender.Hex(),
		"pending": pending,
		"nonce":   nonce,
	}).Debug("预留nonce")

	return &Reservation{
		Nonce:   nonce,
		m:       m,
		sender:  sender,
		unlock:  l.Unlock,
		release: release,
	}, nil
}

// Commit 交易已被节点接受，下一个 nonce 至少为 Nonce+1
func (r *Reservation) Commit() {
	if r.done {
		return
	}
	r.m.mu.Lock()
	r.m.cached[r.sender] = r.Nonce + 1
	r.m.mu.Unlock()
	r.finish()
}

// Release 放弃预留，清除缓存，下次重新以节点为准
func (r *Reservation) Release(err error) {
	if r.done {
		return
	}
	r.m.mu.Lock()
	delete(r.m.cached, r.sender)
	r.m.mu.Unlock()
	if err != nil {
		r.m.logger.WithField("from", r.sender.Hex()).Debugf("释放nonce %d: %v", r.Nonce, err)
	}
	r.finish()
}

func (r *Reservation) finish() {
	r.done = true
	r.release()
	r.unlock()
}
