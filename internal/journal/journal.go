// Package journal 使用 bbolt 持久化提交记录和运行状态
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"priceoracle/internal/errors"
	"priceoracle/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/submissions.db"

	// 存储桶名称
	SubmissionsBucket = "submissions" // 序号 → 提交记录
	TxIndexBucket     = "tx_index"    // 交易哈希 → 序号
	StateBucket       = "state"

	// 状态键
	LastPriceKey   = "last_submitted_price"
	EventCursorKey = "event_cursor"
	StartTimeKey   = "start_time"
)

// Stats 提交统计
type Stats struct {
	Total     uint64                    `json:"total"`
	ByOutcome map[models.Outcome]uint64 `json:"by_outcome"`
	StartTime time.Time                 `json:"start_time"`
	LastPrice *float64                  `json:"last_submitted_price,omitempty"`
}

// Journal 提交日志
type Journal struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	// 内存缓存
	stats *Stats
}

// Open 打开或创建提交日志
func Open(dbPath string, logger *logrus.Logger) (*Journal, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.StorageError("创建数据目录失败", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.StorageError("打开提交日志失败", err)
	}

	j := &Journal{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		stats:  &Stats{ByOutcome: make(map[models.Outcome]uint64)},
	}

	if err := j.initDB(); err != nil {
		db.Close()
		return nil, errors.StorageError("初始化提交日志失败", err)
	}

	if err := j.loadStats(); err != nil {
		logger.Warnf("加载提交统计失败: %v", err)
	}

	logger.Infof("提交日志已打开，数据库路径: %s", dbPath)
	return j, nil
}

// initDB 初始化数据库结构
func (j *Journal) initDB() error {
	return j.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{SubmissionsBucket, TxIndexBucket, StateBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}

		state := tx.Bucket([]byte(StateBucket))
		if state.Get([]byte(StartTimeKey)) == nil {
			data, err := time.Now().MarshalBinary()
			if err != nil {
				return err
			}
			return state.Put([]byte(StartTimeKey), data)
		}
		return nil
	})
}

// loadStats 扫描全部记录重建统计
func (j *Journal) loadStats() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.View(func(tx *bolt.Tx) error {
		state := tx.Bucket([]byte(StateBucket))
		if data := state.Get([]byte(StartTimeKey)); data != nil {
			_ = j.stats.StartTime.UnmarshalBinary(data)
		}
		if data := state.Get([]byte(LastPriceKey)); len(data) == 8 {
			price := math.Float64frombits(binary.BigEndian.Uint64(data))
			j.stats.LastPrice = &price
		}

		return tx.Bucket([]byte(SubmissionsBucket)).ForEach(func(k, v []byte) error {
			var rec models.SubmissionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			j.stats.Total++
			j.stats.ByOutcome[rec.Outcome]++
			return nil
		})
	})
}

// Record 保存一次已被节点接受的提交，并更新最后提交价格
func (j *Journal) Record(rec *models.SubmissionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.StorageError("序列化提交记录失败", err)
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		subs := tx.Bucket([]byte(SubmissionsBucket))
		seq, err := subs.NextSequence()
		if err != nil {
			return err
		}
		key := itob(seq)
		if err := subs.Put(key, data); err != nil {
			return fmt.Errorf("保存提交记录失败: %w", err)
		}
		if err := tx.Bucket([]byte(TxIndexBucket)).Put(rec.TxHash.Bytes(), key); err != nil {
			return fmt.Errorf("保存交易索引失败: %w", err)
		}
		return tx.Bucket([]byte(StateBucket)).Put([]byte(LastPriceKey), itob(math.Float64bits(rec.Price)))
	})
	if err != nil {
		return errors.StorageError("写入提交日志失败", err)
	}

	j.stats.Total++
	j.stats.ByOutcome[rec.Outcome]++
	price := rec.Price
	j.stats.LastPrice = &price
	return nil
}

// UpdateOutcome 更新确认结果
func (j *Journal) UpdateOutcome(txHash common.Hash, outcome models.Outcome, blockNumber uint64, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var previous models.Outcome
	err := j.db.Update(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(TxIndexBucket)).Get(txHash.Bytes())
		if key == nil {
			return fmt.Errorf("交易 %s 不在提交日志中", txHash.Hex())
		}

		subs := tx.Bucket([]byte(SubmissionsBucket))
		var rec models.SubmissionRecord
		if err := json.Unmarshal(subs.Get(key), &rec); err != nil {
			return fmt.Errorf("解析提交记录失败: %w", err)
		}

		previous = rec.Outcome
		rec.Outcome = outcome
		rec.BlockNumber = blockNumber
		rec.Error = errMsg
		rec.UpdatedAt = time.Now()

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		// key 来自只读视图，写入前复制
		return subs.Put(append([]byte(nil), key...), data)
	})
	if err != nil {
		return errors.StorageError("更新提交记录失败", err)
	}

	j.stats.ByOutcome[previous]--
	j.stats.ByOutcome[outcome]++
	return nil
}

// Get 按交易哈希查询
func (j *Journal) Get(txHash common.Hash) (*models.SubmissionRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var rec *models.SubmissionRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(TxIndexBucket)).Get(txHash.Bytes())
		if key == nil {
			return nil
		}
		rec = &models.SubmissionRecord{}
		return json.Unmarshal(tx.Bucket([]byte(SubmissionsBucket)).Get(key), rec)
	})
	if err != nil {
		return nil, errors.StorageError("读取提交记录失败", err)
	}
	return rec, nil
}

// Recent 返回最近的提交记录，新的在前
func (j *Journal) Recent(limit int) ([]*models.SubmissionRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	records := make([]*models.SubmissionRecord, 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(SubmissionsBucket)).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(records) < limit); k, v = c.Prev() {
			var rec models.SubmissionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				j.logger.Warnf("跳过无法解析的提交记录 %d: %v", binary.BigEndian.Uint64(k), err)
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.StorageError("读取提交记录失败", err)
	}
	return records, nil
}

// LastSubmittedPrice 最后一次被节点接受的价格
func (j *Journal) LastSubmittedPrice() (float64, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.stats.LastPrice == nil {
		return 0, false
	}
	return *j.stats.LastPrice, true
}

// EventCursor 最后一个已投递事件的位置
// 旧格式只保存区块号，按整块已投递处理
func (j *Journal) EventCursor() (models.EventPosition, bool) {
	var (
		pos models.EventPosition
		ok  bool
	)
	_ = j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(StateBucket)).Get([]byte(EventCursorKey))
		switch len(data) {
		case 16:
			pos.BlockNumber = binary.BigEndian.Uint64(data[:8])
			pos.LogIndex = uint(binary.BigEndian.Uint64(data[8:]))
			ok = true
		case 8:
			pos.BlockNumber = binary.BigEndian.Uint64(data)
			pos.LogIndex = math.MaxUint
			ok = true
		}
		return nil
	})
	return pos, ok
}

// SetEventCursor 保存最后一个已投递事件的位置
func (j *Journal) SetEventCursor(pos models.EventPosition) error {
	data := append(itob(pos.BlockNumber), itob(uint64(pos.LogIndex))...)
	err := j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(StateBucket)).Put([]byte(EventCursorKey), data)
	})
	if err != nil {
		return errors.StorageError("保存事件进度失败", err)
	}
	return nil
}

// GetStats 获取统计信息
func (j *Journal) GetStats() *Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := &Stats{
		Total:     j.stats.Total,
		ByOutcome: make(map[models.Outcome]uint64, len(j.stats.ByOutcome)),
		StartTime: j.stats.StartTime,
	}
	for k, v := range j.stats.ByOutcome {
		if v > 0 {
			stats.ByOutcome[k] = v
		}
	}
	if j.stats.LastPrice != nil {
		price := *j.stats.LastPrice
		stats.LastPrice = &price
	}
	return stats
}

// GetDBPath 获取数据库路径
func (j *Journal) GetDBPath() string {
	return j.dbPath
}

// Close 关闭提交日志
func (j *Journal) Close() error {
	if j.db != nil {
		j.logger.Info("关闭提交日志")
		return j.db.Close()
	}
	return nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
