package config

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// overrideTable 配置覆盖项表，config_key 使用 viper 键名，例如 updater.poll_interval
const overrideTable = "oracle_config"

// 不允许从数据库覆盖的键
var protectedKeys = map[string]bool{
	"account.private_key": true,
}

// DatabaseConfig 数据库配置管理器
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// LoadOverrides 加载所有启用的配置覆盖项
func (dc *DatabaseConfig) LoadOverrides() (map[string]string, error) {
	configs, err := dc.ListConfigs()
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]string, len(configs))
	for key, value := range configs {
		key = normalizeKey(key)
		if protectedKeys[key] {
			dc.logger.Warnf("忽略数据库中的受保护配置项: %s", key)
			continue
		}
		overrides[key] = value
	}

	return overrides, nil
}

// UpdateConfig 更新配置
func (dc *DatabaseConfig) UpdateConfig(key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return fmt.Errorf("配置键不能为空")
	}
	if protectedKeys[key] {
		return fmt.Errorf("配置项 %s 不允许存储在数据库中", key)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (config_key, config_value, is_active, updated_at)
		VALUES ($1, $2, true, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key)
		DO UPDATE SET config_value = $2, is_active = true, updated_at = CURRENT_TIMESTAMP
	`, overrideTable)

	_, err := dc.DB.Exec(query, key, value)
	return err
}

// GetConfig 获取配置值
func (dc *DatabaseConfig) GetConfig(key string) (string, error) {
	query := fmt.Sprintf(`SELECT config_value FROM %s WHERE config_key = $1 AND is_active = true`, overrideTable)
	var value string
	err := dc.DB.QueryRow(query, normalizeKey(key)).Scan(&value)
	return value, err
}

// DisableConfig 停用配置项，恢复为文件或默认值
func (dc *DatabaseConfig) DisableConfig(key string) error {
	query := fmt.Sprintf(`UPDATE %s SET is_active = false, updated_at = CURRENT_TIMESTAMP WHERE config_key = $1`, overrideTable)
	_, err := dc.DB.Exec(query, normalizeKey(key))
	return err
}

// ListConfigs 列出所有配置
func (dc *DatabaseConfig) ListConfigs() (map[string]string, error) {
	query := fmt.Sprintf(`SELECT config_key, config_value FROM %s WHERE is_active = true`, overrideTable)
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		configs[key] = value
	}

	return configs, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
