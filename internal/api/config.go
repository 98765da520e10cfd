package api

import (
	"database/sql"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigStore 配置覆盖项存储，由 config.DatabaseConfig 实现
type ConfigStore interface {
	ListConfigs() (map[string]string, error)
	GetConfig(key string) (string, error)
	UpdateConfig(key, value string) error
	DisableConfig(key string) error
}

// ConfigManager 配置覆盖项接口
// 修改在下次启动加载配置时生效
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:  store,
		logger: logger,
	}
}

// ListConfigs 列出所有启用的覆盖项
func (cm *ConfigManager) ListConfigs(c *gin.Context) {
	configs, err := cm.store.ListConfigs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取配置失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"configs": configs,
		"total":   len(configs),
	})
}

// GetConfig 获取单个覆盖项
func (cm *ConfigManager) GetConfig(c *gin.Context) {
	key := c.Param("key")

	value, err := cm.store.GetConfig(key)
	if stderrors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "配置不存在",
			"key":   key,
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "获取配置失败",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":   key,
		"value": value,
	})
}

// UpdateConfig 新增或更新覆盖项
func (cm *ConfigManager) UpdateConfig(c *gin.Context) {
	var req struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "请求参数错误",
			"message": err.Error(),
		})
		return
	}

	// 受保护的键由存储层拒绝
	if err := cm.store.UpdateConfig(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "更新配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.WithField("key", req.Key).Info("配置覆盖项已更新，重启后生效")
	c.JSON(http.StatusOK, gin.H{
		"message": "配置更新成功",
		"config": gin.H{
			"key":   req.Key,
			"value": req.Value,
		},
	})
}

// DisableConfig 停用覆盖项
func (cm *ConfigManager) DisableConfig(c *gin.Context) {
	key := c.Param("key")

	if err := cm.store.DisableConfig(key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "停用配置失败",
			"message": err.Error(),
		})
		return
	}

	cm.logger.WithField("key", key).Info("配置覆盖项已停用")
	c.JSON(http.StatusOK, gin.H{
		"message": "配置已停用",
		"key":     key,
	})
}
