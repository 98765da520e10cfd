package output

import (
	"encoding/json"
	"fmt"
	"time"

	"priceoracle/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// topic 键
const (
	TopicSubmissions = "submissions"
	TopicEvents      = "events"
)

// DefaultTopics 默认 topic 映射
func DefaultTopics() map[string]string {
	return map[string]string{
		TopicSubmissions: "oracle_submissions",
		TopicEvents:      "oracle_price_events",
	}
}

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewProducerConfig 生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有的生产者
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

func (k *KafkaOutput) topic(key string) string {
	if topic, ok := k.topics[key]; ok && topic != "" {
		return topic
	}
	return DefaultTopics()[key]
}

// sendToKafka 发送数据到Kafka，以交易哈希作为消息键
func (k *KafkaOutput) sendToKafka(topic, key string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d)", topic, partition, offset)
	return nil
}

// WriteSubmission 写入提交记录
func (k *KafkaOutput) WriteSubmission(rec *models.SubmissionRecord) error {
	if rec == nil {
		return nil
	}
	return k.sendToKafka(k.topic(TopicSubmissions), rec.TxHash.Hex(), rec.ToKafkaMessage())
}

// WriteEvent 写入价格事件
func (k *KafkaOutput) WriteEvent(event *models.PriceEvent) error {
	if event == nil {
		return nil
	}
	return k.sendToKafka(k.topic(TopicEvents), event.TxHash.Hex(), event.ToKafkaMessage())
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
