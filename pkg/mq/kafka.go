// Package mq 封装 kafka-go 的生产与消费：按 key 分区、显式提交偏移量、死信转发
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wyfcoding/perpetual/pkg/logger"
)

// ErrNoBrokers 未配置 broker
var ErrNoBrokers = errors.New("kafka brokers are empty")

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	SessionTimeout int      `mapstructure:"session_timeout"` // 秒
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryBackoff   int      `mapstructure:"retry_backoff"` // 毫秒
	// 消费组首次启动时的起点：latest 或 earliest
	StartOffset string `mapstructure:"start_offset"`
}

func (c KafkaConfig) startOffset() int64 {
	if c.StartOffset == "earliest" {
		return kafka.FirstOffset
	}
	return kafka.LastOffset
}

// Message 与 kafka-go 解耦的消息结构，消费端与死信共用
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest any) error {
	return json.Unmarshal(m.Value, dest)
}

// toKafkaMessage headers 按 key 排序，保证同一事件的多次投递字节一致
func toKafkaMessage(topic, key string, value []byte, headers map[string]string) kafka.Message {
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	if len(headers) == 0 {
		return msg
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(headers[k])})
	}
	return msg
}

func fromKafkaMessage(msg kafka.Message) *Message {
	m := &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Time:      msg.Time,
	}
	if len(msg.Headers) > 0 {
		m.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}

// KafkaProducer Kafka 生产者；同一 key 落在同一分区，持仓事件因此按仓位有序
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	backoff := time.Duration(cfg.RetryBackoff) * time.Millisecond
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        backoff,
		WriteBackoffMax:        10 * backoff,
	}

	logger.Info(context.Background(), "kafka producer created", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: writer}, nil
}

// SendRaw 发送已经序列化的消息
func (kp *KafkaProducer) SendRaw(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := kp.writer.WriteMessages(ctx, toKafkaMessage(topic, key, value, headers)); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	logger.Debug(ctx, "kafka message sent", "topic", topic, "key", key)
	return nil
}

// Close 关闭生产者，等待缓冲区写完
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// KafkaConsumer 消费组读者，偏移量由调用方处理完后显式提交
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg KafkaConfig, topic string) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, errors.New("kafka topic is empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    cfg.startOffset(),
		MaxBytes:       1 << 20,
	})

	logger.Info(context.Background(), "kafka consumer created",
		"brokers", cfg.Brokers,
		"topic", topic,
		"group_id", cfg.GroupID,
	)
	return &KafkaConsumer{reader: reader}, nil
}

// FetchMessage 读取单条消息，ctx 取消时返回 ctx.Err()
func (kc *KafkaConsumer) FetchMessage(ctx context.Context) (*Message, error) {
	msg, err := kc.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return fromKafkaMessage(msg), nil
}

// CommitMessages 提交消息偏移量
func (kc *KafkaConsumer) CommitMessages(ctx context.Context, messages ...*Message) error {
	if len(messages) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset})
	}
	return kc.reader.CommitMessages(ctx, msgs...)
}

// Close 关闭消费者
func (kc *KafkaConsumer) Close() error {
	return kc.reader.Close()
}

// RawSender 由 KafkaProducer 实现
type RawSender interface {
	SendRaw(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// DeadLetter 死信消息体，原消息值原样保留
type DeadLetter struct {
	Topic     string          `json:"original_topic"`
	Partition int             `json:"original_partition"`
	Offset    int64           `json:"original_offset"`
	Value     json.RawMessage `json:"original_value,omitempty"`
	Raw       string          `json:"original_raw,omitempty"`
	Reason    string          `json:"failure_reason"`
	Error     string          `json:"failure_error,omitempty"`
	FailedAt  time.Time       `json:"failed_at"`
}

// DeadLetterQueue 把无法处理的消息转发到死信主题
type DeadLetterQueue struct {
	sender RawSender
	topic  string
	now    func() time.Time
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(sender RawSender, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{sender: sender, topic: topic, now: time.Now}
}

// Send 发送消息到死信队列；原消息不是合法 JSON 时以字符串保存
func (dlq *DeadLetterQueue) Send(ctx context.Context, original *Message, reason string, cause error) error {
	letter := DeadLetter{
		Topic:     original.Topic,
		Partition: original.Partition,
		Offset:    original.Offset,
		Reason:    reason,
		FailedAt:  dlq.now().UTC(),
	}
	if json.Valid(original.Value) {
		letter.Value = json.RawMessage(original.Value)
	} else {
		letter.Raw = string(original.Value)
	}
	if cause != nil {
		letter.Error = cause.Error()
	}
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return dlq.sender.SendRaw(ctx, dlq.topic, original.Key, data, map[string]string{"failure_reason": reason})
}
