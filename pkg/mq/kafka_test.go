package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type sent struct {
	topic, key string
	value      []byte
	headers    map[string]string
}

type captureSender struct{ out []sent }

func (c *captureSender) SendRaw(_ context.Context, topic, key string, value []byte, headers map[string]string) error {
	c.out = append(c.out, sent{topic, key, value, headers})
	return nil
}

func TestKafkaMessageConversion(t *testing.T) {
	r := require.New(t)
	msg := toKafkaMessage("perp.events", "POS-1", []byte(`{}`), map[string]string{"op_id": "7", "event_type": "PositionOpened"})
	r.Equal("event_type", msg.Headers[0].Key)
	r.Equal("op_id", msg.Headers[1].Key)

	msg.Partition, msg.Offset = 3, 42
	got := fromKafkaMessage(msg)
	r.Equal("POS-1", got.Key)
	r.Equal(int64(42), got.Offset)
	r.Equal(3, got.Partition)
	r.Equal("7", got.Headers["op_id"])

	r.Nil(fromKafkaMessage(kafka.Message{}).Headers)
}

func TestDeadLetterQueue(t *testing.T) {
	r := require.New(t)
	sender := &captureSender{}
	dlq := NewDeadLetterQueue(sender, "perp.dlq")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dlq.now = func() time.Time { return at }
	ctx := context.Background()

	r.NoError(dlq.Send(ctx, &Message{Topic: "market.price", Offset: 9, Key: "ETH-USD", Value: []byte(`{"price":"x"}`)}, "invalid_price", errors.New("bad")))
	r.NoError(dlq.Send(ctx, &Message{Topic: "market.price", Offset: 10, Value: []byte("garbage")}, "malformed", nil))
	r.Len(sender.out, 2)

	first := sender.out[0]
	r.Equal("perp.dlq", first.topic)
	r.Equal("ETH-USD", first.key)
	r.Equal("invalid_price", first.headers["failure_reason"])
	var letter DeadLetter
	r.NoError(json.Unmarshal(first.value, &letter))
	r.Equal(int64(9), letter.Offset)
	r.JSONEq(`{"price":"x"}`, string(letter.Value))
	r.Equal("bad", letter.Error)
	r.True(letter.FailedAt.Equal(at))

	r.NoError(json.Unmarshal(sender.out[1].value, &letter))
	r.Equal("garbage", letter.Raw)
}

func TestConstructorsRequireBrokers(t *testing.T) {
	_, err := NewProducer(KafkaConfig{})
	require.ErrorIs(t, err, ErrNoBrokers)
	_, err = NewConsumer(KafkaConfig{}, "t")
	require.ErrorIs(t, err, ErrNoBrokers)
	require.Equal(t, kafka.FirstOffset, KafkaConfig{StartOffset: "earliest"}.startOffset())
}
