package kafka

import (
	"context"
	"errors"
	"testing"

	"msggate/service/webhook"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSinkSendsBodyVerbatim(t *testing.T) {
	cfg := BuildBaseConfig(Config{})
	p := mocks.NewSyncProducer(t, cfg)
	body := []byte(`{"sessionId":"s1","event":"message.received","data":{},"ts":1}`)
	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != string(body) {
			return errors.New("body changed on the way to kafka")
		}
		return nil
	})

	s := NewEventSink(p, "gateway-events")
	require.NoError(t, s.Publish(context.Background(), webhook.Envelope{SessionID: "s1", Event: webhook.EventMessageReceived}, body))
	require.NoError(t, s.Close())
}

func TestEventSinkReturnsProducerError(t *testing.T) {
	p := mocks.NewSyncProducer(t, BuildBaseConfig(Config{}))
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewEventSink(p, "gateway-events")
	err := s.Publish(context.Background(), webhook.Envelope{SessionID: "s1", Event: "x"}, []byte(`{}`))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, s.Close())
}

func TestBuildBaseConfigUsesHashPartitioner(t *testing.T) {
	cfg := BuildBaseConfig(Config{ProducerCompression: "LZ4"})
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.Equal(t, "msggate", cfg.ClientID)

	// same key, same partition
	part := cfg.Producer.Partitioner("gateway-events")
	msg := &sarama.ProducerMessage{Key: sarama.StringEncoder("session-1")}
	a, err := part.Partition(msg, 8)
	require.NoError(t, err)
	b, err := part.Partition(msg, 8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type fakeAdmin struct {
	sarama.ClusterAdmin
	existing   map[string]int
	created    map[string]*sarama.TopicDetail
	expandedTo map[string]int32
}

func (f *fakeAdmin) DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error) {
	var out []*sarama.TopicMetadata
	for _, t := range topics {
		n, ok := f.existing[t]
		if !ok {
			out = append(out, &sarama.TopicMetadata{Name: t, Err: sarama.ErrUnknownTopicOrPartition})
			continue
		}
		out = append(out, &sarama.TopicMetadata{Name: t, Partitions: make([]*sarama.PartitionMetadata, n)})
	}
	return out, nil
}

func (f *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	f.created[topic] = detail
	return nil
}

func (f *fakeAdmin) CreatePartitions(topic string, count int32, _ [][]int32, _ bool) error {
	f.expandedTo[topic] = count
	return nil
}

func TestEnsureTopicsCreatesAndExpands(t *testing.T) {
	admin := &fakeAdmin{
		existing:   map[string]int{"small": 2, "big": 16},
		created:    map[string]*sarama.TopicDetail{},
		expandedTo: map[string]int32{},
	}
	err := EnsureTopics(admin, []string{"fresh", "small", "big"}, Config{PartitionsPerTopic: 8, ReplicationFactor: 3})
	require.NoError(t, err)

	require.Contains(t, admin.created, "fresh")
	assert.Equal(t, int32(8), admin.created["fresh"].NumPartitions)
	assert.Equal(t, "2", *admin.created["fresh"].ConfigEntries["min.insync.replicas"])
	assert.Equal(t, map[string]int32{"small": 8}, admin.expandedTo)
}
