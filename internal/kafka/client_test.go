package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestPinningPartitioner(t *testing.T) {
	p := newPinningPartitioner([]string{"app__changelog"})

	pinned := p.ForTopic("app__changelog")
	assert.Equal(t, 3, pinned.Partition(&kgo.Record{Key: []byte("k"), Partition: 3}, 8))

	hashed := p.ForTopic("out")
	first := hashed.Partition(&kgo.Record{Key: []byte("k"), Partition: 3}, 8)
	second := hashed.Partition(&kgo.Record{Key: []byte("k"), Partition: 5}, 8)
	assert.Equal(t, first, second)
	assert.True(t, first >= 0 && first < 8)
}

func TestClassify(t *testing.T) {
	err := classify(fmt.Errorf("end: %w", kerr.ProducerFenced))
	assert.True(t, errors.Is(err, ErrFenced))

	other := errors.New("network")
	assert.Equal(t, other, classify(other))
}

func TestByTopic(t *testing.T) {
	got := byTopic([]TopicPartition{
		{Topic: "a", Partition: 0},
		{Topic: "b", Partition: 2},
		{Topic: "a", Partition: 1},
	})
	assert.Equal(t, map[string][]int32{"a": {0, 1}, "b": {2}}, got)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{Brokers: []string{"localhost:9092"}}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{Brokers: []string{"localhost:9092"}, Group: "app"}, nil)
	assert.Error(t, err)
}

func TestTopicPartition_String(t *testing.T) {
	assert.Equal(t, "in/2@7", TopicPartition{Topic: "in", Partition: 2, Offset: 7}.String())
}

func TestClient_ObserveAdvancesPosition(t *testing.T) {
	c := &Client{direct: map[string]map[int32]int64{"app__changelog": {0: 4}}}

	c.observe(&kgo.Record{Topic: "app__changelog", Partition: 0, Offset: 6})
	pos, ok := c.Position("app__changelog", 0)
	assert.True(t, ok)
	assert.Equal(t, int64(7), pos)

	c.observe(&kgo.Record{Topic: "app__changelog", Partition: 0, Offset: 2})
	pos, _ = c.Position("app__changelog", 0)
	assert.Equal(t, int64(7), pos)

	c.observe(&kgo.Record{Topic: "app__changelog", Partition: 1, Offset: 9})
	_, ok = c.Position("app__changelog", 1)
	assert.False(t, ok)
}
