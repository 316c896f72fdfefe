package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store"
	"github.com/Windi-Fikriyansyah/escrowd/internal/store/memstore"
)

func sampleEvent() models.OutboxEvent {
	jobID, msID := uuid.New(), uuid.New()
	return models.OutboxEvent{
		ID:          uuid.New(),
		Type:        models.EventWorkSubmitted,
		RecipientID: uuid.New(),
		JobID:       &jobID,
		MilestoneID: &msID,
		Title:       "Work Submitted",
		Message:     "Work has been submitted for milestone: Design",
		Payload:     []byte(`{"files":2}`),
		CreatedAt:   time.Now(),
	}
}

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSinkPublishesOnUserChannel(t *testing.T) {
	pub := &fakePublisher{}
	e := sampleEvent()

	require.NoError(t, (&RedisSink{Client: pub}).Deliver(context.Background(), e))
	assert.Equal(t, "notifications:"+e.RecipientID.String(), pub.channel)

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.message, &env))
	assert.Equal(t, "work_submitted", env.Type)
	assert.Equal(t, e.JobID.String(), env.JobID)
	assert.JSONEq(t, `{"files":2}`, string(env.Data))

	pub.err = errors.New("redis down")
	assert.EqualError(t, (&RedisSink{Client: pub}).Deliver(context.Background(), e), "redis down")
}

type fakePusher struct {
	user uuid.UUID
	data interface{}
}

func (f *fakePusher) SendToUser(userID uuid.UUID, data interface{}) (int, error) {
	f.user, f.data = userID, data
	return 0, nil
}

func TestHubSinkToleratesOfflineRecipient(t *testing.T) {
	p := &fakePusher{}
	e := sampleEvent()

	require.NoError(t, (&HubSink{Hub: p}).Deliver(context.Background(), e))
	assert.Equal(t, e.RecipientID, p.user)
	msg := p.data.(map[string]any)
	assert.Equal(t, "notification", msg["type"])
	assert.Equal(t, e.ID.String(), msg["notification"].(Envelope).ID)
}

type fakeProducer struct {
	key, value []byte
}

func (f *fakeProducer) Produce(_ context.Context, key, value []byte) error {
	f.key, f.value = key, value
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestKafkaSinkKeysByJob(t *testing.T) {
	p := &fakeProducer{}
	e := sampleEvent()

	require.NoError(t, (&KafkaSink{Producer: p}).Deliver(context.Background(), e))
	assert.Equal(t, e.JobID.String(), string(p.key))

	e.JobID = nil
	require.NoError(t, (&KafkaSink{Producer: p}).Deliver(context.Background(), e))
	assert.Equal(t, e.RecipientID.String(), string(p.key))
}

func TestNewKafkaProducerValidates(t *testing.T) {
	_, err := NewKafkaProducer(KafkaProducerConfig{Topic: "escrow.events"})
	assert.Error(t, err)
	_, err = NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaProducer(KafkaProducerConfig{Brokers: []string{"localhost:9092"}, Topic: "escrow.events"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestInboxSinkIsIdempotent(t *testing.T) {
	s := memstore.New()
	sink := &InboxSink{Store: s}
	e := sampleEvent()

	require.NoError(t, sink.Deliver(context.Background(), e))
	require.NoError(t, sink.Deliver(context.Background(), e))

	require.NoError(t, s.View(context.Background(), func(tx store.Tx) error {
		rows, err := tx.Notifications().List(e.RecipientID, false, 0)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
		return nil
	}))
}
