package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAck struct {
	acks    int
	nacks   int
	requeue bool
}

func (r *recordingAck) Ack(uint64, bool) error { r.acks++; return nil }

func (r *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	r.nacks++
	r.requeue = requeue
	return nil
}

func (r *recordingAck) Reject(uint64, bool) error { return nil }

func delivery(t *testing.T, ack *recordingAck, jobID string) amqp.Delivery {
	t.Helper()
	body, err := encode(&models.SlowCheckJob{ID: jobID, SubmissionID: "sub-1", ImageRole: models.RoleAfter, EnqueuedAt: time.Now()})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, DeliveryTag: 1}
}

func TestEncodeDecode(t *testing.T) {
	body, err := encode(&models.SlowCheckJob{ID: "job-1", SubmissionID: "sub-1", ImageRole: models.RoleBefore})
	require.NoError(t, err)

	msg, err := decode(body)
	require.NoError(t, err)
	assert.Equal(t, "job-1", msg.JobID)
	assert.Equal(t, models.RoleBefore, msg.ImageRole)

	_, err = decode([]byte(`{"submission_id":"sub-1"}`))
	assert.Error(t, err)
	_, err = decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestHandleAcksProcessedJob(t *testing.T) {
	var got string
	c := NewConsumer(config.BrokerConfig{}, func(_ context.Context, id string) error {
		got = id
		return nil
	}, 1)
	ack := &recordingAck{}

	c.handle(context.Background(), delivery(t, ack, "job-7"))
	assert.Equal(t, "job-7", got)
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestHandleAcksFailedJob(t *testing.T) {
	c := NewConsumer(config.BrokerConfig{}, func(context.Context, string) error {
		return errors.New("image missing")
	}, 1)
	ack := &recordingAck{}

	c.handle(context.Background(), delivery(t, ack, "job-7"))
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestHandleDropsMalformedMessage(t *testing.T) {
	called := false
	c := NewConsumer(config.BrokerConfig{}, func(context.Context, string) error {
		called = true
		return nil
	}, 1)
	ack := &recordingAck{}

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{}")})
	assert.False(t, called)
	assert.Equal(t, 1, ack.nacks)
	assert.False(t, ack.requeue)
}

func TestHandleRequeuesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(config.BrokerConfig{}, func(ctx context.Context, _ string) error {
		cancel()
		return ctx.Err()
	}, 1)
	ack := &recordingAck{}

	c.handle(ctx, delivery(t, ack, "job-7"))
	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestProcessRecoversPanic(t *testing.T) {
	c := NewConsumer(config.BrokerConfig{}, func(context.Context, string) error {
		panic("boom")
	}, 1)
	ack := &recordingAck{}

	c.wg.Add(1)
	c.semaphore <- struct{}{}
	assert.NotPanics(t, func() { c.process(context.Background(), delivery(t, ack, "job-7")) })
	assert.Equal(t, 1, ack.nacks)
	assert.Len(t, c.semaphore, 0)
}
