// Package broker announces slow-check jobs over AMQP so workers can pick
// them up without waiting for the next poll.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fixbounty/fraudguard/internal/config"
	"github.com/fixbounty/fraudguard/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const (
	consumerTag    = "fraudguard-slow-check-worker"
	publishTimeout = 5 * time.Second
	handleTimeout  = 2 * time.Minute
)

// JobMessage is the body of a job announcement.
type JobMessage struct {
	JobID        string           `json:"job_id"`
	SubmissionID string           `json:"submission_id"`
	ImageRole    models.ImageRole `json:"image_role"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
}

func encode(job *models.SlowCheckJob) ([]byte, error) {
	return json.Marshal(JobMessage{
		JobID:        job.ID,
		SubmissionID: job.SubmissionID,
		ImageRole:    job.ImageRole,
		EnqueuedAt:   job.EnqueuedAt,
	})
}

func decode(body []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, err
	}
	if msg.JobID == "" {
		return msg, errors.New("message has no job id")
	}
	return msg, nil
}

type session struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func dial(cfg config.BrokerConfig) (*session, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.QueueName, err)
	}
	return &session{conn: conn, channel: ch}, nil
}

func (s *session) close() {
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing broker channel")
		}
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.Debug().Err(err).Msg("Error closing broker connection")
		}
	}
}

// Publisher sends job announcements.
type Publisher struct {
	cfg     config.BrokerConfig
	mu      sync.Mutex
	session *session
}

// NewPublisher connects to the broker and declares the job queue.
func NewPublisher(cfg config.BrokerConfig) (*Publisher, error) {
	s, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("queue", cfg.QueueName).Msg("Connected to job broker")
	return &Publisher{cfg: cfg, session: s}, nil
}

// NotifyJob announces a stored job. A dropped connection is redialed once.
func (p *Publisher) NotifyJob(ctx context.Context, job *models.SlowCheckJob) error {
	body, err := encode(job)
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil || p.session.conn.IsClosed() {
		if p.session != nil {
			p.session.close()
		}
		s, err := dial(p.cfg)
		if err != nil {
			p.session = nil
			return err
		}
		p.session = s
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.session.channel.PublishWithContext(ctx,
		"",              // default exchange
		p.cfg.QueueName, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    job.ID,
		},
	)
	if err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	log.Debug().Str("job_id", job.ID).Msg("Announced slow-check job")
	return nil
}

// Close releases the connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		p.session.close()
		p.session = nil
	}
}

// Handler processes one announced job.
type Handler func(ctx context.Context, jobID string) error

// Consumer receives job announcements and hands them to a Handler with
// bounded concurrency.
type Consumer struct {
	cfg       config.BrokerConfig
	handler   Handler
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// NewConsumer creates a consumer. It does not connect until Run.
func NewConsumer(cfg config.BrokerConfig, handler Handler, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		cfg:       cfg,
		handler:   handler,
		semaphore: make(chan struct{}, concurrency),
	}
}

// Run consumes until ctx is cancelled or the connection drops. It waits for
// in-flight handlers before returning.
func (c *Consumer) Run(ctx context.Context) error {
	s, err := dial(c.cfg)
	if err != nil {
		return err
	}
	defer s.close()
	defer c.wg.Wait()

	if err := s.channel.Qos(cap(c.semaphore), 0, false); err != nil {
		log.Warn().Err(err).Msg("Failed to set broker prefetch")
	}

	deliveries, err := s.channel.Consume(
		c.cfg.QueueName,
		consumerTag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}
	closed := s.conn.NotifyClose(make(chan *amqp.Error, 1))

	log.Info().Str("queue", c.cfg.QueueName).Msg("Consuming slow-check announcements")
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("broker connection closed: %w", amqpErr)
			}
			return errors.New("broker connection closed")
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("broker delivery channel closed")
			}
			c.wg.Add(1)
			c.semaphore <- struct{}{}
			go c.process(ctx, d)
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	defer func() {
		<-c.semaphore
		c.wg.Done()
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Uint64("delivery_tag", d.DeliveryTag).Msg("Panic handling job message")
			if err := d.Nack(false, false); err != nil {
				log.Error().Err(err).Msg("Failed to nack message")
			}
		}
	}()
	c.handle(ctx, d)
}

// handle acks processed messages and drops malformed ones. Job state lives
// in the store, so a failed job is retried by polling rather than
// redelivery. Only a shutdown requeues.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	msg, err := decode(d.Body)
	if err != nil {
		log.Warn().Err(err).Str("message_id", d.MessageId).Msg("Dropping malformed job message")
		if err := d.Nack(false, false); err != nil {
			log.Error().Err(err).Msg("Failed to nack message")
		}
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	err = c.handler(hctx, msg.JobID)
	cancel()

	if err != nil && ctx.Err() != nil {
		if err := d.Nack(false, true); err != nil {
			log.Error().Err(err).Msg("Failed to requeue message")
		}
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("job_id", msg.JobID).Msg("Announced job failed, leaving retry to the poller")
	}
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to ack message")
	}
}
