package notify

import (
	"context"
	"errors"
	"fzorch/config"
	"math/rand"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ConnectionPoolSize = 4
	// TaskEventsExchange carries task lifecycle notifications: one routing
	// key per terminal status ("task.completed", "task.failed",
	// "task.cancelled") plus "task.crash" for newly detected crash files.
	TaskEventsExchange = "fzorch.task_events"
)

// Notifier publishes task lifecycle events for external consumers (alerting,
// dashboards). A nil Notifier (no RABBITMQ_URL configured) is valid and means
// no events are published; callers check for nil before calling Publish.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type rabbitMQImpl struct {
	logger      *zap.Logger
	rabbitmqUrl string
	context     context.Context
	connections []*MQConnection
	mu          sync.Mutex
}

type MQConnection struct {
	conn      *amqp.Connection
	closeChan chan *amqp.Error
	logger    *zap.Logger

	closed bool
	mu     sync.Mutex
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewRabbitMQ returns a nil Notifier when RabbitMQURL is unset; orchestrator
// code must treat a nil Notifier as "no notification sink configured", not
// an error.
func NewRabbitMQ(p RabbitMQParams) (Notifier, error) {
	if p.Config.RabbitMQURL == "" {
		p.Logger.Debug("no RABBITMQ_URL configured, task events are not published")
		return nil, nil
	}

	mqCtx, cancel := context.WithCancel(context.Background())

	svc := &rabbitMQImpl{
		logger:      p.Logger,
		rabbitmqUrl: p.Config.RabbitMQURL,
		context:     mqCtx,
		connections: make([]*MQConnection, 0, ConnectionPoolSize),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.logger.Debug("initializing RabbitMQ connection pool", zap.Int("pool_size", ConnectionPoolSize))
			for range ConnectionPoolSize {
				mConn, err := svc.newMQConnection()
				if err != nil {
					svc.logger.Error("failed to create initial RabbitMQ connection", zap.Error(err))
					return err
				}
				svc.mu.Lock()
				svc.connections = append(svc.connections, mConn)
				svc.mu.Unlock()
			}
			ch := svc.GetChannel()
			if ch != nil {
				defer ch.Close()
				return ch.ExchangeDeclare(TaskEventsExchange, "topic", true, false, false, false, nil)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return svc, nil
}

func (r *rabbitMQImpl) getActiveConnection() (*MQConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := make([]*MQConnection, 0)

	for i := range r.connections {
		r.connections[i].mu.Lock()
		if !r.connections[i].closed {
			candidates = append(candidates, r.connections[i])
		}
		r.connections[i].mu.Unlock()
	}

	if len(candidates) < ConnectionPoolSize {
		needed := ConnectionPoolSize - len(candidates)
		r.logger.Debug("refilling RabbitMQ connection pool", zap.Int("needed", needed))
		for range needed {
			mConn, err := r.newMQConnection()
			if err != nil {
				r.logger.Error("failed to create new RabbitMQ connection", zap.Error(err))
				continue
			}
			r.connections = append(r.connections, mConn)
			candidates = append(candidates, mConn)
		}
	}

	if len(candidates) == 0 {
		r.logger.Error("no active RabbitMQ connections available")
		return nil, errors.New("no active RabbitMQ connections")
	}

	randomIndex := rand.Intn(len(candidates))
	return candidates[randomIndex], nil
}

func (r *rabbitMQImpl) newMQConnection() (*MQConnection, error) {
	conn, err := amqp.Dial(r.rabbitmqUrl)
	if err != nil {
		return nil, err
	}

	mConn := MQConnection{
		conn,
		make(chan *amqp.Error),
		r.logger,
		false,
		sync.Mutex{},
	}

	go mConn.monitor(r.context)

	return &mConn, nil
}

// monitor the connection. This function is blocking and is intended to be called in a go routine.
func (c *MQConnection) monitor(ctx context.Context) {
	c.conn.NotifyClose(c.closeChan)

	select {
	case err := <-c.closeChan:
		c.logger.Error("RabbitMQ connection closed", zap.Error(err))
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	case <-ctx.Done():
	}

	c.conn.Close()
}

func (r *rabbitMQImpl) GetChannel() *amqp.Channel {
	conn, err := r.getActiveConnection()
	if err != nil {
		r.logger.Error("failed to get RabbitMQ channel", zap.Error(err))
		return nil
	}

	ch, err := conn.conn.Channel()
	if err != nil {
		r.logger.Error("failed to create RabbitMQ channel", zap.Error(err))
		return nil
	}

	return ch
}

// Publish sends body to TaskEventsExchange under routingKey. Failing to
// obtain a channel is logged and returned as an error; the orchestrator's
// callers only log that error, so delivery stays best-effort.
func (r *rabbitMQImpl) Publish(ctx context.Context, routingKey string, body []byte) error {
	ch := r.GetChannel()
	if ch == nil {
		return errors.New("notify: no RabbitMQ channel available")
	}
	defer ch.Close()

	return ch.PublishWithContext(ctx, TaskEventsExchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
