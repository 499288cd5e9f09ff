package queue

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/postself/postself/internal/config"
	"github.com/postself/postself/internal/events"
)

// MQTT carries jobs over a broker at QoS 1, so a job published before a
// worker crash is redelivered when the subscription resumes. Retry
// delays are timed in the publishing process; the broker only sees the
// final publish.
type MQTT struct {
	cfg    config.QueueConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	handler Handler

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// NewMQTT creates the transport but does not connect. Call
// [MQTT.Start] to connect and begin delivering to handler; pass a nil
// handler for a publish-only client.
func NewMQTT(cfg config.QueueConfig, handler Handler, bus *events.Bus, logger *slog.Logger) *MQTT {
	return &MQTT{
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		handler: handler,
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (q *MQTT) jobTopic() string {
	return q.cfg.TopicPrefix + "/jobs"
}

// Start connects to the broker and, when a handler is set, subscribes
// to the job topic. It returns once the connection manager is running;
// autopaho reconnects in the background from then on.
func (q *MQTT) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(q.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: q.cfg.Username,
		ConnectPassword: []byte(q.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			q.logger.Info("queue connected to broker", "broker", q.cfg.Broker)
			q.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceQueue,
				Kind:      events.KindQueueConnected,
				Data:      map[string]any{"broker": q.cfg.Broker},
			})
			if q.handler != nil {
				// Re-subscribe on every (re-)connect; the session may
				// have been lost.
				if _, err := cm.Subscribe(ctx, &paho.Subscribe{
					Subscriptions: []paho.SubscribeOptions{
						{Topic: q.jobTopic(), QoS: 1},
					},
				}); err != nil {
					q.logger.Warn("queue subscribe failed", "topic", q.jobTopic(), "error", err)
				}
			}
		},
		OnConnectError: func(err error) {
			q.logger.Warn("queue connection error", "error", err)
			q.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceQueue,
				Kind:      events.KindQueueDropped,
				Data:      map[string]any{"error": err.Error()},
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(q.handler != nil),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				q.onPublishReceived(ctx),
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("queue connect: %w", err)
	}
	q.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		q.logger.Warn("queue initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

func clientID(consumer bool) string {
	if consumer {
		return "postself-worker"
	}
	return "postself-producer"
}

func (q *MQTT) onPublishReceived(ctx context.Context) func(paho.PublishReceived) (bool, error) {
	return func(pr paho.PublishReceived) (bool, error) {
		if q.handler == nil {
			return false, nil
		}
		job, err := DecodeJob(pr.Packet.Payload)
		if err != nil {
			// A malformed payload will never decode; ack and drop it.
			q.logger.Warn("queue dropped malformed job", "error", err)
			return true, nil
		}
		q.handler(ctx, job)
		return true, nil
	}
}

// Enqueue publishes the job at QoS 1.
func (q *MQTT) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if q.cm == nil {
		return fmt.Errorf("queue not started")
	}
	payload, err := job.Encode()
	if err != nil {
		return err
	}
	if _, err := q.cm.Publish(ctx, &paho.Publish{
		Topic:   q.jobTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	q.logger.Debug("job enqueued", "task", job.Task, "attempt", job.Attempt)
	return nil
}

// EnqueueAfter publishes the job after delay. The delay timer is
// process-local: if this process dies before it fires, the retry is
// lost and the job's entity stays pre-terminal.
func (q *MQTT) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if q.cm == nil {
		return fmt.Errorf("queue not started")
	}
	q.mu.Lock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		if err := q.Enqueue(context.WithoutCancel(ctx), job); err != nil {
			q.logger.Error("delayed enqueue failed", "task", job.Task, "error", err)
		}
	})
	q.timers[t] = struct{}{}
	q.mu.Unlock()
	q.logger.Debug("job scheduled", "task", job.Task, "attempt", job.Attempt, "delay", delay.String())
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (q *MQTT) AwaitConnection(ctx context.Context) error {
	if q.cm == nil {
		return fmt.Errorf("queue not started")
	}
	return q.cm.AwaitConnection(ctx)
}

// Stop cancels pending delay timers and disconnects from the broker.
func (q *MQTT) Stop(ctx context.Context) error {
	q.mu.Lock()
	for t := range q.timers {
		t.Stop()
	}
	q.timers = make(map[*time.Timer]struct{})
	q.mu.Unlock()
	if q.cm == nil {
		return nil
	}
	return q.cm.Disconnect(ctx)
}
