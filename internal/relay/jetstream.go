package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/task/engine"
	logx "feedrelay/pkg/logx"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type JetStreamConfig struct {
	URL           string
	Name          string
	Token         string
	Username      string
	Password      string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	Stream        string
	SubjectPrefix string
	Consumer      string
	MaxAge        time.Duration
	MaxAckPending int

	// Workers bounds concurrent relays.
	Workers       int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RelayTimeout  time.Duration
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "feedrelay"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Stream == "" {
		c.Stream = "FEEDRELAY"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "feedrelay.relay"
	}
	c.SubjectPrefix = strings.TrimSuffix(c.SubjectPrefix, ".")
	if c.Consumer == "" {
		c.Consumer = "relay"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = c.Workers * 16
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RelayTimeout <= 0 {
		c.RelayTimeout = DefaultRelayTimeout
	}
	return c
}

// consumerConfig derives the durable consumer. The broker redelivers after
// AckWait, so it must outlast one relay attempt.
func (c JetStreamConfig) consumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Name:          c.Consumer,
		Durable:       c.Consumer,
		FilterSubject: c.SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.RelayTimeout + 5*time.Second,
		MaxDeliver:    c.RetryMax + 1,
		MaxAckPending: c.MaxAckPending,
	}
}

func (c JetStreamConfig) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      c.Stream,
		Subjects:  []string{c.SubjectPrefix + ".>"},
		MaxAge:    c.MaxAge,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}
}

// Subject returns the subject a job for feedID is published on. Characters
// that carry meaning in NATS subjects are replaced.
func (c JetStreamConfig) Subject(feedID string) string {
	return c.SubjectPrefix + "." + subjectToken(feedID)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// JetStreamQueue publishes jobs to a work-queue stream and relays them from a
// durable consumer. The broker holds the job until it is acked or terminated,
// so several relay processes can share one stream.
type JetStreamQueue struct {
	cfg     JetStreamConfig
	relayer Relayer
	bus     eventbus.Bus
	log     logx.Logger

	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	mu   sync.Mutex
	cc   jetstream.ConsumeContext
	sem  chan struct{}
	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewJetStreamQueue connects and makes sure the stream exists.
func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig, relayer Relayer, bus eventbus.Bus, log logx.Logger) (*JetStreamQueue, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "jetstream"))

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: connect nats: %v", feed.ErrQueueUnavailable, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream: %v", feed.ErrQueueUnavailable, err)
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg.streamConfig())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: stream %s: %v", feed.ErrQueueUnavailable, cfg.Stream, err)
	}
	log.Info("jetstream stream ready", logx.String("stream", cfg.Stream), logx.String("subjects", cfg.SubjectPrefix+".>"))

	return &JetStreamQueue{
		cfg:     cfg,
		relayer: relayer,
		bus:     bus,
		log:     log,
		nc:      nc,
		js:      js,
		stream:  stream,
		sem:     make(chan struct{}, cfg.Workers),
	}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, job feed.RelayJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id required", feed.ErrQueueUnavailable)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: encode job: %v", feed.ErrQueueUnavailable, err)
	}
	// The message id lets the broker drop a duplicate publish of the same job.
	if _, err := q.js.Publish(ctx, q.cfg.Subject(job.FeedID), data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("%w: publish: %v", feed.ErrQueueUnavailable, err)
	}
	q.publish(eventbus.RelayEnqueued, eventbus.RelayEvent{JobID: job.ID, FeedID: job.FeedID})
	return nil
}

// Start creates the durable consumer and begins relaying.
func (q *JetStreamQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cc != nil {
		return nil
	}
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, q.cfg.consumerConfig())
	if err != nil {
		return fmt.Errorf("%w: consumer %s: %v", feed.ErrQueueUnavailable, q.cfg.Consumer, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		// Blocks the consume loop once Workers relays are running.
		select {
		case q.sem <- struct{}{}:
		case <-runCtx.Done():
			return
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.sem }()
			q.handle(runCtx, msg)
		}()
	}, jetstream.PullMaxMessages(q.cfg.Workers))
	if err != nil {
		cancel()
		return fmt.Errorf("%w: consume: %v", feed.ErrQueueUnavailable, err)
	}
	q.cc = cc
	q.stop = cancel
	q.log.Info("jetstream consumer started", logx.String("consumer", q.cfg.Consumer), logx.Int("workers", q.cfg.Workers))
	return nil
}

// Stop stops consuming, waits for running relays (bounded by ctx) and closes
// the connection. Unacked messages are redelivered by the broker.
func (q *JetStreamQueue) Stop(ctx context.Context) {
	q.mu.Lock()
	cc, cancel := q.cc, q.stop
	q.cc, q.stop = nil, nil
	q.mu.Unlock()

	if cc != nil {
		cc.Stop()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.log.Warn("jetstream stop timed out", logx.Err(ctx.Err()))
	}
	if cancel != nil {
		cancel()
	}
	if q.nc != nil {
		q.nc.Close()
	}
}

// ackMsg is the part of jetstream.Msg the handler needs.
type ackMsg interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func (q *JetStreamQueue) handle(ctx context.Context, msg ackMsg) {
	var job feed.RelayJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.log.Error("jetstream message malformed, terminating", logx.Err(err))
		_ = msg.Term()
		return
	}

	delivered := 1
	if md, err := msg.Metadata(); err == nil && md != nil {
		delivered = int(md.NumDelivered)
	}
	job.Attempts = delivered

	attemptCtx, cancel := context.WithTimeout(ctx, q.cfg.RelayTimeout)
	err := q.relayer.Relay(attemptCtx, job)
	cancel()

	ev := eventbus.RelayEvent{JobID: job.ID, FeedID: job.FeedID, Attempts: delivered}
	if err == nil {
		if aerr := msg.Ack(); aerr != nil {
			q.log.Warn("jetstream ack failed", logx.String("job", job.ID), logx.Err(aerr))
		}
		ev.Took = time.Since(job.EnqueuedAt)
		q.publish(eventbus.RelayDelivered, ev)
		return
	}

	ev.Status = StatusCode(err)
	ev.Error = err.Error()
	if ctx.Err() != nil {
		// Shutting down; let the broker redeliver.
		_ = msg.NakWithDelay(0)
		return
	}
	if engine.IsNoRetry(err) || delivered >= q.cfg.RetryMax+1 {
		_ = msg.Term()
		q.publish(eventbus.RelayDropped, ev)
		q.log.Warn("relay dropped",
			logx.String("job", job.ID),
			logx.String("feed", job.FeedID),
			logx.Int("attempts", delivered),
			logx.Int("status", ev.Status),
			logx.Err(err),
		)
		return
	}

	delay := engine.Backoff(engine.TaskOptions{
		RetryBase:     q.cfg.RetryBase,
		RetryMaxDelay: q.cfg.RetryMaxDelay,
		RetryJitter:   0.2,
	}, delivered, err)
	_ = msg.NakWithDelay(delay)
	q.publish(eventbus.RelayFailed, ev)
	q.log.Debug("relay retry", logx.String("job", job.ID), logx.Int("attempt", delivered+1), logx.Duration("delay", delay), logx.Err(err))
}

func (q *JetStreamQueue) publish(typ string, ev eventbus.RelayEvent) {
	eventbus.Emit(q.bus, typ, ev)
}
