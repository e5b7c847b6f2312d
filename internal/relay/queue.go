package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedrelay/internal/eventbus"
	"feedrelay/internal/feed"
	"feedrelay/internal/task/engine"
	logx "feedrelay/pkg/logx"
)

// Queue accepts relay jobs. Enqueue returns only once the job is durable;
// delivery happens later, at least once.
type Queue interface {
	Enqueue(ctx context.Context, job feed.RelayJob) error
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

// Journal is the part of storage.Store the local queue persists jobs in.
type Journal interface {
	PutRelayJob(ctx context.Context, job feed.RelayJob) error
	DeleteRelayJob(ctx context.Context, id string) error
	PendingRelayJobs(ctx context.Context) ([]feed.RelayJob, error)
}

// Runner is the part of the task engine the local queue submits to.
type Runner interface {
	Enqueue(t engine.Task) error
}

type LocalConfig struct {
	// RetryMax is the number of retries after the first attempt, counted
	// across restarts.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RelayTimeout bounds one attempt.
	RelayTimeout time.Duration
}

// LocalQueue keeps jobs in the store's relay journal and delivers them on
// the task engine's workers.
//
// A job leaves the journal on delivery, on a permanent upstream rejection or
// once its retry budget is spent. Anything else (engine queue full, shutdown,
// crash mid-attempt) leaves it in the journal for Sweep to resubmit.
type LocalQueue struct {
	cfg     LocalConfig
	journal Journal
	runner  Runner
	relayer Relayer
	bus     eventbus.Bus
	log     logx.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewLocalQueue(cfg LocalConfig, journal Journal, runner Runner, relayer Relayer, bus eventbus.Bus, log logx.Logger) *LocalQueue {
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = DefaultRelayTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LocalQueue{
		cfg:      cfg,
		journal:  journal,
		runner:   runner,
		relayer:  relayer,
		bus:      bus,
		log:      log,
		inflight: map[string]struct{}{},
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, job feed.RelayJob) error {
	if job.ID == "" {
		return fmt.Errorf("%w: job id required", feed.ErrQueueUnavailable)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if err := q.journal.PutRelayJob(ctx, job); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrQueueUnavailable, err)
	}
	q.publish(eventbus.RelayEnqueued, eventbus.RelayEvent{JobID: job.ID, FeedID: job.FeedID})

	// The job is durable from here on; a submit failure only delays it.
	if err := q.submit(job); err != nil {
		q.log.Warn("relay job deferred to sweep", logx.String("job", job.ID), logx.Err(err))
	}
	return nil
}

// Start replays the journal.
func (q *LocalQueue) Start(ctx context.Context) error {
	n, err := q.Sweep(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		q.log.Info("relay journal replayed", logx.Int("jobs", n))
	}
	return nil
}

// Stop is a no-op; in-flight jobs end with the engine and stay journaled.
func (q *LocalQueue) Stop(context.Context) {}

// Sweep resubmits journaled jobs that are not in flight. It returns the
// number submitted.
func (q *LocalQueue) Sweep(ctx context.Context) (int, error) {
	jobs, err := q.journal.PendingRelayJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", feed.ErrQueueUnavailable, err)
	}
	n := 0
	for _, job := range jobs {
		if q.isInflight(job.ID) {
			continue
		}
		if err := q.submit(job); err != nil {
			if errors.Is(err, engine.ErrQueueFull) {
				// The rest waits for the next sweep.
				break
			}
			if errors.Is(err, errInflight) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Pending lists journaled jobs.
func (q *LocalQueue) Pending(ctx context.Context) ([]feed.RelayJob, error) {
	return q.journal.PendingRelayJobs(ctx)
}

var errInflight = errors.New("relay job already in flight")

func (q *LocalQueue) submit(job feed.RelayJob) error {
	if !q.markInflight(job.ID) {
		return errInflight
	}

	remaining := q.cfg.RetryMax - job.Attempts
	if remaining < 0 {
		q.finish(job, job.Attempts, fmt.Errorf("%w: retry budget spent", feed.ErrRelayFailed))
		return nil
	}
	retryMax := remaining
	if retryMax == 0 {
		retryMax = -1 // engine: explicit "no retries"
	}

	cur := job
	interrupted := false
	err := q.runner.Enqueue(engine.Task{
		ID:      job.ID,
		Name:    "relay",
		Timeout: q.cfg.RelayTimeout,
		Opt: engine.TaskOptions{
			Overlap:       engine.OverlapAllow,
			RetryMax:      retryMax,
			RetryBase:     q.cfg.RetryBase,
			RetryMaxDelay: q.cfg.RetryMaxDelay,
		},
		Run: func(ctx context.Context) error {
			cur.Attempts++
			// Count the attempt before making it so a crash mid-attempt still
			// consumes budget.
			if err := q.journal.PutRelayJob(ctx, cur); err != nil {
				q.log.Warn("relay journal update failed", logx.String("job", cur.ID), logx.Err(err))
			}
			err := q.relayer.Relay(ctx, cur)
			if err != nil && errors.Is(ctx.Err(), context.Canceled) {
				interrupted = true
			}
			return err
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			q.publish(eventbus.RelayFailed, eventbus.RelayEvent{JobID: cur.ID, FeedID: cur.FeedID, Attempts: attempt - 1, Status: StatusCode(err), Error: err.Error()})
			q.log.Debug("relay retry", logx.String("job", cur.ID), logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		},
		OnDone: func(r engine.Result) {
			if r.Dropped || interrupted || errors.Is(r.Err, engine.ErrStopped) || errors.Is(r.Err, context.Canceled) {
				// Shutdown, not an upstream verdict.
				q.clearInflight(cur.ID)
				return
			}
			q.finish(cur, cur.Attempts, r.Err)
		},
	})
	if err != nil {
		q.clearInflight(job.ID)
		return err
	}
	return nil
}

// finish removes a job that reached a final outcome.
func (q *LocalQueue) finish(job feed.RelayJob, attempts int, err error) {
	defer q.clearInflight(job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := q.journal.DeleteRelayJob(ctx, job.ID); derr != nil {
		// Left behind; a later sweep will deliver it again.
		q.log.Warn("relay journal delete failed", logx.String("job", job.ID), logx.Err(derr))
	}

	took := time.Since(job.EnqueuedAt)
	ev := eventbus.RelayEvent{JobID: job.ID, FeedID: job.FeedID, Attempts: attempts, Took: took}
	if err == nil {
		q.publish(eventbus.RelayDelivered, ev)
		q.log.Debug("relay delivered", logx.String("job", job.ID), logx.String("feed", job.FeedID), logx.Int("attempts", attempts))
		return
	}
	ev.Status = StatusCode(err)
	ev.Error = err.Error()
	q.publish(eventbus.RelayDropped, ev)
	q.log.Warn("relay dropped",
		logx.String("job", job.ID),
		logx.String("feed", job.FeedID),
		logx.Int("attempts", attempts),
		logx.Int("status", ev.Status),
		logx.Err(err),
	)
}

func (q *LocalQueue) markInflight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; ok {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *LocalQueue) clearInflight(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

func (q *LocalQueue) isInflight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[id]
	return ok
}

func (q *LocalQueue) publish(typ string, ev eventbus.RelayEvent) {
	eventbus.Emit(q.bus, typ, ev)
}
