// Package intake polls the input queue and feeds jobs to the router.
package intake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"digest-dispatcher/internal/models"
	"digest-dispatcher/internal/poll"
	"digest-dispatcher/internal/queue"
	"digest-dispatcher/internal/telemetry"
)

// Router handles one job. dispatch.Router satisfies it.
type Router interface {
	Route(ctx context.Context, job models.Job) (models.JobResult, error)
}

// Options configures the loop. Zero values take the defaults.
type Options struct {
	InputQueue string
	// OutputQueue receives results; empty disables publishing.
	OutputQueue  string
	PollInterval time.Duration
	Workers      int
	Backlog      int
}

const (
	defaultPollInterval = 10 * time.Second
	defaultWorkers      = 10
	defaultBacklog      = 100
)

// Loop is the long-lived intake service. Messages are acknowledged when
// they are handed to a worker, so a job lost mid-processing is not
// redelivered.
type Loop struct {
	transport queue.Transport
	router    Router
	opts      Options
	logger    logrus.FieldLogger

	// Clock paces the polls.
	Clock poll.Clock

	mtx     sync.Mutex
	cancel  context.CancelFunc
	jobs    chan models.Job
	wg      sync.WaitGroup
	running bool
}

// New returns a stopped loop.
func New(transport queue.Transport, router Router, opts Options, logger logrus.FieldLogger) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	return &Loop{
		transport: transport,
		router:    router,
		opts:      opts,
		logger:    logger.WithField("InputQueue", opts.InputQueue),
		Clock:     poll.RealClock{},
	}
}

// Start launches the poller and the worker pool. It is a no-op if the
// loop is already running.
func (l *Loop) Start(ctx context.Context) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.running {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.jobs = make(chan models.Job, l.opts.Backlog)
	l.running = true

	for i := 0; i < l.opts.Workers; i++ {
		l.wg.Add(1)
		go l.work(ctx)
	}
	l.wg.Add(1)
	go l.run(ctx)
	l.logger.WithFields(logrus.Fields{
		"Workers":      l.opts.Workers,
		"PollInterval": l.opts.PollInterval,
	}).Info("intake loop started")
}

// Stop cancels polling and abandons in-flight jobs, then waits for the
// goroutines to return.
func (l *Loop) Stop() {
	l.mtx.Lock()
	if !l.running {
		l.mtx.Unlock()
		return
	}
	l.cancel()
	l.running = false
	l.mtx.Unlock()
	l.wg.Wait()
	l.logger.Info("intake loop stopped")
}

// run polls with a fixed delay: the wait starts after a poll completes.
func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	for {
		l.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-l.Clock.After(l.opts.PollInterval):
		}
	}
}

func (l *Loop) pollOnce(ctx context.Context) {
	msgs, err := l.transport.Receive(ctx, l.opts.InputQueue)
	if err != nil {
		if ctx.Err() == nil {
			telemetry.ReceiveErrors.Inc()
			l.logger.WithError(err).Warn("receive failed")
		}
		return
	}
	for _, msg := range msgs {
		telemetry.MessagesReceived.Inc()
		l.accept(ctx, msg)
	}
}

func (l *Loop) accept(ctx context.Context, msg queue.Message) {
	job, err := models.DecodeJob(msg.Body)
	if err != nil {
		telemetry.MessagesRejected.Inc()
		l.logger.WithError(err).WithField("Body", msg.Body).Warn("dropping malformed message")
		l.ack(ctx, msg)
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	select {
	case l.jobs <- job:
		l.ack(ctx, msg)
	default:
		logger := l.logger.WithField("JobID", job.ID)
		if err := l.transport.Release(ctx, l.opts.InputQueue, msg.AckToken); err != nil {
			logger.WithError(err).Error("worker backlog full and release failed")
			return
		}
		telemetry.MessagesDeferred.Inc()
		logger.Warn("worker backlog full, message returned to queue")
	}
}

func (l *Loop) ack(ctx context.Context, msg queue.Message) {
	if err := l.transport.Acknowledge(ctx, l.opts.InputQueue, msg.AckToken); err != nil {
		l.logger.WithError(err).Warn("acknowledge failed")
	}
}

func (l *Loop) work(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-l.jobs:
			l.handle(ctx, job)
		}
	}
}

func (l *Loop) handle(ctx context.Context, job models.Job) {
	logger := l.logger.WithFields(logrus.Fields{"JobID": job.ID, "ObjectKey": job.ObjectKey})
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	res, err := l.router.Route(ctx, job)
	if err != nil {
		logger.WithError(err).Error("job failed")
		return
	}
	logger.WithField("Digest", res.Digest).Info("job completed")
	if l.opts.OutputQueue == "" {
		return
	}
	body, err := res.Encode()
	if err != nil {
		logger.WithError(err).Error("cannot encode result")
		return
	}
	if err := l.transport.Publish(ctx, l.opts.OutputQueue, body); err != nil {
		logger.WithError(err).Error("failed to publish result")
		return
	}
	telemetry.ResultsPublished.Inc()
}
