// Package provision brings elastic compute instances to a verified
// healthy, addressable state and arranges for their termination.
package provision

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"digest-dispatcher/internal/cloud"
	"digest-dispatcher/internal/poll"
	"digest-dispatcher/internal/telemetry"
)

const (
	defaultStatusInterval   = 15 * time.Second
	defaultStatusTimeout    = 600 * time.Second
	defaultHealthInterval   = 15 * time.Second
	defaultHealthTimeout    = 300 * time.Second
	defaultHealthPath       = "/hc"
	defaultTerminateTimeout = 30 * time.Second
)

// Provisioner creates elastic instances. The dispatcher depends only on
// this interface.
type Provisioner interface {
	Provision(ctx context.Context, spec InstanceSpec) (*Instance, error)
	ScheduleCleanup(inst *Instance, delay time.Duration) *CleanupTimer
	Terminate(ctx context.Context, inst *Instance) error
}

// Options tunes the readiness and health waits. Zero values take the
// defaults.
type Options struct {
	StatusInterval   time.Duration
	StatusTimeout    time.Duration
	HealthInterval   time.Duration
	HealthTimeout    time.Duration
	HealthPath       string
	TerminateTimeout time.Duration
}

func duration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// CleanupTimer is a pending deferred termination.
type CleanupTimer struct {
	InstanceID cloud.InstanceID
	Deadline   time.Time
	stop       func() bool
}

// Stop cancels the termination. It returns false if the timer already
// fired or was stopped.
func (t *CleanupTimer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// CloudProvisioner provisions instances directly through a cloud.Provider.
type CloudProvisioner struct {
	provider cloud.Provider
	checker   HealthChecker
	opts     Options
	logger   logrus.FieldLogger

	// Clock drives the readiness waits.
	Clock poll.Clock
	// AfterFunc arms cleanup timers. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)

	mtx     sync.Mutex
	pending map[cloud.InstanceID]*CleanupTimer
}

var _ Provisioner = (*CloudProvisioner)(nil)

// NewCloudProvisioner returns a provisioner backed by provider.
func NewCloudProvisioner(provider cloud.Provider, checker HealthChecker, opts Options, logger logrus.FieldLogger) *CloudProvisioner {
	opts.StatusInterval = duration(opts.StatusInterval, defaultStatusInterval)
	opts.StatusTimeout = duration(opts.StatusTimeout, defaultStatusTimeout)
	opts.HealthInterval = duration(opts.HealthInterval, defaultHealthInterval)
	opts.HealthTimeout = duration(opts.HealthTimeout, defaultHealthTimeout)
	opts.TerminateTimeout = duration(opts.TerminateTimeout, defaultTerminateTimeout)
	if opts.HealthPath == "" {
		opts.HealthPath = defaultHealthPath
	}
	return &CloudProvisioner{
		provider: provider,
		checker:   checker,
		opts:     opts,
		logger:   logger,
		Clock:    poll.RealClock{},
		AfterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		pending: make(map[cloud.InstanceID]*CleanupTimer),
	}
}

// Provision creates an instance, waits for the provider's status checks,
// then waits for the application health check. Any failure after the
// instance exists terminates it before returning a *ProvisioningError.
func (p *CloudProvisioner) Provision(ctx context.Context, spec InstanceSpec) (*Instance, error) {
	logger := p.logger.WithFields(logrus.Fields{
		"Label":        spec.Label,
		"ImageID":      spec.ImageID,
		"InstanceType": spec.InstanceType,
	})
	started := time.Now()
	logger.WithField("State", StateRequested).Info("provisioning elastic instance")

	id, err := p.provider.CreateInstance(ctx, spec.ImageID, spec.InstanceType, map[string]string{"Name": spec.Label})
	if err != nil {
		telemetry.ProvisionOutcomes.WithLabelValues("create_failed").Inc()
		return nil, &ProvisioningError{Stage: StateProvisioning, Err: err}
	}
	logger = logger.WithField("InstanceID", id)
	logger.WithField("State", StateProvisioning).Info("instance created")

	inst, stage, err := p.awaitServing(ctx, logger, id, spec)
	if err != nil {
		logger.WithError(err).WithField("State", stage).Warn("provisioning failed, terminating instance")
		p.terminate(id, logger)
		telemetry.ProvisionOutcomes.WithLabelValues("failed").Inc()
		return nil, &ProvisioningError{InstanceID: id, Stage: stage, Err: err}
	}

	telemetry.ProvisionOutcomes.WithLabelValues("ready").Inc()
	telemetry.ProvisionDuration.Observe(time.Since(started).Seconds())
	logger.WithFields(logrus.Fields{
		"State":   StateReady,
		"BaseURL": inst.BaseURL,
	}).Info("instance is healthy")
	return inst, nil
}

func (p *CloudProvisioner) awaitServing(ctx context.Context, logger logrus.FieldLogger, id cloud.InstanceID, spec InstanceSpec) (*Instance, State, error) {
	logger.WithField("State", StateAwaitingReady).Info("waiting for instance status checks")
	_, err := poll.Until(ctx, func(ctx context.Context) poll.Outcome[cloud.StatusSummary] {
		sum, found, err := p.provider.InstanceStatus(ctx, id)
		switch {
		case errors.Is(err, cloud.ErrNotFound):
			// a new instance can be invisible to describe calls for a while
			return poll.NotReady[cloud.StatusSummary]()
		case err != nil:
			return poll.Soft[cloud.StatusSummary](err)
		case found && sum.Ready():
			return poll.Success(sum)
		}
		logger.WithFields(logrus.Fields{
			"InstanceStatus": sum.InstanceStatus,
			"SystemStatus":   sum.SystemStatus,
		}).Debug("instance not ready yet")
		return poll.NotReady[cloud.StatusSummary]()
	}, poll.Options{
		Interval:        p.opts.StatusInterval,
		Timeout:         p.opts.StatusTimeout,
		MaxSoftFailures: poll.DefaultMaxSoftFailures,
		Clock:           p.Clock,
	})
	if err != nil {
		return nil, StateAwaitingReady, err
	}

	det, err := p.provider.DescribeInstance(ctx, id)
	if err != nil {
		return nil, StateAwaitingHealthy, err
	}
	base, err := baseURL(spec, det)
	if err != nil {
		return nil, StateAwaitingHealthy, err
	}

	hcURL := base + p.opts.HealthPath
	hlog := logger.WithFields(logrus.Fields{"State": StateAwaitingHealthy, "HealthURL": hcURL})
	hlog.Info("waiting for application health check")
	_, err = poll.Until(ctx, func(ctx context.Context) poll.Outcome[int] {
		code, err := p.checker.GetHealth(ctx, hcURL)
		if err != nil {
			hlog.WithError(err).Info("health check attempt failed")
			return poll.Soft[int](err)
		}
		hlog.WithField("StatusCode", code).Debug("health check response")
		if code == http.StatusOK {
			return poll.Success(code)
		}
		return poll.NotReady[int]()
	}, poll.Options{
		Interval:        p.opts.HealthInterval,
		Timeout:         p.opts.HealthTimeout,
		MaxSoftFailures: poll.DefaultMaxSoftFailures,
		Clock:           p.Clock,
	})
	if err != nil {
		return nil, StateAwaitingHealthy, err
	}

	return &Instance{
		ID:             id,
		PublicAddress:  det.PublicAddress,
		PrivateAddress: det.PrivateAddress,
		BaseURL:        base,
	}, StateReady, nil
}

// terminate is best effort; errors are logged only.
func (p *CloudProvisioner) terminate(id cloud.InstanceID, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.TerminateTimeout)
	defer cancel()
	if err := p.provider.TerminateInstance(ctx, id); err != nil {
		logger.WithError(err).Error("failed to terminate instance")
		return
	}
	telemetry.InstancesTerminated.Inc()
	logger.WithField("State", StateTerminated).Info("instance terminated")
}

// Terminate tears the instance down now and cancels any pending cleanup.
func (p *CloudProvisioner) Terminate(ctx context.Context, inst *Instance) error {
	p.mtx.Lock()
	if t, ok := p.pending[inst.ID]; ok {
		t.Stop()
		delete(p.pending, inst.ID)
	}
	p.mtx.Unlock()
	if err := p.provider.TerminateInstance(ctx, inst.ID); err != nil {
		return err
	}
	telemetry.InstancesTerminated.Inc()
	p.logger.WithFields(logrus.Fields{"InstanceID": inst.ID, "State": StateTerminated}).Info("instance terminated")
	return nil
}

// ScheduleCleanup arms a one-shot timer that terminates inst after delay.
func (p *CloudProvisioner) ScheduleCleanup(inst *Instance, delay time.Duration) *CleanupTimer {
	logger := p.logger.WithField("InstanceID", inst.ID)
	t := &CleanupTimer{InstanceID: inst.ID, Deadline: time.Now().Add(delay)}
	p.mtx.Lock()
	t.stop = p.AfterFunc(delay, func() {
		p.mtx.Lock()
		if p.pending[inst.ID] == t {
			delete(p.pending, inst.ID)
		}
		p.mtx.Unlock()
		p.terminate(inst.ID, logger)
	})
	p.pending[inst.ID] = t
	p.mtx.Unlock()
	logger.WithFields(logrus.Fields{
		"State":    StateScheduledTermination,
		"Deadline": t.Deadline,
	}).Info("instance termination scheduled")
	return t
}

// Pending returns the number of armed cleanup timers.
func (p *CloudProvisioner) Pending() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.pending)
}
