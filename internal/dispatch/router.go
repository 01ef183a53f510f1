// Package dispatch decides where a digest job runs: on a cached elastic
// endpoint, on the static service, or on a freshly provisioned instance.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"digest-dispatcher/internal/cache"
	"digest-dispatcher/internal/metadata"
	"digest-dispatcher/internal/models"
	"digest-dispatcher/internal/provision"
	"digest-dispatcher/internal/sender"
	"digest-dispatcher/internal/telemetry"
)

// Config holds the routing policy.
type Config struct {
	// BasicServerDomain is host[:port] of the static, always-available service.
	BasicServerDomain string
	ServiceContext    string
	ServicePath       string
	// SizeThreshold: objects of at least this many bytes need an elastic instance.
	SizeThreshold int64

	DispatcherName    string
	Hostname          string
	ImageID           string
	InstanceType      string
	InstancePort      int
	UsePrivateAddress bool
	InstanceLifetime  time.Duration
	Retry             sender.Policy
}

// ServiceFullPath is the cache key for the digest service.
func (c Config) ServiceFullPath() string {
	return c.ServiceContext + c.ServicePath
}

// StaticURL is the digest endpoint on the static service.
func (c Config) StaticURL() string {
	return "http://" + c.BasicServerDomain + c.ServiceFullPath()
}

// Recorder stores audit events. Failures to record never fail a dispatch.
type Recorder interface {
	RecordDispatch(ctx context.Context, ev models.DispatchEvent) error
}

// Router routes jobs. It is safe for concurrent use.
type Router struct {
	cfg       Config
	sizes     metadata.SizeSource
	endpoints *cache.Endpoints
	prov      provision.Provisioner
	sender    *sender.Sender
	recorder  Recorder
	logger    logrus.FieldLogger
}

// NewRouter wires a router. recorder may be nil.
func NewRouter(cfg Config, sizes metadata.SizeSource, endpoints *cache.Endpoints, prov provision.Provisioner, snd *sender.Sender, recorder Recorder, logger logrus.FieldLogger) *Router {
	if cfg.InstanceLifetime == 0 {
		cfg.InstanceLifetime = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = sender.DefaultPolicy
	}
	return &Router{
		cfg:       cfg,
		sizes:     sizes,
		endpoints: endpoints,
		prov:      prov,
		sender:    snd,
		recorder:  recorder,
		logger:    logger,
	}
}

// Route resolves the job's object size and delivers the job to the
// chosen endpoint, returning the endpoint's result.
func (r *Router) Route(ctx context.Context, job models.Job) (models.JobResult, error) {
	logger := r.logger.WithFields(logrus.Fields{"JobID": job.ID, "ObjectKey": job.ObjectKey})

	size, err := r.sizes.SizeOf(ctx, job.ObjectKey)
	if err != nil {
		err = &DispatchError{ObjectKey: job.ObjectKey, Err: &MetadataError{Key: job.ObjectKey, Err: err}}
		r.record(ctx, models.DispatchEvent{JobID: job.ID, ObjectKey: job.ObjectKey}, err)
		return models.JobResult{}, err
	}
	logger = logger.WithField("Size", humanize.IBytes(uint64(size)))
	ev := models.DispatchEvent{JobID: job.ID, ObjectKey: job.ObjectKey, Size: size}

	path := r.cfg.ServiceFullPath()
	if url, ok := r.endpoints.Get(path); ok {
		return r.sendOnce(ctx, logger, job, models.RouteCache, url, ev)
	}
	if size < r.cfg.SizeThreshold {
		return r.sendOnce(ctx, logger, job, models.RouteStatic, r.cfg.StaticURL(), ev)
	}
	return r.routeElastic(ctx, logger, job, ev)
}

func (r *Router) sendOnce(ctx context.Context, logger logrus.FieldLogger, job models.Job, route, url string, ev models.DispatchEvent) (models.JobResult, error) {
	logger = logger.WithFields(logrus.Fields{"Route": route, "Endpoint": url})
	logger.Info("dispatching job")
	ev.Route, ev.Endpoint, ev.Attempts = route, url, 1

	var result models.JobResult
	telemetry.DeliveryAttempts.Inc()
	if err := r.sender.Send(ctx, url, job, &result); err != nil {
		telemetry.Dispatches.WithLabelValues(route, "failed").Inc()
		err = &DispatchError{ObjectKey: job.ObjectKey, Route: route, Err: err}
		r.record(ctx, ev, err)
		return models.JobResult{}, err
	}
	telemetry.Dispatches.WithLabelValues(route, "ok").Inc()
	r.record(ctx, ev, nil)
	return result, nil
}

func (r *Router) routeElastic(ctx context.Context, logger logrus.FieldLogger, job models.Job, ev models.DispatchEvent) (models.JobResult, error) {
	ev.Route = models.RouteElastic
	logger = logger.WithField("Route", models.RouteElastic)
	logger.WithField("Threshold", humanize.IBytes(uint64(r.cfg.SizeThreshold))).Info("object exceeds threshold, provisioning elastic instance")

	spec := provision.InstanceSpec{
		ImageID:           r.cfg.ImageID,
		InstanceType:      r.cfg.InstanceType,
		Label:             fmt.Sprintf("time-limited server instance (spawned by %s) for %s", r.cfg.Hostname, r.cfg.DispatcherName),
		ServiceContext:    r.cfg.ServiceContext,
		Port:              r.cfg.InstancePort,
		UsePrivateAddress: r.cfg.UsePrivateAddress,
	}
	inst, err := r.prov.Provision(ctx, spec)
	if err != nil {
		telemetry.Dispatches.WithLabelValues(models.RouteElastic, "failed").Inc()
		err = &DispatchError{ObjectKey: job.ObjectKey, Route: models.RouteElastic, Err: err}
		r.record(ctx, ev, err)
		return models.JobResult{}, err
	}

	url := inst.BaseURL + r.cfg.ServicePath
	ev.Endpoint, ev.InstanceID = url, string(inst.ID)
	logger = logger.WithFields(logrus.Fields{"Endpoint": url, "InstanceID": inst.ID})

	var result models.JobResult
	res := r.sender.TrySend(ctx, url, job, &result, r.cfg.Retry)
	ev.Attempts = res.Attempts
	telemetry.DeliveryAttempts.Add(float64(res.Attempts))
	for _, f := range res.Failures {
		logger.WithError(f.Err).WithField("Attempt", f.Attempt).Warn("delivery attempt failed")
	}
	if res.Err != nil {
		telemetry.Dispatches.WithLabelValues(models.RouteElastic, "failed").Inc()
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if terr := r.prov.Terminate(tctx, inst); terr != nil {
			logger.WithError(terr).Error("failed to terminate instance after delivery failure")
		}
		cancel()
		err := &DispatchError{ObjectKey: job.ObjectKey, Route: models.RouteElastic, Err: res.Err}
		r.record(ctx, ev, err)
		return models.JobResult{}, err
	}

	r.endpoints.Put(r.cfg.ServiceFullPath(), url)
	r.prov.ScheduleCleanup(inst, r.cfg.InstanceLifetime)
	telemetry.Dispatches.WithLabelValues(models.RouteElastic, "ok").Inc()
	logger.WithField("Attempts", res.Attempts).Info("job delivered to elastic instance, endpoint cached")
	r.record(ctx, ev, nil)
	return result, nil
}

func (r *Router) record(ctx context.Context, ev models.DispatchEvent, err error) {
	if r.recorder == nil {
		return
	}
	if err != nil {
		msg := err.Error()
		ev.Error = &msg
	}
	ev.Recorded = time.Now().UTC()
	if rerr := r.recorder.RecordDispatch(ctx, ev); rerr != nil {
		r.logger.WithError(rerr).WithField("JobID", ev.JobID).Warn("failed to record dispatch event")
	}
}
