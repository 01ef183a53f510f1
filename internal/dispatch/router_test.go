package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digest-dispatcher/internal/cache"
	"digest-dispatcher/internal/cloud"
	"digest-dispatcher/internal/metadata"
	"digest-dispatcher/internal/models"
	"digest-dispatcher/internal/poll/polltest"
	"digest-dispatcher/internal/provision"
	"digest-dispatcher/internal/sender"
)

const mb = 1 << 20

type staticSizes map[string]int64

func (s staticSizes) SizeOf(_ context.Context, key string) (int64, error) {
	size, ok := s[key]
	if !ok {
		return 0, metadata.ErrNotFound
	}
	return size, nil
}

type post struct {
	URL string
	Job models.Job
}

// recordingClient fails the first failures[url] posts to url.
type recordingClient struct {
	mtx      sync.Mutex
	failures map[string]int
	posts    []post
}

func (c *recordingClient) PostJSON(_ context.Context, url string, payload, out any) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	job := payload.(models.Job)
	c.posts = append(c.posts, post{URL: url, Job: job})
	if c.failures[url] > 0 {
		c.failures[url]--
		return errors.New("connection refused")
	}
	*out.(*models.JobResult) = models.JobResult{ObjectKey: job.ObjectKey, Algorithm: "sha256", Digest: "d1"}
	return nil
}

type fakeProvisioner struct {
	err        error
	provisions []provision.InstanceSpec
	cleanups   []time.Duration
	terminated []cloud.InstanceID
}

func (p *fakeProvisioner) Provision(_ context.Context, spec provision.InstanceSpec) (*provision.Instance, error) {
	p.provisions = append(p.provisions, spec)
	if p.err != nil {
		return nil, p.err
	}
	return &provision.Instance{ID: "i-0abc", PublicAddress: "54.1.2.3", BaseURL: "http://54.1.2.3:8080" + spec.ServiceContext}, nil
}

func (p *fakeProvisioner) ScheduleCleanup(inst *provision.Instance, delay time.Duration) *provision.CleanupTimer {
	p.cleanups = append(p.cleanups, delay)
	return &provision.CleanupTimer{InstanceID: inst.ID}
}

func (p *fakeProvisioner) Terminate(_ context.Context, inst *provision.Instance) error {
	p.terminated = append(p.terminated, inst.ID)
	return nil
}

type memRecorder struct {
	events []models.DispatchEvent
}

func (r *memRecorder) RecordDispatch(_ context.Context, ev models.DispatchEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testConfig = Config{
	BasicServerDomain: "digest.internal:8080",
	ServiceContext:    "/digest-service-no-limit",
	ServicePath:       "/ds/digest",
	SizeThreshold:     50 * mb,
	DispatcherName:    "digest-dispatcher-service",
	Hostname:          "host-1",
	ImageID:           "ami-7623811e",
	InstanceType:      "t2.small",
	InstancePort:      8080,
	InstanceLifetime:  10 * time.Minute,
	Retry:             sender.Policy{MaxAttempts: 3, Interval: 5 * time.Second},
}

const (
	staticURL  = "http://digest.internal:8080/digest-service-no-limit/ds/digest"
	elasticURL = "http://54.1.2.3:8080/digest-service-no-limit/ds/digest"
	cachedURL  = "http://10.0.0.9:8080/digest-service-no-limit/ds/digest"
	cacheKey   = "/digest-service-no-limit/ds/digest"
)

type fixture struct {
	router    *Router
	client    *recordingClient
	endpoints *cache.Endpoints
	clock     *polltest.Clock
	recorder  *memRecorder
}

func newFixture(prov provision.Provisioner) *fixture {
	f := &fixture{
		client:    &recordingClient{failures: map[string]int{}},
		endpoints: cache.NewEndpoints(),
		clock:     polltest.NewClock(),
		recorder:  &memRecorder{},
	}
	sizes := staticSizes{"small.bin": 40 * mb, "large.bin": 80 * mb, "edge.bin": 50 * mb}
	f.router = NewRouter(testConfig, sizes, f.endpoints, prov, sender.New(f.client, f.clock), f.recorder, testLogger())
	return f
}

func TestRouteSmallObjectGoesToStatic(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)

	res, err := f.router.Route(context.Background(), models.Job{ID: "j1", ObjectKey: "small.bin"})
	require.NoError(t, err)
	assert.Equal(t, "d1", res.Digest)
	assert.Equal(t, []post{{URL: staticURL, Job: models.Job{ID: "j1", ObjectKey: "small.bin"}}}, f.client.posts)
	assert.Empty(t, prov.provisions)
	assert.Empty(t, f.endpoints.Snapshot())

	require.Len(t, f.recorder.events, 1)
	assert.Equal(t, models.RouteStatic, f.recorder.events[0].Route)
	assert.Nil(t, f.recorder.events[0].Error)
}

func TestRouteThresholdIsInclusive(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "edge.bin"})
	require.NoError(t, err)
	assert.Len(t, prov.provisions, 1)
}

func TestRouteStaticFailureIsNotRetried(t *testing.T) {
	f := newFixture(&fakeProvisioner{})
	f.client.failures[staticURL] = 1

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "small.bin"})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, models.RouteStatic, de.Route)
	var delivery *sender.DeliveryError
	assert.ErrorAs(t, err, &delivery)
	assert.Len(t, f.client.posts, 1)
	assert.Empty(t, f.clock.Sleeps())
}

func TestRouteLargeObjectProvisions(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)

	res, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	require.NoError(t, err)
	assert.Equal(t, "large.bin", res.ObjectKey)

	require.Len(t, prov.provisions, 1)
	spec := prov.provisions[0]
	assert.Equal(t, "ami-7623811e", spec.ImageID)
	assert.Equal(t, "t2.small", spec.InstanceType)
	assert.Equal(t, "time-limited server instance (spawned by host-1) for digest-dispatcher-service", spec.Label)
	assert.Equal(t, "/digest-service-no-limit", spec.ServiceContext)

	assert.Equal(t, map[string]string{cacheKey: elasticURL}, f.endpoints.Snapshot())
	assert.Equal(t, []time.Duration{10 * time.Minute}, prov.cleanups)
	assert.Empty(t, prov.terminated)
	assert.Equal(t, "i-0abc", f.recorder.events[0].InstanceID)
}

func TestRouteElasticRetriesDelivery(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)
	f.client.failures[elasticURL] = 2

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	require.NoError(t, err)
	assert.Len(t, f.client.posts, 3)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, f.clock.Sleeps())
	assert.Equal(t, 3, f.recorder.events[0].Attempts)
	assert.Contains(t, f.endpoints.Snapshot(), cacheKey)
}

func TestRouteElasticDeliveryExhaustedTerminates(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)
	f.client.failures[elasticURL] = 3

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, models.RouteElastic, de.Route)
	assert.Len(t, f.client.posts, 3)
	assert.Equal(t, []cloud.InstanceID{"i-0abc"}, prov.terminated)
	assert.Empty(t, prov.cleanups)
	assert.Empty(t, f.endpoints.Snapshot())
	require.NotNil(t, f.recorder.events[0].Error)
}

func TestRouteProvisioningFailure(t *testing.T) {
	prov := &fakeProvisioner{err: &provision.ProvisioningError{Stage: provision.StateRequested, Err: cloud.ErrQuota}}
	f := newFixture(prov)

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	var pe *provision.ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, cloud.ErrQuota)
	assert.Empty(t, f.client.posts)
	assert.Empty(t, f.endpoints.Snapshot())
}

func TestRouteCachedEndpoint(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)
	f.endpoints.Put(cacheKey, cachedURL)

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	require.NoError(t, err)
	assert.Equal(t, cachedURL, f.client.posts[0].URL)
	assert.Len(t, f.client.posts, 1)
	assert.Empty(t, prov.provisions)
	assert.Equal(t, map[string]string{cacheKey: cachedURL}, f.endpoints.Snapshot())
	assert.Equal(t, models.RouteCache, f.recorder.events[0].Route)
}

func TestRouteWarmCacheNeverProvisionsAgain(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)
	ctx := context.Background()

	_, err := f.router.Route(ctx, models.Job{ObjectKey: "large.bin"})
	require.NoError(t, err)
	_, err = f.router.Route(ctx, models.Job{ObjectKey: "large.bin"})
	require.NoError(t, err)
	_, err = f.router.Route(ctx, models.Job{ObjectKey: "small.bin"})
	require.NoError(t, err)

	assert.Len(t, prov.provisions, 1)
	assert.Len(t, prov.cleanups, 1)
	require.Len(t, f.client.posts, 3)
	for _, p := range f.client.posts {
		assert.Equal(t, elasticURL, p.URL)
	}
	assert.Equal(t, map[string]string{cacheKey: elasticURL}, f.endpoints.Snapshot())
}

func TestRouteCachedEndpointAppliesToSmallObjects(t *testing.T) {
	f := newFixture(&fakeProvisioner{})
	f.endpoints.Put(cacheKey, cachedURL)

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "small.bin"})
	require.NoError(t, err)
	assert.Equal(t, cachedURL, f.client.posts[0].URL)
}

func TestRouteCachedEndpointFailureIsNotRetried(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)
	f.endpoints.Put(cacheKey, cachedURL)
	f.client.failures[cachedURL] = 1

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, models.RouteCache, de.Route)
	assert.Len(t, f.client.posts, 1)
	assert.Empty(t, prov.provisions)
	assert.Equal(t, map[string]string{cacheKey: cachedURL}, f.endpoints.Snapshot())
}

func TestRouteUnknownObject(t *testing.T) {
	prov := &fakeProvisioner{}
	f := newFixture(prov)

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "missing.bin"})
	var me *MetadataError
	require.ErrorAs(t, err, &me)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	assert.Empty(t, f.client.posts)
	assert.Empty(t, prov.provisions)
}

// cloudFake backs a real CloudProvisioner for end-to-end scenarios.
type cloudFake struct {
	mtx        sync.Mutex
	terminated []cloud.InstanceID
	created    int
}

func (c *cloudFake) CreateInstance(context.Context, string, string, map[string]string) (cloud.InstanceID, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.created++
	return "i-0abc", nil
}

func (c *cloudFake) DescribeInstance(context.Context, cloud.InstanceID) (cloud.InstanceDetails, error) {
	return cloud.InstanceDetails{ID: "i-0abc", State: "running", PublicAddress: "54.1.2.3"}, nil
}

func (c *cloudFake) InstanceStatus(context.Context, cloud.InstanceID) (cloud.StatusSummary, bool, error) {
	return cloud.StatusSummary{InstanceStatus: cloud.StatusOK, SystemStatus: cloud.StatusOK}, true, nil
}

func (c *cloudFake) TerminateInstance(_ context.Context, id cloud.InstanceID) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.terminated = append(c.terminated, id)
	return nil
}

type constChecker int

func (p constChecker) GetHealth(context.Context, string) (int, error) { return int(p), nil }

func newCloudFixture(checker provision.HealthChecker) (*fixture, *cloudFake, *[]time.Duration) {
	cf := &cloudFake{}
	prov := provision.NewCloudProvisioner(cf, checker, provision.Options{}, testLogger())
	prov.Clock = polltest.NewClock()
	var armed []time.Duration
	prov.AfterFunc = func(d time.Duration, _ func()) func() bool {
		armed = append(armed, d)
		return func() bool { return true }
	}
	return newFixture(prov), cf, &armed
}

func TestEndToEndProvisionAndDeliver(t *testing.T) {
	f, cf, armed := newCloudFixture(constChecker(http.StatusOK))

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	require.NoError(t, err)
	assert.Equal(t, 1, cf.created)
	assert.Equal(t, []post{{URL: elasticURL, Job: models.Job{ObjectKey: "large.bin"}}}, f.client.posts)
	assert.Equal(t, map[string]string{cacheKey: elasticURL}, f.endpoints.Snapshot())
	assert.Equal(t, []time.Duration{10 * time.Minute}, *armed)
	assert.Empty(t, cf.terminated)
}

func TestEndToEndHealthNeverPasses(t *testing.T) {
	f, cf, armed := newCloudFixture(constChecker(http.StatusServiceUnavailable))

	_, err := f.router.Route(context.Background(), models.Job{ObjectKey: "large.bin"})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	var pe *provision.ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []cloud.InstanceID{"i-0abc"}, cf.terminated)
	assert.Empty(t, f.endpoints.Snapshot())
	assert.Empty(t, f.client.posts)
	assert.Empty(t, *armed)
}
