package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/storegw/internal/config"
	"github.com/vyrodovalexey/storegw/internal/observability"
	"github.com/vyrodovalexey/storegw/internal/util"
)

// Snapshot is an immutable view of every tracked service. It is never
// modified after publication; writers build a new one.
type Snapshot struct {
	Services map[string]*ServiceEntry
	BuiltAt  time.Time
}

// ServiceEntry is the state of one service inside a snapshot.
type ServiceEntry struct {
	Instances []Instance
	// RefreshedAt is the time of the last successful pull or pushed change.
	RefreshedAt time.Time
	// LastError is the error of the most recent failed pull, if it failed.
	LastError string
}

// ServiceView is the resolved state of a service for the admin API.
type ServiceView struct {
	Service     string     `json:"service"`
	RefreshedAt time.Time  `json:"refreshedAt,omitempty"`
	Stale       bool       `json:"stale"`
	LastError   string     `json:"lastError,omitempty"`
	Instances   []Instance `json:"instances"`
}

// Options configures a Client.
type Options struct {
	// Services are the service names to track.
	Services []string

	RefreshInterval time.Duration
	StalenessBound  time.Duration
	HeartbeatTTL    time.Duration

	Logger  observability.Logger
	Metrics *observability.Metrics
	Clock   func() time.Time
}

// Client is the registry client.
type Client struct {
	source   Source
	services []string
	opts     Options
	logger   observability.Logger
	now      func() time.Time

	snapshot  atomic.Pointer[Snapshot]
	overrides *util.ShardedMap[time.Time]
	ready     atomic.Bool

	// writeMu serializes snapshot writers. Readers never take it.
	writeMu sync.Mutex

	listenerMu sync.RWMutex
	onRemove   []func(Instance)
}

// NewClient creates a registry client over source. Nothing is fetched
// until Refresh or Run is called.
func NewClient(source Source, opts Options) *Client {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = config.DefaultRefreshInterval
	}
	if opts.StalenessBound <= 0 {
		opts.StalenessBound = config.DefaultStalenessBound
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	services := append([]string(nil), opts.Services...)
	sort.Strings(services)

	c := &Client{
		source:    source,
		services:  services,
		opts:      opts,
		logger:    opts.Logger.Named("registry"),
		now:       opts.Clock,
		overrides: util.NewShardedMap[time.Time](util.DefaultShardCount),
	}

	entries := make(map[string]*ServiceEntry, len(services))
	for _, svc := range services {
		entries[svc] = &ServiceEntry{}
	}
	c.snapshot.Store(&Snapshot{Services: entries, BuiltAt: c.now()})

	return c
}

// Services returns the tracked service names in sorted order.
func (c *Client) Services() []string {
	return append([]string(nil), c.services...)
}

// Ready reports whether at least one refresh has succeeded.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// OnRemove registers a listener called for every instance that leaves the
// registry. Listeners run after the new snapshot is published.
func (c *Client) OnRemove(fn func(Instance)) {
	c.listenerMu.Lock()
	c.onRemove = append(c.onRemove, fn)
	c.listenerMu.Unlock()
}

// Resolve returns the instances of service from the current snapshot.
// It never performs I/O. The returned slice is the caller's own copy.
//
// Instances of a service not refreshed within the staleness bound are
// reported as HealthUnknown with Stale set. Instances marked unhealthy
// through MarkUnhealthy are reported as HealthUnhealthy until the mark
// expires.
func (c *Client) Resolve(service string) []Instance {
	entry, ok := c.snapshot.Load().Services[service]
	if !ok || len(entry.Instances) == 0 {
		return nil
	}

	now := c.now()
	stale := c.isStale(entry, now)

	out := make([]Instance, len(entry.Instances))
	for i, inst := range entry.Instances {
		if stale {
			inst.Health = HealthUnknown
			inst.Stale = true
		}
		if until, marked := c.overrides.Load(inst.Key()); marked && now.Before(until) {
			inst.Health = HealthUnhealthy
		}
		out[i] = inst
	}
	return out
}

func (c *Client) isStale(entry *ServiceEntry, now time.Time) bool {
	return entry.RefreshedAt.IsZero() || now.Sub(entry.RefreshedAt) > c.opts.StalenessBound
}

// MarkUnhealthy forces an instance to HealthUnhealthy for ttl. It is fed by
// circuit breaker transitions; removal is still decided by the registry.
func (c *Client) MarkUnhealthy(service, address string, ttl time.Duration) {
	c.overrides.Store(InstanceKey(service, address), c.now().Add(ttl))
	c.logger.Debug("instance marked unhealthy",
		observability.String("service", service),
		observability.String("address", address),
		observability.Duration("ttl", ttl),
	)
}

// ClearUnhealthy removes a mark set by MarkUnhealthy.
func (c *Client) ClearUnhealthy(service, address string) {
	c.overrides.Delete(InstanceKey(service, address))
}

// Snapshot returns the resolved state of every tracked service.
func (c *Client) Snapshot() []ServiceView {
	snap := c.snapshot.Load()
	now := c.now()

	views := make([]ServiceView, 0, len(c.services))
	for _, svc := range c.services {
		entry := snap.Services[svc]
		instances := c.Resolve(svc)
		if instances == nil {
			instances = []Instance{}
		}
		views = append(views, ServiceView{
			Service:     svc,
			RefreshedAt: entry.RefreshedAt,
			Stale:       c.isStale(entry, now),
			LastError:   entry.LastError,
			Instances:   instances,
		})
	}
	return views
}

// Refresh pulls every tracked service from the source and publishes a new
// snapshot. A service whose pull fails keeps its previous instances and
// refresh time. The returned error joins the per-service failures.
func (c *Client) Refresh(ctx context.Context) error {
	c.writeMu.Lock()

	old := c.snapshot.Load()
	now := c.now()
	next := make(map[string]*ServiceEntry, len(c.services))

	var errs []error
	succeeded := 0
	for _, svc := range c.services {
		prev := old.Services[svc]

		instances, err := c.source.ListInstances(ctx, svc)
		c.recordRefresh(svc, err)
		if err != nil {
			c.logger.Warn("registry refresh failed, keeping previous instances",
				observability.String("service", svc),
				observability.Int("instances", len(prev.Instances)),
				observability.Error(err),
			)
			errs = append(errs, fmt.Errorf("service %s: %w", svc, err))
			next[svc] = &ServiceEntry{
				Instances:   c.expireHeartbeats(prev.Instances, now),
				RefreshedAt: prev.RefreshedAt,
				LastError:   err.Error(),
			}
			continue
		}

		succeeded++
		next[svc] = &ServiceEntry{
			Instances:   c.expireHeartbeats(c.sanitize(svc, instances), now),
			RefreshedAt: now,
		}
	}

	removed := c.publish(old, next, now)
	c.overrides.DeleteIf(func(_ string, until time.Time) bool { return !now.Before(until) })
	c.writeMu.Unlock()

	if succeeded > 0 || len(c.services) == 0 {
		c.ready.Store(true)
	}
	c.notifyRemoved(removed)

	return errors.Join(errs...)
}

// sanitize drops invalid instances and fills defaults.
func (c *Client) sanitize(service string, instances []Instance) []Instance {
	out := make([]Instance, 0, len(instances))
	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		inst = inst.normalize(service)
		if inst.Service != service {
			continue
		}
		if err := inst.Validate(); err != nil {
			c.logger.Warn("ignoring invalid instance", observability.Error(err))
			continue
		}
		if _, dup := seen[inst.Key()]; dup {
			continue
		}
		seen[inst.Key()] = struct{}{}
		inst.Stale = false
		out = append(out, inst)
	}
	return out
}

// expireHeartbeats drops instances whose heartbeat is older than HeartbeatTTL.
// Instances without a heartbeat timestamp are kept.
func (c *Client) expireHeartbeats(instances []Instance, now time.Time) []Instance {
	if c.opts.HeartbeatTTL <= 0 {
		return instances
	}
	out := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		if !inst.LastHeartbeat.IsZero() && now.Sub(inst.LastHeartbeat) > c.opts.HeartbeatTTL {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// publish swaps in the new snapshot and returns the instances that left.
// It must be called with writeMu held.
func (c *Client) publish(old *Snapshot, next map[string]*ServiceEntry, now time.Time) []Instance {
	c.snapshot.Store(&Snapshot{Services: next, BuiltAt: now})

	var removed []Instance
	for svc, prev := range old.Services {
		current := make(map[string]struct{}, len(next[svc].Instances))
		for _, inst := range next[svc].Instances {
			current[inst.Key()] = struct{}{}
		}
		for _, inst := range prev.Instances {
			if _, ok := current[inst.Key()]; !ok {
				removed = append(removed, inst)
			}
		}
	}

	c.recordInstances(next, now)
	return removed
}

func (c *Client) notifyRemoved(removed []Instance) {
	if len(removed) == 0 {
		return
	}

	c.listenerMu.RLock()
	listeners := c.onRemove
	c.listenerMu.RUnlock()

	for _, inst := range removed {
		c.overrides.Delete(inst.Key())
		c.logger.Info("instance removed",
			observability.String("service", inst.Service),
			observability.String("address", inst.Address),
		)
		for _, fn := range listeners {
			fn(inst)
		}
	}
}

// Apply applies a pushed event copy-on-write. Events for untracked
// services are ignored. EventResync triggers a full Refresh.
func (c *Client) Apply(ctx context.Context, ev Event) error {
	if ev.Type == EventResync {
		return c.Refresh(ctx)
	}

	svc := ev.Instance.Service
	c.writeMu.Lock()
	old := c.snapshot.Load()
	prev, tracked := old.Services[svc]
	if !tracked {
		c.writeMu.Unlock()
		return nil
	}

	now := c.now()
	inst := ev.Instance.normalize(svc)
	instances := make([]Instance, 0, len(prev.Instances)+1)
	replaced := false
	for _, existing := range prev.Instances {
		if existing.ID != inst.ID {
			instances = append(instances, existing)
			continue
		}
		if ev.Type == EventUpsert && !replaced {
			instances = append(instances, inst)
			replaced = true
		}
	}

	switch ev.Type {
	case EventUpsert:
		if err := inst.Validate(); err != nil {
			c.writeMu.Unlock()
			return err
		}
		if !replaced {
			instances = append(instances, inst)
		}
	case EventRemove:
	default:
		c.writeMu.Unlock()
		return fmt.Errorf("unsupported registry event %d", ev.Type)
	}

	next := make(map[string]*ServiceEntry, len(old.Services))
	for name, entry := range old.Services {
		next[name] = entry
	}
	next[svc] = &ServiceEntry{
		Instances:   instances,
		RefreshedAt: now,
		LastError:   prev.LastError,
	}

	removed := c.publish(old, next, now)
	c.writeMu.Unlock()

	c.notifyRemoved(removed)
	return nil
}

// Run refreshes every RefreshInterval until ctx is done. When the source
// implements Watcher, pushed events are applied as they arrive and the
// watch is re-established on the next tick if it ends.
func (c *Client) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial registry refresh incomplete", observability.Error(err))
	}

	watcher, _ := c.source.(Watcher)
	var events <-chan Event
	if watcher != nil {
		events = c.startWatch(ctx, watcher)
	}

	ticker := time.NewTicker(c.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("registry client stopped")
			return

		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Debug("registry refresh incomplete", observability.Error(err))
			}
			if watcher != nil && events == nil {
				events = c.startWatch(ctx, watcher)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				if ctx.Err() == nil {
					c.logger.Warn("registry watch ended, falling back to polling until next tick")
				}
				continue
			}
			if err := c.Apply(ctx, ev); err != nil {
				c.logger.Warn("failed to apply registry event",
					observability.String("type", ev.Type.String()),
					observability.String("service", ev.Instance.Service),
					observability.Error(err),
				)
			}
		}
	}
}

func (c *Client) startWatch(ctx context.Context, w Watcher) <-chan Event {
	events, err := w.Watch(ctx, c.Services())
	if err != nil {
		c.logger.Warn("registry watch failed", observability.Error(err))
		return nil
	}
	return events
}

func (c *Client) recordRefresh(service string, err error) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordRegistryRefresh(service, err)
	}
}

func (c *Client) recordInstances(entries map[string]*ServiceEntry, now time.Time) {
	if c.opts.Metrics == nil {
		return
	}
	for svc, entry := range entries {
		counts := map[Health]int{HealthHealthy: 0, HealthUnhealthy: 0, HealthUnknown: 0}
		for _, inst := range entry.Instances {
			counts[inst.Health]++
		}
		for health, n := range counts {
			c.opts.Metrics.SetRegistryInstances(svc, health.String(), n)
		}
		if !entry.RefreshedAt.IsZero() {
			c.opts.Metrics.SetRegistryAge(svc, now.Sub(entry.RefreshedAt))
		}
	}
}
