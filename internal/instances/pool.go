package instances

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/prodo-dev/plz/internal/containers"
	"github.com/prodo-dev/plz/internal/metrics"
	"github.com/prodo-dev/plz/internal/model"
	"github.com/prodo-dev/plz/internal/plzerr"
)

const (
	DefaultMaxTries = 60
	DefaultDelay    = 5 * time.Second

	stopTimeout = 10 * time.Second
	// A binding whose container never appeared is dropped after this long.
	staleLaunchAfter = 10 * time.Minute
)

// Backend is one source of instances. It owns the records; the Pool decides
// which instance serves which execution.
type Backend interface {
	Name() string
	// Instances lists every instance, bound or not.
	Instances(ctx context.Context) ([]*Instance, error)
	// RequestCapacity adds one unbound instance. A nil instance means the
	// capacity was requested but shows up in Instances later.
	RequestCapacity(ctx context.Context, req CapacityRequest) (*Instance, Status, error)
	// Reachable reports whether the instance daemon answers.
	Reachable(ctx context.Context, inst *Instance) bool
	Doctor(ctx context.Context) *DoctorReport
}

type CapacityRequest struct {
	InstanceType   string
	MaxIdleSeconds int64
}

type AcquireRequest struct {
	InstanceType string
	User         string
	// MaxIdleSeconds below zero means the pool default.
	MaxIdleSeconds   int64
	MaxUptimeSeconds int64
}

func AcquireRequestFor(spec model.ExecutionSpec, market model.InstanceMarketSpec) AcquireRequest {
	req := AcquireRequest{
		InstanceType:   spec.InstanceType,
		User:           spec.User,
		MaxIdleSeconds: market.MaxIdleSeconds(-1),
	}
	if spec.InstanceMaxUptimeInMinutes != nil {
		req.MaxUptimeSeconds = int64(*spec.InstanceMaxUptimeInMinutes) * 60
	}
	return req
}

type ReleaseOptions struct {
	// IdleSince defaults to now.
	IdleSince      time.Time
	FailIfNotFound bool
}

type KillRequest struct {
	// InstanceIDs nil means every bound instance, plus idle ones with
	// IncludingIdle.
	InstanceIDs     []string
	User            string
	IgnoreOwnership bool
	IncludingIdle   bool
	ForceIfNotIdle  bool
}

// HarvestFunc collects the artifacts of an exited execution before its
// instance is released.
type HarvestFunc func(ctx context.Context, inst *Instance, state *containers.State) error

type InstanceProvider interface {
	// AcquireInstance binds an instance to executionID. The returned
	// channel ends with StatusStarted or StatusFailed and must be drained.
	AcquireInstance(ctx context.Context, executionID string, req AcquireRequest) <-chan Event
	ReleaseInstance(ctx context.Context, executionID string, opts ReleaseOptions) error
	InstanceFor(ctx context.Context, executionID string) (*Instance, error)
	Push(ctx context.Context, tag string) error
	Bindings(ctx context.Context) iter.Seq2[*Instance, error]
	Instances(ctx context.Context) ([]*Instance, error)
	TidyUp(ctx context.Context, harvest HarvestFunc) error
	KillInstances(ctx context.Context, req KillRequest) (bool, error)
	Doctor(ctx context.Context) *DoctorReport
}

type Pusher interface {
	Push(ctx context.Context, tag string) error
}

// Pool implements InstanceProvider over one Backend. Bindings live with the
// instances; the pool only keeps reservations for acquisitions in flight.
type Pool struct {
	Backend Backend
	Images  Pusher

	MaxTries int
	// Delay is the wait between availability polls. Zero means DefaultDelay;
	// a negative delay polls without waiting.
	Delay                 time.Duration
	DefaultMaxIdleSeconds int64

	Logger  *log.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	mu sync.Mutex
	// instance id -> execution id
	reserved map[string]string
}

var _ InstanceProvider = (*Pool)(nil)

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pool) maxTries() int {
	if p.MaxTries <= 0 {
		return DefaultMaxTries
	}
	return p.MaxTries
}

func (p *Pool) delay() time.Duration {
	switch {
	case p.Delay < 0:
		return 0
	case p.Delay == 0:
		return DefaultDelay
	}
	return p.Delay
}

func (p *Pool) AcquireInstance(ctx context.Context, executionID string, req AcquireRequest) <-chan Event {
	events := make(chan Event, 8)
	// Acquisition outlives the request that started it so capacity is
	// never left half-claimed.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(events)
		began := p.now()
		inst, err := p.acquire(ctx, executionID, req, func(ev Event) { events <- ev })
		if err != nil {
			p.Metrics.ObserveAcquisition(string(StatusFailed), p.now().Sub(began))
			if p.Logger != nil {
				p.Logger.Warn("instance acquisition failed", "execution_id", executionID, "error", err)
			}
			events <- Event{Status: StatusFailed, Err: err}
			return
		}
		p.Metrics.ObserveAcquisition(string(StatusStarted), p.now().Sub(began))
		if p.Logger != nil {
			p.Logger.Info("instance acquired", "execution_id", executionID, "instance_id", inst.ID())
		}
		events <- Event{Status: StatusStarted, InstanceID: inst.ID()}
	}()
	return events
}

var errNotReady = errors.New("no reachable instance yet")

func (p *Pool) acquire(ctx context.Context, executionID string, req AcquireRequest, emit func(Event)) (*Instance, error) {
	if executionID == "" {
		return nil, plzerr.Validation("missing execution id")
	}
	if req.MaxIdleSeconds < 0 {
		req.MaxIdleSeconds = p.DefaultMaxIdleSeconds
	}
	emit(Event{Status: StatusQueryingAvailability})
	defer p.unreserve(executionID)

	p.mu.Lock()
	candidate, status, growErr := p.claimLocked(ctx, executionID, req, true)
	p.mu.Unlock()
	if growErr != nil && !plzerr.Is(growErr, plzerr.KindCapacity) {
		return nil, growErr
	}
	if candidate != nil && candidate.ExecutionID() == executionID {
		return candidate, nil
	}
	if status != "" {
		ev := Event{Status: status}
		if candidate != nil {
			ev.InstanceID = candidate.ID()
		}
		emit(ev)
	}

	var bound *Instance
	attempt := func() error {
		if candidate == nil {
			p.mu.Lock()
			next, _, err := p.claimLocked(ctx, executionID, req, false)
			p.mu.Unlock()
			if err != nil {
				return err
			}
			if next == nil {
				return errNotReady
			}
			candidate = next
		}
		if !p.Backend.Reachable(ctx, candidate) {
			return errNotReady
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		err := candidate.bind(Binding{
			ExecutionID:      executionID,
			User:             req.User,
			MaxIdleSeconds:   req.MaxIdleSeconds,
			BoundAt:          p.now().Unix(),
			MaxUptimeSeconds: req.MaxUptimeSeconds,
		})
		if err != nil {
			delete(p.reserved, candidate.ID())
			candidate = nil
			return err
		}
		bound = candidate
		return nil
	}
	poll := func() error {
		err := attempt()
		if err != nil {
			ev := Event{Status: StatusPending}
			if candidate != nil {
				ev.InstanceID = candidate.ID()
			}
			emit(ev)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.Logger != nil && !errors.Is(err, errNotReady) {
			p.Logger.Debug("instance not usable yet", "execution_id", executionID, "error", err, "retry_in", wait)
		}
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.delay()), uint64(p.maxTries()-1))
	if err := backoff.RetryNotify(poll, b, notify); err != nil {
		capErr := plzerr.Capacity("no instance became available for execution %s after %d tries", executionID, p.maxTries()).Wrap(err)
		if growErr != nil {
			capErr = capErr.Wrap(growErr).WithCode(plzerr.CodeOf(growErr))
		}
		return nil, capErr
	}
	return bound, nil
}

// claimLocked finds an unbound, unreserved instance of the requested type
// and reserves it. With grow set and nothing free it asks the backend for
// capacity once. Callers hold p.mu.
func (p *Pool) claimLocked(ctx context.Context, executionID string, req AcquireRequest, grow bool) (*Instance, Status, error) {
	if p.reserved == nil {
		p.reserved = map[string]string{}
	}
	insts, err := p.Backend.Instances(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, inst := range insts {
		if inst.ExecutionID() == executionID {
			return inst, "", nil
		}
	}
	for _, inst := range insts {
		if inst.Binding().Bound() {
			continue
		}
		if req.InstanceType != "" && inst.InstanceType() != req.InstanceType {
			continue
		}
		if owner, ok := p.reserved[inst.ID()]; ok && owner != executionID {
			continue
		}
		p.reserved[inst.ID()] = executionID
		return inst, "", nil
	}
	if !grow {
		return nil, "", nil
	}

	inst, status, err := p.Backend.RequestCapacity(ctx, CapacityRequest{
		InstanceType:   req.InstanceType,
		MaxIdleSeconds: req.MaxIdleSeconds,
	})
	if err != nil {
		return nil, "", err
	}
	if inst != nil {
		p.reserved[inst.ID()] = executionID
	}
	return inst, status, nil
}

func (p *Pool) unreserve(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, owner := range p.reserved {
		if owner == executionID {
			delete(p.reserved, id)
		}
	}
}

func (p *Pool) reservedLocked(instanceID string) bool {
	_, ok := p.reserved[instanceID]
	return ok
}

func (p *Pool) ReleaseInstance(ctx context.Context, executionID string, opts ReleaseOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	inst, err := p.InstanceFor(ctx, executionID)
	if err != nil {
		return err
	}
	if inst == nil {
		if opts.FailIfNotFound {
			return plzerr.NotFound("no instance is bound to execution %s", executionID).WithCode(plzerr.CodeInstanceNotFound)
		}
		return nil
	}
	if err := inst.Cleanup(ctx); err != nil {
		return fmt.Errorf("clean up instance %s: %w", inst.ID(), err)
	}
	idleSince := opts.IdleSince
	if idleSince.IsZero() {
		idleSince = p.now()
	}
	if err := inst.unbind(idleSince); err != nil {
		return err
	}
	if p.Logger != nil {
		p.Logger.Info("instance released", "execution_id", executionID, "instance_id", inst.ID())
	}
	return nil
}

// InstanceFor returns the instance bound to executionID, or nil.
func (p *Pool) InstanceFor(ctx context.Context, executionID string) (*Instance, error) {
	if executionID == "" {
		return nil, nil
	}
	insts, err := p.Backend.Instances(ctx)
	if err != nil {
		return nil, err
	}
	for _, inst := range insts {
		if inst.ExecutionID() == executionID {
			return inst, nil
		}
	}
	return nil, nil
}

func (p *Pool) Push(ctx context.Context, tag string) error {
	if p.Images == nil {
		return nil
	}
	return p.Images.Push(ctx, tag)
}

// Bindings yields every bound instance. Each iteration lists the backend
// afresh; a listing failure is yielded once as an error.
func (p *Pool) Bindings(ctx context.Context) iter.Seq2[*Instance, error] {
	return func(yield func(*Instance, error) bool) {
		insts, err := p.Backend.Instances(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, inst := range insts {
			if !inst.Binding().Bound() {
				continue
			}
			if !yield(inst, nil) {
				return
			}
		}
	}
}

func (p *Pool) Instances(ctx context.Context) ([]*Instance, error) {
	return p.Backend.Instances(ctx)
}

func (p *Pool) Doctor(ctx context.Context) *DoctorReport {
	return p.Backend.Doctor(ctx)
}

// TidyUp releases bindings whose container exited, after harvest succeeded
// for them, stops containers past their max uptime and disposes instances
// idle past their budget. Every instance is visited; failures are joined.
func (p *Pool) TidyUp(ctx context.Context, harvest HarvestFunc) error {
	insts, err := p.Backend.Instances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	now := p.now()
	counts := map[string]int{}
	var errs []error
	for _, inst := range insts {
		state, err := p.tidyInstance(ctx, inst, harvest, now)
		counts[state]++
		if err != nil {
			if p.Logger != nil {
				p.Logger.Warn("tidy up failed", "instance_id", inst.ID(), "execution_id", inst.ExecutionID(), "error", err)
			}
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID(), err))
		}
	}
	p.Metrics.SetInstances(counts)
	return errors.Join(errs...)
}

func idleExpired(rec Record, now time.Time) bool {
	since := rec.IdleSince
	if since == 0 {
		since = rec.CreatedAt
	}
	return now.Sub(time.Unix(since, 0)) >= time.Duration(rec.MaxIdleSeconds)*time.Second
}

func (p *Pool) tidyInstance(ctx context.Context, inst *Instance, harvest HarvestFunc, now time.Time) (string, error) {
	b := inst.Binding()
	if !b.Bound() {
		if !idleExpired(inst.Record(), now) {
			return "idle", nil
		}
		disposed, err := p.disposeIdle(ctx, inst, now)
		if err != nil || !disposed {
			return "idle", err
		}
		return "disposed", nil
	}

	state, err := inst.ContainerState(ctx)
	if err != nil {
		return "bound", err
	}
	switch {
	case state.Exited():
		if harvest != nil {
			if err := harvest(ctx, inst, state); err != nil {
				return "exited", fmt.Errorf("harvest execution %s: %w", b.ExecutionID, err)
			}
		}
		return "released", p.ReleaseInstance(ctx, b.ExecutionID, ReleaseOptions{IdleSince: state.FinishedAt})
	case state != nil && state.Running:
		if b.MaxUptimeSeconds > 0 && now.Sub(time.Unix(b.BoundAt, 0)) > time.Duration(b.MaxUptimeSeconds)*time.Second {
			if p.Logger != nil {
				p.Logger.Info("stopping execution past its max uptime", "execution_id", b.ExecutionID, "instance_id", inst.ID())
			}
			return "running", inst.Stop(ctx, stopTimeout)
		}
		return "running", nil
	case state == nil && b.BoundAt != 0 && now.Sub(time.Unix(b.BoundAt, 0)) > staleLaunchAfter:
		if p.Logger != nil {
			p.Logger.Warn("dropping binding without a container", "execution_id", b.ExecutionID, "instance_id", inst.ID())
		}
		return "released", p.ReleaseInstance(ctx, b.ExecutionID, ReleaseOptions{})
	default:
		return "provisioning", nil
	}
}

// disposeIdle re-checks under the pool lock that nobody claimed inst since
// it was listed.
func (p *Pool) disposeIdle(ctx context.Context, inst *Instance, now time.Time) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reservedLocked(inst.ID()) {
		return false, nil
	}
	if err := inst.refresh(); err != nil {
		if plzerr.Is(err, plzerr.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if inst.Binding().Bound() || !idleExpired(inst.Record(), now) {
		return false, nil
	}
	if err := inst.Dispose(ctx); err != nil {
		return false, err
	}
	if p.Logger != nil {
		p.Logger.Info("disposed idle instance", "instance_id", inst.ID())
	}
	return true, nil
}

// KillInstances disposes the requested instances. Instances that could not
// be killed are reported in a partial failure; the others stay killed. It
// returns false when there was nothing to kill.
func (p *Pool) KillInstances(ctx context.Context, req KillRequest) (bool, error) {
	insts, err := p.Backend.Instances(ctx)
	if err != nil {
		return false, fmt.Errorf("list instances: %w", err)
	}
	failures := map[string]string{}
	var targets []*Instance
	if req.InstanceIDs != nil {
		byID := make(map[string]*Instance, len(insts))
		for _, inst := range insts {
			byID[inst.ID()] = inst
		}
		for _, id := range req.InstanceIDs {
			inst, ok := byID[id]
			if !ok {
				failures[id] = "instance not found"
				continue
			}
			targets = append(targets, inst)
		}
	} else {
		for _, inst := range insts {
			if inst.Binding().Bound() || req.IncludingIdle {
				targets = append(targets, inst)
			}
		}
	}

	killed := false
	for _, inst := range targets {
		if err := p.kill(ctx, inst, req); err != nil {
			failures[inst.ID()] = err.Error()
			continue
		}
		killed = true
	}
	if len(failures) > 0 {
		return killed, plzerr.PartialFailure(failures, "could not kill %d instance(s)", len(failures)).WithCode(plzerr.CodeKillingInstancesFailed)
	}
	return killed, nil
}

func (p *Pool) kill(ctx context.Context, inst *Instance, req KillRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := inst.refresh(); err != nil {
		return err
	}
	b := inst.Binding()
	if !b.Bound() && p.reservedLocked(inst.ID()) && !req.ForceIfNotIdle {
		return errors.New("instance is being acquired")
	}
	if b.Bound() {
		if !req.IgnoreOwnership && b.User != "" && b.User != req.User {
			return fmt.Errorf("instance is running an execution of user %s", b.User)
		}
		if !req.ForceIfNotIdle {
			return fmt.Errorf("instance is running execution %s; not killing it without force", b.ExecutionID)
		}
		if err := inst.Cleanup(ctx); err != nil {
			return err
		}
		if err := inst.unbind(p.now()); err != nil {
			return err
		}
	}
	delete(p.reserved, inst.ID())
	if err := inst.Dispose(ctx); err != nil {
		return err
	}
	if p.Logger != nil {
		p.Logger.Info("killed instance", "instance_id", inst.ID(), "execution_id", b.ExecutionID)
	}
	return nil
}
