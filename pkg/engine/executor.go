package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/converge-dev/converge/pkg/state"
	"github.com/converge-dev/converge/pkg/telemetry"
)

// ExecutorOptions configures the executor. Zero values fall back to the
// defaults below.
type ExecutorOptions struct {
	// Concurrency bounds the number of provider operations in flight within
	// a wave. Default 4.
	Concurrency int

	// MaxRetries is the number of retries after the first attempt for
	// transient and throttled provider errors. Default 3.
	MaxRetries int

	// RetryBaseDelay is the initial backoff for transient errors. Default
	// 500ms.
	RetryBaseDelay time.Duration

	// ThrottleBaseDelay is the initial backoff for throttled errors.
	// Default 2s.
	ThrottleBaseDelay time.Duration

	// MaxBackoff caps the backoff between retries. Default 1m.
	MaxBackoff time.Duration

	// WaitInterval is the initial wait-condition poll interval used when a
	// condition does not set its own. Default 2s.
	WaitInterval time.Duration

	// WaitTimeout is the wait-condition deadline used when a condition does
	// not set its own. Default 5m.
	WaitTimeout time.Duration

	// Logger, Metrics and Tracer wire telemetry. Nil values are replaced
	// with no-op instances.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

func (o *ExecutorOptions) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.ThrottleBaseDelay <= 0 {
		o.ThrottleBaseDelay = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 2 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop()
	}
}

// Executor applies a plan wave by wave, driving providers through a bounded
// worker pool and recording each terminal outcome in the state store. A
// failed node never stops the wave it is in; it only blocks its own
// dependents in later waves.
type Executor struct {
	store    state.Store
	registry *Registry
	opts     ExecutorOptions
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// NewExecutor creates an executor over the given store and provider registry.
func NewExecutor(store state.Store, registry *Registry, opts ExecutorOptions) *Executor {
	opts.applyDefaults()
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "converge", "dev", "embedded")
	}
	return &Executor{
		store:    store,
		registry: registry,
		opts:     opts,
		log:      opts.Logger.NewComponentLogger("executor"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// actionKey identifies one action within a run. Replace expansion produces
// two actions for the same node, distinguished by op.
func actionKey(a *Action) string {
	return a.NodeID + "#" + string(a.Op)
}

// actionResult is the per-action terminal outcome tracked during a run.
type actionResult struct {
	status   NodeStatus
	err      error
	duration time.Duration
}

// runState is the shared mutable state of one apply run.
type runState struct {
	mu sync.Mutex

	// results holds the terminal outcome of every dispatched or skipped
	// action, keyed by actionKey.
	results map[string]actionResult

	// outputs holds the live outputs per node, seeded from records and
	// updated as creates and updates complete.
	outputs map[string]map[string]any

	// recorded holds the outputs as they stood when the run started. The
	// delete half of a replace runs after the create half has published new
	// outputs, so the old instance is only reachable through this snapshot.
	recorded map[string]map[string]any

	// versions tracks the current record version per node.
	versions map[string]int64
}

func (rs *runState) setResult(key string, r actionResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results[key] = r
}

func (rs *runState) result(key string) (actionResult, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.results[key]
	return r, ok
}

// Apply executes a plan against the graph it was computed from. It takes the
// advisory run lock for the duration of the run; a second concurrent apply
// fails fast with a LockContentionError before any side effect.
func (e *Executor) Apply(ctx context.Context, g *Graph, plan *Plan) (*Report, error) {
	runID := uuid.NewString()
	log := e.log.WithRunID(runID)

	if err := e.store.Lock(ctx, runID); err != nil {
		return nil, err
	}
	defer func() {
		// Release with a fresh context so cancellation cannot leak the lock.
		if err := e.store.Unlock(context.Background(), runID); err != nil {
			log.WithError(err).Error("failed to release run lock")
		}
	}()

	started := time.Now()
	e.metrics.RecordRunStarted()
	ctx, runSpan := e.tracer.StartRunSpan(ctx, runID)
	defer runSpan.End()

	rs, err := e.seedRunState(ctx)
	if err != nil {
		e.metrics.RecordRunCompleted(string(RunStatusFailed), time.Since(started))
		return nil, err
	}

	actionsByNode := make(map[string][]*Action, len(plan.Actions))
	for i := range plan.Actions {
		a := &plan.Actions[i]
		actionsByNode[a.NodeID] = append(actionsByNode[a.NodeID], a)
	}

	cancelled := false
	for wave, actions := range plan.Waves() {
		if len(actions) == 0 {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
		}

		log.WithWave(wave).Debugf("dispatching wave with %d actions", len(actions))

		// Eligibility is decided before dispatch. Waves are barriers, so
		// every predecessor is terminal by now.
		var runnable []*Action
		for _, a := range actions {
			if cancelled {
				rs.setResult(actionKey(a), actionResult{
					status: NodeStatusBlocked,
					err:    &BlockedError{NodeID: a.NodeID},
				})
				continue
			}
			// A noop needs nothing from its dependencies: a node that
			// already matches its record stays converged even when
			// something upstream fails.
			if a.Op != OpNoop {
				if cause := e.blockedBy(g, actionsByNode, rs, a); cause != "" {
					log.WithNodeID(a.NodeID).Warnf("blocked by failed dependency %s", cause)
					e.metrics.RecordBlockedNode()
					rs.setResult(actionKey(a), actionResult{
						status: NodeStatusBlocked,
						err:    &BlockedError{NodeID: a.NodeID, Cause: cause},
					})
					continue
				}
			}
			runnable = append(runnable, a)
		}

		e.runWave(ctx, g, rs, runnable, log)

		if ctx.Err() != nil {
			cancelled = true
		}
	}

	report := e.buildReport(runID, plan, rs, started, cancelled)
	e.metrics.RecordRunCompleted(string(report.Status), report.Duration)
	runSpan.SetAttributes(telemetry.AttrRunStatus.String(string(report.Status)))
	if report.Status == RunStatusSucceeded {
		telemetry.RecordSuccess(runSpan)
	}
	log.Infof("run finished: %s in %s", report.Status, report.Duration)
	return report, nil
}

// seedRunState loads current records so references and versions resolve
// without per-action store reads.
func (e *Executor) seedRunState(ctx context.Context) (*runState, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state records: %w", err)
	}
	rs := &runState{
		results:  make(map[string]actionResult),
		outputs:  make(map[string]map[string]any, len(records)),
		recorded: make(map[string]map[string]any, len(records)),
		versions: make(map[string]int64, len(records)),
	}
	for _, rec := range records {
		rs.outputs[rec.NodeID] = rec.Outputs
		rs.recorded[rec.NodeID] = rec.Outputs
		rs.versions[rec.NodeID] = rec.Version
	}
	return rs, nil
}

// runWave executes one wave's runnable actions through the worker pool.
func (e *Executor) runWave(ctx context.Context, g *Graph, rs *runState, actions []*Action, log *telemetry.Logger) {
	if len(actions) == 0 {
		return
	}

	workers := e.opts.Concurrency
	if workers > len(actions) {
		workers = len(actions)
	}

	queue := make(chan *Action)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range queue {
				if ctx.Err() != nil {
					rs.setResult(actionKey(a), actionResult{
						status: NodeStatusBlocked,
						err:    &BlockedError{NodeID: a.NodeID},
					})
					continue
				}
				e.runAction(ctx, g, rs, a, log)
			}
		}()
	}

	for _, a := range actions {
		queue <- a
	}
	close(queue)
	wg.Wait()
}

// blockedBy returns the node ID of a failed or blocked predecessor, or "".
func (e *Executor) blockedBy(g *Graph, actionsByNode map[string][]*Action, rs *runState, a *Action) string {
	for _, key := range e.predecessors(g, actionsByNode, a) {
		r, ok := rs.result(key)
		if !ok {
			continue
		}
		if r.status == NodeStatusFailed || r.status == NodeStatusBlocked {
			if be, isBlocked := r.err.(*BlockedError); isBlocked && be.Cause != "" {
				return be.Cause
			}
			// Strip the op suffix back to a node ID.
			for i := 0; i < len(key); i++ {
				if key[i] == '#' {
					return key[:i]
				}
			}
			return key
		}
	}
	return ""
}

// predecessors returns the action keys that must have succeeded before the
// given action may run.
func (e *Executor) predecessors(g *Graph, actionsByNode map[string][]*Action, a *Action) []string {
	var preds []string

	// The second half of a replace is gated on the first half.
	if a.PartOfReplace {
		for _, other := range actionsByNode[a.NodeID] {
			if other.Op != a.Op && other.Wave < a.Wave {
				preds = append(preds, actionKey(other))
			}
		}
	}

	node := g.Node(a.NodeID)
	if node == nil {
		// Orphan delete: the node is no longer declared, nothing can
		// precede it.
		return preds
	}

	if a.Op == OpDelete && !a.PartOfReplace {
		// Destroy-order delete: every recorded dependent must be gone first.
		for _, dep := range g.Dependents(a.NodeID) {
			for _, da := range actionsByNode[dep] {
				if da.Wave < a.Wave {
					preds = append(preds, actionKey(da))
				}
			}
		}
		return preds
	}

	for _, dep := range g.Dependencies(a.NodeID) {
		if key := outputActionKey(actionsByNode[dep]); key != "" {
			preds = append(preds, key)
		}
	}
	return preds
}

// outputActionKey returns the key of the action after which a node's outputs
// are available: the create half of a replace, or the node's single action.
func outputActionKey(actions []*Action) string {
	if len(actions) == 0 {
		return ""
	}
	if len(actions) == 1 {
		return actionKey(actions[0])
	}
	for _, a := range actions {
		if a.Op == OpCreate {
			return actionKey(a)
		}
	}
	return actionKey(actions[0])
}

// runAction executes a single action to a terminal status.
func (e *Executor) runAction(ctx context.Context, g *Graph, rs *runState, a *Action, log *telemetry.Logger) {
	key := actionKey(a)
	nlog := log.WithNodeID(a.NodeID)
	started := time.Now()

	ctx, span := e.tracer.StartActionSpan(ctx, a.NodeID, string(a.Op), a.Wave)
	defer span.End()

	status, err := e.execute(ctx, rs, a, nlog)
	duration := time.Since(started)

	rs.setResult(key, actionResult{status: status, err: err, duration: duration})
	e.metrics.RecordAction(string(a.Op), string(status), a.Node.Type, duration)

	if err != nil {
		telemetry.RecordError(span, err)
		nlog.WithError(err).Errorf("%s failed after %s", a.Op, duration)
		return
	}
	telemetry.RecordSuccess(span)
	if a.Op != OpNoop {
		nlog.Infof("%s completed in %s", a.Op, duration)
	}
}

// execute performs the provider calls and state writes for one action.
func (e *Executor) execute(ctx context.Context, rs *runState, a *Action, log *telemetry.Logger) (NodeStatus, error) {
	if a.Op == OpNoop {
		return NodeStatusNoop, nil
	}

	provider, err := e.registry.Get(a.Node.Type)
	if err != nil {
		return NodeStatusFailed, err
	}

	switch a.Op {
	case OpCreate, OpUpdate:
		return e.executeWrite(ctx, rs, a, provider, log)
	case OpDelete:
		return e.executeDelete(ctx, rs, a, provider)
	default:
		return NodeStatusFailed, fmt.Errorf("node %s: unknown operation %q", a.NodeID, a.Op)
	}
}

// executeWrite handles creates and updates: resolve references, call the
// provider with retries, satisfy the wait condition, then commit the record.
func (e *Executor) executeWrite(ctx context.Context, rs *runState, a *Action, provider Provider, log *telemetry.Logger) (NodeStatus, error) {
	desired, err := e.resolveDesired(rs, a.Node)
	if err != nil {
		return NodeStatusFailed, err
	}

	var observed map[string]any
	op := string(a.Op)
	err = e.callWithRetry(ctx, a.Node.Type, op, a.NodeID, log, func(callCtx context.Context) error {
		var callErr error
		if a.Op == OpCreate {
			observed, callErr = provider.Create(callCtx, a.NodeID, desired)
		} else {
			observed, callErr = provider.Update(callCtx, a.NodeID, desired)
		}
		return callErr
	})
	if err != nil {
		return NodeStatusFailed, err
	}

	// The record is written only once the node is actually ready, so a
	// crash mid-wait replays the operation instead of trusting a resource
	// that never converged.
	if a.Node.Wait != nil {
		if err := e.waitForCondition(ctx, provider, a.Node, log); err != nil {
			return NodeStatusFailed, err
		}
	}

	rs.mu.Lock()
	version := rs.versions[a.NodeID] + 1
	rs.mu.Unlock()

	rec := &state.Record{
		NodeID:     a.NodeID,
		Type:       a.Node.Type,
		Name:       a.Node.Name,
		Attributes: desired,
		Outputs:    observed,
		Version:    version,
	}
	// The provider operation finished, so the record write must not be lost
	// to a cancelled run context.
	if err := e.store.Put(context.WithoutCancel(ctx), rec); err != nil {
		return NodeStatusFailed, fmt.Errorf("node %s: failed to record state: %w", a.NodeID, err)
	}

	rs.mu.Lock()
	rs.versions[a.NodeID] = version
	rs.outputs[a.NodeID] = observed
	rs.mu.Unlock()

	return NodeStatusApplied, nil
}

// executeDelete tears a resource down. The record is removed only for real
// deletes; the delete half of a create-before-destroy replace must leave the
// record of the new instance intact.
func (e *Executor) executeDelete(ctx context.Context, rs *runState, a *Action, provider Provider) (NodeStatus, error) {
	// Address the instance that existed when the run started. For the
	// delete half of a create-before-destroy replace the live outputs
	// already belong to the replacement; the old instance is only
	// identified by the snapshot.
	rs.mu.Lock()
	prior := rs.recorded[a.NodeID]
	rs.mu.Unlock()

	err := e.callWithRetry(ctx, a.Node.Type, string(OpDelete), a.NodeID, e.log, func(callCtx context.Context) error {
		return provider.Delete(callCtx, a.NodeID, prior)
	})
	if err != nil {
		return NodeStatusFailed, err
	}

	if a.PartOfReplace && a.Node.Lifecycle.CreateBeforeDestroy {
		return NodeStatusApplied, nil
	}

	if err := e.store.Delete(context.WithoutCancel(ctx), a.NodeID); err != nil {
		return NodeStatusFailed, fmt.Errorf("node %s: failed to delete record: %w", a.NodeID, err)
	}

	rs.mu.Lock()
	delete(rs.outputs, a.NodeID)
	delete(rs.versions, a.NodeID)
	rs.mu.Unlock()

	return NodeStatusApplied, nil
}

// resolveDesired substitutes live outputs for every reference in the node's
// desired attributes. All dependencies are terminal by the time this runs, so
// a missing output is a permanent failure, not a race.
func (e *Executor) resolveDesired(rs *runState, n *ResourceNode) (map[string]any, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	resolved := make(map[string]any, len(n.Desired))
	for key, v := range n.Desired {
		r, err := resolveLive(v, rs.outputs)
		if err != nil {
			return nil, fmt.Errorf("node %s: attribute %q: %w", n.ID(), key, err)
		}
		resolved[key] = r
	}
	return resolved, nil
}

func resolveLive(v any, outputs map[string]map[string]any) (any, error) {
	switch val := v.(type) {
	case Reference:
		node, exists := outputs[val.NodeID]
		if !exists {
			return nil, fmt.Errorf("no outputs recorded for %s", val.NodeID)
		}
		out, exists := node[val.OutputKey]
		if !exists {
			return nil, fmt.Errorf("node %s has no output %q", val.NodeID, val.OutputKey)
		}
		return out, nil
	case *Reference:
		if val == nil {
			return nil, nil
		}
		return resolveLive(*val, outputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveLive(item, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveLive(item, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// callWithRetry invokes a provider operation, retrying transient and
// throttled failures with exponential backoff and jitter. Permanent errors,
// and any error from a provider that does not classify, fail immediately.
func (e *Executor) callWithRetry(ctx context.Context, resourceType, op, nodeID string, log *telemetry.Logger, fn func(context.Context) error) error {
	var lastErr error
	attempts := e.opts.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		callStart := time.Now()
		callCtx, span := e.tracer.StartProviderSpan(ctx, resourceType, op)
		err := fn(callCtx)
		e.metrics.RecordProviderCall(resourceType, op, time.Since(callStart))

		if err == nil {
			telemetry.RecordSuccess(span)
			span.End()
			return nil
		}
		telemetry.RecordError(span, err)
		span.End()
		lastErr = err
		e.metrics.RecordProviderError(resourceType, op, string(classOf(err)))

		if !IsRetryable(err) || attempt == attempts-1 {
			return lastErr
		}

		delay := e.backoff(attempt, IsThrottled(err))
		log.WithNodeID(nodeID).Warnf("%s attempt %d failed, retrying in %s: %v", op, attempt+1, delay, err)
		e.metrics.RecordProviderRetry(resourceType, op)

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoff computes the delay before retry attempt+1: exponential in the
// attempt number with 25% jitter, capped at MaxBackoff. Throttled errors
// start from a longer base so the engine backs away from rate limits.
func (e *Executor) backoff(attempt int, throttled bool) time.Duration {
	base := e.opts.RetryBaseDelay
	if throttled {
		base = e.opts.ThrottleBaseDelay
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	delay = delay - delay/4 + jitter

	if delay > e.opts.MaxBackoff {
		delay = e.opts.MaxBackoff
	}
	return delay
}

// classOf extracts the error class for metrics; unclassified errors count as
// permanent.
func classOf(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ErrorClassPermanent
}

// waitForCondition polls the provider until the node's wait condition holds,
// growing the poll interval up to a cap. Transient poll errors keep polling;
// permanent ones fail the node.
func (e *Executor) waitForCondition(ctx context.Context, provider Provider, n *ResourceNode, log *telemetry.Logger) error {
	cond := *n.Wait
	interval := cond.Interval
	if interval <= 0 {
		interval = e.opts.WaitInterval
	}
	timeout := cond.Timeout
	if timeout <= 0 {
		timeout = e.opts.WaitTimeout
	}

	const maxPollInterval = 30 * time.Second
	nodeID := n.ID()
	waitStart := time.Now()
	deadline := waitStart.Add(timeout)

	defer func() {
		e.metrics.RecordWaitDuration(n.Type, time.Since(waitStart))
	}()

	for {
		e.metrics.RecordWaitPoll(n.Type)
		ok, err := provider.Wait(ctx, nodeID, cond)
		if err != nil && !IsRetryable(err) {
			return err
		}
		if err == nil && ok {
			return nil
		}

		if time.Now().Add(interval).After(deadline) {
			return &WaitTimeoutError{
				NodeID:    nodeID,
				OutputKey: cond.OutputKey,
				Expect:    cond.Expect,
				Timeout:   timeout,
			}
		}

		log.WithNodeID(nodeID).Debugf("waiting for %s=%q, next poll in %s", cond.OutputKey, cond.Expect, interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = interval * 3 / 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

// buildReport folds per-action results into one entry per planned node, in
// plan order.
func (e *Executor) buildReport(runID string, plan *Plan, rs *runState, started time.Time, cancelled bool) *Report {
	report := &Report{
		RunID:     runID,
		StartedAt: started,
	}

	seen := make(map[string]bool, len(plan.Actions))
	anyFailure := false

	for i := range plan.Actions {
		a := &plan.Actions[i]
		if seen[a.NodeID] {
			continue
		}
		seen[a.NodeID] = true

		result := NodeResult{NodeID: a.NodeID, Op: a.Op}
		for j := range plan.Actions {
			other := &plan.Actions[j]
			if other.NodeID != a.NodeID {
				continue
			}
			r, ok := rs.result(actionKey(other))
			if !ok {
				r = actionResult{status: NodeStatusBlocked, err: &BlockedError{NodeID: a.NodeID}}
			}
			result.Duration += r.duration
			// The worst action outcome wins the node's status.
			switch {
			case r.status == NodeStatusFailed:
				result.Status = NodeStatusFailed
				result.Err = r.err
			case r.status == NodeStatusBlocked && result.Status != NodeStatusFailed:
				result.Status = NodeStatusBlocked
				if result.Err == nil {
					result.Err = r.err
				}
			case result.Status == "":
				result.Status = r.status
			case r.status == NodeStatusApplied && result.Status == NodeStatusNoop:
				result.Status = NodeStatusApplied
			}
		}
		if result.Status == NodeStatusFailed || result.Status == NodeStatusBlocked {
			anyFailure = true
		}
		report.Results = append(report.Results, result)
	}

	switch {
	case cancelled:
		report.Status = RunStatusCancelled
	case anyFailure:
		report.Status = RunStatusFailed
	default:
		report.Status = RunStatusSucceeded
	}
	report.Duration = time.Since(started)
	return report
}
