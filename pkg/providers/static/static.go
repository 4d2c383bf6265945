// Package static implements an in-process provider family backed by a
// simulated cloud. It provisions nothing real: resources live in memory and
// readiness conditions converge after a configurable number of polls. It is
// the default provider set for local evaluation and for exercising the
// engine end to end.
package static

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/converge-dev/converge/pkg/engine"
)

// Types lists the resource types the static family serves.
var Types = []string{
	"bucket",
	"bucket_policy",
	"certificate",
	"dns_record",
	"cdn_distribution",
}

// Cloud is the shared in-memory backend for a static provider family. All
// providers created over the same Cloud see the same resources, so
// cross-resource behavior (a policy attached to a bucket, a distribution
// fronting it) is observable.
//
// Instances are keyed by a cloud-assigned physical id, not by node
// identity: a replace keeps the old and the new instance of one node alive
// at the same time, and deleting one must never touch the other.
type Cloud struct {
	mu  sync.Mutex
	seq int

	// resources holds every live instance, keyed by physical id.
	resources map[string]resource

	// current maps a node identity to the physical id of its newest
	// instance, the one Read, Update and Wait operate on.
	current map[string]string
}

type resource struct {
	attributes map[string]any
	outputs    map[string]any
	polls      int
}

// NewCloud creates an empty simulated cloud.
func NewCloud() *Cloud {
	return &Cloud{
		resources: make(map[string]resource),
		current:   make(map[string]string),
	}
}

// Len returns the number of live instances.
func (c *Cloud) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

// Options tunes a static provider's behavior.
type Options struct {
	// ReadyAfter is the number of Wait polls before a readiness condition
	// converges. Zero means ready on the first poll.
	ReadyAfter int

	// Latency is an artificial delay applied to every call.
	Latency time.Duration
}

// Provider serves one resource type against a Cloud.
type Provider struct {
	cloud *Cloud
	typ   string
	opts  Options
}

// New creates a static provider for one resource type.
func New(cloud *Cloud, resourceType string, opts Options) *Provider {
	return &Provider{cloud: cloud, typ: resourceType, opts: opts}
}

// RegisterAll installs a provider for every static resource type on the
// registry, all sharing one cloud.
func RegisterAll(registry *engine.Registry, cloud *Cloud, opts Options) {
	for _, t := range Types {
		registry.Register(t, New(cloud, t, opts))
	}
}

func (p *Provider) delay(ctx context.Context) error {
	if p.opts.Latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.opts.Latency):
		return nil
	}
}

// Create provisions a new instance and returns its observed attributes,
// including the assigned physical id and the computed outputs for its type.
// A second create under the same node identity makes a second instance and
// points the identity at it.
func (p *Provider) Create(ctx context.Context, nodeID string, desired map[string]any) (map[string]any, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}

	p.cloud.mu.Lock()
	defer p.cloud.mu.Unlock()

	p.cloud.seq++
	pid := fmt.Sprintf("%s#%03d", nodeID, p.cloud.seq)

	outputs := p.computeOutputs(nodeID, pid, desired)
	p.cloud.resources[pid] = resource{
		attributes: cloneAttrs(desired),
		outputs:    outputs,
	}
	p.cloud.current[nodeID] = pid
	return cloneAttrs(outputs), nil
}

// Read returns the current instance's observed attributes, or nil when the
// node has no live instance.
func (p *Provider) Read(ctx context.Context, nodeID string) (map[string]any, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}

	p.cloud.mu.Lock()
	defer p.cloud.mu.Unlock()

	pid, exists := p.cloud.current[nodeID]
	if !exists {
		return nil, nil
	}
	return cloneAttrs(p.cloud.resources[pid].attributes), nil
}

// Update reconciles the current instance in place.
func (p *Provider) Update(ctx context.Context, nodeID string, desired map[string]any) (map[string]any, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}

	p.cloud.mu.Lock()
	defer p.cloud.mu.Unlock()

	pid, exists := p.cloud.current[nodeID]
	if !exists {
		return nil, engine.NewPermanentError("update", nodeID, "resource does not exist", nil)
	}

	res := p.cloud.resources[pid]
	res.attributes = cloneAttrs(desired)
	p.cloud.resources[pid] = res
	return cloneAttrs(res.outputs), nil
}

// Delete removes the instance named by the recorded outputs' id, falling
// back to the node's current instance when no id is recorded. Deleting an
// absent instance succeeds.
func (p *Provider) Delete(ctx context.Context, nodeID string, outputs map[string]any) error {
	if err := p.delay(ctx); err != nil {
		return err
	}

	p.cloud.mu.Lock()
	defer p.cloud.mu.Unlock()

	pid, _ := outputs["id"].(string)
	if pid == "" {
		pid = p.cloud.current[nodeID]
	}
	if pid == "" {
		return nil
	}

	delete(p.cloud.resources, pid)
	if p.cloud.current[nodeID] == pid {
		delete(p.cloud.current, nodeID)
	}
	return nil
}

// Wait reports whether the condition holds on the current instance. Each
// poll advances the instance's internal clock; after ReadyAfter polls the
// polled output snaps to the expected value, simulating issuance and
// propagation delays.
func (p *Provider) Wait(ctx context.Context, nodeID string, cond engine.WaitCondition) (bool, error) {
	if err := p.delay(ctx); err != nil {
		return false, err
	}

	p.cloud.mu.Lock()
	defer p.cloud.mu.Unlock()

	pid, exists := p.cloud.current[nodeID]
	if !exists {
		return false, engine.NewPermanentError("wait", nodeID, "resource does not exist", nil)
	}
	res := p.cloud.resources[pid]

	if fmt.Sprint(res.outputs[cond.OutputKey]) == cond.Expect {
		return true, nil
	}

	res.polls++
	if res.polls > p.opts.ReadyAfter {
		res.outputs[cond.OutputKey] = cond.Expect
		p.cloud.resources[pid] = res
		return true, nil
	}
	p.cloud.resources[pid] = res
	return false, nil
}

// computeOutputs derives the type-specific computed attributes of a new
// instance.
func (p *Provider) computeOutputs(nodeID, pid string, desired map[string]any) map[string]any {
	outputs := map[string]any{"id": pid}

	name, _ := desired["name"].(string)
	if name == "" {
		name = nodeID
	}

	switch p.typ {
	case "bucket":
		outputs["arn"] = fmt.Sprintf("arn:static:bucket:%s", name)
		outputs["domain"] = fmt.Sprintf("%s.bucket.static.example", name)
	case "bucket_policy":
		outputs["arn"] = fmt.Sprintf("arn:static:policy:%s", name)
	case "certificate":
		outputs["arn"] = fmt.Sprintf("arn:static:cert:%s", name)
		outputs["status"] = "PENDING"
	case "dns_record":
		outputs["fqdn"] = name
		outputs["propagated"] = "false"
	case "cdn_distribution":
		outputs["domain"] = fmt.Sprintf("%s.cdn.static.example", name)
		outputs["status"] = "DEPLOYING"
	}
	return outputs
}

func cloneAttrs(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
