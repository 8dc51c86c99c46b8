// Package leader provides distributed leader election. Election is
// optional: the claim protocol already makes concurrent workers safe,
// leadership only reduces wasted claim contention when many instances
// poll the same tables.
package leader

import "context"

// Elector is the leadership contract consumed by the relay workers.
type Elector interface {
	// Start begins the election process
	Start(ctx context.Context) error

	// Stop halts the election and releases leadership if held
	Stop()

	// IsPrimary returns true while this instance holds leadership
	IsPrimary() bool

	// InstanceID identifies this instance in logs and lock values
	InstanceID() string
}

// NoopElector always reports leadership. Used for single-instance
// deployments where no election backend is configured.
type NoopElector struct {
	instanceID string
}

// NewNoopElector creates an elector that is always primary.
func NewNoopElector(instanceID string) *NoopElector {
	return &NoopElector{instanceID: instanceID}
}

func (e *NoopElector) Start(ctx context.Context) error { return nil }
func (e *NoopElector) Stop()                           {}
func (e *NoopElector) IsPrimary() bool                 { return true }
func (e *NoopElector) InstanceID() string              { return e.instanceID }
