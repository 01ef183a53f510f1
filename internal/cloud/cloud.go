// Package cloud defines the compute provider operations the provisioner
// depends on.
package cloud

import (
	"context"
	"errors"
	"fmt"
)

// InstanceID is the provider's stable identifier for an instance.
type InstanceID string

// Sentinel errors that provider implementations map their API errors to.
var (
	ErrNotFound  = errors.New("instance not found")
	ErrThrottled = errors.New("provider request throttled")
	ErrQuota     = errors.New("provider capacity or quota exceeded")
)

// StatusOK is the value both status checks report once an instance is fully up.
const StatusOK = "ok"

// InstanceDetails is the provider's current view of an instance.
type InstanceDetails struct {
	ID             InstanceID
	State          string
	PublicAddress  string
	PrivateAddress string
}

// StatusSummary carries the two health dimensions reported for an instance.
type StatusSummary struct {
	InstanceStatus string
	SystemStatus   string
}

// Ready reports whether both the instance and system checks passed.
func (s StatusSummary) Ready() bool {
	return s.InstanceStatus == StatusOK && s.SystemStatus == StatusOK
}

// Provider creates, inspects, and destroys compute instances.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	CreateInstance(ctx context.Context, imageID, instanceType string, tags map[string]string) (InstanceID, error)
	DescribeInstance(ctx context.Context, id InstanceID) (InstanceDetails, error)
	// InstanceStatus returns false if the provider has no status for the
	// instance yet.
	InstanceStatus(ctx context.Context, id InstanceID) (StatusSummary, bool, error)
	TerminateInstance(ctx context.Context, id InstanceID) error
}

// ProviderError wraps a failed provider call with the operation and instance.
type ProviderError struct {
	Op         string
	InstanceID InstanceID
	Err        error
}

func (e *ProviderError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.InstanceID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
