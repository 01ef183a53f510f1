package provision

import (
	"fmt"
	"net"
	"strconv"

	"digest-dispatcher/internal/cloud"
)

// State is a step in an elastic instance's lifecycle.
type State int

const (
	StateRequested State = iota
	StateProvisioning
	StateAwaitingReady
	StateAwaitingHealthy
	StateReady
	StateScheduledTermination
	StateTerminated
)

var stateString = map[State]string{
	StateRequested:            "requested",
	StateProvisioning:         "provisioning",
	StateAwaitingReady:        "awaiting-ready",
	StateAwaitingHealthy:      "awaiting-healthy",
	StateReady:                "ready",
	StateScheduledTermination: "scheduled-termination",
	StateTerminated:           "terminated",
}

func (s State) String() string {
	if str, ok := stateString[s]; ok {
		return str
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler so states log as words.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// InstanceSpec is a request for one elastic instance.
type InstanceSpec struct {
	ImageID        string
	InstanceType   string
	Label          string
	ServiceContext string
	Port           int
	// UsePrivateAddress selects the private address when building the
	// service URL; otherwise the public address is used.
	UsePrivateAddress bool
}

// Instance is a live, health-verified elastic instance.
type Instance struct {
	ID             cloud.InstanceID
	PublicAddress  string
	PrivateAddress string
	// BaseURL is scheme, host, port and service context, without the
	// service path.
	BaseURL string
}

func baseURL(spec InstanceSpec, det cloud.InstanceDetails) (string, error) {
	addr := det.PublicAddress
	kind := "public"
	if spec.UsePrivateAddress {
		addr, kind = det.PrivateAddress, "private"
	}
	if addr == "" {
		return "", fmt.Errorf("instance %s has no %s address", det.ID, kind)
	}
	port := spec.Port
	if port == 0 {
		port = 8080
	}
	return "http://" + net.JoinHostPort(addr, strconv.Itoa(port)) + spec.ServiceContext, nil
}

// ProvisioningError reports which step of provisioning failed.
type ProvisioningError struct {
	InstanceID cloud.InstanceID
	Stage      State
	Err        error
}

func (e *ProvisioningError) Error() string {
	if e.InstanceID == "" {
		return fmt.Sprintf("provisioning failed while %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("provisioning %s failed while %s: %v", e.InstanceID, e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
