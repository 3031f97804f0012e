package models

import "time"

// AllocationState tracks the GPU instance backing a run
type AllocationState string

const (
	AllocationRequested AllocationState = "requested"
	AllocationRunning   AllocationState = "running"
	AllocationReleased  AllocationState = "released"
)

// GPUAllocation records the GPU instance provisioned for a training run.
// At most one exists per run.
type GPUAllocation struct {
	RunID        string
	InstanceID   string
	InstanceType string
	PublicIP     string
	State        AllocationState
	CreatedAt    time.Time
	ReleasedAt   *time.Time
}

// GPUInstance represents a GPU instance type and its on-demand price
type GPUInstance struct {
	InstanceType string // "g5.xlarge", "g4dn.xlarge"
	Region       string
	PricePerHour float64
	LastUpdated  time.Time
}

// InstanceStatus is the provider view of a provisioned instance
type InstanceStatus struct {
	InstanceID string
	State      string // "pending", "running", "terminated", ...
	PublicIP   string
}

// Running reports whether the instance is up and reachable
func (s *InstanceStatus) Running() bool {
	return s.State == "running" && s.PublicIP != ""
}
