package proto

import (
	"fmt"
	"time"
)

// ChaosType enumerates the fault kinds the chaos engine can inject.
type ChaosType string

// Fault taxonomy. Each type has a distinct behavior contract in pkg/chaos.
const (
	ChaosTransientError ChaosType = "transient_error"
	ChaosRateLimit      ChaosType = "rate_limit"
	ChaosNetworkLatency ChaosType = "network_latency"
	ChaosNetworkFailure ChaosType = "network_failure"
	ChaosTimeout        ChaosType = "timeout"
	ChaosMemoryPressure ChaosType = "memory_pressure"
	ChaosCPUPressure    ChaosType = "cpu_pressure"
	ChaosDiskPressure   ChaosType = "disk_pressure"
)

// AllChaosTypes returns every known fault type.
func AllChaosTypes() []ChaosType {
	return []ChaosType{
		ChaosTransientError,
		ChaosRateLimit,
		ChaosNetworkLatency,
		ChaosNetworkFailure,
		ChaosTimeout,
		ChaosMemoryPressure,
		ChaosCPUPressure,
		ChaosDiskPressure,
	}
}

// ChaosEvent records one injected fault and its recovery outcome. An event is
// active while ResolvedAt is nil.
type ChaosEvent struct {
	InjectedAt         time.Time      `json:"injected_at"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	EventID            string         `json:"event_id"`
	ChaosType          ChaosType      `json:"chaos_type"`
	RunID              string         `json:"run_id"`
	StepID             string         `json:"step_id"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	DurationSeconds    float64        `json:"duration_seconds,omitempty"`
	RecoverySuccessful *bool          `json:"recovery_successful,omitempty"`
}

// Active reports whether the event has not yet been resolved.
func (e *ChaosEvent) Active() bool {
	return e.ResolvedAt == nil
}

// ParseChaosType validates a string against the fault taxonomy.
func ParseChaosType(s string) (ChaosType, error) {
	for _, ct := range AllChaosTypes() {
		if string(ct) == s {
			return ct, nil
		}
	}
	return "", fmt.Errorf("unknown chaos type %q", s)
}
