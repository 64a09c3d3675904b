package domain

import (
	"fmt"
	"time"
)

// HealthCheckType selects the probe used by the health checker
type HealthCheckType string

const (
	HTTPCheck   HealthCheckType = "http"
	TCPCheck    HealthCheckType = "tcp"
	UDPCheck    HealthCheckType = "udp"
	PingCheck   HealthCheckType = "ping"
	GRPCCheck   HealthCheckType = "grpc"
	CustomCheck HealthCheckType = "custom"
)

// ProbeConfig describes how a single server is probed
type ProbeConfig struct {
	Type           HealthCheckType `json:"type" yaml:"type"`
	Timeout        time.Duration   `json:"timeout" yaml:"timeout"`
	Path           string          `json:"path,omitempty" yaml:"path,omitempty"`
	ExpectedStatus int             `json:"expected_status,omitempty" yaml:"expected_status,omitempty"`
	// Port overrides the endpoint port for TCP and UDP probes when non-zero
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Service string `json:"service,omitempty" yaml:"service,omitempty"`
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

// Validate checks that the probe has the parameters its type requires
func (pc ProbeConfig) Validate() error {
	switch pc.Type {
	case HTTPCheck, TCPCheck, UDPCheck, PingCheck, GRPCCheck:
	case CustomCheck:
		if pc.Command == "" {
			return fmt.Errorf("custom health check requires a command")
		}
	default:
		return fmt.Errorf("unknown health check type: %s", pc.Type)
	}
	if pc.Timeout <= 0 {
		return fmt.Errorf("health check timeout must be positive")
	}
	if pc.ExpectedStatus < 0 || pc.ExpectedStatus > 599 {
		return fmt.Errorf("invalid expected status: %d", pc.ExpectedStatus)
	}
	if pc.Port < 0 || pc.Port > 65535 {
		return fmt.Errorf("invalid probe port: %d", pc.Port)
	}
	return nil
}
