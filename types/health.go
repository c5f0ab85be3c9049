package types

import "time"

// HealthStatus rates the push simulator as a whole or one of its parts.
type HealthStatus string

const (
	HealthStatusUp       HealthStatus = "UP"
	HealthStatusDown     HealthStatus = "DOWN"
	HealthStatusDegraded HealthStatus = "DEGRADED"
)

// BrokerHealth reports the Redis fan-out broker. It is absent when the
// simulator publishes in memory.
type BrokerHealth struct {
	Status HealthStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// PushHealth reports the socket side of the simulator. Past Limit open
// connections the simulator reports itself degraded.
type PushHealth struct {
	Status      HealthStatus `json:"status"`
	Connections int          `json:"connections"`
	Limit       int          `json:"limit"`
}

// SimulatorHealth is the body of GET /health on the push simulator.
type SimulatorHealth struct {
	Status    HealthStatus  `json:"status"`
	Broker    *BrokerHealth `json:"broker,omitempty"`
	Push      *PushHealth   `json:"push,omitempty"`
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"startedAt"`
	Uptime    string        `json:"uptime"`
}
