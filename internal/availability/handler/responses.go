package handler

import "time"

type HealthResponse struct {
	Status        string       `json:"status"`
	Timestamp     time.Time    `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Checks        HealthChecks `json:"checks"`
}

type HealthChecks struct {
	Cache     CacheHealth     `json:"cache"`
	Bootstrap BootstrapHealth `json:"bootstrap"`
}

type CacheHealth struct {
	Status     string `json:"status"`
	Persistent bool   `json:"persistent"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

type BootstrapHealth struct {
	TLDs        int        `json:"tlds"`
	RefreshedAt *time.Time `json:"refreshed_at,omitempty"`
}

type ClearResponse struct {
	Cleared bool `json:"cleared"`
}

type PurgeResponse struct {
	Purged int64 `json:"purged"`
}
