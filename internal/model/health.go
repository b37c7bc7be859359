package model

// HealthStatus represents the health state of a store process
type HealthStatus struct {
	Store     string            `json:"store"`
	Status    StoreStatus       `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Metrics   HealthMetrics     `json:"metrics"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// StoreStatus defines the operational status of a store
type StoreStatus string

const (
	StoreStatusHealthy   StoreStatus = "healthy"
	StoreStatusDegraded  StoreStatus = "degraded"
	StoreStatusUnhealthy StoreStatus = "unhealthy"
)

// HealthMetrics contains the figures the checks were computed from
type HealthMetrics struct {
	HeadVersion      uint64  `json:"head_version"`
	ProcessedVersion uint64  `json:"processed_version"`
	ActiveVersions   int     `json:"active_versions"`
	DiskUsagePercent float64 `json:"disk_usage_percent,omitempty"`
}
