package health

import (
	"fmt"
	"strings"
)

// Issue key prefixes. Lane and name scoped keys append ":<name>".
const (
	KeyBrokerUnavailable      = "broker_unavailable"
	KeyRegistryUnavailable    = "supervisor_registry_unavailable"
	KeyMissingSupervisor      = "missing_supervisor"
	KeyOrchestratorInactive   = "orchestrator_inactive"
	KeyMetricStoreUnavailable = "metric_store_unavailable"
	KeyLaneMetricMissing      = "lane_metric_missing"
	KeyLaneDepthHigh          = "lane_depth_high"
	KeyLaneOldestAgeHigh      = "lane_oldest_age_high"
	KeyRetryContract          = "queue_retry_contract"
	KeyWorkerStale            = "engine_worker_stale"
)

// ScopedKey joins a key prefix and a lane or process name.
func ScopedKey(prefix, name string) string {
	return prefix + ":" + name
}

// KeyPrefix returns the part of key before the first colon.
func KeyPrefix(key string) string {
	prefix, _, _ := strings.Cut(key, ":")
	return prefix
}

func humanAge(seconds int64) string {
	switch {
	case seconds < 120:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 7200:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%.1fh", float64(seconds)/3600)
	}
}
