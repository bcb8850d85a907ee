// Package metrics provides Prometheus instrumentation for throttled components.
//
// # Quick Start
//
// Enable metrics through the limiter configuration:
//
//	limiter, err := throttle.NewWithConfig(throttle.Config{
//		Name:         "github_api",
//		MaxPerSecond: 2,
//		Metrics:      metrics.Config{Enabled: true},
//	})
//
// Then expose metrics via HTTP:
//
//	http.Handle("/metrics", promhttp.Handler())
//	log.Fatal(http.ListenAndServe(":9090", nil))
//
// # Custom Registry
//
// Use a custom Prometheus registry for isolation:
//
//	registry := prometheus.NewRegistry()
//	limiter, err := throttle.NewWithConfig(throttle.Config{
//		MaxPerSecond: 5,
//		Metrics:      metrics.Config{Enabled: true, Registry: registry},
//	})
//
// # Available Metrics
//
// All metrics carry the labels limiter_type and limiter_name.
//
//   - throttled_ratelimit_requests_total: call attempts
//   - throttled_ratelimit_allowed_total: attempts that ran the operation
//   - throttled_ratelimit_denied_total: attempts skipped or abandoned
//   - throttled_ratelimit_wait_duration_seconds: time spent waiting for eligibility
//   - throttled_ratelimit_failures_total: operations that returned an error
//   - throttled_ratelimit_keys: distinct keys tracked by a limiter
//   - throttled_sharedstate_lock_wait_duration_seconds: time spent acquiring state locks
package metrics
