// Package metrics records workflow, stage, HTTP and websocket metrics with
// OpenTelemetry instruments and exposes them in the Prometheus text format.
//
// The daemon creates one Exporter and hands its Recorder to the build
// registry and the API handler; the API serves Exporter.Handler at /metrics.
// Exported series:
//
//	workflow_operations_total{operation,status}
//	stage_duration_seconds{stage,status}
//	http_requests_total{method,route,status_code}
//	http_request_duration_seconds{method,route}
//	websocket_connections_active{scope}
//
// status is "success" or the error kind of the failed operation.
package metrics
