// Package metrics defines the recorders used to observe a pipeline run.
// Sinks like PromSink and InfluxSink record task executions and window
// solves and can be combined with NewMultiSink. The factory helpers return a
// MultiSink automatically when multiple sinks are configured.
package metrics
