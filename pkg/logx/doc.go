// Package logx is pubsched's structured logging layer over zerolog.
//
// Components receive a Logger by value and derive their own with With(String("comp", ...)).
// Loggers created from a Service follow its sinks and level across Service.Apply, so a config
// reload changes verbosity without rebuilding components. The zero Logger discards everything.
package logx
