package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// Callers treat it as "run without telemetry".
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrUnhealthy        = errors.New("influxdb: server reports unhealthy")
	ErrNotConnected     = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps batch errors passed to the SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
