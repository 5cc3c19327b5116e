// Package config loads ParcelHub Core configuration from YAML, applies
// PARCELHUB_* environment overrides and validates the result.
//
// Defaults cover a single core talking to a local broker. Overrides exist
// for the values that differ per deployment: database path, broker address
// and credentials, the locker topic prefix, API bind address, the InfluxDB
// token, and command behaviour (PARCELHUB_COMMANDS_TIMEOUT,
// PARCELHUB_COMMANDS_HARDWARE_MEDIATED).
//
// Keep the MQTT password and InfluxDB token out of the YAML; set them in the
// environment or a local .env file.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return fmt.Errorf("loading config: %w", err)
//	}
//	timeout := cfg.GetCommandTimeout()
package config
