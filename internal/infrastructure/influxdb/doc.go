// Package influxdb records locker telemetry in InfluxDB.
//
// Two measurements are written:
//
//	locker_occupancy  tags: locker_id, fullness
//	                  fields: total, full, occupied, empty_left, temperature_c
//	locker_command    tags: locker_id, box_id, action, outcome
//	                  fields: elapsed_ms
//
// Writes are batched and non-blocking. Failures surface through the
// SetOnError callback rather than as return values. InfluxDB is optional;
// with it disabled the core passes a nil *Client, on which every write is a
// no-op.
package influxdb
