package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementOccupancy = "locker_occupancy"
	measurementCommand   = "locker_command"
)

// Occupancy is one locker's aggregate snapshot.
type Occupancy struct {
	LockerID     string
	Total        int
	Full         int
	Occupied     int
	EmptyLeft    int
	Fullness     string
	TemperatureC *float64
	At           time.Time
}

// CommandOutcome describes one finished command.
type CommandOutcome struct {
	LockerID string
	BoxID    int
	Action   string
	Outcome  string
	Elapsed  time.Duration
	At       time.Time
}

// WriteOccupancy records a locker's aggregates after a committed change.
func (c *Client) WriteOccupancy(o Occupancy) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(occupancyPoint(o))
}

// WriteCommandOutcome records how a dispatched command ended.
func (c *Client) WriteCommandOutcome(o CommandOutcome) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(commandPoint(o))
}

func occupancyPoint(o Occupancy) *write.Point {
	fields := map[string]any{
		"total":      o.Total,
		"full":       o.Full,
		"occupied":   o.Occupied,
		"empty_left": o.EmptyLeft,
	}
	if o.TemperatureC != nil {
		fields["temperature_c"] = *o.TemperatureC
	}
	return write.NewPoint(
		measurementOccupancy,
		map[string]string{"locker_id": o.LockerID, "fullness": o.Fullness},
		fields,
		timestamp(o.At),
	)
}

func commandPoint(o CommandOutcome) *write.Point {
	tags := map[string]string{
		"locker_id": o.LockerID,
		"action":    o.Action,
		"outcome":   o.Outcome,
	}
	if o.BoxID > 0 {
		tags["box_id"] = strconv.Itoa(o.BoxID)
	}
	return write.NewPoint(
		measurementCommand,
		tags,
		map[string]any{"elapsed_ms": o.Elapsed.Milliseconds()},
		timestamp(o.At),
	)
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
