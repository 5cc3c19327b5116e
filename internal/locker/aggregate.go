package locker

// Aggregates are a locker's counters derived from its boxes.
type Aggregates struct {
	Total     int      `json:"total_boxes"`
	Full      int      `json:"full_boxes"`
	Occupied  int      `json:"occupied_boxes"`
	EmptyLeft int      `json:"empty_boxes_left"`
	Fullness  Fullness `json:"fullness"`
}

// ComputeAggregates derives locker counters from a box set.
//
//	total      = number of boxes
//	full       = boxes with status full
//	occupied   = boxes with status full, reserved or in_use
//	empty_left = total - occupied
//
// Fullness is full when every box is occupied (and there is at least one),
// has_some_space when some are, and empty otherwise.
func ComputeAggregates(boxes []Box) Aggregates {
	var a Aggregates
	a.Total = len(boxes)
	for i := range boxes {
		switch {
		case boxes[i].Status == BoxFull:
			a.Full++
			a.Occupied++
		case boxes[i].Status.Occupied():
			a.Occupied++
		}
	}
	a.EmptyLeft = a.Total - a.Occupied

	switch {
	case a.Total > 0 && a.Occupied == a.Total:
		a.Fullness = FullnessFull
	case a.Occupied > 0:
		a.Fullness = FullnessHasSomeSpace
	default:
		a.Fullness = FullnessEmpty
	}
	return a
}

// Consistent reports whether the counters agree with each other.
func (a Aggregates) Consistent() bool {
	return a.Total >= 0 &&
		a.Full >= 0 &&
		a.Full <= a.Occupied &&
		a.Occupied+a.EmptyLeft == a.Total
}
