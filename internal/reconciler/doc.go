// Package reconciler turns locker status reports into registry state.
//
// A report lists boxes with their occupancy as the hardware sees it. The
// reconciler creates unknown lockers and boxes, applies occupied/empty
// transitions (clearing a box appends its history snapshot), updates
// health, stamps last_online and lets the registry recompute aggregates,
// all in one transaction per report.
//
// Delivery is unordered and may duplicate. Duplicates are harmless because
// every step is a no-op when the box already matches. Reports older than
// the locker's last_online are dropped as stale.
package reconciler
