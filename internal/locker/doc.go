// Package locker owns the authoritative state of parcel lockers and their
// boxes.
//
// Every mutation of a locker goes through Registry.Update (or
// UpdateOrCreate), which:
//
//  1. takes that locker's lock, so writers for one locker never interleave
//     while different lockers proceed in parallel
//  2. opens one store transaction
//  3. hands the callback a Mutation exposing only legal box transitions
//  4. recomputes the locker's aggregate counters from its boxes
//  5. commits, then notifies observers
//
// Box changes and the aggregate recompute commit together or not at all, so
// readers never see a box whose locker counters disagree with it.
//
// The read side (ListLockers, GetLocker, ListBoxes, GetBox, GetBoxHistory)
// reads committed rows straight from the store.
package locker
