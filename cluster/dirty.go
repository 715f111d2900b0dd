/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cluster

import "go.uber.org/atomic"

// ChangeCategory is one of the four primary shadow-map categories the
// aggregator reloads selectively. Watchers external to this package call
// NotifyDataChange(cat) between refreshes.
type ChangeCategory uint8

const (
	IdealStateCat ChangeCategory = iota
	LiveInstanceCat
	InstanceConfigCat
	ResourceConfigCat

	numChangeCategories
)

func (c ChangeCategory) String() string {
	switch c {
	case IdealStateCat:
		return "IdealState"
	case LiveInstanceCat:
		return "LiveInstance"
	case InstanceConfigCat:
		return "InstanceConfig"
	case ResourceConfigCat:
		return "ResourceConfig"
	default:
		return "unknown"
	}
}

// dirtyBits is a lock-free table: NotifyDataChange (called from watcher
// callbacks, possibly concurrently with a refresh in flight) only ever
// sets a bit, never races a clear. Refresh clears a bit for category C
// before it starts C's reload; a set-after-clear while that reload is in
// flight is preserved and triggers another reload on the next refresh.
type dirtyBits struct {
	bits [numChangeCategories]atomic.Bool
}

func newDirtyBits() *dirtyBits {
	d := &dirtyBits{}
	d.setAll()
	return d
}

func (d *dirtyBits) set(cat ChangeCategory)      { d.bits[cat].Store(true) }
func (d *dirtyBits) isSet(cat ChangeCategory) bool { return d.bits[cat].Load() }
func (d *dirtyBits) clear(cat ChangeCategory)    { d.bits[cat].Store(false) }

func (d *dirtyBits) setAll() {
	for i := range d.bits {
		d.bits[i].Store(true)
	}
}
