// Package fsm implements the primary-path selection state machine:
// given Wi-Fi and cellular path grades, it decides which path is active
// with dwell times and RTT margins tuned to avoid oscillation on
// flapping Wi-Fi (spec.md §4.B).
package fsm

import (
	"time"

	"github.com/chlwjd0803/moto-cam/internal/pathmetric"
)

const (
	// DwellFailover is the minimum time on Wi-Fi before failover to
	// cellular is allowed.
	DwellFailover = 200 * time.Millisecond
	// DwellFailback is the minimum time on cellular before failback to
	// Wi-Fi is allowed.
	DwellFailback = 400 * time.Millisecond
	// RTTMarginMs is the RTT advantage required to switch between two
	// paths of equal grade.
	RTTMarginMs = 20.0
)

// NoPrimary is the sentinel last-primary-id value meaning "no selection
// has been made yet."
const NoPrimary = -1

// SelectorState is the FSM's mutable state, owned exclusively by the
// send thread (spec.md §3 "Primary Selector State").
type SelectorState struct {
	LastPrimaryID  int
	LastSwitchTime time.Duration
}

// NewSelectorState returns a SelectorState ready for the Initial state.
func NewSelectorState() *SelectorState {
	return &SelectorState{LastPrimaryID: NoPrimary}
}

// Select runs one FSM step and returns the new primary path id. now is a
// monotonic clock reading (e.g. derived from time.Now() via
// Sub(epoch)), not wall-clock time, so dwell comparisons are immune to
// clock adjustments.
//
// wifiID/cellID are -1 if that path is not currently present.
func Select(wifi, cell pathmetric.Metric, wifiID, cellID int, state *SelectorState, now time.Duration) int {
	if state.LastPrimaryID == NoPrimary {
		return initial(wifiID, cellID, state, now)
	}

	switch state.LastPrimaryID {
	case wifiID:
		return onWiFi(wifi, cell, wifiID, cellID, state, now)
	case cellID:
		return onCellular(wifi, cell, wifiID, cellID, state, now)
	default:
		// Previously-selected path is no longer present; caller is
		// responsible for falling back (spec §4.C step 8). The FSM
		// itself only ever transitions between wifiID and cellID.
		return state.LastPrimaryID
	}
}

func initial(wifiID, cellID int, state *SelectorState, now time.Duration) int {
	id := cellID
	if wifiID >= 0 {
		id = wifiID
	}
	state.LastPrimaryID = id
	state.LastSwitchTime = now
	return id
}

func onWiFi(wifi, cell pathmetric.Metric, wifiID, cellID int, state *SelectorState, now time.Duration) int {
	if now-state.LastSwitchTime < DwellFailover {
		return wifiID
	}
	if wifi.Grade == pathmetric.Bad && cell.Grade == pathmetric.Bad {
		return wifiID
	}

	failover := false
	switch {
	case wifi.Grade == pathmetric.Bad && cell.Grade != pathmetric.Bad:
		failover = true
	case wifi.Grade == pathmetric.Warn && cell.Grade == pathmetric.Good:
		failover = true
	case wifi.Grade == cell.Grade && wifi.RTTMs-cell.RTTMs > RTTMarginMs:
		failover = true
	}

	if failover && cellID >= 0 {
		state.LastPrimaryID = cellID
		state.LastSwitchTime = now
		return cellID
	}
	return wifiID
}

func onCellular(wifi, cell pathmetric.Metric, wifiID, cellID int, state *SelectorState, now time.Duration) int {
	if now-state.LastSwitchTime < DwellFailback {
		return cellID
	}

	failback := false
	switch {
	case wifiID >= 0 && wifi.Grade <= pathmetric.Warn:
		failback = true
	case wifi.Grade == cell.Grade && cell.RTTMs-wifi.RTTMs > RTTMarginMs+10:
		failback = true
	}

	if failback && wifiID >= 0 {
		state.LastPrimaryID = wifiID
		state.LastSwitchTime = now
		return wifiID
	}
	return cellID
}
