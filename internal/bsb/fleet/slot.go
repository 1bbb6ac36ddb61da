// Package fleet implements the Session & Token Store: a fixed-size slot
// table, single-session-per-client discipline, the two-token access scheme,
// and the stale-session reaper.
package fleet

import "time"

// Slot is a physical capacity unit: a stable id, upstream host/port, and an
// in-use flag. The set of slots is fixed at process start.
type Slot struct {
	ID   int
	Host string
	Port int
}

// Session is the live association of a client identity to a slot.
type Session struct {
	SlotID          int
	ClientID        string
	SessionID       string
	AssignedAt      time.Time
	LastHeartbeatAt time.Time
	CookieToken     string

	// URLToken is the current single-use token minted for this session; a
	// fresh one replaces it on every subsequent Request call. Check does
	// not mint one.
	URLToken      string
	URLTokenAt    time.Time
	ActiveWSCount int
	LastWSGoneAt  time.Time
}

// AssignResult is returned by Store.Request.
type AssignResult struct {
	Slot     Slot
	Session  Session
	Existing bool
}

// ErrAllSlotsBusy is returned by Store.Request when no slot is free and the
// client has no existing session.
type ErrAllSlotsBusy struct {
	InUse          int
	Total          int
	RetryAfterSecs int
}

func (e *ErrAllSlotsBusy) Error() string { return "fleet: all slots busy" }
