package model

import (
	"errors"
	"time"
)

// LockRecord is stored at .vaultkit/lock.json inside the vault root.
type LockRecord struct {
	MachineID  string    `json:"machine_id"`
	Hostname   string    `json:"hostname"`
	ProcessID  int       `json:"process_id"`
	AppVersion string    `json:"app_version"`
	LockedAt   time.Time `json:"locked_at"`
	Heartbeat  time.Time `json:"heartbeat"`
}

// Validate reports whether the record can be trusted as a lock holder.
func (l *LockRecord) Validate() error {
	switch {
	case l.MachineID == "":
		return errors.New("machine_id is empty")
	case l.LockedAt.IsZero():
		return errors.New("locked_at is missing")
	case l.Heartbeat.IsZero():
		return errors.New("heartbeat is missing")
	case l.Heartbeat.Before(l.LockedAt):
		return errors.New("heartbeat precedes locked_at")
	}
	return nil
}

// OwnedBy returns true if the record belongs to the given machine.
func (l *LockRecord) OwnedBy(machineID string) bool {
	return l.MachineID == machineID
}

// Age returns how long ago the last heartbeat was written.
func (l *LockRecord) Age(now time.Time) time.Duration {
	return now.Sub(l.Heartbeat)
}

// IsStale returns true if the heartbeat is older than threshold.
func (l *LockRecord) IsStale(now time.Time, threshold time.Duration) bool {
	return l.Age(now) > threshold
}

// Touch advances the heartbeat to now, never moving it backwards.
func (l *LockRecord) Touch(now time.Time) {
	now = now.UTC()
	if now.Before(l.Heartbeat) {
		return
	}
	if now.Before(l.LockedAt) {
		now = l.LockedAt
	}
	l.Heartbeat = now
}

// LockPolicy configures lock timing parameters.
type LockPolicy struct {
	StaleThreshold    time.Duration `json:"stale_threshold"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	TempMaxAge        time.Duration `json:"temp_max_age"`
}

const (
	DefaultStaleThreshold    = 120 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultTempMaxAge        = 10 * time.Minute
)

// DefaultLockPolicy returns the timings tuned for consumer cloud-drive clients.
func DefaultLockPolicy() LockPolicy {
	return LockPolicy{
		StaleThreshold:    DefaultStaleThreshold,
		HeartbeatInterval: DefaultHeartbeatInterval,
		TempMaxAge:        DefaultTempMaxAge,
	}
}

// LockState represents the current state of a vault lock as seen from this machine.
type LockState string

const (
	LockStateFree    LockState = "free"
	LockStateHeld    LockState = "held"
	LockStateLocked  LockState = "locked"
	LockStateStale   LockState = "stale"
	LockStateCorrupt LockState = "corrupt"
)
