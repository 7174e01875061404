package lock

import (
	"github.com/vaultkit/vaultkit/pkg/errclass"
	"github.com/vaultkit/vaultkit/pkg/model"
)

// Outcome is the result kind of an acquisition attempt.
type Outcome string

const (
	// OutcomeSuccess: a new record for this machine was written.
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyHeld: the record on disk already belongs to this machine.
	OutcomeAlreadyHeld Outcome = "already_held"
	// OutcomeDenied: another machine holds the lock and force was not set.
	OutcomeDenied Outcome = "denied"
	// OutcomeError: the lock directory could not be read or written.
	OutcomeError Outcome = "error"
)

// AcquireResult describes the outcome of Manager.Acquire.
type AcquireResult struct {
	Outcome Outcome `json:"outcome"`
	// Record is this machine's record for success and already_held.
	Record *model.LockRecord `json:"record,omitempty"`
	// Holder is the foreign record that caused a denial.
	Holder  *model.LockRecord `json:"holder,omitempty"`
	IsStale bool              `json:"is_stale"`
	// Previous is the foreign record displaced by a forced takeover.
	Previous   *model.LockRecord `json:"previous,omitempty"`
	BackupPath string            `json:"backup_path,omitempty"`
	Message    string            `json:"message,omitempty"`
	Err        error             `json:"-"`
}

// Granted reports whether this process now owns the vault.
func (r AcquireResult) Granted() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeAlreadyHeld
}

// AsError converts a non-granted result into an error.
func (r AcquireResult) AsError() error {
	switch r.Outcome {
	case OutcomeSuccess, OutcomeAlreadyHeld:
		return nil
	case OutcomeDenied:
		return errclass.ErrLockDenied.WithMessage(r.Message)
	default:
		if r.Err != nil {
			return r.Err
		}
		return errclass.ErrLockIO.WithMessage(r.Message)
	}
}

// State is the per-vault lock state of this process.
type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateHeld      State = "held"
	StateDenied    State = "denied"
	StateError     State = "error"
)
