package health

import (
	"fmt"
	"time"
)

// Constants for health states
const (
	MaxRecoveryAttempts = 5
	RecoveryWaitTime    = 60 * time.Second

	StateNormal             = "normal"
	StateRecovering         = "recovering"
	StateRecoveryFailedWait = "recovery-failed-waiting"
	StatePermanentFailure   = "permanent-failure"
)

// Step is one rung of the recovery ladder
type Step int

const (
	StepNone Step = iota
	StepPowerCycle
	StepUSBRebind
	StepRestart
	StepGiveUp
)

func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepPowerCycle:
		return "power-cycle"
	case StepUSBRebind:
		return "usb-rebind"
	case StepRestart:
		return "restart"
	case StepGiveUp:
		return "give-up"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// Health tracks recovery attempts of the modem
type Health struct {
	RecoveryAttempts int
	LastRecoveryTime time.Time
	State            string
}

// New creates a new Health instance
func New() *Health {
	return &Health{
		State: StateNormal,
	}
}

// StartRecovery marks the health as recovering and counts the attempt
func (h *Health) StartRecovery() {
	h.State = StateRecovering
	h.RecoveryAttempts++
	h.LastRecoveryTime = time.Now()
}

// MarkNormal resets the ladder after a successful connection
func (h *Health) MarkNormal() {
	h.State = StateNormal
	h.RecoveryAttempts = 0
}

// MarkRecoveryFailed records a failed attempt. Once the attempts are used
// up the failure is permanent.
func (h *Health) MarkRecoveryFailed() {
	if h.CanRecover() {
		h.State = StateRecoveryFailedWait
	} else {
		h.State = StatePermanentFailure
	}
}

// IsRecovering returns true if the health is recovering
func (h *Health) IsRecovering() bool {
	return h.State == StateRecovering
}

// IsTerminal returns true once no further attempt will be made
func (h *Health) IsTerminal() bool {
	return h.State == StatePermanentFailure
}

// CanRecover returns true if recovery can be attempted
func (h *Health) CanRecover() bool {
	return h.RecoveryAttempts < MaxRecoveryAttempts
}

// Strategy picks the step for the current attempt: a power cycle first,
// then a USB rebind, then plain restarts until the attempts run out.
func (h *Health) Strategy() Step {
	switch {
	case h.RecoveryAttempts <= 0:
		return StepNone
	case h.RecoveryAttempts > MaxRecoveryAttempts:
		return StepGiveUp
	case h.RecoveryAttempts == 1:
		return StepPowerCycle
	case h.RecoveryAttempts == 2:
		return StepUSBRebind
	default:
		return StepRestart
	}
}

// String returns a string representation of the health
func (h *Health) String() string {
	return fmt.Sprintf("Health{State: %s, RecoveryAttempts: %d}", h.State, h.RecoveryAttempts)
}
