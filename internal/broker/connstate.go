package broker

import (
	"time"

	"github.com/mtengine/tradengine/internal/domain"
)

// DefaultRetryCap is the number of consecutive connection failures after
// which a channel transitions to FAILED (spec §4.2).
const DefaultRetryCap = 10

// backoffDelay implements spec §4.2's exponential backoff:
// min(300s, 30 * 2^k) where k is the consecutive-failure count.
func backoffDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures < 0 {
		consecutiveFailures = 0
	}

	delay := 30 * time.Second
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= 300*time.Second {
			return 300 * time.Second
		}
	}
	return delay
}

// ChannelMachine drives one channel (API or feed) of a Broker Connection
// State through DISCONNECTED -> CONNECTING -> CONNECTED, with BACKOFF on
// failure, independently per channel as required by spec §4.2.
type ChannelMachine struct {
	retryCap      int
	everConnected bool
	status        domain.ChannelStatus
}

// NewChannelMachine returns a machine starting DISCONNECTED, with the given
// retry cap (0 uses DefaultRetryCap).
func NewChannelMachine(retryCap int) *ChannelMachine {
	if retryCap <= 0 {
		retryCap = DefaultRetryCap
	}
	return &ChannelMachine{
		retryCap: retryCap,
		status:   domain.ChannelStatus{State: domain.ChannelDisconnected},
	}
}

// Status returns a copy of the current channel status.
func (m *ChannelMachine) Status() domain.ChannelStatus { return m.status }

// Attempt transitions DISCONNECTED/BACKOFF(deadline elapsed) -> CONNECTING.
// Returns true if a connection attempt should be made now.
func (m *ChannelMachine) Attempt(now time.Time) bool {
	switch m.status.State {
	case domain.ChannelDisconnected:
		m.status.State = domain.ChannelConnecting
		return true
	case domain.ChannelBackoff:
		if !now.Before(m.status.NextAttemptAt) {
			m.status.State = domain.ChannelConnecting
			return true
		}
		return false
	default:
		return false
	}
}

// Succeed transitions CONNECTING -> CONNECTED and resets the failure
// counter.
func (m *ChannelMachine) Succeed() {
	m.status.State = domain.ChannelConnected
	m.status.ConsecutiveFailures = 0
	m.everConnected = true
}

// FailResult reports what the caller must do after a failed attempt or a
// transient loss of an established connection.
type FailResult struct {
	NewState   domain.ChannelState
	Disconnect DisconnectCode
	Emit       bool
}

// Fail transitions CONNECTING -> BACKOFF (or FAILED once the retry cap is
// exhausted, for a channel that has never connected) or, for a channel that
// had reached CONNECTED at least once, a transient loss that retries
// indefinitely regardless of the retry cap, per spec §4.2.
func (m *ChannelMachine) Fail(now time.Time) FailResult {
	wasConnected := m.status.State == domain.ChannelConnected

	m.status.ConsecutiveFailures++

	if !m.everConnected && m.status.ConsecutiveFailures > m.retryCap {
		m.status.State = domain.ChannelFailed
		return FailResult{NewState: domain.ChannelFailed, Disconnect: DisconnectPermanent, Emit: true}
	}

	delay := backoffDelay(m.status.ConsecutiveFailures - 1)
	m.status.State = domain.ChannelBackoff
	m.status.NextAttemptAt = now.Add(delay)

	if wasConnected {
		return FailResult{NewState: domain.ChannelBackoff, Disconnect: DisconnectTransient, Emit: true}
	}
	return FailResult{NewState: domain.ChannelBackoff, Emit: false}
}

// Reset forces the channel back to DISCONNECTED, used when the session is
// closed externally and retries should stop accumulating state.
func (m *ChannelMachine) Reset() {
	m.status = domain.ChannelStatus{State: domain.ChannelDisconnected}
}
