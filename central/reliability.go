package central

import (
	"context"
	"fmt"
	"time"

	"github.com/user/ambient-link/ble"
	"github.com/user/ambient-link/logger"
	"github.com/user/ambient-link/protocol"
)

// The reliability layer wraps Send with ACK expectation, per-message
// timeout, and bounded retransmission. At most one command expects an
// ACK at a time; arming a new command supersedes tracking of the
// prior one. The gateway tolerates duplicate delivery, so
// retransmission is safe.

// armAck claims the ACK slot for a command. Any previously armed
// waiter is superseded: its channel will never be signalled.
func (l *Link) armAck(action string) chan protocol.Message {
	l.ackMu.Lock()
	defer l.ackMu.Unlock()
	if l.ackCh != nil {
		logger.Debug(l.prefix, "command %q supersedes pending ACK for %q", action, l.ackPending)
	}
	l.ackCh = make(chan protocol.Message, 1)
	l.ackPending = action
	return l.ackCh
}

// resolveAck delivers an inbound ACK to the armed waiter. The observed
// protocol carries no correlation key beyond the single-in-flight
// invariant, so any ACK resolves the current slot.
func (l *Link) resolveAck(ack protocol.Message) {
	l.ackMu.Lock()
	ch := l.ackCh
	l.ackCh = nil
	l.ackPending = ""
	l.ackMu.Unlock()

	if ch == nil {
		logger.Debug(l.prefix, "ACK with no pending command (topic=%s)", ack.Str("topic"))
		return
	}
	ch <- ack
}

// failAck abandons the armed waiter on disconnect or Close.
func (l *Link) failAck() {
	l.ackMu.Lock()
	l.ackCh = nil
	l.ackPending = ""
	l.ackMu.Unlock()
}

// disarmAck releases the slot if the given channel still owns it.
func (l *Link) disarmAck(ch chan protocol.Message) {
	l.ackMu.Lock()
	if l.ackCh == ch {
		l.ackCh = nil
		l.ackPending = ""
	}
	l.ackMu.Unlock()
}

// SendWithAck sends the command and waits for an acknowledgment,
// retransmitting on timeout up to maxRetries times. It returns the
// ACK message, or ErrDeliveryFailed once the retry budget is spent.
// ErrNotConnected from the link is surfaced immediately: retrying
// cannot help until the caller re-establishes the session.
func (l *Link) SendWithAck(ctx context.Context, m protocol.Message, timeout time.Duration, maxRetries int) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	action := m.Action()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Debug(l.prefix, "retransmitting %q (retry %d/%d)", action, attempt, maxRetries)
		}

		ch := l.armAck(action)
		if err := l.Send(m); err != nil {
			l.disarmAck(ch)
			if err == ble.ErrNotConnected {
				return nil, err
			}
			lastErr = err
			continue
		}

		timer := time.NewTimer(timeout)
		select {
		case ack := <-ch:
			timer.Stop()
			return ack, nil
		case <-timer.C:
			l.disarmAck(ch)
			lastErr = fmt.Errorf("no ACK within %v", timeout)
		case <-ctx.Done():
			timer.Stop()
			l.disarmAck(ch)
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w: %q after %d retransmissions: %v", ble.ErrDeliveryFailed, action, maxRetries, lastErr)
}
