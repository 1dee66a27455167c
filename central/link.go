// Package central drives the mobile-client side of the BLE session:
// permission and adapter checks, scanning with a name filter,
// connection with bounded retries, bonding, GATT discovery,
// notification subscription, and acknowledged command delivery.
package central

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/ambient-link/ble"
	"github.com/user/ambient-link/logger"
	"github.com/user/ambient-link/protocol"
)

// Options configures the link state machine.
type Options struct {
	// NamePrefix matches advertisers whose local name contains it,
	// case-insensitively.
	NamePrefix string
	// FallbackName matches advertisers whose local name equals it.
	FallbackName string

	ScanTimeout     time.Duration
	ConnectTimeout  time.Duration // per attempt
	BondTimeout     time.Duration // per attempt
	DiscoverTimeout time.Duration
	MaxAttempts     int // connection attempt ceiling

	// MTUBudget bounds per-frame payload size for outbound commands.
	MTUBudget int

	// TransferWindow bounds inbound chunked transfers on the notify
	// channel.
	TransferWindow time.Duration
}

// DefaultOptions returns the deployment defaults.
func DefaultOptions() Options {
	return Options{
		NamePrefix:      "Ambient",
		FallbackName:    "AmbientNode",
		ScanTimeout:     10 * time.Second,
		ConnectTimeout:  8 * time.Second,
		BondTimeout:     15 * time.Second,
		DiscoverTimeout: 8 * time.Second,
		MaxAttempts:     3,
		MTUBudget:       180,
		TransferWindow:  protocol.DefaultTransferWindow,
	}
}

// Link is the central-role link state machine. One instance owns the
// radio's connection state; Run rejects reentry while a session is
// active.
type Link struct {
	adapter ble.Adapter
	opts    Options
	prefix  string

	mu          sync.Mutex
	state       State
	stateErr    error
	running     bool
	conn        ble.Connection
	writeChar   ble.Characteristic
	notifyChar  ble.Characteristic
	reassembler *protocol.Reassembler

	onState        func(State, error)
	onNotification func(protocol.Message)

	ackMu      sync.Mutex
	ackCh      chan protocol.Message
	ackPending string // action of the command the slot belongs to
}

// NewLink creates a link state machine over the given radio.
func NewLink(adapter ble.Adapter, opts Options) *Link {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MTUBudget <= 0 {
		opts.MTUBudget = protocol.DefaultMTUBudget
	}
	return &Link{
		adapter:     adapter,
		opts:        opts,
		prefix:      "Central",
		reassembler: protocol.NewReassembler(opts.TransferWindow),
		state:       StateIdle,
	}
}

// OnStateChange registers a callback for state transitions. The error
// argument is non-nil only for StateFailed.
func (l *Link) OnStateChange(fn func(State, error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onState = fn
}

// OnNotification registers the consumer of decoded status messages
// from the gateway. ACK frames are consumed internally and not
// forwarded.
func (l *Link) OnNotification(fn func(protocol.Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onNotification = fn
}

// State returns the current state and, for StateFailed, its cause.
func (l *Link) State() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.stateErr
}

func (l *Link) setState(s State, cause error) {
	l.mu.Lock()
	l.state = s
	l.stateErr = cause
	cb := l.onState
	l.mu.Unlock()

	if cause != nil {
		logger.Warn(l.prefix, "state -> %s (%v)", s, cause)
	} else {
		logger.Debug(l.prefix, "state -> %s", s)
	}
	if cb != nil {
		cb(s, cause)
	}
}

// Run walks the state machine from Idle to Ready. It returns nil once
// the link is Ready, or the terminal failure. A Run while a session is
// already active is rejected: the radio is a process-wide singleton
// and the state machine is its serialization point.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("link state machine already running")
	}
	l.running = true
	l.mu.Unlock()

	if err := l.run(ctx); err != nil {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		l.setState(StateFailed, err)
		return err
	}
	return nil
}

func (l *Link) run(ctx context.Context) error {
	// PermissionCheck
	l.setState(StatePermissionCheck, nil)
	if err := l.adapter.RequestPermissions(ctx); err != nil {
		if errors.Is(err, ble.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %v", ble.ErrPermissionDenied, err)
	}

	// AdapterCheck
	l.setState(StateAdapterCheck, nil)
	powered, err := l.adapter.Powered(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ble.ErrAdapterOff, err)
	}
	if !powered {
		return ble.ErrAdapterOff
	}

	// Scanning
	l.setState(StateScanning, nil)
	candidate, err := l.scan(ctx)
	if err != nil {
		return err
	}
	l.setState(StateCandidateFound, nil)
	logger.Info(l.prefix, "candidate %q at %s", candidate.Name, candidate.Address)

	// Connecting + Bonding, up to the attempt ceiling.
	conn, err := l.connectWithRetry(ctx, candidate)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	conn.OnDisconnect(l.handleDisconnect)

	// DiscoveringServices
	l.setState(StateDiscoveringServices, nil)
	discoverCtx, cancel := context.WithTimeout(ctx, l.opts.DiscoverTimeout)
	chars, err := conn.DiscoverCharacteristics(discoverCtx)
	cancel()
	if err != nil {
		conn.Disconnect()
		return fmt.Errorf("%w: discovery: %v", ble.ErrConnectionFailed, err)
	}

	var writeChar, notifyChar ble.Characteristic
	for _, c := range chars {
		if writeChar == nil && c.CanWrite() {
			writeChar = c
		}
		if notifyChar == nil && c.CanNotify() {
			notifyChar = c
		}
	}
	if writeChar == nil {
		conn.Disconnect()
		return ble.ErrNoWritableChannel
	}
	if notifyChar == nil {
		// Status delivery degrades to unavailable; commands still work.
		logger.Warn(l.prefix, "no notify-capable characteristic, status channel unavailable")
	}

	// SubscribingNotify
	l.setState(StateSubscribingNotify, nil)
	if notifyChar != nil {
		if err := notifyChar.Subscribe(l.handleNotifyFrame); err != nil {
			logger.Warn(l.prefix, "notify subscription failed, status channel unavailable: %v", err)
			notifyChar = nil
		}
	}

	l.mu.Lock()
	l.writeChar = writeChar
	l.notifyChar = notifyChar
	l.mu.Unlock()

	l.setState(StateReady, nil)
	return nil
}

// scan enumerates advertisers until the first name match or timeout.
func (l *Link) scan(ctx context.Context) (ble.Advertisement, error) {
	scanCtx, cancel := context.WithTimeout(ctx, l.opts.ScanTimeout)
	defer cancel()

	var (
		mu        sync.Mutex
		candidate ble.Advertisement
		matched   bool
	)
	err := l.adapter.Scan(scanCtx, func(adv ble.Advertisement) bool {
		if !l.nameMatches(adv.Name) {
			logger.Trace(l.prefix, "advertiser %q does not match", adv.Name)
			return false
		}
		mu.Lock()
		candidate = adv
		matched = true
		mu.Unlock()
		return true
	})
	if err != nil {
		return ble.Advertisement{}, fmt.Errorf("%w: %v", ble.ErrDeviceNotFound, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !matched {
		return ble.Advertisement{}, ble.ErrDeviceNotFound
	}
	return candidate, nil
}

func (l *Link) nameMatches(name string) bool {
	if name == "" {
		return false
	}
	if l.opts.NamePrefix != "" &&
		strings.Contains(strings.ToLower(name), strings.ToLower(l.opts.NamePrefix)) {
		return true
	}
	return l.opts.FallbackName != "" && name == l.opts.FallbackName
}

// connectWithRetry attempts the physical link plus bonding, up to
// MaxAttempts. Bonding denial or timeout counts as a failed attempt
// under the same ceiling. Every failed attempt disconnects cleanly
// before the next one.
func (l *Link) connectWithRetry(ctx context.Context, candidate ble.Advertisement) (ble.Connection, error) {
	var lastErr error
	bondingFailure := false

	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ble.ErrConnectionFailed, ctx.Err())
		}

		l.setState(StateConnecting, nil)
		logger.Info(l.prefix, "connect attempt %d/%d to %s", attempt, l.opts.MaxAttempts, candidate.Address)

		connectCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
		conn, err := l.adapter.Connect(connectCtx, candidate.Address)
		cancel()
		if err != nil {
			lastErr = err
			bondingFailure = false
			continue
		}

		l.setState(StateBonding, nil)
		state, err := conn.BondState()
		if err == nil && state == ble.Bonded {
			return conn, nil
		}

		bondCtx, cancel := context.WithTimeout(ctx, l.opts.BondTimeout)
		err = conn.Bond(bondCtx)
		cancel()
		if err != nil {
			lastErr = err
			bondingFailure = true
			conn.Disconnect()
			continue
		}
		return conn, nil
	}

	if bondingFailure {
		return nil, fmt.Errorf("%w: %v", ble.ErrBondingFailed, lastErr)
	}
	return nil, fmt.Errorf("%w: %d attempts, last: %v", ble.ErrConnectionFailed, l.opts.MaxAttempts, lastErr)
}

// Send transmits a command message over the write characteristic.
// Returns ErrNotConnected outside the Ready state, without attempting
// transmission.
func (l *Link) Send(m protocol.Message) error {
	l.mu.Lock()
	if l.state != StateReady || l.writeChar == nil {
		l.mu.Unlock()
		return ble.ErrNotConnected
	}
	writeChar := l.writeChar
	budget := l.opts.MTUBudget
	l.mu.Unlock()

	frames, err := protocol.EncodeFrames(m.Stamp(), budget)
	if err != nil {
		return err
	}
	for i, frame := range frames {
		if err := writeChar.Write(frame); err != nil {
			return fmt.Errorf("write frame %d/%d: %w", i+1, len(frames), err)
		}
		logger.Trace(l.prefix, "wrote frame %d/%d (%d bytes)", i+1, len(frames), len(frame))
	}
	return nil
}

// handleNotifyFrame runs on the radio's notification callback. Framing
// errors are warnings, never fatal: the corrupted transfer is dropped
// and the link stays usable.
func (l *Link) handleNotifyFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		logger.Warn(l.prefix, "dropping notify frame: %v", err)
		return
	}

	msg, done, err := l.reassembler.Ingest(frame)
	if err != nil {
		logger.Warn(l.prefix, "notify reassembly: %v", err)
		return
	}
	if !done {
		return
	}

	if msg.Type() == "ACK" {
		l.resolveAck(msg)
		return
	}

	l.mu.Lock()
	cb := l.onNotification
	l.mu.Unlock()
	if cb != nil {
		// Never block the radio's callback thread.
		go cb(msg)
	}
}

// handleDisconnect invalidates all per-connection state. Re-entry to
// Idle is the caller's policy, not automatic.
func (l *Link) handleDisconnect() {
	l.mu.Lock()
	wasReady := l.state == StateReady
	l.conn = nil
	l.writeChar = nil
	l.notifyChar = nil
	l.running = false
	l.mu.Unlock()

	l.reassembler.Reset()
	l.failAck()

	if wasReady {
		logger.Info(l.prefix, "link lost")
	}
	l.setState(StateDisconnected, nil)
}

// Close tears the session down and returns the machine to Idle.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.writeChar = nil
	l.notifyChar = nil
	l.running = false
	l.state = StateIdle
	l.stateErr = nil
	l.mu.Unlock()

	l.reassembler.Reset()
	l.failAck()

	if conn != nil {
		return conn.Disconnect()
	}
	return nil
}
