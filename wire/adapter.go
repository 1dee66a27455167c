package wire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/ambient-link/ble"
	"github.com/user/ambient-link/logger"
)

// scanInterval is how often a simulated scan re-reads the advertiser
// set.
const scanInterval = 5 * time.Millisecond

// Adapter is the simulated central-side radio. Implements ble.Adapter.
// DenyPermissions and SetPowered inject the terminal preflight
// failures.
type Adapter struct {
	medium *Medium
	id     string
	pin    string

	mu         sync.Mutex
	denyPerms  bool
	poweredOff bool
	conn       *link
}

// NewAdapter attaches a central-role radio to the medium. pin is the
// passkey presented during bonding.
func (m *Medium) NewAdapter(pin string) *Adapter {
	return &Adapter{
		medium: m,
		id:     uuid.New().String(),
		pin:    pin,
	}
}

// DenyPermissions makes RequestPermissions fail.
func (a *Adapter) DenyPermissions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denyPerms = true
}

// SetPowered toggles the simulated radio power state.
func (a *Adapter) SetPowered(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.poweredOff = !on
}

func (a *Adapter) RequestPermissions(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.denyPerms {
		return ble.ErrPermissionDenied
	}
	return nil
}

func (a *Adapter) Powered(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.poweredOff, nil
}

// Scan polls the medium's advertiser set until found accepts a
// candidate or ctx expires. Expiry without a match returns nil; the
// caller distinguishes no-match from radio failure.
func (a *Adapter) Scan(ctx context.Context, found func(ble.Advertisement) bool) error {
	reported := make(map[string]bool)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		for _, p := range a.medium.advertisers() {
			if reported[p.addr] {
				continue
			}
			reported[p.addr] = true
			adv := ble.Advertisement{
				Name:    p.cfg.Name,
				Address: p.addr,
				RSSI:    -42,
			}
			logger.Trace("Wire", "scan sees %q at %s", adv.Name, adv.Address)
			if found(adv) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Connect establishes a link to the advertising peripheral at address.
func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	select {
	case <-time.After(connectDelay):
	case <-ctx.Done():
		return nil, fmt.Errorf("connect canceled: %w", ctx.Err())
	}

	p := a.medium.lookup(address)
	if p == nil {
		return nil, fmt.Errorf("no advertiser at %s", address)
	}

	p.mu.Lock()
	if p.rejectConnects > 0 {
		p.rejectConnects--
		p.mu.Unlock()
		return nil, fmt.Errorf("connection refused by %s", address)
	}
	if p.conn != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("peripheral %s already has a central", address)
	}
	l := &link{a: a, p: p}
	p.conn = l
	ev := p.events
	p.mu.Unlock()

	a.mu.Lock()
	a.conn = l
	a.mu.Unlock()

	logger.Debug("Wire", "central %.8s connected to %q", a.id, p.cfg.Name)
	if ev.Connected != nil {
		ev.Connected(a.id)
	}
	return l, nil
}

var _ ble.Adapter = (*Adapter)(nil)

// link is one established central-peripheral association. Implements
// ble.Connection for the central side.
type link struct {
	a *Adapter
	p *Peripheral

	mu           sync.Mutex
	closed       bool
	bonded       bool
	subscribed   bool
	notifyCb     func(data []byte)
	onDisconnect func()
}

func (l *link) BondState() (ble.BondState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ble.BondNone, ble.ErrNotConnected
	}
	if l.bonded {
		return ble.Bonded, nil
	}
	return ble.BondNone, nil
}

// Bond compares the central's passkey against the peripheral's PIN.
func (l *link) Bond(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ble.ErrNotConnected
	}
	l.mu.Unlock()

	if l.a.pin != l.p.cfg.PIN {
		return fmt.Errorf("%w: passkey rejected", ble.ErrBondingFailed)
	}

	l.mu.Lock()
	l.bonded = true
	l.mu.Unlock()

	l.p.mu.Lock()
	ev := l.p.events
	l.p.mu.Unlock()
	if ev.Bonded != nil {
		ev.Bonded(l.a.id)
	}
	return nil
}

func (l *link) DiscoverCharacteristics(ctx context.Context) ([]ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ble.ErrNotConnected
	}
	return []ble.Characteristic{
		&characteristic{l: l, uuid: l.p.cfg.WriteCharUUID, canWrite: true},
		&characteristic{l: l, uuid: l.p.cfg.NotifyCharUUID, canNotify: true},
	}, nil
}

func (l *link) Disconnect() error {
	l.close()
	return nil
}

func (l *link) OnDisconnect(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = fn
}

// close tears the link down on both sides. Idempotent.
func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cb := l.onDisconnect
	l.mu.Unlock()

	l.a.mu.Lock()
	if l.a.conn == l {
		l.a.conn = nil
	}
	l.a.mu.Unlock()

	l.p.mu.Lock()
	if l.p.conn == l {
		l.p.conn = nil
	}
	ev := l.p.events
	l.p.mu.Unlock()

	logger.Debug("Wire", "link to %q closed", l.p.cfg.Name)
	if ev.Disconnected != nil {
		ev.Disconnected(l.a.id)
	}
	if cb != nil {
		cb()
	}
}

var _ ble.Connection = (*link)(nil)

// characteristic is a simulated GATT characteristic on the link.
type characteristic struct {
	l         *link
	uuid      string
	canWrite  bool
	canNotify bool
}

func (c *characteristic) UUID() string    { return c.uuid }
func (c *characteristic) CanWrite() bool  { return c.canWrite }
func (c *characteristic) CanNotify() bool { return c.canNotify }

// Write delivers one frame to the peripheral's write handler.
// Synchronous, so frame ordering on the command characteristic is
// preserved. Writes on an unbonded link are rejected the way BlueZ
// rejects writes to an encrypted characteristic.
func (c *characteristic) Write(data []byte) error {
	if !c.canWrite {
		return fmt.Errorf("characteristic %s is not writable", c.uuid)
	}

	c.l.mu.Lock()
	if c.l.closed {
		c.l.mu.Unlock()
		return ble.ErrNotConnected
	}
	if !c.l.bonded {
		c.l.mu.Unlock()
		return fmt.Errorf("write rejected: link not bonded")
	}
	c.l.mu.Unlock()

	c.l.p.mu.Lock()
	handler := c.l.p.writeHandler
	c.l.p.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("peripheral has no write handler")
	}

	handler(append([]byte(nil), data...))
	return nil
}

// Subscribe registers the notification callback and reports the
// subscription to the peripheral.
func (c *characteristic) Subscribe(fn func(data []byte)) error {
	if !c.canNotify {
		return fmt.Errorf("characteristic %s does not notify", c.uuid)
	}

	c.l.mu.Lock()
	if c.l.closed {
		c.l.mu.Unlock()
		return ble.ErrNotConnected
	}
	c.l.notifyCb = fn
	c.l.subscribed = true
	c.l.mu.Unlock()

	c.l.p.mu.Lock()
	ev := c.l.p.events
	c.l.p.mu.Unlock()
	if ev.Subscribed != nil {
		ev.Subscribed()
	}
	return nil
}

var _ ble.Characteristic = (*characteristic)(nil)
