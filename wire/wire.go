// Package wire is an in-process BLE medium joining the central link
// state machine and the gateway for tests and the demo. Peripherals
// register as advertisers; centrals scan, connect, bond with a PIN
// compare, and exchange frames over direct callbacks. Frame delivery
// on a single characteristic is synchronous, preserving BLE's
// sequential write ordering. Connection refusal and link drops can be
// injected for failure-path tests.
package wire

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/ambient-link/ble"
	"github.com/user/ambient-link/gateway"
	"github.com/user/ambient-link/logger"
)

// connectDelay approximates real BLE connection establishment
// (30-100ms) without slowing tests down too much.
const connectDelay = 5 * time.Millisecond

// Medium is the shared radio space. Everything attached to the same
// Medium can see each other's advertisements.
type Medium struct {
	mu          sync.RWMutex
	peripherals map[string]*Peripheral // keyed by address
}

// NewMedium creates an empty medium.
func NewMedium() *Medium {
	return &Medium{
		peripherals: make(map[string]*Peripheral),
	}
}

func (m *Medium) advertisers() []*Peripheral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Peripheral, 0, len(m.peripherals))
	for _, p := range m.peripherals {
		result = append(result, p)
	}
	return result
}

func (m *Medium) lookup(addr string) *Peripheral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peripherals[addr]
}

// PeripheralConfig is the identity a simulated peripheral advertises.
type PeripheralConfig struct {
	Name           string
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string
	PIN            string
}

// NewPeripheral attaches a peripheral-role radio to the medium.
func (m *Medium) NewPeripheral(cfg PeripheralConfig) *Peripheral {
	return &Peripheral{
		medium: m,
		addr:   uuid.New().String(),
		cfg:    cfg,
	}
}

// Peripheral is the simulated gateway-side radio. Implements
// gateway.PeripheralRadio.
type Peripheral struct {
	medium *Medium
	addr   string
	cfg    PeripheralConfig

	mu             sync.Mutex
	advertising    bool
	rejectConnects int
	writeHandler   func(data []byte)
	events         gateway.Events
	conn           *link
}

// Address returns the peripheral's medium address.
func (p *Peripheral) Address() string { return p.addr }

func (p *Peripheral) SetWriteHandler(fn func(data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = fn
}

func (p *Peripheral) SetEvents(ev gateway.Events) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = ev
}

// Advertise registers the peripheral with the medium.
func (p *Peripheral) Advertise() error {
	p.mu.Lock()
	p.advertising = true
	p.mu.Unlock()

	p.medium.mu.Lock()
	p.medium.peripherals[p.addr] = p
	p.medium.mu.Unlock()

	logger.Debug("Wire", "peripheral %q advertising", p.cfg.Name)
	return nil
}

// Stop unregisters the peripheral and drops any active link.
func (p *Peripheral) Stop() error {
	p.medium.mu.Lock()
	delete(p.medium.peripherals, p.addr)
	p.medium.mu.Unlock()

	p.mu.Lock()
	p.advertising = false
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	return nil
}

// Notify pushes one frame to the subscribed central. Synchronous, so
// frame ordering on the notify characteristic is preserved.
func (p *Peripheral) Notify(data []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ble.ErrNotConnected
	}

	conn.mu.Lock()
	cb := conn.notifyCb
	subscribed := conn.subscribed
	conn.mu.Unlock()
	if !subscribed || cb == nil {
		return fmt.Errorf("no notification subscriber")
	}

	cb(append([]byte(nil), data...))
	return nil
}

// RejectNextConnects makes the next n connection attempts fail, for
// retry-path tests.
func (p *Peripheral) RejectNextConnects(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectConnects = n
}

// DropLink simulates sudden link loss.
func (p *Peripheral) DropLink() {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// Connected reports whether a central currently holds the link. Used
// by tests to assert no lingering connection after failures.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

var _ gateway.PeripheralRadio = (*Peripheral)(nil)
