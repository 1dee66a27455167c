// Package ble abstracts the central-side radio so the link state
// machine can run against real hardware (tinygo.org/x/bluetooth over
// BlueZ) or an in-process simulated medium in tests.
package ble

import "context"

// BondState tracks link-layer pairing progress with a peripheral.
type BondState int

const (
	BondNone BondState = iota
	Bonding
	Bonded
)

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "none"
	case Bonding:
		return "bonding"
	case Bonded:
		return "bonded"
	default:
		return "unknown"
	}
}

// Advertisement is one observed advertiser during a scan.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic is a discovered GATT characteristic on the remote
// peripheral.
type Characteristic interface {
	// UUID returns the characteristic UUID string.
	UUID() string
	// CanWrite reports write capability (the command channel).
	CanWrite() bool
	// CanNotify reports notify capability (the status channel).
	CanNotify() bool
	// Write sends one frame to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications and registers the callback.
	Subscribe(fn func(data []byte)) error
}

// Connection is an established link to a peripheral.
type Connection interface {
	// BondState returns the current pairing state with the peer.
	BondState() (BondState, error)
	// Bond initiates pairing and waits for a bonded or denied
	// outcome, bounded by ctx.
	Bond(ctx context.Context) error
	// DiscoverCharacteristics enumerates the peripheral's GATT
	// characteristics for the deployment service.
	DiscoverCharacteristics(ctx context.Context) ([]Characteristic, error)
	// Disconnect tears the link down.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(fn func())
}

// Adapter is the process-wide radio singleton on the central side.
// Only one scan and one connection attempt per peer may be in flight
// at a time; the link state machine is the serialization point.
type Adapter interface {
	// RequestPermissions acquires whatever the platform requires
	// before the radio may be used. ErrPermissionDenied if refused.
	RequestPermissions(ctx context.Context) error
	// Powered reports whether the radio is powered on.
	Powered(ctx context.Context) (bool, error)
	// Scan streams advertisements to found until found returns true
	// (stop immediately, candidate accepted) or ctx expires.
	Scan(ctx context.Context, found func(Advertisement) bool) error
	// Connect attempts a physical link to the given address, bounded
	// by ctx.
	Connect(ctx context.Context, address string) (Connection, error)
}
