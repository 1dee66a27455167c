package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// HardwareAdapter implements Adapter over tinygo.org/x/bluetooth
// (BlueZ on Linux). Characteristic capabilities are classified by the
// deployment UUIDs: the GATT client API does not expose property
// flags, and the profile fixes one write and one notify UUID anyway.
type HardwareAdapter struct {
	adapter *bluetooth.Adapter
	bluez   *BlueZ

	serviceUUID string
	writeUUID   string
	notifyUUID  string

	mu          sync.Mutex
	enabled     bool
	connections map[string]*hardwareConnection // keyed by address
}

// NewHardwareAdapter wraps the default radio. bluez may be nil, in
// which case pairing is assumed to be handled out of band and power
// state is taken from Enable() success.
func NewHardwareAdapter(serviceUUID, writeUUID, notifyUUID string, bluez *BlueZ) *HardwareAdapter {
	return &HardwareAdapter{
		adapter:     bluetooth.DefaultAdapter,
		bluez:       bluez,
		serviceUUID: serviceUUID,
		writeUUID:   writeUUID,
		notifyUUID:  notifyUUID,
		connections: make(map[string]*hardwareConnection),
	}
}

// RequestPermissions enables the BLE stack. On Linux there is no
// runtime permission dialog; failure to reach the stack is the
// equivalent denial.
func (a *HardwareAdapter) RequestPermissions(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	a.enabled = true

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		delete(a.connections, addr)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return nil
}

// Powered reports the adapter's power state via BlueZ when available.
func (a *HardwareAdapter) Powered(ctx context.Context) (bool, error) {
	if a.bluez != nil {
		return a.bluez.AdapterPowered()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled, nil
}

// Scan streams advertisements until found returns true or ctx expires.
func (a *HardwareAdapter) Scan(ctx context.Context, found func(Advertisement) bool) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
		}
		if found(adv) {
			adapter.StopScan()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// Connect attempts a physical link to the given address.
func (a *HardwareAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo's Connect blocks with its own internal timeout; wrap it
	// so ctx cancellation returns promptly.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", address, result.err)
		}
		conn := &hardwareConnection{
			adapter: a,
			device:  result.device,
			address: address,
		}
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

type hardwareConnection struct {
	adapter *HardwareAdapter
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	disconnectCb func()
}

func (c *hardwareConnection) BondState() (BondState, error) {
	if c.adapter.bluez == nil {
		// Without BlueZ property access, bonding is platform-managed
		// and transparent to us.
		return Bonded, nil
	}
	paired, err := c.adapter.bluez.DevicePaired(c.address)
	if err != nil {
		return BondNone, err
	}
	if paired {
		return Bonded, nil
	}
	return BondNone, nil
}

func (c *hardwareConnection) Bond(ctx context.Context) error {
	if c.adapter.bluez == nil {
		return nil
	}
	paired, err := c.adapter.bluez.DevicePaired(c.address)
	if err == nil && paired {
		return nil
	}
	return c.adapter.bluez.PairDevice(ctx, c.address)
}

func (c *hardwareConnection) DiscoverCharacteristics(ctx context.Context) ([]Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(c.adapter.serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", c.adapter.serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	result := make([]Characteristic, 0, len(chars))
	for i := range chars {
		result = append(result, &hardwareCharacteristic{
			char:      chars[i],
			canWrite:  chars[i].UUID().String() == c.adapter.writeUUID,
			canNotify: chars[i].UUID().String() == c.adapter.notifyUUID,
		})
	}
	return result, nil
}

func (c *hardwareConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *hardwareConnection) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = fn
}

func (c *hardwareConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type hardwareCharacteristic struct {
	char      bluetooth.DeviceCharacteristic
	canWrite  bool
	canNotify bool
}

func (c *hardwareCharacteristic) UUID() string    { return c.char.UUID().String() }
func (c *hardwareCharacteristic) CanWrite() bool  { return c.canWrite }
func (c *hardwareCharacteristic) CanNotify() bool { return c.canNotify }

func (c *hardwareCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hardwareCharacteristic) Subscribe(fn func(data []byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		fn(buf)
	})
}

// Compile-time interface checks.
var (
	_ Adapter    = (*HardwareAdapter)(nil)
	_ Connection = (*hardwareConnection)(nil)
)
