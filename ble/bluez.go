package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus     = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"
)

// BlueZ wraps a system D-Bus connection for the adapter and device
// properties the link layer needs: adapter power, device pairing.
type BlueZ struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

// OpenBlueZ connects to the system bus and verifies BlueZ is present.
// adapter is the HCI name, e.g. "hci0".
func OpenBlueZ(adapter string) (*BlueZ, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezBus {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("%w: org.bluez not on system bus", ErrPermissionDenied)
	}

	return &BlueZ{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
	}, nil
}

// Close releases the D-Bus connection.
func (b *BlueZ) Close() {
	b.conn.Close()
}

// Conn exposes the underlying D-Bus connection (the gateway's pairing
// agent exports itself on it).
func (b *BlueZ) Conn() *dbus.Conn {
	return b.conn
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to the BlueZ object path
// under this adapter.
func (b *BlueZ) devicePath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + escaped)
}

func (b *BlueZ) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	obj := b.conn.Object(bluezBus, path)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v); err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *BlueZ) setProp(path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := b.conn.Object(bluezBus, path)
	return obj.Call(propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

// AdapterPowered reports the adapter's Powered property.
func (b *BlueZ) AdapterPowered() (bool, error) {
	return b.getBool(b.adapterPath, adapterIface, "Powered")
}

// SetPairable makes the adapter pairable and discoverable (the
// gateway advertises as both).
func (b *BlueZ) SetPairable(on bool) error {
	if err := b.setProp(b.adapterPath, adapterIface, "Pairable", on); err != nil {
		return err
	}
	return b.setProp(b.adapterPath, adapterIface, "Discoverable", on)
}

// DevicePaired reports whether the device is already bonded.
func (b *BlueZ) DevicePaired(addr string) (bool, error) {
	return b.getBool(b.devicePath(addr), deviceIface, "Paired")
}

// PairDevice initiates pairing with the device and waits for the
// outcome, bounded by ctx. BlueZ drives the PIN exchange through the
// registered agent.
func (b *BlueZ) PairDevice(ctx context.Context, addr string) error {
	obj := b.conn.Object(bluezBus, b.devicePath(addr))

	done := make(chan error, 1)
	go func() {
		done <- obj.Call(deviceIface+".Pair", 0).Err
	}()

	select {
	case <-ctx.Done():
		// Best effort: tell BlueZ to stop the exchange.
		obj.Call(deviceIface+".CancelPairing", 0)
		return fmt.Errorf("%w: %v", ErrBondingFailed, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBondingFailed, err)
		}
	}

	// Pair returns once the exchange finishes; confirm the property.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		paired, err := b.DevicePaired(addr)
		if err == nil && paired {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBondingFailed, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: device not marked paired after exchange", ErrBondingFailed)
}
