package gateway

import (
	"fmt"
	"strconv"

	"github.com/godbus/dbus/v5"

	"github.com/user/ambient-link/logger"
)

const (
	agentPath  = dbus.ObjectPath("/ambient/agent")
	agentIface = "org.bluez.Agent1"
)

// PairingAgent answers BlueZ pairing requests with the deployment's
// fixed PIN and authorizes bonded centrals. The shared fixed PIN is a
// known weak point of the deployment; changing it would change the
// external pairing interface, so it is kept as configured.
type PairingAgent struct {
	conn *dbus.Conn
	pin  string
}

// RegisterPairingAgent exports the agent on the system bus and makes
// it the default BlueZ agent.
func RegisterPairingAgent(conn *dbus.Conn, pin string) (*PairingAgent, error) {
	a := &PairingAgent{conn: conn, pin: pin}

	if err := conn.Export(a, agentPath, agentIface); err != nil {
		return nil, fmt.Errorf("export agent: %w", err)
	}

	manager := conn.Object("org.bluez", "/org/bluez")
	if err := manager.Call("org.bluez.AgentManager1.RegisterAgent", 0, agentPath, "KeyboardDisplay").Err; err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	if err := manager.Call("org.bluez.AgentManager1.RequestDefaultAgent", 0, agentPath).Err; err != nil {
		return nil, fmt.Errorf("request default agent: %w", err)
	}

	logger.Info("Agent", "pairing agent registered")
	return a, nil
}

// Unregister removes the agent from BlueZ.
func (a *PairingAgent) Unregister() error {
	manager := a.conn.Object("org.bluez", "/org/bluez")
	return manager.Call("org.bluez.AgentManager1.UnregisterAgent", 0, agentPath).Err
}

// The methods below implement org.bluez.Agent1.

func (a *PairingAgent) Release() *dbus.Error {
	logger.Debug("Agent", "released")
	return nil
}

func (a *PairingAgent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	logger.Debug("Agent", "RequestPinCode for %s", device)
	return a.pin, nil
}

func (a *PairingAgent) DisplayPinCode(device dbus.ObjectPath, pincode string) *dbus.Error {
	logger.Debug("Agent", "DisplayPinCode %s for %s", pincode, device)
	return nil
}

func (a *PairingAgent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	logger.Debug("Agent", "RequestPasskey for %s", device)
	passkey, err := strconv.ParseUint(a.pin, 10, 32)
	if err != nil {
		return 0, dbus.MakeFailedError(fmt.Errorf("configured PIN is not numeric: %w", err))
	}
	return uint32(passkey), nil
}

func (a *PairingAgent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	logger.Debug("Agent", "DisplayPasskey %06d for %s (%d entered)", passkey, device, entered)
	return nil
}

func (a *PairingAgent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	logger.Debug("Agent", "RequestConfirmation %06d for %s -> approved", passkey, device)
	return nil
}

func (a *PairingAgent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	logger.Debug("Agent", "RequestAuthorization for %s -> approved", device)
	return nil
}

func (a *PairingAgent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	logger.Debug("Agent", "AuthorizeService %s for %s -> approved", uuid, device)
	return nil
}

func (a *PairingAgent) Cancel() *dbus.Error {
	logger.Debug("Agent", "pairing canceled")
	return nil
}
