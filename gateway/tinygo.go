package gateway

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/ambient-link/logger"
)

// RadioConfig is the GATT identity a radio advertises.
type RadioConfig struct {
	Name           string
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string
}

// HardwareRadio implements PeripheralRadio over tinygo.org/x/bluetooth
// (BlueZ on Linux). Link-layer security is enforced by BlueZ together
// with the registered pairing agent: unbonded writes never reach the
// write callback. BlueZ also owns the CCCD, so the subscription event
// is synthesized when a central connects.
type HardwareRadio struct {
	adapter *bluetooth.Adapter
	cfg     RadioConfig

	mu           sync.Mutex
	writeHandler func(data []byte)
	events       Events
	notifyHandle bluetooth.Characteristic
	adv          *bluetooth.Advertisement
	started      bool
}

// NewHardwareRadio wraps the default radio with the given identity.
func NewHardwareRadio(cfg RadioConfig) *HardwareRadio {
	return &HardwareRadio{
		adapter: bluetooth.DefaultAdapter,
		cfg:     cfg,
	}
}

func (r *HardwareRadio) SetWriteHandler(fn func(data []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeHandler = fn
}

func (r *HardwareRadio) SetEvents(ev Events) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = ev
}

// Advertise registers the GATT service and starts advertising.
func (r *HardwareRadio) Advertise() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("already advertising")
	}

	if err := r.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	svcUUID, err := bluetooth.ParseUUID(r.cfg.ServiceUUID)
	if err != nil {
		return fmt.Errorf("parse service UUID: %w", err)
	}
	writeUUID, err := bluetooth.ParseUUID(r.cfg.WriteCharUUID)
	if err != nil {
		return fmt.Errorf("parse write UUID: %w", err)
	}
	notifyUUID, err := bluetooth.ParseUUID(r.cfg.NotifyCharUUID)
	if err != nil {
		return fmt.Errorf("parse notify UUID: %w", err)
	}

	err = r.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  writeUUID,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					r.mu.Lock()
					handler := r.writeHandler
					r.mu.Unlock()
					if handler != nil {
						handler(append([]byte(nil), value...))
					}
				},
			},
			{
				Handle: &r.notifyHandle,
				UUID:   notifyUUID,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicNotifyPermission,
				Value:  []byte{},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		r.mu.Lock()
		ev := r.events
		r.mu.Unlock()
		addr := device.Address.String()
		if connected {
			if ev.Connected != nil {
				ev.Connected(addr)
			}
			// Bonding and CCCD state live inside BlueZ at this API
			// level; report the link usable once it is up.
			if ev.Bonded != nil {
				ev.Bonded(addr)
			}
			if ev.Subscribed != nil {
				ev.Subscribed()
			}
			return
		}
		if ev.Disconnected != nil {
			ev.Disconnected(addr)
		}
	})

	adv := r.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    r.cfg.Name,
		ServiceUUIDs: []bluetooth.UUID{svcUUID},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}

	r.adv = adv
	r.started = true
	logger.Info("Radio", "advertising as %q", r.cfg.Name)
	return nil
}

// Notify pushes one frame to subscribed centrals.
func (r *HardwareRadio) Notify(data []byte) error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return fmt.Errorf("radio not started")
	}
	if _, err := r.notifyHandle.Write(data); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Stop halts advertising.
func (r *HardwareRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	if r.adv != nil {
		return r.adv.Stop()
	}
	return nil
}

var _ PeripheralRadio = (*HardwareRadio)(nil)
