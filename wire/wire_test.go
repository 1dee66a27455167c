package wire

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/ambient-link/ble"
	"github.com/user/ambient-link/bus"
	"github.com/user/ambient-link/central"
	"github.com/user/ambient-link/gateway"
	"github.com/user/ambient-link/protocol"
)

const testPIN = "123456"

func testConfig() PeripheralConfig {
	return PeripheralConfig{
		Name:           "AmbientNode",
		ServiceUUID:    "12345678-1234-5678-1234-56789abcdef0",
		WriteCharUUID:  "12345678-1234-5678-1234-56789abcdef1",
		NotifyCharUUID: "12345678-1234-5678-1234-56789abcdef2",
		PIN:            testPIN,
	}
}

func centralOpts() central.Options {
	opts := central.DefaultOptions()
	opts.ScanTimeout = time.Second
	opts.ConnectTimeout = time.Second
	opts.BondTimeout = time.Second
	opts.DiscoverTimeout = time.Second
	return opts
}

// startSession brings up a gateway over the medium and runs a central
// to Ready against it.
func startSession(t *testing.T) (*Medium, *Peripheral, *gateway.Gateway, *bus.Broker, *central.Link) {
	t.Helper()

	medium := NewMedium()
	broker := bus.NewBroker()
	peripheral := medium.NewPeripheral(testConfig())
	gw := gateway.New(peripheral, broker, gateway.DefaultOptions())
	if err := gw.Start(); err != nil {
		t.Fatalf("gateway Start() error = %v", err)
	}
	t.Cleanup(func() { gw.Stop() })

	link := central.NewLink(medium.NewAdapter(testPIN), centralOpts())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := link.Run(ctx); err != nil {
		t.Fatalf("link Run() error = %v", err)
	}
	t.Cleanup(func() { link.Close() })

	if state, _ := link.State(); state != central.StateReady {
		t.Fatalf("central state = %v, want Ready", state)
	}
	if gw.State() != gateway.StateNotifyReady {
		t.Fatalf("gateway state = %v, want NotifyReady", gw.State())
	}
	return medium, peripheral, gw, broker, link
}

func TestSessionCommandRoundTrip(t *testing.T) {
	_, _, _, broker, link := startSession(t)

	published := make(chan protocol.Message, 1)
	broker.Subscribe(gateway.TopicSpeed, func(topic string, payload []byte) {
		m, err := protocol.ParseMessage(payload)
		if err != nil {
			t.Errorf("bad bus payload: %v", err)
			return
		}
		published <- m
	})

	ack, err := link.SendWithAck(context.Background(),
		protocol.Message{"speed": 50, "trackingOn": false}, time.Second, 2)
	if err != nil {
		t.Fatalf("SendWithAck() error = %v", err)
	}
	if ack.Str("topic") != gateway.TopicSpeed {
		t.Errorf("ack topic = %q, want %q", ack.Str("topic"), gateway.TopicSpeed)
	}

	select {
	case m := <-published:
		if level, ok := m["level"].(float64); !ok || level != 50 {
			t.Errorf("level = %v, want 50", m["level"])
		}
	case <-time.After(time.Second):
		t.Fatal("command never reached the bus")
	}
}

func TestSessionChunkedTransfer(t *testing.T) {
	_, _, _, broker, link := startSession(t)

	published := make(chan protocol.Message, 1)
	broker.Subscribe(gateway.TopicUserRegister, func(topic string, payload []byte) {
		m, err := protocol.ParseMessage(payload)
		if err != nil {
			return
		}
		published <- m
	})

	image := strings.Repeat("aGVsbG8gd29ybGQ=", 200)
	ack, err := link.SendWithAck(context.Background(), protocol.Message{
		"action":       "register_user",
		"name":         "Integration User",
		"bluetooth_id": "AA:BB:CC:DD:EE:FF",
		"image_base64": image,
	}, time.Second, 2)
	if err != nil {
		t.Fatalf("SendWithAck() error = %v", err)
	}
	if ack.Str("topic") != gateway.TopicUserRegister {
		t.Errorf("ack topic = %q, want %q", ack.Str("topic"), gateway.TopicUserRegister)
	}

	select {
	case m := <-published:
		if m.Str("user_id") != "integration_user" {
			t.Errorf("user_id = %q, want integration_user", m.Str("user_id"))
		}
		if m.Str("image_base64") != image {
			t.Error("image payload corrupted in transit")
		}
	case <-time.After(time.Second):
		t.Fatal("registration never reached the bus")
	}
}

func TestSessionStatusEgress(t *testing.T) {
	_, _, _, broker, link := startSession(t)

	got := make(chan protocol.Message, 1)
	link.OnNotification(func(m protocol.Message) {
		got <- m
	})

	broker.Publish("ambient/status/fan", []byte(`{"speed":40,"power":"on"}`))

	select {
	case m := <-got:
		if m.Type() != "STATUS_UPDATE" {
			t.Errorf("type = %q, want STATUS_UPDATE", m.Type())
		}
		if m.Str("topic") != "ambient/status/fan" {
			t.Errorf("topic = %q, want ambient/status/fan", m.Str("topic"))
		}
	case <-time.After(time.Second):
		t.Fatal("status never reached the central")
	}
}

func TestSessionWrongPIN(t *testing.T) {
	medium := NewMedium()
	broker := bus.NewBroker()
	peripheral := medium.NewPeripheral(testConfig())
	gw := gateway.New(peripheral, broker, gateway.DefaultOptions())
	if err := gw.Start(); err != nil {
		t.Fatalf("gateway Start() error = %v", err)
	}
	defer gw.Stop()

	link := central.NewLink(medium.NewAdapter("000000"), centralOpts())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := link.Run(ctx)
	if !errors.Is(err, ble.ErrBondingFailed) {
		t.Fatalf("Run() error = %v, want ErrBondingFailed", err)
	}
	if peripheral.Connected() {
		t.Error("link lingers after bonding failure")
	}
}

func TestSessionConnectRetry(t *testing.T) {
	medium := NewMedium()
	broker := bus.NewBroker()
	peripheral := medium.NewPeripheral(testConfig())
	gw := gateway.New(peripheral, broker, gateway.DefaultOptions())
	if err := gw.Start(); err != nil {
		t.Fatalf("gateway Start() error = %v", err)
	}
	defer gw.Stop()

	// Two refusals, third attempt lands within the default ceiling.
	peripheral.RejectNextConnects(2)

	link := central.NewLink(medium.NewAdapter(testPIN), centralOpts())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := link.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	defer link.Close()

	if state, _ := link.State(); state != central.StateReady {
		t.Errorf("state = %v, want Ready", state)
	}
}

func TestSessionConnectCeiling(t *testing.T) {
	medium := NewMedium()
	broker := bus.NewBroker()
	peripheral := medium.NewPeripheral(testConfig())
	gw := gateway.New(peripheral, broker, gateway.DefaultOptions())
	if err := gw.Start(); err != nil {
		t.Fatalf("gateway Start() error = %v", err)
	}
	defer gw.Stop()

	peripheral.RejectNextConnects(3)

	link := central.NewLink(medium.NewAdapter(testPIN), centralOpts())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := link.Run(ctx)
	if !errors.Is(err, ble.ErrConnectionFailed) {
		t.Fatalf("Run() error = %v, want ErrConnectionFailed", err)
	}
	if peripheral.Connected() {
		t.Error("link lingers after connection failure")
	}
}

func TestSessionLinkLoss(t *testing.T) {
	_, peripheral, gw, _, link := startSession(t)

	states := make(chan central.State, 16)
	link.OnStateChange(func(s central.State, cause error) {
		states <- s
	})

	peripheral.DropLink()

	deadline := time.After(time.Second)
	for {
		select {
		case s := <-states:
			if s == central.StateDisconnected {
				if err := link.Send(protocol.Message{"speed": 1}); !errors.Is(err, ble.ErrNotConnected) {
					t.Errorf("Send() after drop = %v, want ErrNotConnected", err)
				}
				// The gateway goes back to accepting a new session.
				waitState := time.Now().Add(time.Second)
				for time.Now().Before(waitState) && gw.State() != gateway.StateAdvertising {
					time.Sleep(2 * time.Millisecond)
				}
				if gw.State() != gateway.StateAdvertising {
					t.Errorf("gateway state = %v, want Advertising", gw.State())
				}
				return
			}
		case <-deadline:
			t.Fatal("central never observed the drop")
		}
	}
}

func TestSessionReconnectAfterLoss(t *testing.T) {
	medium, peripheral, _, broker, link := startSession(t)

	peripheral.DropLink()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s, _ := link.State(); s == central.StateDisconnected {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A fresh state machine run re-establishes the session.
	link2 := central.NewLink(medium.NewAdapter(testPIN), centralOpts())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := link2.Run(ctx); err != nil {
		t.Fatalf("reconnect Run() error = %v", err)
	}
	defer link2.Close()

	published := make(chan string, 1)
	broker.Subscribe(gateway.TopicPower, func(topic string, payload []byte) {
		published <- topic
	})
	if _, err := link2.SendWithAck(context.Background(), protocol.Message{"power": "on"}, time.Second, 2); err != nil {
		t.Fatalf("SendWithAck() after reconnect error = %v", err)
	}
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("command after reconnect never reached the bus")
	}
}
