package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/user/ambient-link/ble"
	"github.com/user/ambient-link/bus"
	"github.com/user/ambient-link/central"
	"github.com/user/ambient-link/config"
	"github.com/user/ambient-link/gateway"
	"github.com/user/ambient-link/logger"
	"github.com/user/ambient-link/protocol"
	"github.com/user/ambient-link/wire"
)

func main() {
	role := flag.String("role", "demo", "demo | gateway | central")
	configPath := flag.String("config", "", "path to config.yaml (defaults used when empty)")
	logLevel := flag.String("log", "", "log level override: trace | debug | info | warn | error")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	var err error
	switch *role {
	case "demo":
		err = runDemo(cfg)
	case "gateway":
		err = runGateway(cfg)
	case "central":
		err = runCentral(cfg)
	default:
		err = fmt.Errorf("unknown role %q", *role)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func centralOptions(cfg *config.Config) central.Options {
	opts := central.DefaultOptions()
	opts.NamePrefix = cfg.Device.ScanPrefix
	opts.FallbackName = cfg.Device.Name
	opts.ScanTimeout = time.Duration(cfg.Central.ScanTimeout) * time.Second
	opts.ConnectTimeout = time.Duration(cfg.Central.ConnectTimeout) * time.Second
	opts.BondTimeout = time.Duration(cfg.Central.BondTimeout) * time.Second
	opts.MaxAttempts = cfg.Central.MaxAttempts
	opts.MTUBudget = cfg.Central.MTUBudget
	return opts
}

func gatewayOptions(cfg *config.Config) gateway.Options {
	opts := gateway.DefaultOptions()
	opts.MTUBudget = cfg.Gateway.MTUBudget
	opts.TransferWindow = time.Duration(cfg.Gateway.TransferWindow) * time.Second
	opts.DedupWindow = cfg.Gateway.DedupWindow
	if len(cfg.Gateway.StatusTopics) > 0 {
		opts.StatusTopics = cfg.Gateway.StatusTopics
	}
	return opts
}

// runDemo drives a full session over the in-process medium: gateway
// advertising, central connecting and bonding, an acknowledged command,
// a chunked transfer, and a status event flowing back.
func runDemo(cfg *config.Config) error {
	fmt.Println("=== AmbientNode BLE session demo ===")

	medium := wire.NewMedium()
	broker := bus.NewBroker()

	// A fake device-side service: answers speed commands with a status
	// event, the way the fan controller does.
	broker.Subscribe(gateway.TopicSpeed, func(topic string, payload []byte) {
		msg, err := protocol.ParseMessage(payload)
		if err != nil {
			return
		}
		fmt.Printf("[device] speed command: level=%v\n", msg["level"])
		status, _ := protocol.Message{
			"speed":     msg["level"],
			"power":     "on",
			"timestamp": time.Now().Format(time.RFC3339),
		}.Encode()
		broker.Publish("ambient/status/fan", status)
	})
	broker.Subscribe(gateway.TopicUserRegister, func(topic string, payload []byte) {
		msg, err := protocol.ParseMessage(payload)
		if err != nil {
			return
		}
		fmt.Printf("[device] user registered: %s (%d-byte payload)\n", msg.Str("user_id"), len(payload))
	})

	peripheral := medium.NewPeripheral(wire.PeripheralConfig{
		Name:           cfg.Device.Name,
		ServiceUUID:    cfg.GATT.ServiceUUID,
		WriteCharUUID:  cfg.GATT.WriteCharUUID,
		NotifyCharUUID: cfg.GATT.NotifyCharUUID,
		PIN:            cfg.Device.PIN,
	})
	gw := gateway.New(peripheral, broker, gatewayOptions(cfg))
	if err := gw.Start(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer gw.Stop()

	link := central.NewLink(medium.NewAdapter(cfg.Device.PIN), centralOptions(cfg))
	link.OnStateChange(func(s central.State, cause error) {
		fmt.Printf("[central] %s\n", s)
	})
	notifications := make(chan protocol.Message, 4)
	link.OnNotification(func(m protocol.Message) {
		notifications <- m
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := link.Run(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer link.Close()

	// Small command, fits a single frame.
	ackTimeout := time.Duration(cfg.Central.AckTimeout) * time.Second
	ack, err := link.SendWithAck(ctx, protocol.Message{
		"speed":      50,
		"trackingOn": false,
	}, ackTimeout, cfg.Central.MaxRetries)
	if err != nil {
		return fmt.Errorf("speed command: %w", err)
	}
	fmt.Printf("[central] ACK for %s\n", ack.Str("topic"))

	// Large command, forces chunking at the MTU budget.
	ack, err = link.SendWithAck(ctx, protocol.Message{
		"action":       "register_user",
		"name":         "Demo User",
		"bluetooth_id": "AA:BB:CC:DD:EE:FF",
		"image_base64": strings.Repeat("iVBORw0KGgoAAAANSUhEUg", 40),
	}, ackTimeout, cfg.Central.MaxRetries)
	if err != nil {
		return fmt.Errorf("register command: %w", err)
	}
	fmt.Printf("[central] ACK for %s\n", ack.Str("topic"))

	// The fake device published a status event for the speed command.
	select {
	case m := <-notifications:
		fmt.Printf("[central] status from %s: %v\n", m.Str("topic"), m["data"])
	case <-time.After(2 * time.Second):
		return fmt.Errorf("no status notification received")
	}

	fmt.Println("=== Done ===")
	return nil
}

// runGateway runs the peripheral role on real hardware via BlueZ.
func runGateway(cfg *config.Config) error {
	bluez, err := ble.OpenBlueZ("hci0")
	if err != nil {
		return fmt.Errorf("bluez: %w", err)
	}
	defer bluez.Close()

	agent, err := gateway.RegisterPairingAgent(bluez.Conn(), cfg.Device.PIN)
	if err != nil {
		return fmt.Errorf("pairing agent: %w", err)
	}
	defer agent.Unregister()

	if err := bluez.SetPairable(true); err != nil {
		logger.Warn("Main", "set pairable: %v", err)
	}

	broker := bus.NewBroker()
	broker.Subscribe("#", func(topic string, payload []byte) {
		logger.Info("Bus", "%s <- %s", topic, string(payload))
	})

	radio := gateway.NewHardwareRadio(gateway.RadioConfig{
		Name:           cfg.Device.Name,
		ServiceUUID:    cfg.GATT.ServiceUUID,
		WriteCharUUID:  cfg.GATT.WriteCharUUID,
		NotifyCharUUID: cfg.GATT.NotifyCharUUID,
	})
	gw := gateway.New(radio, broker, gatewayOptions(cfg))
	if err := gw.Start(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	defer gw.Stop()

	logger.Info("Main", "gateway up as %q, ctrl-c to exit", cfg.Device.Name)
	waitForSignal()
	return nil
}

// runCentral runs the mobile-client role on real hardware via BlueZ.
func runCentral(cfg *config.Config) error {
	bluez, err := ble.OpenBlueZ("hci0")
	if err != nil {
		logger.Warn("Main", "bluez unavailable, pairing assumed platform-managed: %v", err)
		bluez = nil
	} else {
		defer bluez.Close()
	}

	adapter := ble.NewHardwareAdapter(
		cfg.GATT.ServiceUUID, cfg.GATT.WriteCharUUID, cfg.GATT.NotifyCharUUID, bluez)
	link := central.NewLink(adapter, centralOptions(cfg))
	link.OnStateChange(func(s central.State, cause error) {
		if cause != nil {
			logger.Warn("Main", "link %s: %v", s, cause)
			return
		}
		logger.Info("Main", "link %s", s)
	})
	link.OnNotification(func(m protocol.Message) {
		logger.Info("Main", "status %s: %v", m.Str("topic"), m["data"])
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := link.Run(ctx); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	defer link.Close()

	logger.Info("Main", "link ready, ctrl-c to exit")
	waitForSignal()
	return nil
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}
