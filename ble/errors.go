package ble

import "errors"

// Link lifecycle errors. Each one is terminal for the current
// connection attempt; the caller decides whether to restart the state
// machine from Idle.
var (
	ErrPermissionDenied  = errors.New("ble: required permissions not granted")
	ErrAdapterOff        = errors.New("ble: adapter is powered off")
	ErrDeviceNotFound    = errors.New("ble: no matching advertiser found before scan timeout")
	ErrConnectionFailed  = errors.New("ble: connection attempts exhausted")
	ErrBondingFailed     = errors.New("ble: bonding denied or timed out")
	ErrNoWritableChannel = errors.New("ble: peripheral exposes no write-capable characteristic")
)

// Per-operation errors.
var (
	// ErrNotConnected is returned by send operations invoked outside
	// the Ready state, without attempting transmission.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrDeliveryFailed is returned when a command was never
	// acknowledged within its retry budget.
	ErrDeliveryFailed = errors.New("ble: delivery failed")
)
