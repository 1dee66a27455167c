package gateway

// Events are the connection lifecycle callbacks a radio delivers to
// the gateway. Callbacks must not block; the gateway dispatches any
// real work to its own worker.
type Events struct {
	// Connected fires when a central establishes a link.
	Connected func(addr string)
	// Bonded fires once link-layer pairing with the central holds.
	Bonded func(addr string)
	// Subscribed fires when the central enables notifications on the
	// status characteristic.
	Subscribed func()
	// Disconnected fires when the link drops.
	Disconnected func(addr string)
}

// PeripheralRadio abstracts the peripheral-side BLE stack: advertise
// an identity, accept writes on the command characteristic, push
// frames out the notify characteristic. Unbonded writes are rejected
// below this interface (link-layer encryption requirement).
// Implementations: the in-process wire simulator and the
// tinygo.org/x/bluetooth backend.
type PeripheralRadio interface {
	// SetWriteHandler registers the consumer of command-channel
	// writes. Must be called before Advertise.
	SetWriteHandler(fn func(data []byte))
	// SetEvents registers lifecycle callbacks. Must be called before
	// Advertise.
	SetEvents(ev Events)
	// Advertise starts advertising the deployment identity.
	Advertise() error
	// Notify pushes one frame to the subscribed central.
	Notify(data []byte) error
	// Stop stops advertising and drops any connection.
	Stop() error
}
