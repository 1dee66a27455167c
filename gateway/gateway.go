// Package gateway runs the peripheral side of the BLE session on the
// device: it advertises the node identity, accepts bonded writes on
// the command characteristic, reassembles chunked payloads, forwards
// validated commands to the message bus, and relays subscribed bus
// events back to the central as notifications.
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/ambient-link/bus"
	"github.com/user/ambient-link/logger"
	"github.com/user/ambient-link/protocol"
)

// State is the gateway link state.
type State int

const (
	StateIdle State = iota
	StateAdvertising
	StateConnectionAccepted
	StateBonded
	StateNotifyReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAdvertising:
		return "Advertising"
	case StateConnectionAccepted:
		return "ConnectionAccepted"
	case StateBonded:
		return "Bonded"
	case StateNotifyReady:
		return "NotifyReady"
	default:
		return "Unknown"
	}
}

// Options configures the gateway.
type Options struct {
	MTUBudget      int
	TransferWindow time.Duration

	// DedupWindow is how many recently seen command identities are
	// remembered to absorb retransmissions.
	DedupWindow int

	// QueueSize bounds the worker queue decoupling radio and bus
	// callbacks from forwarding work.
	QueueSize int

	// StatusTopics are the bus subscriptions relayed as notifications.
	StatusTopics []string
}

// DefaultOptions returns the deployment defaults.
func DefaultOptions() Options {
	return Options{
		MTUBudget:      180,
		TransferWindow: protocol.DefaultTransferWindow,
		DedupWindow:    64,
		QueueSize:      32,
		StatusTopics:   DefaultStatusTopics,
	}
}

// Gateway is the peripheral-role state machine and ingress/egress
// pipeline.
type Gateway struct {
	radio PeripheralRadio
	bus   bus.Bus
	opts  Options

	prefix      string
	reassembler *protocol.Reassembler

	mu          sync.Mutex
	state       State
	centralAddr string
	onState     func(State)

	// Retransmission dedup: FIFO window of command identities.
	seen      map[string]bool
	seenOrder []string

	jobs chan func()
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a gateway over the given radio and bus collaborator.
func New(radio PeripheralRadio, b bus.Bus, opts Options) *Gateway {
	if opts.MTUBudget <= 0 {
		opts.MTUBudget = protocol.DefaultMTUBudget
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 64
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if len(opts.StatusTopics) == 0 {
		opts.StatusTopics = DefaultStatusTopics
	}
	return &Gateway{
		radio:       radio,
		bus:         b,
		opts:        opts,
		prefix:      "Gateway",
		reassembler: protocol.NewReassembler(opts.TransferWindow),
		state:       StateIdle,
		seen:        make(map[string]bool),
	}
}

// OnStateChange registers a callback for link state transitions.
func (g *Gateway) OnStateChange(fn func(State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onState = fn
}

// State returns the current link state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	g.state = s
	cb := g.onState
	g.mu.Unlock()

	logger.Debug(g.prefix, "state -> %s", s)
	if cb != nil {
		cb(s)
	}
}

// Start wires the radio and bus callbacks, starts the forwarding
// worker, and begins advertising.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	stop := make(chan struct{})
	g.stop = stop
	g.jobs = make(chan func(), g.opts.QueueSize)
	g.mu.Unlock()

	g.wg.Add(1)
	go g.worker(stop)

	g.radio.SetWriteHandler(g.handleWrite)
	g.radio.SetEvents(Events{
		Connected: func(addr string) {
			g.mu.Lock()
			g.centralAddr = addr
			g.mu.Unlock()
			logger.Info(g.prefix, "central %s connected", addr)
			g.setState(StateConnectionAccepted)
		},
		Bonded: func(addr string) {
			logger.Info(g.prefix, "central %s bonded", addr)
			g.setState(StateBonded)
		},
		Subscribed: func() {
			logger.Info(g.prefix, "central subscribed to status channel")
			g.setState(StateNotifyReady)
		},
		Disconnected: func(addr string) {
			logger.Info(g.prefix, "central %s disconnected", addr)
			g.mu.Lock()
			g.centralAddr = ""
			g.mu.Unlock()
			// All per-connection state is invalid now.
			g.reassembler.Reset()
			g.setState(StateAdvertising)
		},
	})

	for _, pattern := range g.opts.StatusTopics {
		g.bus.Subscribe(pattern, g.handleBusEvent)
		logger.Debug(g.prefix, "subscribed to %s", pattern)
	}

	if err := g.radio.Advertise(); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	g.setState(StateAdvertising)
	return nil
}

// Stop halts advertising and drains the worker.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	stop := g.stop
	g.stop = nil
	g.mu.Unlock()
	if stop == nil {
		return nil
	}

	err := g.radio.Stop()
	close(stop)
	g.wg.Wait()
	g.setState(StateIdle)
	return err
}

// worker owns its stop channel by value: Stop nils the field to mark
// the gateway stopped, and a field re-read here after that would park
// on a nil channel.
func (g *Gateway) worker(stop chan struct{}) {
	defer g.wg.Done()
	for {
		select {
		case job := <-g.jobs:
			job()
		case <-stop:
			// Drain what is already queued.
			for {
				select {
				case job := <-g.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// dispatch hands work to the worker without blocking the calling
// radio/bus callback. Overflow drops the job with a warning rather
// than stalling the BLE stack's callback thread.
func (g *Gateway) dispatch(job func()) {
	select {
	case g.jobs <- job:
	default:
		logger.Warn(g.prefix, "worker queue full, dropping job")
	}
}

// handleWrite runs on the radio's write callback. Framing and
// reassembly failures are warnings: the corrupted transfer is
// discarded and the link stays usable.
func (g *Gateway) handleWrite(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		logger.Warn(g.prefix, "dropping write: %v", err)
		return
	}
	if frame.Kind == protocol.FrameChunk {
		logger.Trace(g.prefix, "chunk %d/%d (%d bytes)", frame.Index, frame.Total, len(frame.Data))
	}

	msg, done, err := g.reassembler.Ingest(frame)
	if err != nil {
		logger.Warn(g.prefix, "reassembly: %v", err)
		return
	}
	if !done {
		return
	}
	g.process(msg)
}

// identity is the dedup key for a command. The protocol has no
// dedicated dedup field, so the canonical encoding of the whole
// message has to serve: a retransmission carries the same content and
// the same producer timestamp, while two distinct commands stamped
// within the same second still differ in content. Marshal sorts map
// keys, so the encoding is stable across retransmissions.
func identity(m protocol.Message) string {
	raw, err := m.Encode()
	if err != nil {
		return ""
	}
	return string(raw)
}

// process handles one complete, syntactically valid command: ACK
// first (received and valid, not acted upon), then forward to the bus
// unless it is a retransmitted duplicate.
func (g *Gateway) process(msg protocol.Message) {
	topic, payload, ok := MapTopic(msg)
	if !ok {
		logger.Warn(g.prefix, "unknown command action=%q type=%q", msg.Action(), msg.Type())
		return
	}
	logger.Debug(g.prefix, "command %q -> %s", msg.Action(), topic)

	// ACK before any downstream processing. A retransmitted duplicate
	// is acknowledged again so the sender's retry resolves.
	g.notify(protocol.Message{
		"type":      "ACK",
		"topic":     topic,
		"timestamp": payload.Timestamp(),
	})

	if g.isDuplicate(identity(msg)) {
		logger.Debug(g.prefix, "duplicate delivery of %q suppressed", msg.Action())
		return
	}

	raw, err := payload.Encode()
	if err != nil {
		logger.Error(g.prefix, "encode bus payload: %v", err)
		return
	}
	g.dispatch(func() {
		if err := g.bus.Publish(topic, raw); err != nil {
			logger.Error(g.prefix, "publish to %s: %v", topic, err)
			return
		}
		logger.Debug(g.prefix, "published to %s", topic)
	})
}

// isDuplicate records the identity and reports whether it was already
// within the dedup window.
func (g *Gateway) isDuplicate(key string) bool {
	if key == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seen[key] {
		return true
	}
	g.seen[key] = true
	g.seenOrder = append(g.seenOrder, key)
	if len(g.seenOrder) > g.opts.DedupWindow {
		oldest := g.seenOrder[0]
		g.seenOrder = g.seenOrder[1:]
		delete(g.seen, oldest)
	}
	return false
}

// handleBusEvent relays a subscribed bus event to the central as a
// STATUS_UPDATE notification. Runs on the bus's delivery goroutine,
// so the encode-and-notify work is dispatched to the worker.
func (g *Gateway) handleBusEvent(topic string, payload []byte) {
	data, err := protocol.ParseMessage(payload)
	if err != nil {
		logger.Warn(g.prefix, "non-JSON bus payload on %s: %v", topic, err)
		return
	}
	g.dispatch(func() {
		g.notify(protocol.Message{
			"type":      "STATUS_UPDATE",
			"topic":     topic,
			"data":      map[string]any(data),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
}

// notify encodes a message into frames and pushes them out the status
// characteristic. Dropped with a warning when no central is
// subscribed: status delivery is degraded, never fatal.
func (g *Gateway) notify(m protocol.Message) {
	g.mu.Lock()
	ready := g.state == StateNotifyReady
	g.mu.Unlock()
	if !ready {
		logger.Warn(g.prefix, "notify channel not ready, dropping %q", m.Type())
		return
	}

	frames, err := protocol.EncodeFrames(m.Stamp(), g.opts.MTUBudget)
	if err != nil {
		logger.Error(g.prefix, "encode notification: %v", err)
		return
	}
	for i, frame := range frames {
		if err := g.radio.Notify(frame); err != nil {
			logger.Warn(g.prefix, "notify frame %d/%d: %v", i+1, len(frames), err)
			return
		}
	}
}
