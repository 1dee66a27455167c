package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Reassembly errors. All of them are recoverable: the corrupted
// transfer is discarded and the link stays usable.
var (
	ErrOutOfOrderFragment = errors.New("protocol: out-of-order fragment")
	ErrUnexpectedEnd      = errors.New("protocol: END with no transfer in progress")
	ErrMalformedPayload   = errors.New("protocol: reassembled payload is not valid JSON")
	ErrTransferInProgress = errors.New("protocol: plain frame while a chunked transfer is in progress")
)

// DefaultTransferWindow bounds how long a chunked transfer may stay
// open before it is abandoned.
const DefaultTransferWindow = 30 * time.Second

// transfer is the single in-flight chunk sequence. The protocol allows
// one transfer at a time per connection; there is no transfer ID in
// the chunk header.
type transfer struct {
	total    int
	next     int // next expected 1-based index
	parts    [][]byte
	openedAt time.Time
}

// Reassembler accumulates chunk fragments into complete messages.
// Safe for concurrent use, though frames on a single characteristic
// arrive sequentially anyway.
type Reassembler struct {
	mu      sync.Mutex
	window  time.Duration
	current *transfer

	now func() time.Time
}

// NewReassembler creates a reassembler. A window <= 0 selects
// DefaultTransferWindow.
func NewReassembler(window time.Duration) *Reassembler {
	if window <= 0 {
		window = DefaultTransferWindow
	}
	return &Reassembler{
		window: window,
		now:    time.Now,
	}
}

// expireLocked drops the open transfer if it has outlived the window.
// Caller must hold mu.
func (r *Reassembler) expireLocked() {
	if r.current != nil && r.now().Sub(r.current.openedAt) > r.window {
		r.current = nil
	}
}

// OnChunk feeds one fragment. Index 1 opens a fresh transfer,
// superseding anything abandoned. A fragment that does not continue
// the open transfer (wrong total, skipped or repeated index, or no
// transfer open at all) returns ErrOutOfOrderFragment and discards the
// transfer; the next index-1 fragment starts clean.
func (r *Reassembler) OnChunk(index, total int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	if index == 1 {
		r.current = &transfer{
			total:    total,
			next:     2,
			parts:    [][]byte{append([]byte(nil), data...)},
			openedAt: r.now(),
		}
		return nil
	}

	if r.current == nil {
		return fmt.Errorf("%w: fragment %d/%d with no transfer open", ErrOutOfOrderFragment, index, total)
	}
	if total != r.current.total || index != r.current.next {
		expected := r.current.next
		r.current = nil
		return fmt.Errorf("%w: got %d/%d, expected %d", ErrOutOfOrderFragment, index, total, expected)
	}

	r.current.parts = append(r.current.parts, append([]byte(nil), data...))
	r.current.next++
	return nil
}

// OnEnd closes the open transfer, reassembles it, and parses the full
// JSON payload. The transfer is cleared whether or not parsing
// succeeds.
func (r *Reassembler) OnEnd() (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()

	if r.current == nil {
		return nil, ErrUnexpectedEnd
	}

	full := bytes.Join(r.current.parts, nil)
	r.current = nil

	m, err := ParseMessage(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return m, nil
}

// OnPlain handles a single-frame JSON payload. Rejected while a
// chunked transfer is open; the open transfer is left intact.
func (r *Reassembler) OnPlain(raw []byte) (Message, error) {
	r.mu.Lock()
	r.expireLocked()
	inFlight := r.current != nil
	r.mu.Unlock()

	if inFlight {
		return nil, ErrTransferInProgress
	}

	m, err := ParseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return m, nil
}

// Ingest dispatches a decoded frame. It returns (msg, true, nil) when
// a complete message is available, (nil, false, nil) when the frame
// was consumed mid-transfer, and (nil, false, err) on a protocol
// violation.
func (r *Reassembler) Ingest(f Frame) (Message, bool, error) {
	switch f.Kind {
	case FramePlain:
		m, err := r.OnPlain(f.JSON)
		if err != nil {
			return nil, false, err
		}
		return m, true, nil
	case FrameChunk:
		if err := r.OnChunk(f.Index, f.Total, f.Data); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	case FrameEnd:
		m, err := r.OnEnd()
		if err != nil {
			return nil, false, err
		}
		return m, true, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown frame kind %d", ErrMalformedFrame, f.Kind)
	}
}

// InProgress reports whether a chunked transfer is currently open.
func (r *Reassembler) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	return r.current != nil
}

// Reset discards any open transfer. Called on disconnect, when all
// per-connection state is invalidated.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
}
