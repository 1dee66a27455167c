package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	chunkPrefix = "<CHUNK:"

	// EndSentinel terminates a chunk sequence. The mobile app
	// historically sent the header form as well, so the decoder
	// accepts both.
	EndSentinel       = "END"
	endSentinelHeader = "<CHUNK:END>"

	// DefaultMTUBudget is the per-frame payload budget used when the
	// caller has not negotiated anything better. 20 bytes is the BLE
	// 4.0 floor (23-byte ATT MTU minus the 3-byte write header).
	DefaultMTUBudget = 20
)

// ErrMalformedFrame reports a frame that is neither a chunk header,
// the END sentinel, nor valid JSON.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// FrameKind classifies a single decoded wire frame.
type FrameKind int

const (
	FramePlain FrameKind = iota // complete JSON payload in one frame
	FrameChunk                  // <CHUNK:i/N> fragment
	FrameEnd                    // END sentinel
)

// Frame is one decoded wire frame.
type Frame struct {
	Kind FrameKind

	// JSON holds the raw payload for FramePlain.
	JSON []byte

	// Index and Total are set for FrameChunk. Index is 1-based.
	Index int
	Total int

	// Data holds the fragment payload for FrameChunk.
	Data []byte
}

// EncodeFrames serializes a message into wire frames. If the JSON fits
// within budget it is sent as a single raw frame. Otherwise the JSON is
// split into ceil(len/budget) fragments prefixed with <CHUNK:i/N>,
// followed by the END frame. The budget bounds the fragment payload;
// the chunk header rides on top of it.
func EncodeFrames(m Message, budget int) ([][]byte, error) {
	if budget <= 0 {
		budget = DefaultMTUBudget
	}

	raw, err := m.Encode()
	if err != nil {
		return nil, err
	}

	if len(raw) <= budget {
		return [][]byte{raw}, nil
	}

	total := (len(raw) + budget - 1) / budget
	frames := make([][]byte, 0, total+1)
	for i := 0; i < total; i++ {
		start := i * budget
		end := start + budget
		if end > len(raw) {
			end = len(raw)
		}
		header := fmt.Sprintf("%s%d/%d>", chunkPrefix, i+1, total)
		frame := make([]byte, 0, len(header)+end-start)
		frame = append(frame, header...)
		frame = append(frame, raw[start:end]...)
		frames = append(frames, frame)
	}
	frames = append(frames, []byte(EndSentinel))

	return frames, nil
}

// DecodeFrame classifies a single incoming frame. It does not touch any
// reassembly state; feed the result to a Reassembler.
func DecodeFrame(data []byte) (Frame, error) {
	s := string(data)

	if s == EndSentinel || s == endSentinelHeader {
		return Frame{Kind: FrameEnd}, nil
	}

	if strings.HasPrefix(s, chunkPrefix) {
		closing := strings.IndexByte(s, '>')
		if closing < 0 {
			return Frame{}, fmt.Errorf("%w: unterminated chunk header", ErrMalformedFrame)
		}
		header := s[len(chunkPrefix):closing]
		slash := strings.IndexByte(header, '/')
		if slash < 0 {
			return Frame{}, fmt.Errorf("%w: chunk header %q", ErrMalformedFrame, header)
		}
		index, err := strconv.Atoi(header[:slash])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: chunk index %q", ErrMalformedFrame, header)
		}
		total, err := strconv.Atoi(header[slash+1:])
		if err != nil {
			return Frame{}, fmt.Errorf("%w: chunk total %q", ErrMalformedFrame, header)
		}
		if index < 1 || total < 1 || index > total {
			return Frame{}, fmt.Errorf("%w: chunk %d/%d out of range", ErrMalformedFrame, index, total)
		}
		return Frame{
			Kind:  FrameChunk,
			Index: index,
			Total: total,
			Data:  data[closing+1:],
		}, nil
	}

	if !json.Valid(bytes.TrimSpace(data)) {
		return Frame{}, fmt.Errorf("%w: not JSON, a chunk header, or END", ErrMalformedFrame)
	}

	return Frame{Kind: FramePlain, JSON: data}, nil
}
