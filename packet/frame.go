package packet

import (
	"bufio"
	"errors"
	"io"
)

// FrameErrorKind classifies why CheckFrame refused a frame: a malformed
// remaining length, or one that would exceed the configured ceiling. Both
// are protocol violations the caller must close the connection over.
type FrameErrorKind int

const (
	// FrameMalformedLength means the remaining-length variable byte
	// integer ran past its 4-byte limit without terminating.
	FrameMalformedLength FrameErrorKind = iota
	// FramePayloadTooLarge means the frame's remaining length exceeds the
	// caller's maxSize, or the whole frame exceeds the reader's buffer
	// capacity (which CheckFrame's caller sizes off the same limit).
	FramePayloadTooLarge
)

// FrameError is returned by CheckFrame for a malformed or oversized frame.
type FrameError struct {
	Kind FrameErrorKind
}

func (e *FrameError) Error() string {
	switch e.Kind {
	case FrameMalformedLength:
		return "packet: malformed remaining length"
	case FramePayloadTooLarge:
		return "packet: payload too large"
	default:
		return "packet: frame error"
	}
}

// maxRemainingLengthBytes is the protocol's hard cap on the number of
// continuation bytes the remaining-length field may use (§2.2.3).
const maxRemainingLengthBytes = 4

// CheckFrame reports whether r already buffers one complete MQTT frame
// (fixed header plus its remaining-length payload) not exceeding maxSize,
// without consuming a single byte from r: every inspection goes through
// Peek, which blocks until the requested bytes are buffered, so a caller
// that gets a frame length back can Unpack straight from r knowing the
// full frame is already present.
//
// A maxSize of 0 disables the size ceiling.
func CheckFrame(r *bufio.Reader, maxSize uint32) (frameLen int, err error) {
	for n := 2; n <= 1+maxRemainingLengthBytes; n++ {
		head, peekErr := r.Peek(n)
		if peekErr != nil {
			// Peek blocks internally until n bytes are buffered or an
			// error occurs, so EOF here means the peer closed mid-frame:
			// that's an ordinary disconnect, not a framing violation.
			if errors.Is(peekErr, io.EOF) {
				return 0, io.EOF
			}
			if errors.Is(peekErr, bufio.ErrBufferFull) {
				return 0, &FrameError{Kind: FramePayloadTooLarge}
			}
			return 0, peekErr
		}

		remaining, consumed, complete := decodeRemainingLength(head[1:])
		if !complete {
			continue
		}

		total := 1 + consumed + int(remaining)
		if maxSize > 0 && remaining > maxSize {
			return 0, &FrameError{Kind: FramePayloadTooLarge}
		}

		if _, peekErr := r.Peek(total); peekErr != nil {
			if errors.Is(peekErr, io.EOF) {
				return 0, io.EOF
			}
			if errors.Is(peekErr, bufio.ErrBufferFull) {
				return 0, &FrameError{Kind: FramePayloadTooLarge}
			}
			return 0, peekErr
		}
		return total, nil
	}
	return 0, &FrameError{Kind: FrameMalformedLength}
}

// decodeRemainingLength decodes a variable byte integer from the bytes
// already peeked after the fixed header's first byte. complete is false
// when b doesn't yet contain a terminating byte (continuation bit unset);
// the caller should Peek one more byte and retry.
func decodeRemainingLength(b []byte) (value uint32, consumed int, complete bool) {
	for i, c := range b {
		value |= uint32(c&127) << (7 * i)
		if c&128 == 0 {
			return value, i + 1, true
		}
	}
	return 0, 0, false
}
