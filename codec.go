// Copyright 2012 Apcera Inc. All rights reserved.

package nitox

import "bytes"

// frameCodec is a pure, stateful byte-stream to Op translator. It owns a
// buffer and a next_index cursor so that repeated decode() calls resume
// scanning where the previous call left off instead of re-scanning bytes
// that are known not to contain a frame boundary yet.
type frameCodec struct {
	buf       []byte
	nextIndex int
}

// feed appends newly read bytes to the internal buffer.
func (c *frameCodec) feed(p []byte) {
	c.buf = append(c.buf, p...)
}

// decode attempts to pull one complete frame off the front of the
// buffer. It returns (op, true, nil) on success, (zero, false, nil) when
// more bytes are needed, and (zero, false, err) on a malformed frame.
func (c *frameCodec) decode() (Op, bool, error) {
	if len(c.buf) == 0 {
		return Op{}, false, nil
	}

	offset := bytes.IndexFunc(c.buf[c.nextIndex:], func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r'
	})
	if offset < 0 {
		// No whitespace yet; remember where we stopped so the next
		// call does not re-scan these bytes.
		c.nextIndex = len(c.buf)
		return Op{}, false, nil
	}
	cmdEnd := c.nextIndex + offset

	name := string(c.buf[:cmdEnd])
	if !commandExists([]byte(name)) {
		// The stream may still be accumulating a longer, not-yet-known
		// command name; stay permissive rather than erroring.
		return Op{}, false, nil
	}

	headerCRLF := bytes.Index(c.buf[cmdEnd:], []byte(crlf))
	if headerCRLF < 0 {
		return Op{}, false, nil
	}
	endPos := cmdEnd + headerCRLF + 2

	if name == opPub || name == opMsg {
		bodyCRLF := bytes.Index(c.buf[endPos:], []byte(crlf))
		if bodyCRLF < 0 {
			return Op{}, false, nil
		}
		endPos += bodyCRLF + 2
	}

	frame := make([]byte, endPos)
	copy(frame, c.buf[:endPos])
	c.buf = c.buf[endPos:]
	c.nextIndex = 0

	op, err := decodeOp(name, frame, cmdEnd)
	if err != nil {
		return Op{}, false, &ProtocolError{Err: err}
	}
	return op, true, nil
}

// encode serializes op and returns the exact bytes to put on the wire.
// Encoding is never partial.
func (c *frameCodec) encode(op Op) ([]byte, error) {
	return op.encode()
}
