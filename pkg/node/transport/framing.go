package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mapokapo/drs-p2-project/pkg/node/types"
)

// maxFrameSize bounds the length prefix so a corrupt or hostile peer cannot
// make a reader allocate unbounded memory.
const maxFrameSize = 16 << 20 // 16 MiB

// errDecodeFrame marks a frame that was read off the wire intact but failed
// to unmarshal as JSON. Callers distinguish this from a connection-level
// failure (EOF, reset, oversized length) with errors.Is: a decode failure
// means the connection is still healthy and the next frame can be read
// normally, unlike every other readFrame error.
var errDecodeFrame = errors.New("decode frame")

// writeFrame writes a single u32-big-endian-length-prefixed JSON frame.
func writeFrame(w io.Writer, f types.Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame blocks until one full length-prefixed frame has been read, or
// returns an error (including io.EOF) if the connection closes first. A
// malformed JSON body still consumes exactly the bytes its length prefix
// promised, so the connection is left in a readable state; that case
// returns an error wrapping errDecodeFrame so the caller can tell it apart
// from a connection-level failure and keep reading instead of closing.
//
// A frame whose type is unknown still decodes successfully here; it is the
// transport layer's job (not the framing layer's) to drop frames of
// unknown type.
func readFrame(r io.Reader) (types.Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return types.Frame{}, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return types.Frame{}, fmt.Errorf("frame too large: %d bytes", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return types.Frame{}, err
	}

	var f types.Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return types.Frame{}, fmt.Errorf("%w: %v", errDecodeFrame, err)
	}
	return f, nil
}
