package radio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frames on a stream are [u32 length][payload], big-endian.
const (
	frameHeaderSize = 4
	maxFrameSize    = 4 << 20
)

// Request verbs, sent as the first frame of a stream.
const (
	opAdvertise = "ADV"
	opDiscover  = "DISCOVER"
	opNotify    = "NOTIFY"
	opWrite     = "WRITE"
)

// Response status bytes
const (
	statusOK       byte = 0
	statusNotFound byte = 1
	statusRejected byte = 2
	statusBadReq   byte = 3
)

func writeFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 && err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size too large: %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}

func writeResponse(w io.Writer, status byte, body []byte) error {
	return writeFrame(w, append([]byte{status}, body...))
}

func readResponse(r io.Reader) ([]byte, error) {
	resp, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNoCharacteristic, resp[1:])
	default:
		return nil, fmt.Errorf("peripheral rejected request (status %d): %s", resp[0], resp[1:])
	}
}
