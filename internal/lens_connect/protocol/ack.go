package protocol

import "fmt"

// AckStatusOK is the status byte of an accepted command.
const AckStatusOK byte = 0

// Ack is a command acknowledgement notified on the control characteristic,
// framed like a command: [commandId][1][status].
type Ack struct {
	Command CommandID
	Status  byte
}

func (a Ack) OK() bool { return a.Status == AckStatusOK }

func (a Ack) String() string {
	return fmt.Sprintf("ack(%s, status=%d)", a.Command, a.Status)
}

// EncodeAck frames an acknowledgement.
func EncodeAck(a Ack) []byte {
	return []byte{byte(a.Command), 1, a.Status}
}

// DecodeAck parses an acknowledgement notification.
func DecodeAck(b []byte) (Ack, error) {
	if len(b) < 3 {
		return Ack{}, &CodecError{Op: "decode ack", Err: ErrTruncated, Detail: fmt.Sprintf("got %d bytes", len(b))}
	}
	id := CommandID(b[0])
	if b[1] != 1 {
		return Ack{}, &CodecError{Op: "decode ack", Command: id, Err: ErrArityMismatch, Detail: fmt.Sprintf("status length %d", b[1]), hasCommand: true}
	}
	if len(b) > 3 {
		return Ack{}, &CodecError{Op: "decode ack", Command: id, Err: ErrTrailingBytes, hasCommand: true}
	}
	return Ack{Command: id, Status: b[2]}, nil
}
