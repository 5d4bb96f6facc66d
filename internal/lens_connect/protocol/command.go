package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/vishalkuo/bimap"
)

// Command frame layout: [u8 commandId][u8 paramLen][paramLen bytes].
// Multi-byte parameters are big-endian, the same byte order as the video
// chunk header.
const (
	CommandHeaderSize = 2
	MaxParamLen       = 255
)

// CommandID identifies a lens control command.
type CommandID byte

// Command IDs
const (
	CmdPowerOff                 CommandID = 0x00
	CmdPowerOn                  CommandID = 0x01
	CmdStartRecording           CommandID = 0x10
	CmdStopRecording            CommandID = 0x11
	CmdPauseRecording           CommandID = 0x12
	CmdResumeRecording          CommandID = 0x13
	CmdStartStreaming           CommandID = 0x20
	CmdStopStreaming            CommandID = 0x21
	CmdModifyBitrate            CommandID = 0x22
	CmdAdjustExposure           CommandID = 0x30
	CmdToggleHDR                CommandID = 0x31
	CmdAdjustFramerate          CommandID = 0x32
	CmdToggleImageStabilization CommandID = 0x40
	CmdToggleMotionDetection    CommandID = 0x41
	CmdFactoryReset             CommandID = 0xF0
	CmdFirmwareUpdate           CommandID = 0xF1
	CmdDiagnosticMode           CommandID = 0xF2
)

// ParamKind is the expected parameter shape of a command.
type ParamKind int

const (
	ParamNone   ParamKind = iota // no parameters
	ParamBool                    // 1 byte, 0 or 1
	ParamInt8                    // 1 byte, signed
	ParamUint8                   // 1 byte
	ParamUint32                  // 4 bytes, big-endian
	ParamBytes                   // 0..255 opaque bytes
)

func (k ParamKind) String() string {
	switch k {
	case ParamNone:
		return "none"
	case ParamBool:
		return "bool"
	case ParamInt8:
		return "int8"
	case ParamUint8:
		return "uint8"
	case ParamUint32:
		return "uint32"
	case ParamBytes:
		return "bytes"
	}
	return "unknown"
}

// Arity returns the accepted parameter length range for the kind.
func (k ParamKind) Arity() (min, max int) {
	switch k {
	case ParamNone:
		return 0, 0
	case ParamBool, ParamInt8, ParamUint8:
		return 1, 1
	case ParamUint32:
		return 4, 4
	default:
		return 0, MaxParamLen
	}
}

// CommandSpec is one row of the static command table.
type CommandSpec struct {
	ID    CommandID
	Name  string
	Param ParamKind
	Media bool // starts or alters media output; refused while suspended
}

var commandTable = map[CommandID]CommandSpec{
	CmdPowerOff:                 {CmdPowerOff, "POWER_OFF", ParamNone, false},
	CmdPowerOn:                  {CmdPowerOn, "POWER_ON", ParamNone, false},
	CmdStartRecording:           {CmdStartRecording, "START_RECORDING", ParamNone, true},
	CmdStopRecording:            {CmdStopRecording, "STOP_RECORDING", ParamNone, false},
	CmdPauseRecording:           {CmdPauseRecording, "PAUSE_RECORDING", ParamNone, false},
	CmdResumeRecording:          {CmdResumeRecording, "RESUME_RECORDING", ParamNone, true},
	CmdStartStreaming:           {CmdStartStreaming, "START_STREAMING", ParamNone, true},
	CmdStopStreaming:            {CmdStopStreaming, "STOP_STREAMING", ParamNone, false},
	CmdModifyBitrate:            {CmdModifyBitrate, "MODIFY_BITRATE", ParamUint32, true},
	CmdAdjustExposure:           {CmdAdjustExposure, "ADJUST_EXPOSURE", ParamInt8, false},
	CmdToggleHDR:                {CmdToggleHDR, "TOGGLE_HDR", ParamBool, false},
	CmdAdjustFramerate:          {CmdAdjustFramerate, "ADJUST_FRAMERATE", ParamUint8, true},
	CmdToggleImageStabilization: {CmdToggleImageStabilization, "TOGGLE_IMAGE_STABILIZATION", ParamBool, false},
	CmdToggleMotionDetection:    {CmdToggleMotionDetection, "TOGGLE_MOTION_DETECTION", ParamBool, false},
	CmdFactoryReset:             {CmdFactoryReset, "FACTORY_RESET", ParamNone, false},
	CmdFirmwareUpdate:           {CmdFirmwareUpdate, "FIRMWARE_UPDATE", ParamBytes, false},
	CmdDiagnosticMode:           {CmdDiagnosticMode, "DIAGNOSTIC_MODE", ParamNone, false},
}

var commandNames = bimap.NewBiMap[string, CommandID]()

func init() {
	for id, spec := range commandTable {
		commandNames.Insert(spec.Name, id)
	}
	commandNames.MakeImmutable()
}

func (id CommandID) String() string {
	if name, ok := commandNames.GetInverse(id); ok {
		return name
	}
	return fmt.Sprintf("CMD_0x%02X", byte(id))
}

// LookupCommand returns the table entry for id.
func LookupCommand(id CommandID) (CommandSpec, bool) {
	spec, ok := commandTable[id]
	return spec, ok
}

// CommandByName resolves a command name such as "MODIFY_BITRATE" (case-insensitive).
func CommandByName(name string) (CommandSpec, bool) {
	id, ok := commandNames.Get(strings.ToUpper(strings.TrimSpace(name)))
	if !ok {
		return CommandSpec{}, false
	}
	return commandTable[id], true
}

// CommandFrame is an immutable command with its parameters.
type CommandFrame struct {
	id     CommandID
	params []byte
}

// NewCommandFrame copies params into a new frame without validating it.
func NewCommandFrame(id CommandID, params []byte) CommandFrame {
	return CommandFrame{id: id, params: append([]byte(nil), params...)}
}

// ID returns the command id.
func (f CommandFrame) ID() CommandID { return f.id }

// Params returns a copy of the parameters.
func (f CommandFrame) Params() []byte { return append([]byte(nil), f.params...) }

// Encode serializes a command after checking it against the command table.
func Encode(id CommandID, params []byte) ([]byte, error) {
	if len(params) > MaxParamLen {
		return nil, codecErr("encode", id, ErrParamsTooLong, "%d bytes", len(params))
	}
	spec, ok := commandTable[id]
	if !ok {
		return nil, codecErr("encode", id, ErrUnknownCommand, "")
	}
	min, max := spec.Param.Arity()
	if len(params) < min || len(params) > max {
		return nil, codecErr("encode", id, ErrArityMismatch, "want %s (%d..%d bytes), got %d", spec.Param, min, max, len(params))
	}
	if spec.Param == ParamBool && params[0] > 1 {
		return nil, codecErr("encode", id, ErrArityMismatch, "bool param must be 0 or 1, got %d", params[0])
	}

	buf := make([]byte, 0, CommandHeaderSize+len(params))
	buf = append(buf, byte(id), byte(len(params)))
	buf = append(buf, params...)
	return buf, nil
}

// EncodeFrame is Encode for an already constructed frame.
func EncodeFrame(f CommandFrame) ([]byte, error) {
	return Encode(f.id, f.params)
}

// Decode parses exactly one command frame.
func Decode(b []byte) (CommandFrame, error) {
	if len(b) < CommandHeaderSize {
		return CommandFrame{}, &CodecError{Op: "decode", Err: ErrTruncated, Detail: fmt.Sprintf("need %d header bytes, got %d", CommandHeaderSize, len(b))}
	}
	id := CommandID(b[0])
	n := int(b[1])
	if len(b) < CommandHeaderSize+n {
		return CommandFrame{}, codecErr("decode", id, ErrTruncated, "declared %d param bytes, got %d", n, len(b)-CommandHeaderSize)
	}
	if len(b) > CommandHeaderSize+n {
		return CommandFrame{}, codecErr("decode", id, ErrTrailingBytes, "%d extra bytes", len(b)-CommandHeaderSize-n)
	}
	return NewCommandFrame(id, b[CommandHeaderSize:]), nil
}

// Parameter helpers

func BoolParam(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func Int8Param(v int8) []byte { return []byte{byte(v)} }

func Uint8Param(v uint8) []byte { return []byte{v} }

func Uint32Param(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

// ParseUint32Param reads a MODIFY_BITRATE style parameter.
func ParseUint32Param(params []byte) (uint32, error) {
	if len(params) != 4 {
		return 0, fmt.Errorf("uint32 param needs 4 bytes, got %d", len(params))
	}
	return binary.BigEndian.Uint32(params), nil
}

// ParseParam converts a textual argument into the parameter bytes expected by spec.
// ParamBytes accepts hex.
func ParseParam(spec CommandSpec, arg string) ([]byte, error) {
	arg = strings.TrimSpace(arg)
	switch spec.Param {
	case ParamNone:
		if arg != "" {
			return nil, codecErr("parse", spec.ID, ErrArityMismatch, "command takes no parameters")
		}
		return nil, nil
	case ParamBool:
		v, err := strconv.ParseBool(arg)
		if err != nil {
			return nil, codecErr("parse", spec.ID, ErrInvalidParam, "expects a bool: %v", err)
		}
		return BoolParam(v), nil
	case ParamInt8:
		v, err := strconv.ParseInt(arg, 10, 8)
		if err != nil {
			return nil, codecErr("parse", spec.ID, ErrInvalidParam, "expects an int8: %v", err)
		}
		return Int8Param(int8(v)), nil
	case ParamUint8:
		v, err := strconv.ParseUint(arg, 10, 8)
		if err != nil {
			return nil, codecErr("parse", spec.ID, ErrInvalidParam, "expects a uint8: %v", err)
		}
		return Uint8Param(uint8(v)), nil
	case ParamUint32:
		v, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return nil, codecErr("parse", spec.ID, ErrInvalidParam, "expects a uint32: %v", err)
		}
		return Uint32Param(uint32(v)), nil
	default:
		b, err := parseHex(arg)
		if err != nil {
			return nil, codecErr("parse", spec.ID, ErrInvalidParam, "%v", err)
		}
		return b, nil
	}
}

func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex parameter: %w", err)
	}
	return b, nil
}
