package mux

import (
	"fmt"

	"github.com/pkg/errors"
)

// Basic option framing
const (
	Flag = 0xF9

	eaBit = 0x01
	crBit = 0x02
	pfBit = 0x10

	// MaxDLCI is the highest address the 6 bit DLCI field can carry
	MaxDLCI = 63
	// MaxInfoLength is the largest info field a two octet length can carry
	MaxInfoLength = 0x7FFF

	// BufferSize bounds every frame on the wire
	BufferSize = 104
	// MaxPayload is the largest UIH payload that fits BufferSize: flag,
	// address, control, length, FCS and the closing flag take 6 octets
	MaxPayload = BufferSize - 6
)

// FrameType is the control field with the P/F bit masked out
type FrameType byte

const (
	FrameSABM FrameType = 0x2F
	FrameUA   FrameType = 0x63
	FrameDM   FrameType = 0x0F
	FrameDISC FrameType = 0x43
	FrameUIH  FrameType = 0xEF
)

func (t FrameType) String() string {
	switch t {
	case FrameSABM:
		return "SABM"
	case FrameUA:
		return "UA"
	case FrameDM:
		return "DM"
	case FrameDISC:
		return "DISC"
	case FrameUIH:
		return "UIH"
	}
	return fmt.Sprintf("FrameType(0x%02X)", byte(t))
}

func (t FrameType) valid() bool {
	switch t {
	case FrameSABM, FrameUA, FrameDM, FrameDISC, FrameUIH:
		return true
	}
	return false
}

var (
	// ErrBadFlag means the frame does not start and end with Flag
	ErrBadFlag = errors.New("mux: missing flag sequence")

	// ErrTruncated means the frame is shorter than its header says
	ErrTruncated = errors.New("mux: truncated frame")

	// ErrBadLength means the frame is longer than its header says
	ErrBadLength = errors.New("mux: length mismatch")

	// ErrBadFCS means the frame check sequence does not match
	ErrBadFCS = errors.New("mux: bad FCS")

	// ErrBadDLCI means the address is out of range or uses an extended
	// address
	ErrBadDLCI = errors.New("mux: bad DLCI")

	// ErrUnknownType means the control field is not a supported frame
	ErrUnknownType = errors.New("mux: unknown frame type")

	// ErrTooLong means the info field does not fit a two octet length
	ErrTooLong = errors.New("mux: info field too long")
)

// Frame is one basic option 07.10 frame
type Frame struct {
	DLCI int
	Type FrameType
	CR   bool
	PF   bool
	Info []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s dlci=%d cr=%t pf=%t len=%d", f.Type, f.DLCI, f.CR, f.PF, len(f.Info))
}

// header returns address, control and length octets
func (f Frame) header() []byte {
	addr := byte(eaBit | f.DLCI<<2)
	if f.CR {
		addr |= crBit
	}
	ctrl := byte(f.Type)
	if f.PF {
		ctrl |= pfBit
	}

	n := len(f.Info)
	if n <= 0x7F {
		return []byte{addr, ctrl, byte(n<<1 | eaBit)}
	}
	return []byte{addr, ctrl, byte(n<<1&0xFE), byte(n >> 7)}
}

// covered returns the octets the FCS is computed over. UIH frames only
// protect the header.
func covered(t FrameType, header, info []byte) []byte {
	if t == FrameUIH {
		return header
	}
	return append(append([]byte(nil), header...), info...)
}

// Encode returns the frame on the wire, flags included
func (f Frame) Encode() ([]byte, error) {
	if f.DLCI < 0 || f.DLCI > MaxDLCI {
		return nil, errors.Wrapf(ErrBadDLCI, "dlci %d", f.DLCI)
	}
	if !f.Type.valid() {
		return nil, errors.Wrapf(ErrUnknownType, "0x%02X", byte(f.Type))
	}
	if len(f.Info) > MaxInfoLength {
		return nil, errors.Wrapf(ErrTooLong, "%d bytes", len(f.Info))
	}

	hdr := f.header()
	out := make([]byte, 0, len(hdr)+len(f.Info)+3)
	out = append(out, Flag)
	out = append(out, hdr...)
	out = append(out, f.Info...)
	out = append(out, FCS(covered(f.Type, hdr, f.Info)), Flag)
	return out, nil
}

// Decode parses exactly one frame, flags included
func Decode(b []byte) (Frame, error) {
	var f Frame

	if len(b) < 6 {
		return f, ErrTruncated
	}
	if b[0] != Flag || b[len(b)-1] != Flag {
		return f, ErrBadFlag
	}

	addr, ctrl := b[1], b[2]
	hdrLen := 3
	n := int(b[3] >> 1)
	if b[3]&eaBit == 0 {
		hdrLen = 4
		n |= int(b[4]) << 7
	}

	total := 1 + hdrLen + n + 2
	switch {
	case len(b) < total:
		return f, ErrTruncated
	case len(b) > total:
		return f, ErrBadLength
	}

	hdr := b[1 : 1+hdrLen]
	info := b[1+hdrLen : 1+hdrLen+n]
	typ := FrameType(ctrl &^ pfBit)
	if FCS(covered(typ, hdr, info)) != b[total-2] {
		return f, ErrBadFCS
	}
	if addr&eaBit == 0 {
		return f, ErrBadDLCI
	}
	if !typ.valid() {
		return f, errors.Wrapf(ErrUnknownType, "0x%02X", ctrl)
	}

	f.DLCI = int(addr >> 2)
	f.Type = typ
	f.CR = addr&crBit != 0
	f.PF = ctrl&pfBit != 0
	if n > 0 {
		f.Info = append([]byte(nil), info...)
	}
	return f, nil
}
