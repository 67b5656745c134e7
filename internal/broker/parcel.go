package broker

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Parcel is a sequential, untagged buffer of call arguments or results. Values are read back
// in the order they were written. Integers are zig-zag varints, floats are fixed64 and
// strings are length-prefixed UTF-8. Binder handles go to a side table and are referenced
// by index, so a parcel can cross a process boundary as bytes plus a list of references.
//
// A Parcel is not safe for concurrent use.
type Parcel struct {
	buf     []byte
	off     int
	objects []Binder
}

// NewParcel returns an empty parcel ready for writing.
func NewParcel() *Parcel {
	return &Parcel{}
}

// Bytes returns the encoded contents. The slice aliases the parcel's buffer.
func (p *Parcel) Bytes() []byte { return p.buf }

// Remaining reports how many unread bytes are left.
func (p *Parcel) Remaining() int { return len(p.buf) - p.off }

// WriteInterfaceToken writes the descriptor that the receiving stub enforces before dispatch.
func (p *Parcel) WriteInterfaceToken(descriptor string) {
	p.WriteString(descriptor)
}

// EnforceInterface reads the interface token and checks it against descriptor.
func (p *Parcel) EnforceInterface(descriptor string) error {
	got, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("read interface token: %w", err)
	}
	if got != descriptor {
		return fmt.Errorf("%w: got %q, want %q", ErrInterfaceMismatch, got, descriptor)
	}
	return nil
}

func (p *Parcel) WriteInt32(v int32) {
	p.buf = protowire.AppendVarint(p.buf, protowire.EncodeZigZag(int64(v)))
}

func (p *Parcel) ReadInt32() (int32, error) {
	v, err := p.ReadInt64()
	if err != nil {
		return 0, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: int32 out of range: %d", ErrMalformedParcel, v)
	}
	return int32(v), nil
}

func (p *Parcel) WriteInt64(v int64) {
	p.buf = protowire.AppendVarint(p.buf, protowire.EncodeZigZag(v))
}

func (p *Parcel) ReadInt64() (int64, error) {
	v, n := protowire.ConsumeVarint(p.buf[p.off:])
	if n < 0 {
		return 0, p.fail("varint", n)
	}
	p.off += n
	return protowire.DecodeZigZag(v), nil
}

func (p *Parcel) WriteFloat64(v float64) {
	p.buf = protowire.AppendFixed64(p.buf, math.Float64bits(v))
}

func (p *Parcel) ReadFloat64() (float64, error) {
	v, n := protowire.ConsumeFixed64(p.buf[p.off:])
	if n < 0 {
		return 0, p.fail("fixed64", n)
	}
	p.off += n
	return math.Float64frombits(v), nil
}

func (p *Parcel) WriteString(s string) {
	p.buf = protowire.AppendString(p.buf, s)
}

func (p *Parcel) ReadString() (string, error) {
	s, n := protowire.ConsumeString(p.buf[p.off:])
	if n < 0 {
		return "", p.fail("string", n)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: string at offset %d is not valid UTF-8", ErrMalformedParcel, p.off)
	}
	p.off += n
	return s, nil
}

// WriteBinder writes a handle to b. A nil binder is written as a null reference.
func (p *Parcel) WriteBinder(b Binder) {
	if b == nil {
		p.WriteInt32(-1)
		return
	}
	p.objects = append(p.objects, b)
	p.WriteInt32(int32(len(p.objects) - 1))
}

// ReadBinder reads a handle written by WriteBinder. A null reference yields a nil Binder.
func (p *Parcel) ReadBinder() (Binder, error) {
	idx, err := p.ReadInt32()
	if err != nil {
		return nil, err
	}
	if idx == -1 {
		return nil, nil
	}
	if idx < 0 || int(idx) >= len(p.objects) {
		return nil, fmt.Errorf("%w: binder index %d out of range (%d objects)", ErrMalformedParcel, idx, len(p.objects))
	}
	return p.objects[idx], nil
}

func (p *Parcel) fail(what string, n int) error {
	return fmt.Errorf("%w: %s at offset %d: %v", ErrMalformedParcel, what, p.off, protowire.ParseError(n))
}
