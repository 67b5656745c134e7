package broker

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ContentType identifies envelope bodies on the HTTP transport.
const ContentType = "application/x-weather-broker-envelope"

// envelope is the unit that crosses a process boundary: the call's operation code and flags,
// the parcel bytes, and one reference per binder in the parcel's object table.
type envelope struct {
	code  Code
	flags Flags
	data  []byte
	refs  []binderRef
}

// binderRef names an object hosted by the node reachable at Endpoint.
type binderRef struct {
	Endpoint string
	ID       string
}

func (r binderRef) String() string { return r.Endpoint + "/binder/" + r.ID }

const (
	fieldCode  protowire.Number = 1
	fieldFlags protowire.Number = 2
	fieldData  protowire.Number = 3
	fieldRef   protowire.Number = 4

	fieldRefEndpoint protowire.Number = 1
	fieldRefID       protowire.Number = 2
)

func (e envelope) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.code))
	b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.flags))
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, e.data)
	for _, ref := range e.refs {
		var rb []byte
		rb = protowire.AppendTag(rb, fieldRefEndpoint, protowire.BytesType)
		rb = protowire.AppendString(rb, ref.Endpoint)
		rb = protowire.AppendTag(rb, fieldRefID, protowire.BytesType)
		rb = protowire.AppendString(rb, ref.ID)
		b = protowire.AppendTag(b, fieldRef, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	return b
}

func unmarshalEnvelope(b []byte) (envelope, error) {
	var e envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return envelope{}, envelopeError("tag", n)
		}
		b = b[n:]
		switch {
		case num == fieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, envelopeError("code", n)
			}
			if v > math.MaxUint32 {
				return envelope{}, fmt.Errorf("%w: code %#x", ErrUnknownOperation, v)
			}
			e.code = Code(v)
			b = b[n:]
		case num == fieldFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return envelope{}, envelopeError("flags", n)
			}
			if v&^uint64(FlagOneway) != 0 {
				return envelope{}, fmt.Errorf("%w: unknown flag bits %#x", ErrMalformedParcel, v)
			}
			e.flags = Flags(v)
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return envelope{}, envelopeError("data", n)
			}
			e.data = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldRef && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return envelope{}, envelopeError("ref", n)
			}
			ref, err := unmarshalRef(v)
			if err != nil {
				return envelope{}, err
			}
			e.refs = append(e.refs, ref)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return envelope{}, envelopeError("unknown field", n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

func unmarshalRef(b []byte) (binderRef, error) {
	var ref binderRef
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return binderRef{}, envelopeError("ref tag", n)
		}
		b = b[n:]
		if typ == protowire.BytesType && (num == fieldRefEndpoint || num == fieldRefID) {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return binderRef{}, envelopeError("ref field", n)
			}
			if num == fieldRefEndpoint {
				ref.Endpoint = v
			} else {
				ref.ID = v
			}
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return binderRef{}, envelopeError("ref unknown field", n)
		}
		b = b[n:]
	}
	if ref.ID == "" {
		return binderRef{}, fmt.Errorf("%w: binder reference without id", ErrMalformedParcel)
	}
	return ref, nil
}

func envelopeError(what string, n int) error {
	return fmt.Errorf("%w: envelope %s: %v", ErrMalformedParcel, what, protowire.ParseError(n))
}
