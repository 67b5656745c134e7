package broker

import (
	"context"
	"fmt"
)

// Code identifies the operation a transaction invokes on the receiving object.
type Code uint32

const (
	FirstCallTransaction Code = 0x00000001
	LastCallTransaction  Code = 0x00ffffff

	// InterfaceTransaction asks an object for its interface descriptor. It carries no
	// interface token and is answered by every Stub.
	InterfaceTransaction Code = '_'<<24 | 'N'<<16 | 'T'<<8 | 'F'
)

// Flags modify how a transaction is delivered.
type Flags uint32

// FlagOneway marks a call that returns as soon as it is accepted and never carries a reply.
const FlagOneway Flags = 0x01

// Oneway reports whether FlagOneway is set.
func (f Flags) Oneway() bool { return f&FlagOneway != 0 }

func (f Flags) convention() string {
	if f.Oneway() {
		return "oneway"
	}
	return "twoway"
}

// Binder is a handle to an object that may live in this process or behind a node endpoint.
// Callers depend on Binder only, never on the transport behind it.
type Binder interface {
	// Transact sends code with data to the object. Two-way calls block until the reply parcel
	// arrives. One-way calls return a nil reply once the call has been accepted.
	Transact(ctx context.Context, code Code, data *Parcel, flags Flags) (*Parcel, error)
}

// Descriptor asks the object behind b for its interface descriptor.
func Descriptor(ctx context.Context, b Binder) (string, error) {
	reply, err := b.Transact(ctx, InterfaceTransaction, NewParcel(), 0)
	if err != nil {
		return "", fmt.Errorf("interface transaction: %w", err)
	}
	return reply.ReadString()
}
