package broker

import (
	"context"
	"fmt"
)

// Handler serves one two-way operation. data is positioned after the interface token.
type Handler func(ctx context.Context, data, reply *Parcel) error

// OnewayHandler accepts one one-way operation. It decodes data while the caller still waits and
// returns the work to run after the caller is released. A decode error goes back to the caller.
// If the work cannot be scheduled it is still called once, with a cancelled context, so it can
// release what accept claimed.
type OnewayHandler func(ctx context.Context, data *Parcel) (func(ctx context.Context) error, error)

type route struct {
	handler Handler
	accept  OnewayHandler
}

func (r route) oneway() bool { return r.accept != nil }

// Stub is the receiving side of an interface: it validates each call against the interface's
// contract and routes it to the handler registered for its operation code.
type Stub struct {
	descriptor string
	routes     map[Code]route
}

// NewStub returns a stub for the interface named by descriptor.
func NewStub(descriptor string) *Stub {
	return &Stub{
		descriptor: descriptor,
		routes:     make(map[Code]route),
	}
}

// Descriptor returns the interface descriptor this stub enforces.
func (s *Stub) Descriptor() string { return s.descriptor }

// Handle registers a two-way operation. It panics on a reserved or duplicate code.
func (s *Stub) Handle(code Code, h Handler) {
	s.register(code, route{handler: h})
}

// HandleOneway registers a one-way operation. It panics on a reserved or duplicate code.
func (s *Stub) HandleOneway(code Code, h OnewayHandler) {
	s.register(code, route{accept: h})
}

func (s *Stub) register(code Code, r route) {
	if code < FirstCallTransaction || code > LastCallTransaction {
		panic(fmt.Sprintf("broker: code %d outside call transaction range", code))
	}
	if _, dup := s.routes[code]; dup {
		panic(fmt.Sprintf("broker: code %d registered twice on %s", code, s.descriptor))
	}
	s.routes[code] = r
}

// route validates a call and returns the handler that will serve it. Validation consumes the
// interface token from data.
func (s *Stub) route(code Code, data *Parcel, flags Flags) (route, error) {
	if code == InterfaceTransaction {
		if flags.Oneway() {
			return route{}, fmt.Errorf("%w: interface transaction must be two-way", ErrConventionMismatch)
		}
		return route{handler: s.describe}, nil
	}
	r, ok := s.routes[code]
	if !ok {
		return route{}, fmt.Errorf("%w: code %d on %s", ErrUnknownOperation, code, s.descriptor)
	}
	if r.oneway() != flags.Oneway() {
		want := Flags(0)
		if r.oneway() {
			want = FlagOneway
		}
		return route{}, fmt.Errorf("%w: code %d on %s is %s, called %s",
			ErrConventionMismatch, code, s.descriptor, want.convention(), flags.convention())
	}
	if err := data.EnforceInterface(s.descriptor); err != nil {
		return route{}, err
	}
	return r, nil
}

func (s *Stub) describe(_ context.Context, _, reply *Parcel) error {
	reply.WriteString(s.descriptor)
	return nil
}
