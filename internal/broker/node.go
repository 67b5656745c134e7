package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-broker/internal/observability"
)

// NodeConfig configures a Node.
type NodeConfig struct {
	// Endpoint is the base URL peers use to reach this node, e.g. http://127.0.0.1:8080.
	// Empty means the node only serves in-process calls and cannot export objects.
	Endpoint string
	// PoolSize bounds concurrently running handlers. <= 0 uses the pool default.
	PoolSize int
	// CallTimeout bounds a two-way call to a remote node. 0 means no timeout beyond ctx.
	CallTimeout time.Duration
}

// Node hosts stubs, dispatches calls to them on a shared worker pool, and hands out binders
// for objects in this process or on other nodes.
type Node struct {
	endpoint    string
	callTimeout time.Duration
	pool        *Pool
	client      *http.Client
	logger      *zap.Logger

	mu        sync.RWMutex
	objects   map[string]*Stub
	ids       map[*Stub]string
	published map[string]bool
}

// NewNode creates a node. The caller owns the HTTP server that feeds ServeEnvelope.
func NewNode(cfg NodeConfig, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		callTimeout: cfg.CallTimeout,
		pool:        NewPool(cfg.PoolSize, logger),
		client:      &http.Client{},
		logger:      logger,
		objects:     make(map[string]*Stub),
		ids:         make(map[*Stub]string),
		published:   make(map[string]bool),
	}
}

// Endpoint returns the base URL of this node, or "" for an in-process node.
func (n *Node) Endpoint() string { return n.endpoint }

// Pool returns the node's worker pool. Services use it for work that outlives a call.
func (n *Node) Pool() *Pool { return n.pool }

// Publish registers stub under name so peers can Connect to it.
func (n *Node) Publish(name string, stub *Stub) error {
	if name == "" {
		return errors.New("publish: empty service name")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.objects[name]; exists {
		return fmt.Errorf("publish %q: name already in use", name)
	}
	n.objects[name] = stub
	n.ids[stub] = name
	n.published[name] = true
	n.logger.Info("service published",
		zap.String("service", name),
		zap.String("descriptor", stub.Descriptor()))
	return nil
}

// Lookup returns a binder for a service published on this node.
func (n *Node) Lookup(name string) (Binder, error) {
	n.mu.RLock()
	stub, ok := n.objects[name]
	ok = ok && n.published[name]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: service %q", ErrUnknownBinder, name)
	}
	return &localBinder{node: n, stub: stub}, nil
}

// Bind returns a binder for stub hosted on this node. The stub becomes reachable by peers only
// once the binder is written into a parcel that crosses to another node.
func (n *Node) Bind(stub *Stub) Binder {
	return &localBinder{node: n, stub: stub}
}

// Release withdraws an object exported by a parcel. Published services and binders that were
// never exported are left alone.
func (n *Node) Release(b Binder) {
	lb, ok := b.(*localBinder)
	if !ok || lb.node != n {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.ids[lb.stub]
	if !ok || n.published[id] {
		return
	}
	delete(n.ids, lb.stub)
	delete(n.objects, id)
}

// Connect returns a binder for the service published as name on the node at endpoint and checks
// that it implements descriptor. An empty endpoint, or this node's own, yields a local binder.
func (n *Node) Connect(ctx context.Context, endpoint, name, descriptor string) (Binder, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	var b Binder
	if endpoint == "" || endpoint == n.endpoint {
		local, err := n.Lookup(name)
		if err != nil {
			return nil, err
		}
		b = local
	} else {
		b = &remoteBinder{node: n, ref: binderRef{Endpoint: endpoint, ID: name}}
	}
	got, err := Descriptor(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	if got != descriptor {
		return nil, fmt.Errorf("connect %s: %w: got %q, want %q", name, ErrInterfaceMismatch, got, descriptor)
	}
	return b, nil
}

// Close stops accepting calls and waits for running handlers to finish or ctx to end.
func (n *Node) Close(ctx context.Context) error {
	return n.pool.Close(ctx)
}

// ServeEnvelope dispatches an envelope addressed to the object id. For two-way calls it returns
// the encoded reply envelope. oneway reports that the call was accepted without a reply.
func (n *Node) ServeEnvelope(ctx context.Context, id string, body []byte) (reply []byte, oneway bool, err error) {
	n.mu.RLock()
	stub, ok := n.objects[id]
	n.mu.RUnlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownBinder, id)
	}

	env, err := unmarshalEnvelope(body)
	if err != nil {
		observability.BrokerProtocolViolationsTotal.WithLabelValues(violationKind(err)).Inc()
		return nil, false, err
	}
	data := &Parcel{buf: env.data}
	for _, ref := range env.refs {
		data.objects = append(data.objects, n.resolve(ref))
	}

	out, err := n.dispatch(ctx, stub, env.code, data, env.flags)
	if err != nil {
		return nil, env.flags.Oneway(), err
	}
	if env.flags.Oneway() {
		return nil, true, nil
	}
	refs, err := n.exportAll(out.objects)
	if err != nil {
		return nil, false, err
	}
	return envelope{code: env.code, data: out.buf, refs: refs}.marshal(), false, nil
}

// dispatch validates a call and runs it on the pool. Routing errors return before any handler
// runs. One-way calls return once accepted; their work runs detached from ctx's cancellation.
func (n *Node) dispatch(ctx context.Context, stub *Stub, code Code, data *Parcel, flags Flags) (*Parcel, error) {
	logger := observability.LoggerFrom(ctx, n.logger)
	codeLabel := strconv.FormatUint(uint64(code), 10)

	r, err := stub.route(code, data, flags)
	if err != nil {
		observability.BrokerProtocolViolationsTotal.WithLabelValues(violationKind(err)).Inc()
		observability.BrokerTransactionsTotal.WithLabelValues(stub.Descriptor(), codeLabel, flags.convention(), "rejected").Inc()
		logger.Warn("call rejected",
			zap.String("interface", stub.Descriptor()),
			zap.Uint32("code", uint32(code)),
			zap.String("convention", flags.convention()),
			zap.Error(err))
		return nil, err
	}

	if r.oneway() {
		work, err := r.accept(ctx, data)
		if err != nil {
			err = classify(err)
			observability.BrokerTransactionsTotal.WithLabelValues(stub.Descriptor(), codeLabel, flags.convention(), "rejected").Inc()
			if errors.Is(err, ErrProtocolViolation) {
				observability.BrokerProtocolViolationsTotal.WithLabelValues(violationKind(err)).Inc()
			}
			logger.Warn("one-way call not accepted",
				zap.String("interface", stub.Descriptor()),
				zap.Uint32("code", uint32(code)),
				zap.Error(err))
			return nil, err
		}
		detached := context.WithoutCancel(ctx)
		if err := n.pool.Submit(func() {
			_ = n.run(detached, stub, codeLabel, flags, work)
		}); err != nil {
			abandoned, cancel := context.WithCancelCause(detached)
			cancel(err)
			_ = work(abandoned)
			return nil, err
		}
		return nil, nil
	}

	reply := NewParcel()
	done := make(chan error, 1)
	if err := n.pool.Submit(func() {
		done <- n.run(ctx, stub, codeLabel, flags, func(ctx context.Context) error { return r.handler(ctx, data, reply) })
	}); err != nil {
		return nil, err
	}
	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes one handler invocation, recording its outcome. Panics become ErrRemoteFailure.
func (n *Node) run(ctx context.Context, stub *Stub, codeLabel string, flags Flags, fn func(context.Context) error) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRemoteFailure, rec)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
			observability.LoggerFrom(ctx, n.logger).Error("handler failed",
				zap.String("interface", stub.Descriptor()),
				zap.String("code", codeLabel),
				zap.String("convention", flags.convention()),
				zap.Error(err))
		}
		observability.BrokerTransactionsTotal.WithLabelValues(stub.Descriptor(), codeLabel, flags.convention(), outcome).Inc()
		observability.BrokerDispatchDuration.WithLabelValues(stub.Descriptor(), flags.convention()).Observe(time.Since(start).Seconds())
	}()
	return classify(fn(ctx))
}

// classify keeps contract errors as they are and wraps everything else as ErrRemoteFailure.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrRemoteFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRemoteFailure, err)
}

// export makes b addressable by peers and returns its reference.
func (n *Node) export(b Binder) (binderRef, error) {
	switch b := b.(type) {
	case *remoteBinder:
		return b.ref, nil
	case *localBinder:
		if b.node != n {
			return b.node.export(b)
		}
		if n.endpoint == "" {
			return binderRef{}, errors.New("export binder: node has no endpoint")
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		id, ok := n.ids[b.stub]
		if !ok {
			id = uuid.NewString()
			n.ids[b.stub] = id
			n.objects[id] = b.stub
		}
		return binderRef{Endpoint: n.endpoint, ID: id}, nil
	default:
		return binderRef{}, fmt.Errorf("export binder: unsupported binder type %T", b)
	}
}

func (n *Node) exportAll(objects []Binder) ([]binderRef, error) {
	if len(objects) == 0 {
		return nil, nil
	}
	refs := make([]binderRef, 0, len(objects))
	for _, b := range objects {
		ref, err := n.export(b)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// resolve turns a reference received from a peer into a binder. References to objects on this
// node come back as local binders.
func (n *Node) resolve(ref binderRef) Binder {
	if ref.Endpoint == n.endpoint {
		n.mu.RLock()
		stub, ok := n.objects[ref.ID]
		n.mu.RUnlock()
		if ok {
			return &localBinder{node: n, stub: stub}
		}
	}
	return &remoteBinder{node: n, ref: ref}
}

// localBinder calls a stub hosted by node without leaving the process.
type localBinder struct {
	node *Node
	stub *Stub
}

func (b *localBinder) Transact(ctx context.Context, code Code, data *Parcel, flags Flags) (*Parcel, error) {
	if data == nil {
		data = NewParcel()
	}
	// The receiver reads from its own cursor; the caller's parcel is left untouched.
	in := &Parcel{buf: data.buf, objects: data.objects}
	return b.node.dispatch(ctx, b.stub, code, in, flags)
}
