package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// serveNode starts a node behind an httptest server speaking the /binder/{id} transport.
func serveNode(t *testing.T) (*Node, *httptest.Server) {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	n := NewNode(NodeConfig{Endpoint: "http://" + srv.Listener.Addr().String(), PoolSize: 4, CallTimeout: 5 * time.Second}, nil)
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/binder/")
		body, _ := io.ReadAll(r.Body)
		reply, oneway, err := n.ServeEnvelope(r.Context(), id, body)
		if err != nil {
			code, status := ErrorCode(err)
			var eb ErrorBody
			eb.Error.Code = code
			eb.Error.Message = err.Error()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(eb)
			return
		}
		if oneway {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", ContentType)
		_, _ = w.Write(reply)
	})
	srv.Start()
	t.Cleanup(func() {
		srv.Close()
		_ = n.Close(context.Background())
	})
	return n, srv
}

const (
	opSubscribe = FirstCallTransaction + 10
	opDeliver   = FirstCallTransaction + 11

	sinkDescriptor = "test.Sink"
)

// newSubscribeStub returns a stub whose one-way subscribe call answers by calling deliver on the
// binder passed in the parcel.
func newSubscribeStub() *Stub {
	s := newEchoStub(make(chan string, 8), nil)
	s.HandleOneway(opSubscribe, func(_ context.Context, data *Parcel) (func(context.Context) error, error) {
		msg, err := data.ReadString()
		if err != nil {
			return nil, err
		}
		sink, err := data.ReadBinder()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			p := NewParcel()
			p.WriteInterfaceToken(sinkDescriptor)
			p.WriteString(strings.ToUpper(msg))
			_, err := sink.Transact(ctx, opDeliver, p, FlagOneway)
			return err
		}, nil
	})
	return s
}

// TestRemote_TwoWay verifies a call crosses the HTTP transport and returns the reply.
func TestRemote_TwoWay(t *testing.T) {
	server, _ := serveNode(t)
	client, _ := serveNode(t)
	if err := server.Publish("echo", newEchoStub(nil, nil)); err != nil {
		t.Fatal(err)
	}

	b, err := client.Connect(context.Background(), server.Endpoint(), "echo", echoDescriptor)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	reply, err := b.Transact(context.Background(), opEcho, call(echoDescriptor, "Madrid"), 0)
	if err != nil {
		t.Fatalf("Transact() error = %v", err)
	}
	if got, _ := reply.ReadString(); got != "Madrid" {
		t.Errorf("reply = %q, want Madrid", got)
	}
}

// TestRemote_ErrorsKeepTheirKind verifies protocol violations and unknown objects come back as the
// same sentinels a local caller would see.
func TestRemote_ErrorsKeepTheirKind(t *testing.T) {
	server, _ := serveNode(t)
	client, _ := serveNode(t)
	if err := server.Publish("echo", newEchoStub(nil, nil)); err != nil {
		t.Fatal(err)
	}
	b, err := client.Connect(context.Background(), server.Endpoint(), "echo", echoDescriptor)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err = b.Transact(context.Background(), FirstCallTransaction+99, call(echoDescriptor), 0)
	if !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("unknown code error = %v, want ErrUnknownOperation", err)
	}
	_, err = b.Transact(context.Background(), opEcho, call(echoDescriptor, "x"), FlagOneway)
	if !errors.Is(err, ErrConventionMismatch) {
		t.Errorf("convention error = %v, want ErrConventionMismatch", err)
	}
	_, err = b.Transact(context.Background(), opFail, call(echoDescriptor), 0)
	if !errors.Is(err, ErrRemoteFailure) {
		t.Errorf("handler failure error = %v, want ErrRemoteFailure", err)
	}
	if _, err := client.Connect(context.Background(), server.Endpoint(), "missing", echoDescriptor); !errors.Is(err, ErrUnknownBinder) {
		t.Errorf("Connect(missing) error = %v, want ErrUnknownBinder", err)
	}
}

// TestRemote_CallbackBinder verifies a local binder passed in a parcel is exported, called back by
// the peer, and can be released afterwards.
func TestRemote_CallbackBinder(t *testing.T) {
	server, _ := serveNode(t)
	client, _ := serveNode(t)
	if err := server.Publish("pubsub", newSubscribeStub()); err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	sink := NewStub(sinkDescriptor)
	sink.HandleOneway(opDeliver, func(_ context.Context, data *Parcel) (func(context.Context) error, error) {
		v, err := data.ReadString()
		if err != nil {
			return nil, err
		}
		return func(context.Context) error { got <- v; return nil }, nil
	})
	sinkBinder := client.Bind(sink)

	b, err := client.Connect(context.Background(), server.Endpoint(), "pubsub", echoDescriptor)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	p := call(echoDescriptor, "lima")
	p.WriteBinder(sinkBinder)
	if _, err := b.Transact(context.Background(), opSubscribe, p, FlagOneway); err != nil {
		t.Fatalf("Transact() error = %v", err)
	}

	select {
	case v := <-got:
		if v != "LIMA" {
			t.Errorf("delivered = %q, want LIMA", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback never delivered")
	}

	client.Release(sinkBinder)
	client.mu.RLock()
	_, stillExported := client.ids[sink]
	client.mu.RUnlock()
	if stillExported {
		t.Error("Release() left the sink exported")
	}
}

// TestRemote_DeadBinder verifies an unreachable node surfaces as ErrDeadBinder.
func TestRemote_DeadBinder(t *testing.T) {
	_, srv := serveNode(t)
	endpoint := srv.URL
	srv.Close()

	client := NewNode(NodeConfig{}, nil)
	defer func() { _ = client.Close(context.Background()) }()
	_, err := client.Connect(context.Background(), endpoint, "echo", echoDescriptor)
	if !errors.Is(err, ErrDeadBinder) {
		t.Fatalf("Connect() error = %v, want ErrDeadBinder", err)
	}
}

// TestRemote_ReplyTooLarge verifies an oversized reply is reported as such rather than decoded
// from a truncated body.
func TestRemote_ReplyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		_, _ = w.Write(make([]byte, MaxEnvelopeBytes+1))
	}))
	defer srv.Close()

	caller := NewNode(NodeConfig{}, nil)
	defer caller.Close(context.Background())
	b := &remoteBinder{node: caller, ref: binderRef{Endpoint: srv.URL, ID: "big"}}

	_, err := b.Transact(context.Background(), opEcho, call(echoDescriptor, "x"), 0)
	if !errors.Is(err, ErrRemoteFailure) {
		t.Fatalf("Transact() error = %v, want ErrRemoteFailure", err)
	}
	if errors.Is(err, ErrMalformedParcel) || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Transact() error = %v, want a size error", err)
	}
}
