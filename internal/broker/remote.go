package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kjstillabower/weather-broker/internal/observability"
)

// MaxEnvelopeBytes bounds envelope bodies read from the wire.
const MaxEnvelopeBytes = 1 << 20

// ErrorBody is the JSON error document returned by a node's HTTP surface.
type ErrorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

// remoteBinder forwards calls to an object hosted by another node over HTTP.
type remoteBinder struct {
	node *Node
	ref  binderRef
}

func (b *remoteBinder) Transact(ctx context.Context, code Code, data *Parcel, flags Flags) (*Parcel, error) {
	if data == nil {
		data = NewParcel()
	}
	refs, err := b.node.exportAll(data.objects)
	if err != nil {
		return nil, err
	}
	body := envelope{code: code, flags: flags, data: data.Bytes(), refs: refs}.marshal()

	if b.node.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.node.callTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.ref.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", b.ref, err)
	}
	req.Header.Set("Content-Type", ContentType)
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set(observability.CorrelationIDHeader, id)
	}

	resp, err := b.node.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("call %s: %w", b.ref, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDeadBinder, b.ref, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxEnvelopeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read reply from %s: %v", ErrDeadBinder, b.ref, err)
	}
	if len(respBody) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: reply from %s too large (over %d bytes)", ErrRemoteFailure, b.ref, MaxEnvelopeBytes)
	}

	switch resp.StatusCode {
	case http.StatusAccepted:
		if !flags.Oneway() {
			return nil, fmt.Errorf("%w: %s accepted a two-way call without a reply", ErrConventionMismatch, b.ref)
		}
		return nil, nil
	case http.StatusOK:
		if flags.Oneway() {
			return nil, nil
		}
		env, err := unmarshalEnvelope(respBody)
		if err != nil {
			return nil, err
		}
		reply := &Parcel{buf: env.data}
		for _, ref := range env.refs {
			reply.objects = append(reply.objects, b.node.resolve(ref))
		}
		return reply, nil
	default:
		return nil, decodeErrorBody(resp.StatusCode, respBody)
	}
}

func decodeErrorBody(status int, body []byte) error {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Code == "" {
		return fmt.Errorf("%w: HTTP %d", ErrRemoteFailure, status)
	}
	return errorForCode(eb.Error.Code, eb.Error.Message)
}
