// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package thread

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 250 * time.Millisecond
)

// GatewayService is the JSON-RPC service name of a gateway.
const GatewayService = "Thread"

// Caller is anything a gateway can forward calls to: a Socket, a Worker
// or a Pool.
type Caller interface {
	Call(ctx context.Context, name string, args []Value, opts ...CallOption) (Value, error)
}

// CallArgs are the params of Thread.Call.
type CallArgs struct {
	Hook      string `json:"hook"`
	Args      []any  `json:"args"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

type CallReply struct {
	Result any `json:"result"`
}

// FireArgs are the params of Thread.Fire.
type FireArgs struct {
	Event string `json:"event"`
	Args  []any  `json:"args"`
}

type FireReply struct {
	Sent bool `json:"sent"`
}

// NewGateway returns an HTTP handler serving JSON-RPC 2.0 calls
// Thread.Call and Thread.Fire on target.
func NewGateway(target Caller, log *slog.Logger) (http.Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&gatewayService{target: target, log: log.With("gateway", GatewayService)}, GatewayService); err != nil {
		return nil, err
	}
	return s, nil
}

type gatewayService struct {
	target Caller
	log    *slog.Logger
}

func (g *gatewayService) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	vals, err := valuesOf(args.Args)
	if err != nil {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
	}
	var opts []CallOption
	if args.TimeoutMs > 0 {
		opts = append(opts, WithTimeout(time.Duration(args.TimeoutMs)*time.Millisecond))
	}
	res, err := g.target.Call(r.Context(), args.Hook, vals, opts...)
	if err != nil {
		g.log.Debug("call failed", "hook", args.Hook, "error", err)
		return gatewayError(err)
	}
	reply.Result = Export(res)
	return nil
}

func (g *gatewayService) Fire(r *http.Request, args *FireArgs, reply *FireReply) error {
	vals, err := valuesOf(args.Args)
	if err != nil {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()}
	}
	switch t := g.target.(type) {
	case interface {
		Fire(ctx context.Context, name string, args []Value, transfer ...Value) error
	}:
		err = t.Fire(r.Context(), args.Event, vals)
	case interface {
		Fire(name string, args []Value, transfer ...Value) error
	}:
		err = t.Fire(args.Event, vals)
	default:
		return &json2.Error{Code: json2.E_NO_METHOD, Message: "target cannot fire events"}
	}
	if err != nil {
		return gatewayError(err)
	}
	reply.Sent = true
	return nil
}

func valuesOf(args []any) ([]Value, error) {
	vals := make([]Value, len(args))
	for i, a := range args {
		v, err := ValueOf(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		vals[i] = v
	}
	return vals, nil
}

// gatewayError maps a call failure onto a JSON-RPC error. Errors raised by
// the hook keep their name and code in the error data.
func gatewayError(err error) error {
	if errors.Is(err, ErrHookNotFound) {
		return &json2.Error{Code: json2.E_NO_METHOD, Message: err.Error()}
	}
	var e *Error
	if errors.As(err, &e) {
		data := map[string]any{"name": e.Name}
		if code := e.Code(); code != "" {
			data["code"] = code
		}
		return &json2.Error{Code: json2.E_SERVER, Message: e.Message, Data: data}
	}
	return &json2.Error{Code: json2.E_INTERNAL, Message: err.Error()}
}

var defaultClient = &http.Client{Timeout: 30 * time.Second}

// Option configures a gateway request.
type Option func(*Options)

type Options struct {
	headers     http.Header
	queryParams url.Values
	client      *http.Client
	attempts    int
	backoff     time.Duration
	idempotent  bool
}

func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
		client:      defaultClient,
		attempts:    defaultAttempts,
		backoff:     defaultBackoff,
	}
	for _, op := range ops {
		op(o)
	}
	return o
}

func WithHeader(key, val string) Option {
	return func(o *Options) { o.headers.Set(key, val) }
}

func WithQueryParam(key, val string) Option {
	return func(o *Options) { o.queryParams.Set(key, val) }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) { o.client = c }
}

// WithAttempts sets how many times a request is tried, backing off
// exponentially from base between attempts.
func WithAttempts(n int, base time.Duration) Option {
	return func(o *Options) {
		o.attempts = max(n, 1)
		o.backoff = base
	}
}

// WithIdempotent marks the hook or event as safe to run twice. Only then
// is a request retried after it may have reached the gateway.
func WithIdempotent() Option {
	return func(o *Options) { o.idempotent = true }
}

// retryable reports whether a failed attempt may be repeated. A request
// that never got a connection always may; one that broke off mid-exchange
// may have run the hook, so it is repeated only when idempotent.
func retryable(err error, idempotent bool) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	if !idempotent {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// drain reads the rest of body before closing it so the connection can be
// reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// SendJSONRequest issues a JSON-RPC 2.0 request to a gateway. Failed
// attempts are repeated while retryable allows it.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
	options ...Option,
) error {
	body, err := json2.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	ops := NewOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()
	log := slog.Default().With("method", method, "uri", target.String())

	wait := ops.backoff
	for attempt := 1; ; attempt++ {
		err := postJSON(ctx, ops, target.String(), body, reply)
		if err == nil {
			return nil
		}
		if attempt == ops.attempts || !retryable(err, ops.idempotent) {
			if attempt > 1 {
				return fmt.Errorf("%s failed after %d attempts: %w", method, attempt, err)
			}
			return err
		}
		log.Debug("retrying gateway request", "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
}

func postJSON(ctx context.Context, ops *Options, uri string, body []byte, reply interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = ops.headers.Clone()
	req.Header.Set("Content-Type", "application/json")

	resp, err := ops.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := json2.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}

// GatewayCall calls hook through the gateway at uri and returns the
// exported result.
func GatewayCall(ctx context.Context, uri *url.URL, hook string, args []any, options ...Option) (any, error) {
	var reply CallReply
	err := SendJSONRequest(ctx, uri, GatewayService+".Call", &CallArgs{Hook: hook, Args: args}, &reply, options...)
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// GatewayFire fires event through the gateway at uri.
func GatewayFire(ctx context.Context, uri *url.URL, event string, args []any, options ...Option) error {
	var reply FireReply
	return SendJSONRequest(ctx, uri, GatewayService+".Fire", &FireArgs{Event: event, Args: args}, &reply, options...)
}
