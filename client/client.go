// Package client implements the calling side of the request-response engine.
//
// A Client owns one connector and a pending registry. Every method must run on
// the client's loop goroutine; responses, deadlines and connection changes are
// all delivered there.
//
//	Call(seq=1) ──┐                       ┌── Response(id=2) → pending[2] → callback
//	Call(seq=2) ──┼──→ connector ──→ server ──→ Response(id=1) → pending[1] → handle Ready
//	Call(seq=3) ──┘                       └── deadline(id=3)  → pending[3] → TimedOut
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"looprpc/async"
	"looprpc/codec"
	"looprpc/config"
	"looprpc/eventloop"
	"looprpc/loadbalance"
	"looprpc/message"
	"looprpc/metrics"
	"looprpc/pending"
	"looprpc/registry"
	"looprpc/status"
	"looprpc/transport"
)

// idScan bounds the search for a free correlation id.
const idScan = 1024

// Option configures a Client.
type Option func(*options)

type options struct {
	log  logr.Logger
	conn transport.Connector
}

// WithLogger sets the client's logger. The loop's logger is used by default.
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithConnector makes the client use conn instead of dialing cfg.Address.
// The client takes ownership of conn.
func WithConnector(conn transport.Connector) Option {
	return func(o *options) { o.conn = conn }
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	retries int
}

// WithTimeout overrides the configured deadline; zero disables it.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithRetries overrides the configured retry budget.
func WithRetries(n int) CallOption {
	return func(o *callOptions) { o.retries = n }
}

// Client is the request-response caller.
type Client struct {
	loop    *eventloop.Loop
	cfg     *config.Config
	log     logr.Logger
	conn    transport.Connector
	cdc     codec.Codec
	pending *pending.Registry
	nextID  uint32

	// calls waiting for reconnection, and the first id of each retried call
	// mapped to its current one
	retryq  []*pending.Entry
	aliases map[uint32]uint32

	closed bool
}

// New creates a client for cfg.Address on loop.
func New(loop *eventloop.Loop, cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Role != config.RoleServerClient {
		return nil, status.Errorf(status.InvalidArgument, "client needs role %s, got %s", config.RoleServerClient, cfg.Role)
	}
	o := options{log: loop.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.WithName("client").WithValues("addr", cfg.Address)

	conn := o.conn
	if conn == nil {
		var err error
		conn, err = transport.Dial(loop, cfg.Address, cfg.TransportOptions(log))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
		}
	}

	c := &Client{
		loop:    loop,
		cfg:     cfg,
		log:     log,
		conn:    conn,
		cdc:     codec.GetCodec(codec.CodecTypeFrame),
		pending: pending.New(cfg.MaxConcurrent),
		nextID:  cfg.MsgIDStart(),
		aliases: make(map[uint32]uint32),
	}
	conn.SetHandler(transport.ConnectorHandler{
		OnMessage: c.onMessage,
		OnState:   c.onState,
	})
	return c, nil
}

// DialService discovers an instance of service in reg, picks one with bal and
// connects to it. cfg supplies every option but the address; nil means defaults.
func DialService(ctx context.Context, loop *eventloop.Loop, reg registry.Registry, bal loadbalance.Balancer, service string, cfg *config.Config, opts ...Option) (*Client, error) {
	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	instance, err := bal.Pick(instances)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	dialCfg := *cfg
	dialCfg.Address = instance.Addr
	dialCfg.Transport = ""
	return New(loop, &dialCfg, opts...)
}

func (c *Client) Addr() string { return c.conn.Addr() }

func (c *Client) State() transport.State { return c.conn.State() }

// Pending returns the number of unresolved calls, including those waiting to
// be retried.
func (c *Client) Pending() int { return c.pending.Len() + len(c.retryq) }

// Call submits a request whose outcome is delivered to cb. It returns the
// call's correlation id, which Cancel accepts for the call's whole lifetime.
func (c *Client) Call(method string, payload []byte, cb pending.Callback, opts ...CallOption) (uint32, error) {
	if cb == nil {
		return 0, status.Errorf(status.InvalidArgument, "nil callback")
	}
	return c.submit(method, payload, cb, nil, opts)
}

// CallAsync submits a request whose outcome is stored in h. h must be idle.
func (c *Client) CallAsync(method string, payload []byte, h *async.Handle, opts ...CallOption) (uint32, error) {
	if h == nil {
		return 0, status.Errorf(status.InvalidArgument, "nil handle")
	}
	return c.submit(method, payload, nil, h, opts)
}

// Invoke is CallAsync followed by Await. It drives the loop and must not be
// called from a loop callback.
func (c *Client) Invoke(method string, payload []byte, opts ...CallOption) ([]byte, error) {
	h := async.New(c.loop)
	defer h.Free()
	if _, err := c.CallAsync(method, payload, h, opts...); err != nil {
		return nil, err
	}
	if err := h.Await(); err != nil {
		return nil, err
	}
	return h.Result().Payload, nil
}

// Notify sends a one-way notification. No response is expected.
func (c *Client) Notify(method string, payload []byte) error {
	if c.closed {
		return status.Errorf(status.ConnectionLost, "client closed")
	}
	if method == "" {
		return status.Errorf(status.InvalidArgument, "empty method name")
	}
	if err := c.checkPayload(payload); err != nil {
		return err
	}
	buf, err := c.cdc.Encode(&message.Frame{
		Kind:    message.KindNotification,
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if err := c.conn.Send(buf); err != nil {
		return status.Errorf(status.ConnectionLost, "notify %s: %v", method, err)
	}
	return nil
}

// Cancel resolves a pending call with Cancelled.
func (c *Client) Cancel(id uint32) error {
	if cur, ok := c.aliases[id]; ok {
		id = cur
	}
	e, ok := c.pending.Cancel(id)
	if !ok {
		if e = c.unqueue(id); e == nil {
			return status.Errorf(status.InvalidArgument, "no pending call %d", id)
		}
		e.Cancelled = true
	}
	c.fail(e, status.Cancelled)
	return nil
}

// Close closes the connector and resolves every unresolved call with
// ConnectionLost.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.conn.Close()

	for _, e := range c.pending.Drain() {
		c.fail(e, status.ConnectionLost)
	}
	queued := c.retryq
	c.retryq = nil
	for _, e := range queued {
		c.fail(e, status.ConnectionLost)
	}
	c.log.V(1).Info("Client closed")
	return err
}

func (c *Client) checkPayload(payload []byte) error {
	if limit := c.conn.MaxPayload(); limit > 0 && len(payload) > limit {
		return status.Errorf(status.PayloadTooLarge, "payload of %d bytes exceeds %d", len(payload), limit)
	}
	return nil
}

func (c *Client) submit(method string, payload []byte, cb pending.Callback, h *async.Handle, opts []CallOption) (uint32, error) {
	if c.closed {
		return 0, status.Errorf(status.ConnectionLost, "client closed")
	}
	if method == "" {
		return 0, status.Errorf(status.InvalidArgument, "empty method name")
	}
	if h != nil && h.State() != async.Idle {
		return 0, status.Errorf(status.InvalidArgument, "handle is %s", h.State())
	}
	if err := c.checkPayload(payload); err != nil {
		return 0, err
	}
	o := callOptions{timeout: c.cfg.Timeout(), retries: c.cfg.Retries}
	for _, opt := range opts {
		opt(&o)
	}

	if c.Pending() >= c.pending.Cap() {
		return 0, status.Errorf(status.AdmissionRefused, "%d calls pending", c.Pending())
	}
	id, ok := c.allocID()
	if !ok {
		return 0, status.Errorf(status.AdmissionRefused, "no free correlation id")
	}

	e := &pending.Entry{
		ID:       id,
		Origin:   id,
		Method:   method,
		Callback: cb,
		Handle:   h,
		Retries:  o.retries,
	}
	if o.retries > 0 {
		e.Payload = append([]byte(nil), payload...)
	}
	if o.timeout > 0 {
		e.Deadline = c.loop.Now().Add(o.timeout)
	}
	if err := c.send(e, payload); err != nil {
		return 0, err
	}

	metrics.AddClientPending(1)
	if h != nil {
		h.Arm(func() { c.detach(e) })
	}
	if o.timeout > 0 {
		e.Timer = c.loop.AfterFunc(o.timeout, func() { c.expire(e) })
	}
	return id, nil
}

// send encodes e, registers it and hands it to the connector. Encode and
// admission failures are returned; a transport failure is reported through
// the entry on the next loop turn.
func (c *Client) send(e *pending.Entry, payload []byte) error {
	buf, err := c.cdc.Encode(&message.Frame{
		Kind:    message.KindRequest,
		ID:      e.ID,
		Method:  e.Method,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if err := c.pending.Insert(e); err != nil {
		return err
	}
	if err := c.conn.Send(buf); err != nil {
		c.pending.Take(e.ID)
		c.log.V(2).Info("Send failed", "id", e.ID, "method", e.Method, "err", err.Error())
		c.loop.Post(func() { c.fail(e, status.ConnectionLost) })
	}
	return nil
}

func (c *Client) allocID() (uint32, bool) {
	for i := 0; i < idScan; i++ {
		id := c.nextID
		c.nextID++
		if !c.inUse(id) {
			return id, true
		}
	}
	return 0, false
}

func (c *Client) inUse(id uint32) bool {
	if c.pending.Contains(id) {
		return true
	}
	if _, ok := c.aliases[id]; ok {
		return true
	}
	for _, e := range c.retryq {
		if e.ID == id || e.Origin == id {
			return true
		}
	}
	return false
}

func (c *Client) unqueue(id uint32) *pending.Entry {
	for i, e := range c.retryq {
		if e.ID == id {
			c.retryq = append(c.retryq[:i], c.retryq[i+1:]...)
			return e
		}
	}
	return nil
}

// withdraw removes e from the registry or the retry queue. It reports false
// when e was already resolved.
func (c *Client) withdraw(e *pending.Entry) bool {
	if _, ok := c.pending.Take(e.ID); ok {
		return true
	}
	return c.unqueue(e.ID) != nil
}

func (c *Client) release(e *pending.Entry) {
	e.Timer.Stop()
	e.Timer = nil
	e.Payload = nil
	if e.Origin != e.ID {
		delete(c.aliases, e.Origin)
	}
	metrics.AddClientPending(-1)
}

func (c *Client) complete(e *pending.Entry, code status.Code, payload []byte) {
	c.release(e)
	metrics.RecordClientOutcome(code)
	if e.Callback != nil {
		e.Callback(payload, status.FromCode(code))
		return
	}
	e.Handle.Complete(code, payload)
}

func (c *Client) fail(e *pending.Entry, code status.Code) {
	c.release(e)
	metrics.RecordClientOutcome(code)
	if e.Callback != nil {
		e.Callback(nil, status.FromCode(code))
		return
	}
	switch code {
	case status.TimedOut:
		e.Handle.Expire()
	case status.Cancelled:
		e.Handle.Cancel()
	default:
		e.Handle.Complete(code, nil)
	}
}

func (c *Client) expire(e *pending.Entry) {
	e.Timer = nil
	if !c.withdraw(e) {
		return
	}
	c.log.V(2).Info("Call timed out", "id", e.ID, "method", e.Method)
	c.fail(e, status.TimedOut)
}

// detach is run by a handle that timed out on its own or was freed.
func (c *Client) detach(e *pending.Entry) {
	if c.withdraw(e) {
		c.release(e)
	}
}

func (c *Client) onMessage(data []byte) {
	var f message.Frame
	if err := c.cdc.Decode(data, &f); err != nil {
		c.log.V(1).Info("Dropping undecodable frame", "err", err.Error())
		return
	}
	if f.Kind != message.KindResponse {
		c.log.V(2).Info("Dropping unexpected frame", "kind", f.Kind.String())
		return
	}
	e, ok := c.pending.Take(f.ID)
	if !ok {
		// late response after a timeout or a cancel
		c.log.V(2).Info("Dropping unmatched response", "id", f.ID)
		return
	}
	c.complete(e, status.Code(f.ErrorCode), f.Payload)
}

func (c *Client) onState(s transport.State) {
	switch s {
	case transport.Connecting:
		c.connectionLost()
	case transport.Connected:
		c.resubmit()
	}
}

// connectionLost moves calls with retry budget to the retry queue and fails
// the rest. Deadlines keep running while calls wait.
func (c *Client) connectionLost() {
	for _, e := range c.pending.Drain() {
		if e.Retries > 0 {
			e.Retries--
			c.retryq = append(c.retryq, e)
			metrics.RecordClientRetry()
			continue
		}
		c.fail(e, status.ConnectionLost)
	}
	if len(c.retryq) > 0 {
		c.log.V(1).Info("Calls queued for retry", "count", len(c.retryq))
	}
}

// resubmit sends every queued call again under a fresh id.
func (c *Client) resubmit() {
	queued := c.retryq
	c.retryq = nil
	for _, e := range queued {
		id, ok := c.allocID()
		if !ok {
			c.fail(e, status.AdmissionRefused)
			continue
		}
		if e.Origin != e.ID {
			delete(c.aliases, e.Origin)
		}
		e.ID = id
		if e.Origin != id {
			c.aliases[e.Origin] = id
		}
		if err := c.send(e, e.Payload); err != nil {
			c.fail(e, status.FromError(err))
		}
	}
}
