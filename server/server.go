// Package server implements the routing side of the request-response engine.
//
// Request processing pipeline, all on the loop goroutine:
//
//	listener.OnMessage(peer, bytes)
//	  → frame codec Decode → method lookup → middleware chain → handler
//	    → req.Reply(code, payload) → frame codec Encode → listener.Send(peer, bytes)
//
// The peer identity captured on arrival travels with the Request, so a reply
// reaches the peer that asked and no other. Handlers may reply before
// returning or later from any loop callback.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"looprpc/codec"
	"looprpc/config"
	"looprpc/eventloop"
	"looprpc/message"
	"looprpc/metrics"
	"looprpc/registry"
	"looprpc/status"
	"looprpc/transport"
)

// unregisteredLabel stands in for unknown method names in metrics.
const unregisteredLabel = "unregistered"

// Handler serves one request. For requests (not notifications) it must call
// req.Reply exactly once, now or later.
type Handler func(req *Request)

// Middleware wraps a Handler. See package middleware.
type Middleware func(next Handler) Handler

// Option configures a Server.
type Option func(*options)

type options struct {
	log       logr.Logger
	reg       registry.Registry
	service   string
	advertise string
	weight    int
	ttl       time.Duration
}

// WithLogger sets the server's logger. The loop's logger is used by default.
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRegistry advertises the server under service in reg from Start until
// Close. The bound listener address is advertised.
func WithRegistry(reg registry.Registry, service string, weight int, ttl time.Duration) Option {
	return func(o *options) {
		o.reg = reg
		o.service = service
		o.weight = weight
		o.ttl = ttl
	}
}

// WithAdvertiseAddr overrides the address put in the registry, for listeners
// bound to a wildcard host.
func WithAdvertiseAddr(addr string) Option {
	return func(o *options) { o.advertise = addr }
}

type method struct {
	handler Handler
	ctx     any
}

// Stats is a snapshot of a server's counters.
type Stats struct {
	Requests  uint64 // request and notification frames dispatched
	Responses uint64 // response frames emitted
	Methods   int
	Peers     int
}

// Server is the request router.
type Server struct {
	loop *eventloop.Loop
	cfg  *config.Config
	log  logr.Logger
	opts options
	cdc  codec.Codec

	ln          transport.Listener
	methods     map[string]*method
	middlewares []Middleware
	handler     Handler // the final chain: middleware(middleware(...(dispatch)))
	advertised  string

	requests  uint64
	responses uint64
	started   bool
	closed    bool
}

// New creates a server for cfg.Address on loop. It binds nothing until Start.
func New(loop *eventloop.Loop, cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Role != config.RoleServerClient {
		return nil, status.Errorf(status.InvalidArgument, "server needs role %s, got %s", config.RoleServerClient, cfg.Role)
	}
	o := options{log: loop.Logger(), ttl: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		loop:    loop,
		cfg:     cfg,
		log:     o.log.WithName("server").WithValues("addr", cfg.Address),
		opts:    o,
		cdc:     codec.GetCodec(codec.CodecTypeFrame),
		methods: make(map[string]*method),
	}, nil
}

// Register binds method to handler. userCtx is handed back in every Request.
func (s *Server) Register(name string, handler Handler, userCtx any) error {
	if name == "" {
		return status.Errorf(status.InvalidArgument, "empty method name")
	}
	if len(name) > codec.MaxMethodLen {
		return status.Errorf(status.InvalidArgument, "method name too long (%d bytes)", len(name))
	}
	if handler == nil {
		return status.Errorf(status.InvalidArgument, "nil handler for %s", name)
	}
	if _, ok := s.methods[name]; ok {
		return status.Errorf(status.InvalidArgument, "method %s already registered", name)
	}
	s.methods[name] = &method{handler: handler, ctx: userCtx}
	return nil
}

// Unregister removes method. Requests for it are answered MethodNotFound.
func (s *Server) Unregister(name string) error {
	if _, ok := s.methods[name]; !ok {
		return status.Errorf(status.InvalidArgument, "method %s not registered", name)
	}
	delete(s.methods, name)
	return nil
}

// Use appends middleware. Middleware added after Start is ignored.
func (s *Server) Use(mw ...Middleware) {
	s.middlewares = append(s.middlewares, mw...)
}

// Start binds the listener and, when configured, advertises the server.
// ctx bounds the registry calls only.
func (s *Server) Start(ctx context.Context) error {
	if s.closed {
		return status.Errorf(status.InvalidArgument, "server closed")
	}
	if s.started {
		return status.Errorf(status.InvalidArgument, "server already started")
	}

	// Chain wraps middlewares in reverse so the first added runs outermost.
	s.handler = s.dispatch
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		s.handler = s.middlewares[i](s.handler)
	}

	ln, err := transport.Listen(s.loop, s.cfg.Address, s.cfg.TransportOptions(s.log))
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	ln.SetHandler(transport.ListenerHandler{
		OnReady:   func() { s.log.V(1).Info("Server ready", "bound", ln.Addr()) },
		OnMessage: s.onMessage,
		OnPeer: func(peer []byte, joined bool) {
			s.log.V(1).Info("Peer changed", "peer", fmt.Sprintf("%x", peer), "joined", joined)
		},
	})
	s.ln = ln
	s.started = true

	if s.opts.reg != nil {
		addr := s.opts.advertise
		if addr == "" {
			addr = ln.Addr()
		}
		instance := registry.ServiceInstance{Addr: addr, Weight: s.opts.weight}
		if err := s.opts.reg.Register(ctx, s.opts.service, instance, s.opts.ttl); err != nil {
			return fmt.Errorf("register %s: %w", s.opts.service, err)
		}
		s.advertised = addr
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Address
	}
	return s.ln.Addr()
}

func (s *Server) Stats() Stats {
	st := Stats{
		Requests:  s.requests,
		Responses: s.responses,
		Methods:   len(s.methods),
	}
	if s.ln != nil && !s.closed {
		st.Peers = s.ln.Peers()
	}
	return st
}

// Close withdraws the advertisement first so clients stop picking this
// server, then closes the listener. Replies made after Close fail with
// ConnectionLost.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.advertised != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.opts.reg.Deregister(ctx, s.opts.service, s.advertised)
		cancel()
	}
	if s.ln != nil {
		err = multierr.Append(err, s.ln.Close())
	}
	s.log.V(1).Info("Server closed")
	return err
}

func (s *Server) onMessage(peer []byte, data []byte) {
	var f message.Frame
	if err := s.cdc.Decode(data, &f); err != nil {
		s.log.V(1).Info("Dropping undecodable frame", "peer", fmt.Sprintf("%x", peer), "err", err.Error())
		return
	}
	if f.Kind != message.KindRequest && f.Kind != message.KindNotification {
		s.log.V(2).Info("Dropping unexpected frame", "kind", f.Kind.String())
		return
	}

	req := &Request{
		Peer:         peer,
		ID:           f.ID,
		Method:       f.Method,
		Payload:      f.Payload,
		Notification: f.Kind == message.KindNotification,
		loop:         s.loop,
	}
	req.reply = func(code status.Code, payload []byte) error {
		return s.sendResponse(req, code, payload)
	}

	label := unregisteredLabel
	if m, ok := s.methods[f.Method]; ok {
		req.Context = m.ctx
		req.handler = m.handler
		label = f.Method
	}
	req.label = label

	s.requests++
	metrics.RecordServerRequest(label)
	s.handler(req)
}

// dispatch is the innermost handler of the chain.
func (s *Server) dispatch(req *Request) {
	if req.handler == nil {
		if req.Notification {
			s.log.V(2).Info("Dropping notification for unknown method", "method", req.Method)
			return
		}
		req.Reply(status.MethodNotFound, nil)
		return
	}
	req.handler(req)
}

func (s *Server) sendResponse(req *Request, code status.Code, payload []byte) error {
	if s.closed {
		return status.Errorf(status.ConnectionLost, "server closed")
	}
	if limit := s.ln.MaxPayload(); limit > 0 && len(payload) > limit {
		return status.Errorf(status.PayloadTooLarge, "reply of %d bytes exceeds %d", len(payload), limit)
	}
	buf, err := s.cdc.Encode(&message.Frame{
		Kind:      message.KindResponse,
		ID:        req.ID,
		ErrorCode: int32(code),
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if err := s.ln.Send(req.Peer, buf); err != nil {
		s.log.V(1).Info("Response not sent", "id", req.ID, "method", req.Method, "err", err.Error())
		return status.Errorf(status.ConnectionLost, "reply to %s: %v", req.Method, err)
	}
	s.responses++
	metrics.RecordServerResponse(req.label, code)
	return nil
}
