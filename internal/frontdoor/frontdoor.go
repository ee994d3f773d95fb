// Package frontdoor answers relay requests on a ZeroMQ ROUTER socket.
//
// A request is [address, sequence, control, payload?]. Ping requests get
// "pong"; everything else gets "ok" and its payload is handed to the job
// queue without waiting for it to be processed.
package frontdoor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zeromq/zmq4"

	"bpmetrics/internal/config"
	"bpmetrics/internal/telemetry"
)

const (
	// IdentityPrefix prefixes the bind address in the registry entry.
	IdentityPrefix = "metricsworker"

	controlPing   = "ping"
	replyPong     = "pong"
	replyOK       = "ok"
	registryGrace = 5 * time.Second
)

// ErrTransport marks a socket failure that stops the relay.
var ErrTransport = errors.New("front door transport failure")

// Socket is the subset of zmq4.Socket used by the server.
type Socket interface {
	Recv() (zmq4.Msg, error)
	SendMulti(msg zmq4.Msg) error
	Close() error
}

// Enqueuer accepts payloads without blocking.
type Enqueuer interface {
	Offer(payload []byte) bool
}

// Registry records which relays are currently bound.
type Registry interface {
	Register(ctx context.Context, list, identity string) error
	Deregister(ctx context.Context, list, identity string) error
}

// Server runs the request/reply loop for one bound socket.
type Server struct {
	socket   Socket
	queue    Enqueuer
	registry Registry
	list     string
	identity string
	logger   *slog.Logger
	stats    *telemetry.Relay
}

// Identity returns the registry entry for a bind address.
// Params: address normalized host:port.
// Returns: metricsworker:<address>.
func Identity(address string) string {
	return IdentityPrefix + ":" + address
}

// Listen binds a ROUTER socket on tcp://address with the relay identity.
// Params: ctx socket lifetime; address host:port; identity socket id.
// Returns: bound socket or error wrapping ErrTransport.
func Listen(ctx context.Context, address, identity string) (Socket, error) {
	socket := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity(identity)))
	if err := socket.Listen("tcp://" + address); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("%w: bind %s: %v", ErrTransport, address, err)
	}
	return socket, nil
}

// New creates a server over a bound socket.
// Params: socket bound ROUTER; queue job queue; registry store list; relay config; logger; stats.
// Returns: server ready for Run.
func New(
	socket Socket,
	queue Enqueuer,
	registry Registry,
	relay config.RelayConfig,
	logger *slog.Logger,
	stats *telemetry.Relay,
) *Server {
	return &Server{
		socket:   socket,
		queue:    queue,
		registry: registry,
		list:     relay.RegistryList,
		identity: Identity(relay.Address),
		logger:   logger.With(slog.String("component", "frontdoor")),
		stats:    stats,
	}
}

// Handle maps one request onto its reply and the payload to enqueue.
// Params: frames received request.
// Returns: reply frames (nil when the request has fewer than 3 frames), payload, and whether to enqueue it.
func Handle(frames [][]byte) ([][]byte, []byte, bool) {
	if len(frames) < 3 {
		return nil, nil, false
	}

	address, sequence, control := frames[0], frames[1], frames[2]
	if string(control) == controlPing {
		return [][]byte{address, sequence, []byte(replyPong)}, nil, false
	}

	var payload []byte
	if len(frames) > 3 {
		payload = frames[3]
	}
	return [][]byte{address, sequence, []byte(replyOK)}, payload, true
}

// Run registers the identity, answers requests until ctx ends, then deregisters.
// Params: ctx lifecycle context; cancellation closes the socket.
// Returns: nil on clean stop, error wrapping ErrTransport on receive failure.
func (s *Server) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.socket.Close()
	})
	defer stop()

	s.register(ctx)
	defer s.deregister(ctx)

	s.logger.Info("front door ready", slog.String("identity", s.identity))

	for {
		msg, err := s.socket.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: recv: %v", ErrTransport, err)
		}
		s.serve(msg.Frames)
	}
}

// serve answers one request and enqueues its payload.
// Params: frames received request.
// Returns: none.
func (s *Server) serve(frames [][]byte) {
	reply, payload, enqueue := Handle(frames)
	if reply == nil {
		s.stats.MalformedRequests.Inc()
		s.logger.Warn("malformed request", slog.Int("frames", len(frames)))
		return
	}

	if enqueue {
		s.stats.Requests.Inc()
	} else {
		s.stats.Pings.Inc()
	}

	if err := s.socket.SendMulti(zmq4.NewMsgFrom(reply...)); err != nil {
		s.logger.Warn("send reply failed", slog.String("error", err.Error()))
	}

	if enqueue && !s.queue.Offer(payload) {
		s.stats.QueueDrops.Inc()
		s.logger.Warn("job queue full, payload dropped", slog.Int("bytes", len(payload)))
	}
}

func (s *Server) register(ctx context.Context) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Register(ctx, s.list, s.identity); err != nil {
		s.logger.Error("register relay failed", slog.String("list", s.list), slog.String("error", err.Error()))
	}
}

func (s *Server) deregister(ctx context.Context) {
	if s.registry == nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), registryGrace)
	defer cancel()
	if err := s.registry.Deregister(cleanupCtx, s.list, s.identity); err != nil {
		s.logger.Error("deregister relay failed", slog.String("list", s.list), slog.String("error", err.Error()))
	}
}
