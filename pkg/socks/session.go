package socks

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	gkerrors "github.com/opd-ai/gatekeeper/pkg/errors"
	"github.com/opd-ai/gatekeeper/pkg/logger"
	"github.com/opd-ai/gatekeeper/pkg/metrics"
	"github.com/opd-ai/gatekeeper/pkg/relay"
)

// Session timeouts
const (
	// DefaultNegotiateTimeout bounds the whole handshake up to the reply
	DefaultNegotiateTimeout = 30 * time.Second
	// DefaultFailReplyTimeout caps the best-effort failure reply write
	DefaultFailReplyTimeout = 2 * time.Second
)

// Phase is the session state machine position
type Phase int32

const (
	// PhaseGreetingAwait waits for the client method selection
	PhaseGreetingAwait Phase = iota
	// PhaseMethodChosen has read the offer and answers it
	PhaseMethodChosen
	// PhaseRequestAwait waits for the CONNECT request
	PhaseRequestAwait
	// PhaseAuthorizing consults the filter
	PhaseAuthorizing
	// PhaseDialing opens the upstream connection
	PhaseDialing
	// PhaseRelaying splices bytes between the peers
	PhaseRelaying
	// PhaseClosing tears the session down
	PhaseClosing
	// PhaseClosed is terminal; both sockets are released
	PhaseClosed
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseGreetingAwait:
		return "greeting-await"
	case PhaseMethodChosen:
		return "method-chosen"
	case PhaseRequestAwait:
		return "request-await"
	case PhaseAuthorizing:
		return "authorizing"
	case PhaseDialing:
		return "dialing"
	case PhaseRelaying:
		return "relaying"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Authorizer decides whether a parsed request may proceed
type Authorizer interface {
	Authorize(req *Request) bool
}

// Dialer opens the upstream connection for an authorized request. On
// failure the reply code is the SOCKS5 mapping of the error.
type Dialer interface {
	Dial(ctx context.Context, req *Request) (net.Conn, ReplyCode, error)
}

// SessionConfig wires a session to its collaborators
type SessionConfig struct {
	// Filter authorizes requests
	Filter Authorizer
	// Dialer opens upstream connections
	Dialer Dialer
	// BufferSize is the per-direction relay buffer (0 = default)
	BufferSize int
	// NegotiateTimeout bounds handshake I/O (0 = default)
	NegotiateTimeout time.Duration
	// FailReplyTimeout caps failure reply writes (0 = default)
	FailReplyTimeout time.Duration
	// Logger is the base logger; sessions attach their id
	Logger *logger.Logger
	// Metrics receives session observations
	Metrics *metrics.Metrics
}

// Session is the per-connection SOCKS5 state machine. It owns the client
// socket and, once dialed, the upstream socket; both are released by the
// time Serve returns.
type Session struct {
	id        uint64
	conn      net.Conn
	cfg       SessionConfig
	phase     int32
	createdAt time.Time
	log       *logger.Logger
}

// NewSession creates a session for an accepted client connection
func NewSession(id uint64, conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = DefaultNegotiateTimeout
	}
	if cfg.FailReplyTimeout <= 0 {
		cfg.FailReplyTimeout = DefaultFailReplyTimeout
	}
	return &Session{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		createdAt: time.Now(),
		log:       cfg.Logger.Session(id),
	}
}

// ID returns the session identifier
func (s *Session) ID() uint64 {
	return s.id
}

// Phase returns the current state machine position
func (s *Session) Phase() Phase {
	return Phase(atomic.LoadInt32(&s.phase))
}

func (s *Session) setPhase(p Phase) {
	atomic.StoreInt32(&s.phase, int32(p))
}

// Serve drives the session to completion: negotiate, authorize, dial,
// relay, tear down. Errors are session-scoped; the caller only logs them.
// The client socket, and the upstream socket when one was opened, are
// closed before Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	defer s.setPhase(PhaseClosed)
	defer s.conn.Close()

	s.conn.SetDeadline(time.Now().Add(s.cfg.NegotiateTimeout))

	methods, err := ReadGreeting(s.conn)
	if err != nil {
		s.setPhase(PhaseClosing)
		s.cfg.Metrics.HandshakeFailures.Inc()
		return gkerrors.ProtocolError("method selection failed", err)
	}

	s.setPhase(PhaseMethodChosen)
	method := SelectMethod(methods)
	if err := WriteMethodReply(s.conn, method); err != nil {
		s.setPhase(PhaseClosing)
		return gkerrors.NetworkError("method reply failed", err)
	}
	if method == MethodNoAcceptable {
		s.setPhase(PhaseClosing)
		s.cfg.Metrics.HandshakeFailures.Inc()
		s.log.Debug("client offered no acceptable authentication method")
		return nil
	}

	s.setPhase(PhaseRequestAwait)
	req, err := ReadRequest(s.conn)
	if err != nil {
		s.setPhase(PhaseClosing)
		s.cfg.Metrics.HandshakeFailures.Inc()
		var reqErr *RequestError
		switch {
		case errors.As(err, &reqErr):
			s.failReply(reqErr.Reply)
		case errors.Is(err, ErrBadReserved):
			s.failReply(ReplyGeneralFailure)
		}
		// bad version and truncated frames are dropped without a reply
		return gkerrors.ProtocolError("request parse failed", err)
	}
	s.log = s.log.Destination(req.HostPort())

	s.setPhase(PhaseAuthorizing)
	allowed := s.cfg.Filter.Authorize(req)
	s.cfg.Metrics.RecordVerdict(allowed)
	if !allowed {
		s.setPhase(PhaseClosing)
		s.failReply(ReplyNotAllowed)
		s.log.Info("request denied by ruleset")
		return nil
	}

	s.setPhase(PhaseDialing)
	dialStart := time.Now()
	upstream, code, err := s.cfg.Dialer.Dial(ctx, req)
	s.cfg.Metrics.RecordDial(err == nil, time.Since(dialStart))
	if err != nil {
		s.setPhase(PhaseClosing)
		s.failReply(code)
		return err
	}

	// Handshake is over; the relay manages all further deadlines.
	s.conn.SetDeadline(time.Time{})

	if err := WriteReply(s.conn, ReplySucceeded, upstream.LocalAddr()); err != nil {
		s.setPhase(PhaseClosing)
		upstream.Close()
		return gkerrors.NetworkError("success reply failed", err)
	}
	s.log.Debug("connection established", "bnd_addr", upstream.LocalAddr().String())

	s.setPhase(PhaseRelaying)
	res := relay.Pipe(s.conn, upstream, s.cfg.BufferSize, s.log)
	s.setPhase(PhaseClosing)
	s.cfg.Metrics.RecordRelay(res.ClientToUpstream, res.UpstreamToClient, res.Faulted())
	s.log.Info("session finished",
		"verdict", "allow",
		"reply", ReplySucceeded.String(),
		"client_to_upstream", res.ClientToUpstream,
		"upstream_to_client", res.UpstreamToClient,
		"duration", time.Since(s.createdAt),
		"faulted", res.Faulted())
	return nil
}

// failReply writes a failure reply on a best-effort basis, capped by a
// short write deadline. The session is closing either way.
func (s *Session) failReply(code ReplyCode) {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.FailReplyTimeout))
	WriteReply(s.conn, code, nil)
}
