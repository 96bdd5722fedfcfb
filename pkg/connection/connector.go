// Package connection establishes upstream TCP connections for authorized
// CONNECT requests. It resolves domain destinations, applies the dial
// timeout and maps OS-level failures onto SOCKS5 reply codes.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	gkerrors "github.com/opd-ai/gatekeeper/pkg/errors"
	"github.com/opd-ai/gatekeeper/pkg/logger"
	"github.com/opd-ai/gatekeeper/pkg/socks"
)

// DefaultDialTimeout bounds a whole upstream dial, resolution and every
// address tried included
const DefaultDialTimeout = 10 * time.Second

// Config holds connector configuration
type Config struct {
	// DialTimeout bounds the whole dial, resolution included
	DialTimeout time.Duration
	// Resolver resolves domain destinations; nil selects the OS resolver
	Resolver *net.Resolver
}

// DefaultConfig returns a connector config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DialTimeout: DefaultDialTimeout,
		Resolver:    net.DefaultResolver,
	}
}

// Connector dials upstream destinations on behalf of sessions. The
// connector does not consult the filter; authorization happens before a
// request reaches it.
type Connector struct {
	cfg    *Config
	logger *logger.Logger
}

// NewConnector creates a connector
func NewConnector(cfg *Config, log *logger.Logger) *Connector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Connector{
		cfg:    cfg,
		logger: log.Component("connector"),
	}
}

// Dial opens a TCP connection to the request destination. Domain
// destinations are resolved first and the resolved addresses are tried
// in the order returned; the first successful connect wins. On failure
// the returned reply code is the closest SOCKS5 mapping of the error.
func (c *Connector) Dial(ctx context.Context, req *socks.Request) (net.Conn, socks.ReplyCode, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	port := strconv.Itoa(int(req.Port))

	if !req.Dest.IsDomain() {
		conn, err := c.dialAddr(ctx, net.JoinHostPort(req.Dest.IP().String(), port))
		if err != nil {
			return nil, MapError(err), wrapDialError(req, err)
		}
		return conn, socks.ReplySucceeded, nil
	}

	addrs, err := c.cfg.Resolver.LookupIPAddr(ctx, req.Dest.Domain())
	if err != nil {
		return nil, MapError(err), wrapDialError(req, err)
	}
	if len(addrs) == 0 {
		err := fmt.Errorf("no addresses for %s", req.Dest.Domain())
		return nil, socks.ReplyHostUnreachable, wrapDialError(req, err)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := c.dialAddr(ctx, net.JoinHostPort(addr.IP.String(), port))
		if err == nil {
			return conn, socks.ReplySucceeded, nil
		}
		lastErr = err
		c.logger.Debug("upstream address failed, trying next",
			"destination", req.HostPort(),
			"address", addr.IP.String(),
			"error", err)
	}
	return nil, MapError(lastErr), wrapDialError(req, lastErr)
}

// dialAddr opens a single TCP connection under the remaining context
// deadline
func (c *Connector) dialAddr(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// MapError maps a dial or resolution failure onto the closest SOCKS5
// reply code.
func MapError(err error) socks.ReplyCode {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return socks.ReplyHostUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return socks.ReplyConnectionRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) {
		return socks.ReplyHostUnreachable
	}
	if errors.Is(err, syscall.ENETUNREACH) {
		return socks.ReplyNetworkUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return socks.ReplyTTLExpired
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return socks.ReplyTTLExpired
	}
	return socks.ReplyGeneralFailure
}

// wrapDialError classifies the failure for logging and metrics
func wrapDialError(req *socks.Request, err error) error {
	msg := "upstream dial failed"
	if MapError(err) == socks.ReplyTTLExpired {
		return gkerrors.TimeoutError(msg, err).WithContext("destination", req.HostPort())
	}
	return gkerrors.DialError(msg, err).WithContext("destination", req.HostPort())
}
