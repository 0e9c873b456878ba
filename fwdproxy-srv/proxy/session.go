package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/request"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/stats"
)

// SessionState is the lifecycle position of one client connection.
type SessionState int32

const (
	StateReceiving SessionState = iota
	StateParsing
	StateLocalResponding
	StateConnecting
	StateRelaying
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateParsing:
		return "parsing"
	case StateLocalResponding:
		return "local-responding"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

type session struct {
	id        uint64
	settings  *settings
	collector stats.Collector

	client   *trackedConn
	upstream net.Conn
	clientIP string

	state   SessionState
	started time.Time
	connID  int64
	req     *request.Request
}

// ServeConn runs one session on conn and returns once both the client and
// any upstream connection are closed. Cancelling ctx aborts the session.
func (p *Proxy) ServeConn(ctx context.Context, conn net.Conn) {
	s := &session{
		id:        p.nextSessionID.Add(1),
		settings:  p.settings.Load(),
		collector: p.collector,
		client:    newTrackedConn(conn),
		started:   time.Now(),
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		s.clientIP = host
	}
	s.serve(ctx)
}

func (s *session) logf(level logger.LogLevel, format string, v ...any) {
	if !logger.IsLevelEnabled(level) {
		return
	}
	msg := logger.WithSession(s.id, format, v...)
	switch level {
	case logger.TRACE:
		logger.Trace("%s", msg)
	case logger.DEBUG:
		logger.Debug("%s", msg)
	case logger.INFO:
		logger.Info("%s", msg)
	case logger.WARN:
		logger.Warn("%s", msg)
	default:
		logger.Error("%s", msg)
	}
}

func (s *session) transition(next SessionState) {
	s.logf(logger.TRACE, "%s -> %s", s.state, next)
	s.state = next
}

func (s *session) serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	var err error
	defer func() {
		if r := recover(); r != nil {
			logger.Error("%s", logger.WithSession(s.id, "Recovered from panic in state %s: %v\n%s", s.state, r, debug.Stack()))
			err = NewProxyError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
		}
		s.finish(err)
	}()

	err = s.run(ctx)
	if err != nil {
		s.respondError(err)
	}
}

func (s *session) run(ctx context.Context) error {
	st := s.settings

	buf := make([]byte, st.maxRequestSize)
	if st.timeout > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(st.timeout))
	}
	n, err := s.client.Read(buf)
	if n == 0 {
		if err == nil {
			err = errors.New("empty read")
		}
		return NewProxyError(ErrCodeRequestReadFailed, err)
	}
	if st.timeout > 0 {
		_ = s.client.SetReadDeadline(time.Time{})
	}
	s.logf(logger.TRACE, "Received %d bytes:\n%s", n, buf[:n])

	s.transition(StateParsing)
	req, err := request.Parse(buf[:n])
	if err != nil {
		return err
	}
	s.req = req
	s.logf(logger.DEBUG, "%s %s%s", req.Method, req.Address(), req.Path)

	if entry, blocked := st.blocklist.Match(req.Host); blocked {
		if err := s.collector.RecordBlockedRequest(context.WithoutCancel(ctx), s.clientIP, req.Host, entry); err != nil {
			s.logf(logger.WARN, "Failed to record blocked request: %v", err)
		}
		return NewProxyError(ErrCodeBlocklistMatch, fmt.Errorf("%s matches %s", req.Host, entry))
	}

	if MatchesLocal(req, st.selfHost, st.selfPort) {
		s.transition(StateLocalResponding)
		s.startStats(ctx, stats.KindLocal)
		return WriteLocalResponse(s.client, req.Path)
	}

	s.transition(StateConnecting)
	s.startStats(ctx, stats.KindProxy)
	dialCtx := ctx
	if st.timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, st.timeout)
		defer cancel()
	}
	upstream, err := st.connector.Connect(dialCtx, req.Host, req.Port)
	if err != nil {
		return err
	}
	s.upstream = upstream

	s.transition(StateRelaying)
	return relay(ctx, s.client, upstream, req.Rewrite(), st.pool)
}

func (s *session) startStats(ctx context.Context, kind string) {
	ctx = context.WithoutCancel(ctx)
	id, err := s.collector.StartConnection(ctx, s.clientIP, s.req.Host, s.req.Port, kind)
	if err != nil {
		s.logf(logger.WARN, "Failed to record connection start: %v", err)
		return
	}
	s.connID = id
	if err := s.collector.RecordRequest(ctx, id, s.req.Method, s.req.Host, s.req.Port, s.req.Path); err != nil {
		s.logf(logger.WARN, "Failed to record request: %v", err)
	}
}

// respondError writes the synthesized reply for err, as long as the client
// has not received any bytes yet.
func (s *session) respondError(err error) {
	resp, ok := ErrorResponseFor(err)
	if !ok {
		s.logf(logger.DEBUG, "Session ended: %v", err)
		return
	}
	s.logf(logger.WARN, "Answering %d %s: %v", resp.StatusCode, resp.StatusText, err)
	if s.client.BytesSent() > 0 {
		return
	}
	if _, werr := resp.WriteTo(s.client); werr != nil {
		s.logf(logger.DEBUG, "Failed to write error response: %v", werr)
	}
}

func (s *session) finish(err error) {
	if cerr := s.client.Close(); cerr != nil && !isBenignCloseError(cerr) {
		s.logf(logger.ERROR, "Error closing client connection: %v", cerr)
	}
	if s.upstream != nil {
		if cerr := s.upstream.Close(); cerr != nil && !isBenignCloseError(cerr) {
			s.logf(logger.ERROR, "Error closing upstream connection: %v", cerr)
		}
	}
	final := s.state
	s.transition(StateClosed)

	ctx := context.Background()
	reason := closeReason(err)
	if err == nil && final == StateLocalResponding {
		reason = stats.ReasonLocal
	}
	if err != nil {
		if rerr := s.collector.RecordError(ctx, s.connID, reason, err.Error()); rerr != nil {
			s.logf(logger.WARN, "Failed to record error: %v", rerr)
		}
	}
	if s.connID != 0 {
		// sent: client to upstream, received: upstream to client
		if eerr := s.collector.EndConnection(ctx, s.connID, s.client.BytesReceived(), s.client.BytesSent(), time.Since(s.started), reason); eerr != nil {
			s.logf(logger.WARN, "Failed to record connection end: %v", eerr)
		}
	}
	s.logf(logger.DEBUG, "Closed after %s (%s)", time.Since(s.started).Round(time.Millisecond), reason)
}

func closeReason(err error) string {
	if err == nil {
		return stats.ReasonCompleted
	}
	var parseErr *request.ParseError
	if errors.As(err, &parseErr) {
		return stats.ReasonBadRequest
	}
	code, isProxyErr := errorCode(err)
	switch {
	case !isProxyErr, IsConnectionError(err), IsProxyChainError(err):
		return stats.ReasonUnreachable
	case code == ErrCodeRequestReadFailed:
		return stats.ReasonBadRequest
	case IsAccessControlError(err):
		return stats.ReasonBlocked
	case code == ErrCodeForwardFailed:
		return stats.ReasonForward
	default:
		return stats.ReasonRelayError
	}
}
