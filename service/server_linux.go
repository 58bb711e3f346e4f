package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/database64128/tsrelay-go/internal/httphelper"
	"github.com/database64128/tsrelay-go/internal/metrics"
	"github.com/database64128/tsrelay-go/producer"
	"github.com/database64128/tsrelay-go/service/internal/broadcaster"
	"github.com/database64128/tsrelay-go/service/internal/consumer"
	"github.com/database64128/tsrelay-go/service/internal/reactor"
	"github.com/database64128/tsrelay-go/service/internal/registry"
	"github.com/database64128/tsrelay-go/service/internal/sock"
	"github.com/database64128/tsrelay-go/tslog"
	"golang.org/x/sys/unix"
)

// Reactor tokens. Connection tokens start at firstConnToken and double as consumer IDs.
const (
	tokenRawListener uint32 = iota + 1
	tokenHTTPListener
	tokenUpstream
	firstConnToken uint32 = 16
)

// scratchSize is the size of the buffer used for reading from consumers and HTTP clients.
const scratchSize = 4096

// acceptPause is how long a listener is unwatched after an accept error other than EAGAIN,
// such as running out of file descriptors. The pending connection keeps the listener readable,
// so watching it would busy-loop until the condition clears.
const acceptPause = 100 * time.Millisecond

type server struct {
	cfg      Config
	logger   *tslog.Logger
	metrics  *metrics.Metrics
	reactor  *reactor.Reactor
	ctrl     *controller
	rawLn    *sock.Listener
	httpLn   *sock.Listener
	rawAddr  netip.AddrPort
	httpAddr netip.AddrPort
	started  atomic.Bool

	// The fields below are owned by the event loop.

	bc            *broadcaster.Broadcaster
	handshakes    *registry.Registry[*handshake]
	upstream      producer.Upstream
	upstreamFd    int
	phase         State
	drainDeadline time.Time
	rawResume     time.Time
	httpResume    time.Time
	nextToken     uint32
	buf           []byte
	scratch       []byte
}

func newServer(ctx context.Context, cfg Config, logger *tslog.Logger, m *metrics.Metrics) (*Server, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create reactor: %w", err)
	}

	s := &Server{
		server: server{
			cfg:        cfg,
			logger:     logger,
			metrics:    m,
			reactor:    r,
			bc:         broadcaster.New(reactorWatcher{r}, logger, m),
			handshakes: registry.New[*handshake](),
			upstreamFd: -1,
			nextToken:  firstConnToken,
		},
	}
	s.ctrl = newController(s.wake)

	s.rawLn, err = sock.Listen(ctx, cfg.Host, cfg.Port, sock.DefaultBacklog)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%w on %s: %w", ErrListen, net.JoinHostPort(cfg.Host, cfg.Port), err)
	}
	s.rawAddr = s.rawLn.Addr()

	if cfg.HTTPPort != "" {
		s.httpLn, err = sock.Listen(ctx, cfg.HTTPHost, cfg.HTTPPort, sock.DefaultBacklog)
		if err != nil {
			_ = s.rawLn.Close()
			_ = r.Close()
			return nil, fmt.Errorf("%w on %s: %w", ErrListen, net.JoinHostPort(cfg.HTTPHost, cfg.HTTPPort), err)
		}
		s.httpAddr = s.httpLn.Addr()
	}

	return s, nil
}

func (s *server) wake() {
	if err := s.reactor.Wake(); err != nil && !errors.Is(err, reactor.ErrClosed) {
		s.logger.Warn("Failed to wake up event loop", tslog.Err(err))
	}
}

func (s *server) addrs() (netip.AddrPort, netip.AddrPort) {
	return s.rawAddr, s.httpAddr
}

func (s *server) close() error {
	if s.started.Load() {
		return nil
	}
	s.closeListeners()
	return s.reactor.Close()
}

func (s *server) run(ctx context.Context, up producer.Upstream) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server has already been run")
	}
	defer s.ctrl.stopped()

	s.upstream = up
	s.buf = make([]byte, s.cfg.ChunkSize)
	s.scratch = make([]byte, scratchSize)

	if err := s.register(up); err != nil {
		s.enterStopped()
		return err
	}

	go s.watchTermination(ctx, up)

	for {
		now := time.Now()
		switch s.ctrl.requested() {
		case StateRunning:
		case StateDraining:
			if s.phase == StateRunning {
				s.enterDraining(now)
			}
			if s.drainComplete(now) {
				s.ctrl.stop()
				continue
			}
		case StateStopped:
			s.enterStopped()
			return nil
		default:
			panic("unreachable")
		}

		events, err := s.reactor.Wait(s.waitTimeout(now))
		if err != nil {
			s.logger.Error("Failed to wait for events", tslog.Err(err))
			s.ctrl.stop()
			s.enterStopped()
			return fmt.Errorf("failed to wait for events: %w", err)
		}

		for _, ev := range events {
			s.dispatch(ev)
		}

		now = time.Now()
		s.expireHandshakes(now)
		s.resumeAccept(now)
	}
}

func (s *server) register(up producer.Upstream) error {
	if err := s.reactor.Add(s.rawLn.Fd(), tokenRawListener, reactor.Readable); err != nil {
		return fmt.Errorf("failed to watch raw listener: %w", err)
	}
	if s.httpLn != nil {
		if err := s.reactor.Add(s.httpLn.Fd(), tokenHTTPListener, reactor.Readable); err != nil {
			return fmt.Errorf("failed to watch HTTP listener: %w", err)
		}
	}
	if err := s.reactor.Add(up.Stdout(), tokenUpstream, reactor.Readable); err != nil {
		return fmt.Errorf("failed to watch upstream: %w", err)
	}
	s.upstreamFd = up.Stdout()

	attrs := []slog.Attr{
		tslog.AddrPort("raw", s.rawAddr),
		tslog.Bytes("chunkSize", len(s.buf)),
		tslog.Bytes("lowWatermark", s.cfg.LowWatermark),
		tslog.Bytes("highWatermark", s.cfg.HighWatermark),
	}
	if s.httpLn != nil {
		attrs = append(attrs, tslog.AddrPort("http", s.httpAddr), slog.String("path", s.cfg.HTTPPath))
	}
	s.logger.Info("Started relay", attrs...)
	return nil
}

// watchTermination turns context cancellation and producer exit into state transitions.
func (s *server) watchTermination(ctx context.Context, up producer.Upstream) {
	done := ctx.Done()
	for {
		select {
		case <-done:
			s.logger.Info("Draining on context cancellation", tslog.Err(ctx.Err()))
			s.ctrl.drain()
			done = nil
		case <-up.Exited():
			s.logger.Info("Stopping on producer exit")
			s.ctrl.stop()
			return
		case <-s.ctrl.done():
			return
		}
	}
}

func (s *server) waitTimeout(now time.Time) time.Duration {
	var deadline time.Time
	for h := range s.handshakes.All() {
		if deadline.IsZero() || h.deadline.Before(deadline) {
			deadline = h.deadline
		}
	}
	if s.phase == StateDraining && (deadline.IsZero() || s.drainDeadline.Before(deadline)) {
		deadline = s.drainDeadline
	}
	for _, resume := range [...]time.Time{s.rawResume, s.httpResume} {
		if !resume.IsZero() && (deadline.IsZero() || resume.Before(deadline)) {
			deadline = resume
		}
	}
	if deadline.IsZero() {
		return -1
	}
	return max(deadline.Sub(now), 0)
}

func (s *server) dispatch(ev reactor.Event) {
	switch ev.Token {
	case tokenRawListener:
		s.acceptRaw()
	case tokenHTTPListener:
		s.acceptHTTP()
	case tokenUpstream:
		s.readUpstream()
	default:
		if c, ok := s.bc.Lookup(ev.Token); ok {
			s.handleConsumer(c, ev)
			return
		}
		if h, ok := s.handshakes.Get(ev.Token); ok {
			s.handleHandshake(h)
			return
		}
		// The registration was removed earlier in this iteration.
	}
}

func (s *server) handleConsumer(c *consumer.Consumer, ev reactor.Event) {
	if ev.Writable {
		s.bc.HandleWritable(c)
	}
	if ev.Readable && c.State() != consumer.StateClosed {
		s.bc.HandleReadable(c, s.scratch)
	}
	if (ev.Hangup || ev.Error) && c.State() != consumer.StateClosed {
		s.bc.HandleHangup(c)
	}
}

// newToken returns a connection token not used by any live registration.
func (s *server) newToken() uint32 {
	for {
		token := s.nextToken
		s.nextToken++
		if s.nextToken == 0 {
			s.nextToken = firstConnToken
		}
		if _, ok := s.bc.Lookup(token); ok {
			continue
		}
		if _, ok := s.handshakes.Get(token); ok {
			continue
		}
		return token
	}
}

func (s *server) acceptRaw() {
	if s.rawLn == nil {
		return
	}
	for {
		conn, err := s.rawLn.Accept()
		if err != nil {
			if !errors.Is(err, sock.ErrWouldBlock) {
				s.pauseAccept(s.rawLn, &s.rawResume, err)
			}
			return
		}

		c := consumer.New(s.newToken(), conn, consumer.KindRaw, conn.Peer(), s.cfg.watermarks())
		if err = s.bc.Subscribe(c); err != nil {
			s.logger.Warn("Failed to subscribe consumer",
				tslog.AddrPort("peer", conn.Peer()),
				tslog.Err(err),
			)
		}
	}
}

// pauseAccept stops watching ln for [acceptPause] after the accept error err.
func (s *server) pauseAccept(ln *sock.Listener, resume *time.Time, err error) {
	if rerr := s.reactor.Remove(ln.Fd()); rerr != nil {
		s.logger.Warn("Failed to unwatch listener", tslog.AddrPort("addr", ln.Addr()), tslog.Err(rerr))
	}
	*resume = time.Now().Add(acceptPause)
	s.logger.Warn("Failed to accept connection, pausing listener",
		tslog.AddrPort("addr", ln.Addr()),
		slog.Duration("pause", acceptPause),
		tslog.Err(err),
	)
}

// resumeAccept watches paused listeners again once their pause has elapsed.
func (s *server) resumeAccept(now time.Time) {
	for _, p := range [...]struct {
		ln     *sock.Listener
		token  uint32
		resume *time.Time
	}{
		{s.rawLn, tokenRawListener, &s.rawResume},
		{s.httpLn, tokenHTTPListener, &s.httpResume},
	} {
		if p.resume.IsZero() || now.Before(*p.resume) {
			continue
		}
		*p.resume = time.Time{}
		if p.ln == nil {
			continue
		}
		if err := s.reactor.Add(p.ln.Fd(), p.token, reactor.Readable); err != nil {
			s.logger.Warn("Failed to watch listener", tslog.AddrPort("addr", p.ln.Addr()), tslog.Err(err))
			*p.resume = now.Add(acceptPause)
			continue
		}
		s.logger.Info("Resumed accepting connections", tslog.AddrPort("addr", p.ln.Addr()))
	}
}

// handshake is an HTTP connection whose request headers have not been received yet.
type handshake struct {
	token    uint32
	conn     *sock.Conn
	req      httphelper.Handshake
	deadline time.Time
}

// ID implements [registry.Entry].
func (h *handshake) ID() uint32 {
	return h.token
}

func (s *server) acceptHTTP() {
	if s.httpLn == nil {
		return
	}
	for {
		conn, err := s.httpLn.Accept()
		if err != nil {
			if !errors.Is(err, sock.ErrWouldBlock) {
				s.pauseAccept(s.httpLn, &s.httpResume, err)
			}
			return
		}

		h := &handshake{
			token:    s.newToken(),
			conn:     conn,
			deadline: time.Now().Add(s.cfg.HandshakeTimeout),
		}
		if err = s.reactor.Add(conn.Fd(), h.token, reactor.Readable); err != nil {
			s.logger.Warn("Failed to watch HTTP connection", tslog.AddrPort("peer", conn.Peer()), tslog.Err(err))
			_ = conn.Close()
			continue
		}
		_ = s.handshakes.Add(h)

		if s.logger.Enabled(slog.LevelDebug) {
			s.logger.Debug("Accepted HTTP connection",
				tslog.Uint("id", h.token),
				tslog.Int("fd", conn.Fd()),
				tslog.AddrPort("peer", conn.Peer()),
			)
		}
	}
}

func (s *server) handleHandshake(h *handshake) {
	for {
		n, err := h.conn.Read(s.scratch)
		switch {
		case err == nil && n == 0:
			s.abortHandshake(h, io.EOF)
			return
		case err == nil:
			done, ferr := h.req.Feed(s.scratch[:n])
			if ferr != nil {
				s.respond(h, http.StatusRequestHeaderFieldsTooLarge, httphelper.ErrorResponse(http.StatusRequestHeaderFieldsTooLarge), ferr)
				return
			}
			if done {
				s.completeHandshake(h)
				return
			}
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return
		default:
			s.abortHandshake(h, err)
			return
		}
	}
}

func (s *server) completeHandshake(h *handshake) {
	req, err := h.req.Request()
	if err != nil {
		s.respond(h, http.StatusBadRequest, httphelper.ErrorResponse(http.StatusBadRequest), err)
		return
	}

	action, status := httphelper.Route(req, s.cfg.HTTPPath)
	reqAttrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.String("proto", req.Proto),
	}

	switch action {
	case httphelper.ActionStream:
		s.forgetHandshake(h)
		chunked := httphelper.Chunked(req)
		kind := consumer.KindHTTPPlain
		if chunked {
			kind = consumer.KindHTTPChunked
		}
		c := consumer.New(h.token, h.conn, kind, h.conn.Peer(), s.cfg.watermarks())
		c.Preface(httphelper.StreamHeader(s.cfg.ContentType, chunked))
		s.metrics.HTTPRequest(strconv.Itoa(status))
		if s.logger.Enabled(slog.LevelDebug) {
			s.logger.Debug("Accepted HTTP stream request", append(reqAttrs, tslog.AddrPort("peer", h.conn.Peer()))...)
		}
		if err = s.bc.Subscribe(c); err != nil {
			s.logger.Warn("Failed to subscribe consumer", tslog.AddrPort("peer", h.conn.Peer()), tslog.Err(err))
		}

	case httphelper.ActionHeadersOnly:
		s.respond(h, status, httphelper.StreamHeader(s.cfg.ContentType, false), nil, reqAttrs...)

	case httphelper.ActionReject:
		s.respond(h, status, httphelper.ErrorResponse(status), nil, reqAttrs...)

	default:
		panic("unreachable")
	}
}

// forgetHandshake stops tracking h without closing its connection.
func (s *server) forgetHandshake(h *handshake) {
	s.handshakes.Remove(h.token)
	if err := s.reactor.Remove(h.conn.Fd()); err != nil {
		s.logger.Warn("Failed to unwatch HTTP connection", tslog.AddrPort("peer", h.conn.Peer()), tslog.Err(err))
	}
}

// respond writes a complete response to an HTTP client and closes the connection.
// The response is small enough to fit in a fresh socket's send buffer, so a single
// non-blocking write is attempted.
func (s *server) respond(h *handshake, status int, resp []byte, cause error, attrs ...slog.Attr) {
	s.forgetHandshake(h)
	s.metrics.HTTPRequest(strconv.Itoa(status))

	peer := h.conn.Peer()
	if _, err := h.conn.Write(resp); err != nil {
		s.logger.Debug("Failed to write HTTP response", tslog.AddrPort("peer", peer), tslog.Err(err))
	}
	if err := h.conn.Close(); err != nil {
		s.logger.Warn("Failed to close HTTP connection", tslog.AddrPort("peer", peer), tslog.Err(err))
	}

	if s.logger.Enabled(slog.LevelInfo) {
		attrs = append(attrs, tslog.AddrPort("peer", peer), tslog.Int("status", status))
		if cause != nil {
			attrs = append(attrs, tslog.Err(cause))
		}
		s.logger.Info("Answered HTTP request without streaming", attrs...)
	}
}

// abortHandshake closes an HTTP connection that failed before a request was received.
func (s *server) abortHandshake(h *handshake, cause error) {
	s.forgetHandshake(h)
	peer := h.conn.Peer()
	if err := h.conn.Close(); err != nil {
		s.logger.Warn("Failed to close HTTP connection", tslog.AddrPort("peer", peer), tslog.Err(err))
	}
	s.logger.Info("HTTP client left before sending a request",
		tslog.AddrPort("peer", peer),
		tslog.Bytes("received", h.req.Len()),
		tslog.Err(cause),
	)
}

func (s *server) expireHandshakes(now time.Time) {
	for h := range s.handshakes.All() {
		if !now.Before(h.deadline) {
			s.respond(h, http.StatusRequestTimeout, httphelper.ErrorResponse(http.StatusRequestTimeout), os.ErrDeadlineExceeded)
		}
	}
}

func (s *server) readUpstream() {
	if s.upstreamFd < 0 {
		return
	}
	for {
		n, err := unix.Read(s.upstreamFd, s.buf)
		switch {
		case err == nil && n == 0:
			s.logger.Info("Upstream reached end of stream")
			s.stopReading()
			s.ctrl.drain()
			return
		case err == nil:
			s.metrics.UpstreamRead(n)
			if s.logger.Enabled(slog.LevelDebug) {
				s.logger.Debug("Read upstream chunk", tslog.Bytes("size", n), tslog.Int("consumers", s.bc.Len()))
			}
			s.bc.Broadcast(bytes.Clone(s.buf[:n]))
			return
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return
		default:
			s.logger.Error("Failed to read from upstream", tslog.Err(os.NewSyscallError("read", err)))
			s.stopReading()
			s.ctrl.drain()
			return
		}
	}
}

// readTail broadcasts what an exited producer left in the pipe.
// It reads until EOF or EAGAIN, so it returns once the pipe is empty.
func (s *server) readTail() {
	if s.upstreamFd < 0 {
		return
	}
	select {
	case <-s.upstream.Exited():
	default:
		return
	}

	var total int
	defer func() {
		if total > 0 {
			s.logger.Info("Relayed output left by exited producer", tslog.Bytes("size", total))
		}
	}()

	for {
		n, err := unix.Read(s.upstreamFd, s.buf)
		switch {
		case err == nil && n == 0:
			return
		case err == nil:
			total += n
			s.metrics.UpstreamRead(n)
			s.bc.Broadcast(bytes.Clone(s.buf[:n]))
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return
		default:
			s.logger.Error("Failed to read from upstream", tslog.Err(os.NewSyscallError("read", err)))
			return
		}
	}
}

// stopReading deregisters the upstream pipe. The descriptor stays open.
func (s *server) stopReading() {
	if s.upstreamFd < 0 {
		return
	}
	if err := s.reactor.Remove(s.upstreamFd); err != nil {
		s.logger.Warn("Failed to unwatch upstream", tslog.Err(err))
	}
	s.upstreamFd = -1
}

func (s *server) closeListeners() {
	for _, ln := range [...]**sock.Listener{&s.rawLn, &s.httpLn} {
		if *ln == nil {
			continue
		}
		if err := s.reactor.Remove((*ln).Fd()); err != nil {
			s.logger.Warn("Failed to unwatch listener", tslog.AddrPort("addr", (*ln).Addr()), tslog.Err(err))
		}
		if err := (*ln).Close(); err != nil {
			s.logger.Warn("Failed to close listener", tslog.AddrPort("addr", (*ln).Addr()), tslog.Err(err))
		}
		*ln = nil
	}
	s.rawResume = time.Time{}
	s.httpResume = time.Time{}
}

func (s *server) closeHandshakes() {
	for h := range s.handshakes.All() {
		s.respond(h, http.StatusServiceUnavailable, httphelper.ErrorResponse(http.StatusServiceUnavailable), consumer.ErrShutdown)
	}
}

func (s *server) enterDraining(now time.Time) {
	s.phase = StateDraining
	s.closeListeners()
	s.stopReading()
	s.closeHandshakes()
	s.bc.FinishAll()
	s.drainDeadline = now.Add(s.cfg.DrainTimeout)

	s.logger.Info("Draining consumers",
		tslog.Int("consumers", s.bc.Len()),
		tslog.Bytes("pending", s.bc.Pending()),
		slog.Duration("timeout", s.cfg.DrainTimeout),
	)
}

func (s *server) drainComplete(now time.Time) bool {
	if s.bc.Len() == 0 {
		s.logger.Info("All consumers drained")
		return true
	}
	if !now.Before(s.drainDeadline) {
		s.logger.Warn("Drain timeout elapsed",
			tslog.Int("consumers", s.bc.Len()),
			tslog.Bytes("pending", s.bc.Pending()),
		)
		return true
	}
	return false
}

func (s *server) enterStopped() {
	if s.phase == StateStopped {
		return
	}
	s.phase = StateStopped

	s.closeListeners()
	s.readTail()
	s.stopReading()
	s.closeHandshakes()
	s.bc.CloseAll(true)

	if c, ok := s.upstream.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close upstream", tslog.Err(err))
		}
	}

	if err := s.reactor.Close(); err != nil {
		s.logger.Warn("Failed to close reactor", tslog.Err(err))
	}

	s.logger.Info("Stopped relay")
}

// reactorWatcher implements [broadcaster.Watcher] on a [*reactor.Reactor].
type reactorWatcher struct {
	r *reactor.Reactor
}

var _ broadcaster.Watcher = reactorWatcher{}

func interest(writable bool) reactor.Interest {
	if writable {
		return reactor.Readable | reactor.Writable
	}
	return reactor.Readable
}

// Watch implements [broadcaster.Watcher.Watch].
func (w reactorWatcher) Watch(c *consumer.Consumer, writable bool) error {
	return w.r.Add(c.Fd(), c.ID(), interest(writable))
}

// SetWritable implements [broadcaster.Watcher.SetWritable].
func (w reactorWatcher) SetWritable(c *consumer.Consumer, writable bool) error {
	return w.r.Modify(c.Fd(), c.ID(), interest(writable))
}

// Unwatch implements [broadcaster.Watcher.Unwatch].
func (w reactorWatcher) Unwatch(c *consumer.Consumer) error {
	return w.r.Remove(c.Fd())
}
