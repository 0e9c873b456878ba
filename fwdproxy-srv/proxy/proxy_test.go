package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/config"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/stats"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConnector struct {
	mock.Mock
}

func (m *mockConnector) Connect(ctx context.Context, host string, port int) (net.Conn, error) {
	args := m.Called(ctx, host, port)
	conn, _ := args.Get(0).(net.Conn)
	return conn, args.Error(1)
}

// recordingCollector counts statistics queries and remembers whether it
// was closed.
type recordingCollector struct {
	*stats.MemoryCollector
	healthErr error
	queries   atomic.Int32
	closed    atomic.Bool
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{MemoryCollector: stats.NewMemoryCollector()}
}

func (c *recordingCollector) HealthCheck(context.Context) error {
	return c.healthErr
}

func (c *recordingCollector) GetOverviewStats(ctx context.Context) (*stats.OverviewStats, error) {
	c.queries.Add(1)
	return c.MemoryCollector.GetOverviewStats(ctx)
}

func (c *recordingCollector) Close() error {
	c.closed.Store(true)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ListenHost = "127.0.0.1"
	cfg.TimeoutSeconds = 5
	return cfg
}

// startTestProxy serves cfg on a fresh loopback port and returns the proxy
// with its address. The listen port is written back into cfg before the
// proxy is built so the local responder matches it.
func startTestProxy(t *testing.T, cfg *config.Config, opts ...Option) (*Proxy, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg.ListenPort = ln.Addr().(*net.TCPAddr).Port

	opts = append([]Option{WithCollector(stats.NewDummyCollector())}, opts...)
	p, err := NewProxy(cfg, opts...)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- p.StartWithListener(ln) }()
	t.Cleanup(func() {
		_ = p.Stop()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("accept loop did not stop")
		}
	})
	return p, ln.Addr().String()
}

// exchange sends raw on a new connection and returns everything the proxy
// writes before closing it.
func exchange(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(got)
}

// startEchoServer accepts connections and echoes every byte back.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestLocalStatusPageNeverConnects(t *testing.T) {
	mc := &mockConnector{}
	cfg := testConfig()
	_, addr := startTestProxy(t, cfg, WithConnector(mc))
	self := "localhost:" + strconv.Itoa(cfg.ListenPort)

	absolute := exchange(t, addr, "GET http://"+self+"/ HTTP/1.1\r\n\r\n")
	relative := exchange(t, addr, "GET /anything HTTP/1.1\r\nHost: "+self+"\r\n\r\n")

	assert.Equal(t, string(statusPageResponse), absolute)
	assert.Equal(t, string(statusPageResponse), relative)
	mc.AssertNumberOfCalls(t, "Connect", 0)
}

func TestLocalFavicon(t *testing.T) {
	mc := &mockConnector{}
	cfg := testConfig()
	_, addr := startTestProxy(t, cfg, WithConnector(mc))

	got := exchange(t, addr, fmt.Sprintf("GET /favicon.ico HTTP/1.1\r\nHost: localhost:%d\r\n\r\n", cfg.ListenPort))
	assert.True(t, strings.HasPrefix(got, "HTTP/1.1 204 No Content\r\n"))
	assert.Equal(t, faviconResponse, got)
	mc.AssertNumberOfCalls(t, "Connect", 0)
}

func TestLocalStatusPageContentLength(t *testing.T) {
	cfg := testConfig()
	_, addr := startTestProxy(t, cfg)

	raw := exchange(t, addr, fmt.Sprintf("GET / HTTP/1.1\r\nHost: localhost:%d\r\n\r\n", cfg.ListenPort))
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(len(body)), resp.ContentLength)
	assert.Equal(t, StatusPageBody, string(body))
}

func TestSelfPortOverride(t *testing.T) {
	mc := &mockConnector{}
	mc.On("Connect", mock.Anything, "localhost", mock.Anything).
		Return(nil, NewProxyError(ErrCodeUpstreamUnreachable, nil))

	cfg := testConfig()
	cfg.SelfHost = "proxy.internal"
	cfg.SelfPort = 3128
	_, addr := startTestProxy(t, cfg, WithConnector(mc))

	assert.Equal(t, string(statusPageResponse), exchange(t, addr, "GET http://proxy.internal:3128/ HTTP/1.1\r\n\r\n"))
	// the listen port alone no longer matches
	assert.Equal(t, string(BadGateway.Bytes()),
		exchange(t, addr, fmt.Sprintf("GET http://localhost:%d/ HTTP/1.1\r\n\r\n", cfg.ListenPort)))
}

func TestNoHostHeaderSingle400(t *testing.T) {
	mc := &mockConnector{}
	_, addr := startTestProxy(t, testConfig(), WithConnector(mc))

	got := exchange(t, addr, "GET /index.html HTTP/1.1\r\nUser-Agent: test\r\n\r\n")
	assert.Equal(t, string(BadRequest.Bytes()), got)
	assert.Equal(t, 1, strings.Count(got, "HTTP/1.1 400"))
	mc.AssertNumberOfCalls(t, "Connect", 0)
}

func TestMalformedRequests(t *testing.T) {
	_, addr := startTestProxy(t, testConfig())

	tests := map[string]string{
		"single token":   "GARBAGE\r\n\r\n",
		"no terminator":  "GET http://example.test/",
		"bad port":       "GET http://example.test:http/ HTTP/1.1\r\n\r\n",
		"port zero":      "GET http://example.test:0/ HTTP/1.1\r\n\r\n",
		"empty host":     "GET http:///path HTTP/1.1\r\n\r\n",
		"method too big": strings.Repeat("M", 16) + " http://example.test/ HTTP/1.1\r\n\r\n",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, string(BadRequest.Bytes()), exchange(t, addr, raw))
		})
	}
}

func TestEmptyConnectionGets400(t *testing.T) {
	_, addr := startTestProxy(t, testConfig())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, string(BadRequest.Bytes()), string(got))
}

func TestRefusedUpstreamSingle502(t *testing.T) {
	_, addr := startTestProxy(t, testConfig())
	port := closedPort(t)

	got := exchange(t, addr, fmt.Sprintf("GET http://127.0.0.1:%d/ HTTP/1.1\r\nHost: 127.0.0.1:%d\r\n\r\n", port, port))
	assert.Equal(t, string(BadGateway.Bytes()), got)
	assert.Equal(t, 1, strings.Count(got, "HTTP/1.1 502"))
}

func TestForwardFailureAnswers502(t *testing.T) {
	upstream, remote := net.Pipe()
	require.NoError(t, remote.Close())

	mc := &mockConnector{}
	mc.On("Connect", mock.Anything, "gone.test", 80).Return(upstream, nil).Once()
	_, addr := startTestProxy(t, testConfig(), WithConnector(mc))

	got := exchange(t, addr, "GET http://gone.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, string(BadGateway.Bytes()), got)
	mc.AssertExpectations(t)
}

func TestOriginFormRewrite(t *testing.T) {
	upstream, remote := net.Pipe()
	mc := &mockConnector{}
	mc.On("Connect", mock.Anything, "example.test", 8080).Return(upstream, nil).Once()
	_, addr := startTestProxy(t, testConfig(), WithConnector(mc))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, "GET http://example.test:8080/a/b?q=1 HTTP/1.0\r\nHost: example.test:8080\r\nX-Test: yes\r\n\r\n")
	require.NoError(t, err)

	want := "GET /a/b?q=1 HTTP/1.1\r\nHost: example.test:8080\r\nX-Test: yes\r\n\r\n"
	got := make([]byte, len(want))
	_ = remote.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(remote, got)
	require.NoError(t, err)
	assert.Equal(t, want, string(got))

	_, err = io.WriteString(remote, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	require.NoError(t, err)
	require.NoError(t, remote.Close())

	resp, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", string(resp))
	mc.AssertExpectations(t)
}

func TestFragmentedRoundTripThroughProxy(t *testing.T) {
	echo := startEchoServer(t)
	_, addr := startTestProxy(t, testConfig())

	rng := rand.New(rand.NewSource(42))
	payload := randomBytes(rng, 96*1024)
	header := "POST http://" + echo + "/echo HTTP/1.1\r\nHost: " + echo + "\r\n\r\n"
	rewritten := "POST /echo HTTP/1.1\r\nHost: " + echo + "\r\n\r\n"

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	_, err = io.WriteString(conn, header)
	require.NoError(t, err)

	writeErr := make(chan error, 1)
	go func() { writeErr <- writeFragmented(conn, payload, rng) }()

	got := make([]byte, len(rewritten)+len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)

	assert.Equal(t, rewritten, string(got[:len(rewritten)]))
	assert.True(t, bytes.Equal(payload, got[len(rewritten):]), "payload corrupted")
}

func TestConcurrentSessionsIsolated(t *testing.T) {
	echoA := startEchoServer(t)
	echoB := startEchoServer(t)
	_, addr := startTestProxy(t, testConfig())

	run := func(upstream string, fill byte) error {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

		header := "PUT http://" + upstream + "/ HTTP/1.1\r\n\r\n"
		expectHeader := "PUT / HTTP/1.1\r\n\r\n"
		payload := bytes.Repeat([]byte{fill}, 32*1024)

		if _, err := io.WriteString(conn, header); err != nil {
			return err
		}
		go func() { _, _ = conn.Write(payload) }()

		got := make([]byte, len(expectHeader)+len(payload))
		if _, err := io.ReadFull(conn, got); err != nil {
			return err
		}
		if string(got[:len(expectHeader)]) != expectHeader {
			return fmt.Errorf("unexpected header %q", got[:len(expectHeader)])
		}
		if !bytes.Equal(payload, got[len(expectHeader):]) {
			return fmt.Errorf("session %c received foreign bytes", fill)
		}
		return nil
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, s := range []struct {
		upstream string
		fill     byte
	}{{echoA, 'a'}, {echoB, 'b'}} {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- run(s.upstream, s.fill)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestBlocklistAnswers403(t *testing.T) {
	mc := &mockConnector{}
	collector := stats.NewMemoryCollector()
	cfg := testConfig()
	cfg.Blocklist = []string{"blocked.test"}
	_, addr := startTestProxy(t, cfg, WithConnector(mc), WithCollector(collector))

	got := exchange(t, addr, "GET http://www.blocked.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, string(Forbidden.Bytes()), got)
	mc.AssertNumberOfCalls(t, "Connect", 0)

	overview, err := collector.GetOverviewStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.BlockedRequests)
}

func TestReloadAppliesToNewSessions(t *testing.T) {
	mc := &mockConnector{}
	mc.On("Connect", mock.Anything, "late.test", 80).
		Return(nil, NewProxyError(ErrCodeUpstreamUnreachable, nil)).Once()

	cfg := testConfig()
	p, addr := startTestProxy(t, cfg, WithConnector(mc))

	assert.Equal(t, string(BadGateway.Bytes()), exchange(t, addr, "GET http://late.test/ HTTP/1.1\r\n\r\n"))

	next := *cfg
	next.Blocklist = []string{"late.test"}
	require.NoError(t, p.Reload(&next))
	assert.Equal(t, []string{"late.test"}, p.GetConfig().Blocklist)

	assert.Equal(t, string(Forbidden.Bytes()), exchange(t, addr, "GET http://late.test/ HTTP/1.1\r\n\r\n"))
	mc.AssertExpectations(t)
}

func TestStatisticsRecorded(t *testing.T) {
	collector := stats.NewMemoryCollector()
	echo := startEchoServer(t)
	cfg := testConfig()
	p, addr := startTestProxy(t, cfg, WithCollector(collector))
	assert.Same(t, collector, p.Collector())

	exchange(t, addr, fmt.Sprintf("GET / HTTP/1.1\r\nHost: localhost:%d\r\n\r\n", cfg.ListenPort))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(conn, "GET http://"+echo+"/ HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, len("GET / HTTP/1.1\r\n\r\n")))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		overview, err := collector.GetOverviewStats(context.Background())
		return err == nil && overview.TotalConnections == 2 && overview.ActiveConnections == 0
	}, 5*time.Second, 10*time.Millisecond)

	top, err := collector.GetTopDomains(context.Background(), 10)
	require.NoError(t, err)
	var hosts []string
	for _, d := range top {
		hosts = append(hosts, d.Domain)
	}
	assert.Contains(t, hosts, "localhost")
	assert.Contains(t, hosts, "127.0.0.1")
}

func TestPanicInSessionClosesConnection(t *testing.T) {
	mc := &mockConnector{}
	mc.On("Connect", mock.Anything, "panic.test", 80).Run(func(mock.Arguments) {
		panic("connector exploded")
	})
	_, addr := startTestProxy(t, testConfig(), WithConnector(mc))

	assert.Empty(t, exchange(t, addr, "GET http://panic.test/ HTTP/1.1\r\n\r\n"))

	// the proxy keeps serving afterwards
	assert.Equal(t, string(BadRequest.Bytes()), exchange(t, addr, "GET / HTTP/1.1\r\n\r\n"))
}

func TestStopAbortsRelayingSessions(t *testing.T) {
	upstream, remote := net.Pipe()
	defer remote.Close()
	mc := &mockConnector{}
	mc.On("Connect", mock.Anything, "slow.test", 80).Return(upstream, nil).Once()

	p, addr := startTestProxy(t, testConfig(), WithConnector(mc))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(conn, "GET http://slow.test/ HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	// wait until the request reached the upstream
	_ = remote.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(remote, make([]byte, len("GET / HTTP/1.1\r\n\r\n")))
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, got)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestStartBindsConfiguredAddress(t *testing.T) {
	cfg := testConfig()
	cfg.ListenPort = closedPort(t)
	p, err := NewProxy(cfg, WithCollector(stats.NewDummyCollector()))
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- p.Start() }()
	require.Eventually(t, func() bool { return p.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, cfg.ListenPort, p.Addr().(*net.TCPAddr).Port)

	got := exchange(t, p.Addr().String(), fmt.Sprintf("GET /favicon.ico HTTP/1.1\r\nHost: localhost:%d\r\n\r\n", cfg.ListenPort))
	assert.Equal(t, faviconResponse, got)

	require.NoError(t, p.Stop())
	assert.NoError(t, <-served)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.ListenPort = ln.Addr().(*net.TCPAddr).Port
	p, err := NewProxy(cfg, WithCollector(stats.NewDummyCollector()))
	require.NoError(t, err)
	defer p.Stop()

	err = p.Start()
	var proxyErr *Error
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, ErrCodeListenerCreateFailed, proxyErr.Code)
}

func TestNewProxyRejectsBadForward(t *testing.T) {
	cfg := testConfig()
	cfg.Forward = config.ForwardConfig{Type: config.ForwardTypeShadowsocks, Cipher: "nope"}
	_, err := NewProxy(cfg, WithCollector(stats.NewDummyCollector()))
	assert.True(t, IsProxyChainError(err))
}

func TestSocks5ForwardEndToEnd(t *testing.T) {
	backend := newBackend(t, "via-socks")
	cfg := testConfig()
	cfg.Forward = config.ForwardConfig{Type: config.ForwardTypeSocks5, Address: startSocks5Server(t)}
	_, addr := startTestProxy(t, cfg)

	target := backend.Listener.Addr().String()
	raw := exchange(t, addr, "GET http://"+target+"/s HTTP/1.1\r\nHost: "+target+"\r\nConnection: close\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "/s", resp.Header.Get("X-Path"))
	assert.Equal(t, "via-socks", string(body))
}

func TestShadowsocksForwardEndToEnd(t *testing.T) {
	backend := newBackend(t, "via-ss")
	password := testPassword
	cfg := testConfig()
	cfg.Forward = config.ForwardConfig{
		Type:     config.ForwardTypeShadowsocks,
		Address:  startShadowsocksServer(t),
		Cipher:   testCipher,
		Password: &password,
	}
	_, addr := startTestProxy(t, cfg)

	target := backend.Listener.Addr().String()
	raw := exchange(t, addr, "GET http://"+target+"/ HTTP/1.1\r\nHost: "+target+"\r\nConnection: close\r\n\r\n")
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"), raw)
	assert.True(t, strings.HasSuffix(raw, "via-ss"), raw)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func TestWebSocketThroughRelay(t *testing.T) {
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer wsServer.Close()

	_, addr := startTestProxy(t, testConfig())

	// the dialer sends a relative-form request whose Host header names the
	// websocket server; the proxy resolves it from there
	dialer := &websocket.Dialer{
		NetDial:          func(string, string) (net.Conn, error) { return net.Dial("tcp", addr) },
		HandshakeTimeout: 5 * time.Second,
	}
	wsURL := "ws://" + wsServer.Listener.Addr().String() + "/ws"
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	for i := 0; i < 5; i++ {
		msg := []byte(fmt.Sprintf("message %d %s", i, strings.Repeat("x", i*1000)))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, msg))
		_, echoed, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, msg, echoed)
	}
}

func TestUnhealthyCollectorDisablesStatistics(t *testing.T) {
	rc := newRecordingCollector()
	rc.healthErr = errors.New("database is locked")

	p, err := NewProxy(testConfig(), WithCollector(rc))
	require.NoError(t, err)
	defer p.Stop()

	assert.IsType(t, &stats.DummyCollector{}, p.Collector())
	assert.True(t, rc.closed.Load())
}

func TestStopReportsAndClosesCollector(t *testing.T) {
	rc := newRecordingCollector()
	cfg := testConfig()
	p, addr := startTestProxy(t, cfg, WithCollector(rc))
	assert.Same(t, rc, p.Collector())

	exchange(t, addr, fmt.Sprintf("GET / HTTP/1.1\r\nHost: localhost:%d\r\n\r\n", cfg.ListenPort))
	require.Eventually(t, func() bool {
		overview, err := rc.MemoryCollector.GetOverviewStats(context.Background())
		return err == nil && overview.TotalConnections == 1 && overview.ActiveConnections == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.Positive(t, rc.queries.Load())
	assert.True(t, rc.closed.Load())
}

func TestStopLeavesCollectorOpenForStuckSessions(t *testing.T) {
	release := make(chan struct{})
	mc := &mockConnector{}
	mc.On("Connect", mock.Anything, "stuck.test", 80).
		Run(func(mock.Arguments) { <-release }).
		Return(nil, NewProxyError(ErrCodeUpstreamUnreachable, nil)).Once()

	rc := newRecordingCollector()
	p, addr := startTestProxy(t, testConfig(), WithConnector(mc), WithCollector(rc))
	p.shutdownTimeout = 50 * time.Millisecond

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "GET http://stuck.test/ HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		overview, err := rc.MemoryCollector.GetOverviewStats(context.Background())
		return err == nil && overview.ActiveConnections == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.False(t, rc.closed.Load())

	// the straggler still reports to the open collector
	close(release)
	require.Eventually(t, func() bool {
		overview, err := rc.MemoryCollector.GetOverviewStats(context.Background())
		return err == nil && overview.ActiveConnections == 0 && overview.TotalErrors == 1
	}, 5*time.Second, 10*time.Millisecond)
	mc.AssertExpectations(t)
}

func TestStartAfterStopReturnsNil(t *testing.T) {
	cfg := testConfig()
	cfg.ListenPort = closedPort(t)
	p, err := NewProxy(cfg, WithCollector(stats.NewDummyCollector()))
	require.NoError(t, err)
	require.NoError(t, p.Stop())

	assert.NoError(t, p.Start())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, p.StartWithListener(ln))
	_, err = ln.Accept()
	assert.ErrorIs(t, err, net.ErrClosed)
}
