package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/codefionn/fwdproxy/fwdproxy-srv/config"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/logger"
	"github.com/codefionn/fwdproxy/fwdproxy-srv/proxy"
	"golang.org/x/sync/errgroup"
)

var (
	numRequests     = flag.Int("numRequests", 100, "Total number of requests to send")
	concurrency     = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout     = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize        = flag.Int("dataSize", 1024*1024, "Size of payload in bytes per request")
	relayBufferSize = flag.Int("relayBufferSize", config.DefaultRelayBufferSize, "Relay buffer size of the proxy under test")
)

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func sendRequest(ctx context.Context, client *http.Client, targetURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("status %d", resp.StatusCode)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read body: %w", err)
	}
	if n != int64(*dataSize) {
		return n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)
	}
	return n, nil
}

func main() {
	flag.Parse()

	log.SetOutput(io.Discard)
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	buf := make([]byte, *dataSize)
	for i := range buf {
		buf[i] = 'a'
	}

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for data server: %v", err)
	}
	targetAddr := targetLn.Addr().String()
	go func() {
		if err := http.Serve(targetLn, dataHandler(buf)); err != nil {
			log.Printf("Data server error: %v", err)
		}
	}()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("Failed to listen for proxy: %v", err)
	}
	proxyCfg := config.Default()
	proxyCfg.ListenHost = "127.0.0.1"
	proxyCfg.ListenPort = proxyLn.Addr().(*net.TCPAddr).Port
	proxyCfg.RelayBufferSize = *relayBufferSize
	p, err := proxy.NewProxy(proxyCfg)
	if err != nil {
		logger.Fatal("Failed to create proxy: %v", err)
	}
	go func() {
		if err := p.StartWithListener(proxyLn); err != nil {
			log.Printf("Proxy server error: %v", err)
		}
	}()
	defer func() {
		if err := p.Stop(); err != nil {
			logger.Error("Error stopping proxy: %v", err)
		}
	}()

	// every proxied connection carries exactly one request
	proxyURL, _ := url.Parse("http://" + proxyLn.Addr().String())
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true}
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	targetURL := "http://" + targetAddr + "/data"

	var success, failures, total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := 0; i < *numRequests; i++ {
		g.Go(func() error {
			n, err := sendRequest(gctx, client, targetURL)
			if err != nil {
				failures.Add(1)
				logger.Error("request failed: %v", err)
				return nil
			}
			success.Add(1)
			total.Add(n)
			return nil
		})
	}
	_ = g.Wait()

	dur := time.Since(start)
	rps := float64(success.Load()) / dur.Seconds()
	mbps := float64(total.Load()) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success.Load(), failures.Load())
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rps, mbps)

	if failures.Load() > 0 || ctx.Err() == context.DeadlineExceeded {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
