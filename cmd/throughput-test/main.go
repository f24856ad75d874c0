// Command throughput-test measures requests per second and payload
// throughput of an in-process snoop proxy in front of a local origin.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/authlab/snoop/snoop-srv/client"
	"github.com/authlab/snoop/snoop-srv/logger"
	"github.com/authlab/snoop/snoop-srv/message"
	"github.com/authlab/snoop/snoop-srv/proxy"
)

type options struct {
	numRequests int
	concurrency int
	timeout     time.Duration
	dataSize    int
	threadPool  int
}

type result struct {
	bytes int64
	err   error
}

type report struct {
	duration time.Duration
	success  int
	errors   int
	bytes    int64
}

func (r report) rps() float64 {
	return float64(r.success) / r.duration.Seconds()
}

func (r report) mbps() float64 {
	return float64(r.bytes) / r.duration.Seconds() / 1024 / 1024
}

// serveData answers every request on ln with payload.
func serveData(ln net.Listener, payload []byte) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer func() { _ = conn.Close() }()
			r := bufio.NewReader(conn)
			for {
				req, err := message.ReadRequest(r, nil)
				if err != nil {
					return
				}
				resp := message.NewResponse(200, "OK", message.NewHeaders(), message.NewRawBody(payload, "application/octet-stream"))
				if req.Location().Path != "/data" {
					resp = message.NewResponse(404, "Not Found", message.NewHeaders(), nil)
				}
				if err := resp.WithFramingHeaders().Write(conn); err != nil {
					logger.Error("failed to write data: %v", err)
					return
				}
			}
		}()
	}
}

func sendRequest(ctx context.Context, c *client.Client, expected int) result {
	req := message.NewRequest(message.MethodGet, message.MustParseLocation("/data"), message.NewHeaders(), nil)
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return result{0, fmt.Errorf("do request: %w", err)}
	}
	if resp.StatusCode() != message.StatusOK {
		return result{0, fmt.Errorf("status %d", resp.StatusCode())}
	}
	n := resp.Body().Len()
	if n != int64(expected) {
		return result{n, fmt.Errorf("read %d bytes, expected %d", n, expected)}
	}
	return result{n, nil}
}

// run starts an origin and a proxy on loopback and sends opts.numRequests
// requests through the proxy with opts.concurrency workers.
func run(opts options) (report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	payload := bytes.Repeat([]byte{'a'}, opts.dataSize)
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return report{}, err
	}
	defer func() { _ = targetLn.Close() }()
	go serveData(targetLn, payload)

	svc, err := proxy.NewService(proxy.ServiceConfig{
		Address:       "127.0.0.1:0",
		ThreadPool:    opts.threadPool,
		ShutdownGrace: time.Second,
	})
	if err != nil {
		return report{}, err
	}
	proxyLn, err := svc.Listen()
	if err != nil {
		return report{}, err
	}
	go func() {
		if err := svc.Serve(proxyLn); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()
	defer func() { _ = svc.Close() }()

	c, err := client.New("http://"+targetLn.Addr().String(),
		client.WithProxy(proxyLn.Addr().String()), client.WithTimeout(10*time.Second))
	if err != nil {
		return report{}, err
	}

	jobs := make(chan struct{}, opts.numRequests)
	for i := 0; i < opts.numRequests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	results := make(chan result, opts.numRequests)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				if ctx.Err() != nil {
					results <- result{0, ctx.Err()}
					continue
				}
				results <- sendRequest(ctx, c, opts.dataSize)
			}
		}()
	}
	wg.Wait()
	close(results)

	rep := report{duration: time.Since(start)}
	for res := range results {
		if res.err != nil {
			rep.errors++
			logger.Debug("Request failed: %v", res.err)
		} else {
			rep.success++
			rep.bytes += res.bytes
		}
	}
	return rep, ctx.Err()
}

func main() {
	var opts options
	flag.IntVar(&opts.numRequests, "numRequests", 100, "Total number of requests to send")
	flag.IntVar(&opts.concurrency, "concurrency", 10, "Number of concurrent workers")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall test timeout")
	flag.IntVar(&opts.dataSize, "dataSize", 1024*1024, "Size of payload in bytes per request")
	flag.IntVar(&opts.threadPool, "threadPool", proxy.DefaultThreadPool, "Proxy thread pool size")
	flag.Parse()

	logger.SetLevel(logger.ERROR)

	rep, err := run(opts)
	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", rep.duration.Seconds(), rep.success, rep.errors)
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n", rep.rps(), rep.mbps())

	if err != nil || rep.errors > 0 {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		os.Exit(1)
	}
}
