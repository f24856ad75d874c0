// Command snoop-probe sends requests through a snoop proxy and prints each
// exchange as a HAR entry.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/authlab/snoop/snoop-srv/client"
	"github.com/authlab/snoop/snoop-srv/logger"
	"github.com/authlab/snoop/snoop-srv/message"
	"github.com/authlab/snoop/snoop-srv/proxy"
)

// headerFlags collects repeated -H values.
type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(value string) error {
	if !strings.Contains(value, ":") {
		return fmt.Errorf("header %q must be \"Name: value\"", value)
	}
	*h = append(*h, value)
	return nil
}

// ProbeResult summarizes one request.
type ProbeResult struct {
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

func main() {
	proxyAddr := flag.String("proxy", "127.0.0.1:8080", "Proxy address (host:port), empty to connect directly")
	method := flag.String("X", message.MethodGet, "Request method")
	data := flag.String("d", "", "Request body")
	caFile := flag.String("cacert", "", "PEM file with the proxy CA, trusted for https targets")
	insecure := flag.Bool("k", false, "Skip TLS verification of https targets")
	count := flag.Int("n", 1, "Number of times to send each request")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	summary := flag.Bool("summary", false, "Print a JSON summary instead of HAR entries")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	var headers headerFlags
	flag.Var(&headers, "H", "Request header \"Name: value\" (repeatable)")
	flag.Parse()

	logger.SetLevel(logger.WARN)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: snoop-probe [flags] URL...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	tlsConfig, err := buildTLSConfig(*caFile, *insecure)
	if err != nil {
		logger.Fatal("Invalid TLS settings: %v", err)
	}

	var results []ProbeResult
	failed := false
	for _, target := range flag.Args() {
		for i := 0; i < *count; i++ {
			tx, err := probe(target, probeOptions{
				proxy:     *proxyAddr,
				method:    *method,
				data:      *data,
				headers:   headers,
				tlsConfig: tlsConfig,
				timeout:   time.Duration(*timeout) * time.Second,
			})
			result := ProbeResult{URL: target, Success: err == nil}
			if err != nil {
				failed = true
				result.Error = err.Error()
				logger.Error("Request to %s failed: %v", target, err)
			} else {
				result.Status = tx.Response.StatusCode()
				result.Duration = tx.Duration()
			}
			results = append(results, result)

			if !*summary && tx != nil {
				printJSON(tx.HAR())
			}
		}
	}

	if *summary {
		printJSON(results)
	}
	if failed {
		os.Exit(1)
	}
}

type probeOptions struct {
	proxy     string
	method    string
	data      string
	headers   []string
	tlsConfig *tls.Config
	timeout   time.Duration
}

// probe sends one request to target and returns the exchange.
func probe(target string, opts probeOptions) (*proxy.Transaction, error) {
	loc, err := message.ParseLocation(target)
	if err != nil {
		return nil, err
	}
	if loc.Host == nil {
		return nil, fmt.Errorf("%s is not an absolute URL", target)
	}

	clientOpts := []client.Option{client.WithTimeout(opts.timeout), client.WithTLSConfig(opts.tlsConfig)}
	if opts.proxy != "" {
		clientOpts = append(clientOpts, client.WithProxy(opts.proxy))
	}
	c, err := client.New(target, clientOpts...)
	if err != nil {
		return nil, err
	}

	reqHeaders := message.NewHeaders().With("User-Agent", "snoop-probe/1.0")
	for _, h := range opts.headers {
		name, value, _ := strings.Cut(h, ":")
		reqHeaders = reqHeaders.WithReplaced(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	var body message.Body
	if opts.data != "" {
		body = message.NewBody([]byte(opts.data), reqHeaders)
	}
	req := message.NewRequest(opts.method, loc.WithoutAuthority(), reqHeaders, body)

	start := time.Now()
	resp, err := c.Execute(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return &proxy.Transaction{
		Request:  req,
		Response: resp,
		Host:     c.Target(),
		Start:    start,
		Stop:     time.Now(),
	}, nil
}

func buildTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: insecure}
	if caFile == "" {
		return cfg, nil
	}
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Error("Failed to encode output: %v", err)
	}
}
