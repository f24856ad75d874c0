package proxy

import (
	"time"

	"github.com/authlab/snoop/snoop-srv/message"
)

// Transaction is one proxied exchange: the request as it was sent to the
// target and the response as the target returned it.
type Transaction struct {
	Request  *message.Request
	Response *message.Response
	// Host is the target the request was sent to. Its scheme tells plain
	// from TLS-inspected exchanges.
	Host  message.Host
	Start time.Time
	Stop  time.Time
	// Token is the Proxy-Token of the connection that carried the exchange.
	Token string
}

func (t *Transaction) Scheme() string {
	return t.Host.Scheme
}

func (t *Transaction) Duration() time.Duration {
	return t.Stop.Sub(t.Start)
}

// HAR renders the transaction as a HAR entry.
func (t *Transaction) HAR() map[string]any {
	host := t.Host
	if (host.Scheme == "http" && host.Port == message.DefaultHTTPPort) ||
		(host.Scheme == "https" && host.Port == message.DefaultHTTPSPort) {
		host.Port = 0
	}

	return map[string]any{
		"startedDateTime": t.Start.Format(time.RFC3339Nano),
		"time":            float64(t.Duration().Microseconds()) / 1000,
		"request":         t.Request.HAR(host),
		"response":        t.Response.HAR(),
		"scheme":          t.Scheme(),
		"_proxyToken":     t.Token,
	}
}
