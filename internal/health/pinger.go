package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/0x4d31/rulesync/internal/state"
)

// Pinger contacts a sensor.
type Pinger interface {
	Ping(ctx context.Context, s *state.Sensor) error
	RequestUpdate(ctx context.Context, s *state.Sensor) error
}

// HTTPPinger talks to the control endpoint sensors expose on a fixed port.
type HTTPPinger struct {
	client *http.Client
	scheme string
	port   int
}

// NewHTTPPinger creates a pinger for sensors listening on port. A nil
// tlsConfig selects plain HTTP.
func NewHTTPPinger(port int, tlsConfig *tls.Config) *HTTPPinger {
	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		scheme = "https"
		transport.TLSClientConfig = tlsConfig
	}
	return &HTTPPinger{
		client: &http.Client{Transport: transport},
		scheme: scheme,
		port:   port,
	}
}

func (p *HTTPPinger) url(s *state.Sensor, path string) string {
	host := s.Address
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(p.port))
	}
	return fmt.Sprintf("%s://%s%s", p.scheme, host, path)
}

func (p *HTTPPinger) do(ctx context.Context, method, url string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, url, resp.Status)
	}
	return nil
}

// Ping checks that the sensor answers on its control endpoint.
func (p *HTTPPinger) Ping(ctx context.Context, s *state.Sensor) error {
	return p.do(ctx, http.MethodGet, p.url(s, "/ping"))
}

// RequestUpdate asks the sensor to pull rules now.
func (p *HTTPPinger) RequestUpdate(ctx context.Context, s *state.Sensor) error {
	return p.do(ctx, http.MethodPost, p.url(s, "/update"))
}
