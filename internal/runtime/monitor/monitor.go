// Package monitor serves a read-only view of kernel resources over HTTP/3.
package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	http3 "github.com/quic-go/quic-go/http3"

	"github.com/orizon-lang/tinykern/internal/runtime/kernel"
)

// StatusSource is what the monitor reports on. *kernel.Kernel satisfies it.
type StatusSource interface {
	Status() kernel.Status
}

// SwapSummary is the body of GET /swap.
type SwapSummary struct {
	Capacity uint `json:"capacity"`
	Used     uint `json:"used"`
}

// Handler returns the monitor routes for src.
func Handler(src StatusSource, log hclog.Logger) http.Handler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, src.Status())
	})
	mux.HandleFunc("/swap", func(w http.ResponseWriter, r *http.Request) {
		st := src.Status().Swap
		writeJSON(w, log, SwapSummary{Capacity: st.Capacity, Used: st.Used})
	})
	mux.HandleFunc("/metrics", metricsHandler(src, Collectors))
	return mux
}

func writeJSON(w http.ResponseWriter, log hclog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("encoding response failed", "error", err)
	}
}

// Server wraps http3.Server lifecycle.
type Server struct {
	srv   *http3.Server
	pc    net.PacketConn
	addr  string
	close func() error
}

// NewServer creates a server bound to addr with the given TLS config.
func NewServer(addr string, tlsCfg *tls.Config, src StatusSource, log hclog.Logger) *Server {
	s := &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: Handler(src, log)}
	return &Server{srv: s, addr: addr}
}

// Start begins serving on addr; with port 0 an ephemeral UDP port is used.
// It returns the bound address.
func (s *Server) Start() (string, error) {
	var err error
	s.pc, err = net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}
	realAddr := s.pc.LocalAddr().String()
	done := make(chan struct{})
	go func() {
		_ = s.srv.Serve(s.pc)
		close(done)
	}()
	s.close = func() error {
		_ = s.srv.Close()
		_ = s.pc.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
	return realAddr, nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Client returns an http.Client speaking HTTP/3 with the given TLS config.
func Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	tr := &http3.Transport{TLSClientConfig: tlsCfg}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// CloseClient releases the QUIC connections held by c.
func CloseClient(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}

// FetchStatus retrieves the full snapshot from a monitor at addr.
func FetchStatus(ctx context.Context, c *http.Client, addr string) (kernel.Status, error) {
	var st kernel.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+addr+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return st, fmt.Errorf("monitor returned %s: %s", resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decoding status: %w", err)
	}
	return st, nil
}
