// Package pprofutil serves the optional debug HTTP endpoint: net/http/pprof
// plus a JSON view of the live metrics.
package pprofutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"objgossip/internal/config"
	"objgossip/internal/metrics"
)

const (
	DefaultAddr = "127.0.0.1:6060"

	EnvEnable      = "OBJGOSSIP_PPROF"
	EnvAddr        = "OBJGOSSIP_PPROF_ADDR"
	EnvAllowPublic = "OBJGOSSIP_PPROF_ALLOW_PUBLIC"
)

type Options struct {
	Addr        string
	AllowPublic bool
	Metrics     *metrics.Metrics
}

// OptionsFromEnv reports whether the debug server is enabled and, if so, the
// options to start it with.
func OptionsFromEnv() (Options, bool) {
	if !config.EnvBool(EnvEnable) {
		return Options{}, false
	}
	addr := strings.TrimSpace(os.Getenv(EnvAddr))
	if addr == "" {
		addr = DefaultAddr
	}
	return Options{Addr: addr, AllowPublic: config.EnvBool(EnvAllowPublic)}, true
}

type Server struct {
	srv  *http.Server
	addr string
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Close() error { return s.srv.Close() }

// Start binds the debug server. Non-loopback binds are refused unless
// AllowPublic is set.
func Start(opts Options, logw io.Writer) (*Server, error) {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	if !opts.AllowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%s must be loopback unless %s=1: %s", EnvAddr, EnvAllowPublic, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
	}
	srv := &http.Server{
		Addr:              actual,
		Handler:           newMux(opts.Metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return &Server{srv: srv, addr: actual}, nil
}

func newMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
	return mux
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
