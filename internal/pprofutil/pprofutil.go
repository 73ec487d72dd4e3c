package pprofutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"
)

const defaultAddr = "127.0.0.1:6060"

// Options is the pprof endpoint configuration. The zero value is disabled.
type Options struct {
	Enabled     bool
	Addr        string
	AllowPublic bool
}

// OptionsFromEnv reads OVERLAY_PPROF, OVERLAY_PPROF_ADDR and
// OVERLAY_PPROF_ALLOW_PUBLIC.
func OptionsFromEnv() Options {
	o := Options{
		Enabled:     strings.TrimSpace(os.Getenv("OVERLAY_PPROF")) == "1",
		Addr:        strings.TrimSpace(os.Getenv("OVERLAY_PPROF_ADDR")),
		AllowPublic: strings.TrimSpace(os.Getenv("OVERLAY_PPROF_ALLOW_PUBLIC")) == "1",
	}
	if o.Addr == "" {
		o.Addr = defaultAddr
	}
	return o
}

// Server is a running pprof endpoint on its own mux.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Start binds the endpoint. The address must be loopback unless
// AllowPublic is set.
func Start(o Options) (*Server, error) {
	addr := o.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if !o.AllowPublic && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("pprof address must be loopback unless OVERLAY_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		ln:  ln,
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String() + "/debug/pprof/"
}

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
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
