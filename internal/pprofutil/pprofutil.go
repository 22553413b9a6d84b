// Package pprofutil exposes the optional debug profiling endpoint.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultAddr = "127.0.0.1:6060"

var startOnce sync.Once

// Start serves net/http/pprof on addr. The bind is restricted to loopback;
// profiling data has no business on the overlay. Safe to call repeatedly,
// only the first call binds.
func Start(addr string, log *zap.Logger) error {
	if addr == "" {
		addr = DefaultAddr
	}
	if !isLoopbackBind(addr) {
		return fmt.Errorf("pprof addr must be loopback: %s", addr)
	}
	var err error
	startOnce.Do(func() {
		var ln net.Listener
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			err = fmt.Errorf("pprof listen: %w", err)
			return
		}
		if log != nil {
			log.Info("pprof enabled", zap.String("url", "http://"+ln.Addr().String()+"/debug/pprof/"))
		}
		srv := &http.Server{
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return err
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
