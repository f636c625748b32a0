package serve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-sync/internal/config"
	"github.com/soheilhy/cmux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunningServers is one TCP port serving plaintext and/or TLS HTTP.
type RunningServers struct {
	Addr            net.Addr
	Port            int
	HTTPServerPlain *http.Server
	HTTPServerTLS   *http.Server

	lis       net.Listener
	closeOnce sync.Once
	closeErr  error
}

// Close drains both servers and then releases the port. Event streams only
// end once their request contexts are cancelled, so callers cancel those
// first or pass a bounded ctx.
func (r *RunningServers) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		for _, srv := range []*http.Server{r.HTTPServerPlain, r.HTTPServerTLS} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		if err := r.lis.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// StartSinglePortHTTP serves handler on cfg.Port. cmux sniffs each
// connection: TLS handshakes go to the TLS server and everything else to a
// plaintext server that also speaks h2c.
func StartSinglePortHTTP(name string, cfg config.ListenerConfig, handler http.Handler) (*RunningServers, error) {
	if !cfg.EnablePlainText && !cfg.EnableTLS {
		return nil, fmt.Errorf("%s listener: enable plaintext, tls or both", name)
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}

	var cert tls.Certificate
	if cfg.EnableTLS {
		var err error
		if cert, err = serverCertificate(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			return nil, fmt.Errorf("%s listener: %w", name, err)
		}
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%s listen: %w", name, err)
	}
	rs := &RunningServers{Addr: lis.Addr(), lis: lis}
	if tcp, ok := lis.Addr().(*net.TCPAddr); ok {
		rs.Port = tcp.Port
	}

	muxer := cmux.New(lis)
	// The TLS matcher has to be registered ahead of the catch-all.
	if cfg.EnableTLS {
		tlsLis := tls.NewListener(muxer.Match(cmux.TLS()), &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h2", "http/1.1"},
			MinVersion:   tls.VersionTLS12,
		})
		rs.HTTPServerTLS = newHTTPServer(handler, cfg)
		go serveHTTP(name+" tls", rs.HTTPServerTLS, tlsLis)
	}
	if cfg.EnablePlainText {
		rs.HTTPServerPlain = newHTTPServer(h2c.NewHandler(handler, &http2.Server{}), cfg)
		go serveHTTP(name+" plaintext", rs.HTTPServerPlain, muxer.Match(cmux.Any()))
	}

	go func() {
		if err := muxer.Serve(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error("Listener mux stopped", "listener", name, "err", err)
		}
	}()

	log.Info("Listening", "listener", name, "addr", rs.Addr.String(), "plaintext", cfg.EnablePlainText, "tls", cfg.EnableTLS)
	return rs, nil
}

func newHTTPServer(handler http.Handler, cfg config.ListenerConfig) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func serveHTTP(name string, srv *http.Server, lis net.Listener) {
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
		log.Error("HTTP server stopped", "listener", name, "err", err)
	}
}
