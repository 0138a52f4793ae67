package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-running collaborator driven alongside the HTTP server,
// such as the intake bus router. Running closes once the runner is ready to
// take work.
type Runner interface {
	Run(ctx context.Context) error
	Running() <-chan struct{}
	Close() error
}

// Server drives the HTTP listener and any runners until the context is
// cancelled, then shuts down in order.
type Server struct {
	httpSrv *http.Server
	runners []Runner
}

func NewServer(addr string, handler http.Handler, runners ...Runner) (*Server, error) {
	if handler == nil {
		return nil, errors.New("httpapi: handler is nil")
	}
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		runners: runners,
	}, nil
}

func (s *Server) Run(ctx context.Context) error {
	if s == nil || s.httpSrv == nil {
		return errors.New("httpapi: server not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	for _, r := range s.runners {
		g.Go(func() error { return r.Run(gctx) })
	}

	g.Go(func() error {
		// Requests must not be accepted before every runner subscribes:
		// an event published to a bus with no subscriber yet would be
		// acknowledged and lost.
		if err := waitRunnersReady(gctx, s.runners); err != nil {
			return err
		}
		log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
		err := s.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown")
		}
		for _, r := range s.runners {
			_ = r.Close()
		}
		return nil
	})

	return g.Wait()
}

func waitRunnersReady(ctx context.Context, runners []Runner) error {
	for _, r := range runners {
		select {
		case <-r.Running():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
