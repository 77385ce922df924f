package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"mosaic/internal/auth"
	"mosaic/internal/logging"
	authmw "mosaic/internal/middleware"
	"mosaic/internal/services"
	"mosaic/internal/ws"
)

// handleHTTPServer serves the control API and the websocket endpoints on
// addr until ctx is done
func handleHTTPServer(ctx context.Context, addr string, svc *services.Services, wsHandler *ws.Handler, authenticator *auth.Authenticator, logger *logrus.Logger, debug bool) error {
	httpLog := logging.Component(logger, "http")

	// Setup goa log adapter.
	adapter := middleware.NewLogger(logging.StdLogger(httpLog))

	mux := goahttp.NewMuxer()
	mounts := services.Mount(mux, svc, httpLog)
	for _, m := range mounts {
		httpLog.Debugf("HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	requireAuth := authmw.AuthMiddleware(authenticator, "/healthz", "/readyz", "/api/login")

	// Middlewares mounted here apply to all the API endpoints.
	var api http.Handler = mux
	{
		if debug {
			api = httpmdlwr.Debug(mux, os.Stdout)(api)
		}
		api = requireAuth(api)
		api = httpmdlwr.Log(adapter)(api)
		api = httpmdlwr.RequestID()(api)
	}

	// Websockets bypass the goa middlewares, which wrap the response writer
	// and would break the upgrade.
	root := http.NewServeMux()
	root.Handle("/", api)
	root.Handle("/ws/streams/", requireAuth(http.HandlerFunc(wsHandler.ServeStream)))
	root.Handle("/ws/control", requireAuth(http.HandlerFunc(wsHandler.ServeControl)))

	srv := &http.Server{Addr: addr, Handler: root, ReadHeaderTimeout: time.Second * 60}

	errc := make(chan error, 1)
	go func() {
		httpLog.Infof("HTTP server listening on %q", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	httpLog.Infof("shutting down HTTP server at %q", addr)

	// Shutdown gracefully with a 30s timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		httpLog.WithError(err).Warn("failed to shutdown")
	}
	return nil
}
