package main

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// HttpRunner serves the observability endpoints until its context ends.
type HttpRunner struct {
	address string
	logger  *zap.Logger
	h       map[string]http.Handler
}

func (r *HttpRunner) Run(ctx context.Context) error {
	rt := httprouter.New()
	for path, handler := range r.h {
		rt.Handler("GET", path, handler)
	}

	s := &http.Server{Addr: r.address, Handler: rt}
	go func() {
		<-ctx.Done()
		if err := s.Shutdown(context.Background()); err != nil {
			r.logger.Error("Failed to shutdown http server", zap.Error(err))
		}
	}()
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
