package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/carbontrack/docpipeline/internal/config"
	handlers "github.com/carbontrack/docpipeline/internal/handlers/v1"
	"github.com/carbontrack/docpipeline/internal/queue"
	"github.com/carbontrack/docpipeline/internal/service"
	"github.com/carbontrack/docpipeline/internal/stream"
	"github.com/carbontrack/docpipeline/pkg/metrics"
	"github.com/carbontrack/docpipeline/pkg/middleware"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg       *config.Config
	listener  net.Listener
	docSrv    *service.DocumentService
	queue     *queue.Manager
	streamSrv *stream.Service
}

// New returns a new instance of the document pipeline API server.
func New(
	cfg *config.Config,
	listener net.Listener,
	docSrv *service.DocumentService,
	queue *queue.Manager,
	streamSrv *stream.Service,
) *Server {
	return &Server{
		cfg:       cfg,
		listener:  listener,
		docSrv:    docSrv,
		queue:     queue,
		streamSrv: streamSrv,
	}
}

// Router builds the HTTP handler with the middleware chain.
func (s *Server) Router() (http.Handler, error) {
	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	if err := metricMiddleware.Register(nil); err != nil {
		return nil, err
	}

	router.Use(
		middleware.StripPrefix(s.cfg.Service.PathPrefix),
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.Service.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	h := handlers.NewServiceHandler(s.docSrv, s.queue, s.streamSrv, s.cfg.Ocr.MaxFileSize)
	h.Routes(router)
	return router, nil
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router, err := s.Router()
	if err != nil {
		return err
	}
	// no write timeout: status streams are bounded by their own lifetime
	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
