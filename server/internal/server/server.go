package server

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/llmariner/mnist-serving/common/pkg/savedmodel"
	"github.com/llmariner/mnist-serving/server/internal/monitoring"
	"github.com/llmariner/mnist-serving/server/internal/rate"
)

type modelProvider interface {
	Get() *savedmodel.Model
}

type rateLimiter interface {
	Take(ctx context.Context, key string) (*rate.Result, error)
}

// New creates a server.
func New(
	models modelProvider,
	ratelimiter rateLimiter,
	metricsMonitor monitoring.MetricsMonitoring,
	logger logr.Logger,
) *S {
	return &S{
		models:         models,
		ratelimiter:    ratelimiter,
		metricsMonitor: metricsMonitor,
		logger:         logger.WithName("server"),
	}
}

// S serves predictions over HTTP.
type S struct {
	models         modelProvider
	ratelimiter    rateLimiter
	metricsMonitor monitoring.MetricsMonitoring

	logger logr.Logger
}

// RegisterHandlers registers the HTTP handlers of the server. The health
// handler is served at /healthz when set.
func (s *S) RegisterHandlers(mux *runtime.ServeMux, health http.Handler) error {
	pat := runtime.MustPattern(
		runtime.NewPattern(
			1,
			[]int{2, 0},
			[]string{"mnist"},
			"",
		))
	mux.Handle(http.MethodPost, pat, s.CreatePrediction)

	if health == nil {
		return nil
	}
	return mux.HandlePath(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		health.ServeHTTP(w, r)
	})
}
