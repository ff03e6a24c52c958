package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sanctuary-net/sanctuary/pkg/errdefs"
	"github.com/sanctuary-net/sanctuary/pkg/log"
	"github.com/sanctuary-net/sanctuary/pkg/metrics"
)

type contextKey string

const agentKey contextKey = "agent"

// tokenAgent returns the agent address bound to the request's bearer token.
// Only meaningful under the authed wrapper.
func tokenAgent(r *http.Request) string {
	agent, _ := r.Context().Value(agentKey).(string)
	return agent
}

// authed wraps a handler with bearer-token verification. The bound agent
// address lands in the request context.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			writeError(w, errdefs.Wrap(errdefs.ErrAuthRequired, "api: missing bearer token"))
			return
		}
		agent, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), agentKey, agent)))
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe records latency and status per route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())
		lg := log.WithComponent("api")
		lg.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}
