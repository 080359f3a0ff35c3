package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/transport/sse"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/felixge/httpsnoop"
)

// permissiveCORS answers every request with wildcard CORS headers, origin or not,
// and ends OPTIONS requests with an empty 200.
func permissiveCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a handler panic into a 500 JSON-RPC envelope when nothing was
// written yet. A stream that already sent its headers is just cut off.
func recoverer(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var wrote atomic.Bool
			ww := httpsnoop.Wrap(w, httpsnoop.Hooks{
				WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
					return func(code int) {
						wrote.Store(true)
						next(code)
					}
				},
				Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
					return func(b []byte) (int, error) {
						wrote.Store(true)
						return next(b)
					}
				},
				Flush: func(next httpsnoop.FlushFunc) httpsnoop.FlushFunc {
					return func() {
						wrote.Store(true)
						next()
					}
				},
			})
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				if wrote.Load() {
					return
				}
				sse.WriteErrorEnvelope(w, http.StatusInternalServerError, types.CodeInternalError, fmt.Sprintf("Internal server error: %v", rec))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
