package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/monitoring"
)

// PanicHandler handles panic recovery
type PanicHandler struct {
	logger       *logging.Logger
	onPanic      func(recovered interface{}, stack []byte)
	returnErrors bool
}

// Option configures PanicHandler
type Option func(*PanicHandler)

// WithLogger sets the logger panics are written to
func WithLogger(logger *logging.Logger) Option {
	return func(ph *PanicHandler) {
		ph.logger = logger
	}
}

// WithPanicCallback sets a callback for when panic occurs
func WithPanicCallback(fn func(recovered interface{}, stack []byte)) Option {
	return func(ph *PanicHandler) {
		ph.onPanic = fn
	}
}

// WithErrorReturn enables returning error details
func WithErrorReturn(enabled bool) Option {
	return func(ph *PanicHandler) {
		ph.returnErrors = enabled
	}
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(opts ...Option) *PanicHandler {
	ph := &PanicHandler{logger: logging.Default()}
	for _, opt := range opts {
		opt(ph)
	}
	return ph
}

// HTTPMiddleware returns an HTTP middleware for panic recovery
func (ph *PanicHandler) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				ph.handle(rec, map[string]string{"method": r.Method, "path": r.URL.Path})

				message := "internal server error"
				if ph.returnErrors {
					message = fmt.Sprintf("internal server error: %v", rec)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"code":    http.StatusInternalServerError,
					"message": message,
					"data":    nil,
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Go runs fn on a goroutine, logging and reporting a panic instead of crashing
func (ph *PanicHandler) Go(name string, fn func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ph.handle(rec, map[string]string{"goroutine": name})
			}
		}()
		fn()
	}()
}

// GoWithContext is Go for functions that take a context
func (ph *PanicHandler) GoWithContext(ctx context.Context, name string, fn func(context.Context)) {
	ph.Go(name, func() { fn(ctx) })
}

func (ph *PanicHandler) handle(recovered interface{}, tags map[string]string) {
	stack := debug.Stack()

	fields := make(map[string]interface{}, len(tags)+1)
	for k, v := range tags {
		fields[k] = v
	}
	fields["recovered"] = fmt.Sprint(recovered)
	ph.logger.WithFields(fields).Errorf("PANIC\n%s", stack)

	if ph.onPanic != nil {
		ph.onPanic(recovered, stack)
	}
	monitoring.CapturePanic(recovered, tags)
}

var defaultHandler = NewPanicHandler()

// SafeGo runs a goroutine with panic recovery using the default handler
func SafeGo(fn func()) {
	defaultHandler.Go("anonymous", fn)
}

// SafeGoWithContext runs a goroutine with panic recovery and context
func SafeGoWithContext(ctx context.Context, fn func(context.Context)) {
	defaultHandler.GoWithContext(ctx, "anonymous", fn)
}
