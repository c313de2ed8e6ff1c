package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/hydrocal/internal/logging"
)

// Recover converts a recovered panic value into a KindEvaluation error and
// logs it with the stack. Call it from a deferred function:
//
//	defer func() {
//		if rec := recover(); rec != nil {
//			err = errors.Recover(logger, "harness", rec)
//		}
//	}()
func Recover(logger *logging.Logger, component string, rec interface{}) *Error {
	err := &Error{
		Kind:      KindEvaluation,
		Message:   fmt.Sprintf("panic: %v", rec),
		Component: component,
		Stack:     getStackTrace(),
	}
	if logger != nil {
		logger.Error("Recovered from panic", map[string]interface{}{
			"component": component,
			"error":     fmt.Sprint(rec),
			"stack":     string(debug.Stack()),
		})
	}
	return err
}

// RecoveryMiddleware returns a middleware that recovers from panics.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					fields := map[string]interface{}{
						"error": fmt.Sprint(rec),
						"stack": string(debug.Stack()),
					}
					if r != nil {
						fields["method"] = r.Method
						fields["path"] = r.URL.Path
					}
					logger.Error("Recovered from panic", fields)

					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
