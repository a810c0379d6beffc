package httpmw

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/keithlinneman/signatory/internal/log"
	"github.com/keithlinneman/signatory/internal/xerrors"
)

// Recover turns a handler panic into a 500 response and an error log.
// onPanic, when set, is called once per recovered panic.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}
				err := xerrors.WithStack(fmt.Errorf("panic: %v", rec))
				L.Error(r.Context(), err, "recovered handler panic",
					"request_id", RequestIDFromContext(r.Context()),
					"url.path", r.URL.Path,
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal error"}` + "\n"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
