package httpmw

import (
	"io"
	"net/http"

	"golang.org/x/xerrors"
)

// ErrLimitReached is returned by reads past the configured body limit, so
// handlers can tell a truncated body apart from a short one.
var ErrLimitReached = xerrors.Errorf("i/o limit reached")

// LimitReader is like io.LimitReader except that reads past the limit return
// ErrLimitReached instead of io.EOF.
type LimitReader struct {
	Limit int64
	N     int64
	R     io.Reader
}

func (l *LimitReader) Reset(n int64) {
	l.N = 0
	l.Limit = n
}

func (l *LimitReader) Read(p []byte) (int, error) {
	if l.N >= l.Limit {
		return 0, ErrLimitReached
	}

	if int64(len(p)) > l.Limit-l.N {
		p = p[:l.Limit-l.N]
	}

	n, err := l.R.Read(p)
	l.N += int64(n)
	return n, err
}

// LimitedBody wraps a request body with a LimitReader while keeping the
// original closer.
type LimitedBody struct {
	R        *LimitReader
	original io.ReadCloser
}

func (r LimitedBody) Read(p []byte) (n int, err error) {
	return r.R.Read(p)
}

func (r LimitedBody) Close() error {
	return r.original.Close()
}

// SetBodyLimit caps reads of the request body at n bytes. Applying it twice
// resets the count rather than stacking wrappers.
func SetBodyLimit(r *http.Request, n int64) {
	if body, ok := r.Body.(LimitedBody); ok {
		body.R.Reset(n)
	} else {
		r.Body = LimitedBody{
			R:        &LimitReader{R: r.Body, Limit: n},
			original: r.Body,
		}
	}
}

// LimitBody bounds every request body on the route. Broker request bodies
// are tiny JSON documents, so the limit mostly guards against junk uploads.
func LimitBody(n int64) func(h http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetBodyLimit(r, n)
			next.ServeHTTP(w, r)
		})
	}
}
