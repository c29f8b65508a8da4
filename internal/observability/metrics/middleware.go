package metrics

import (
	"net/http"
	"time"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the status code
// and the number of body bytes written.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewResponseRecorder returns a recorder whose status defaults to 200 OK when
// the handler never calls WriteHeader.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// BytesWritten reports the body size sent so far.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}

// WroteHeader reports whether a status line has already been sent.
func (rr *ResponseRecorder) WroteHeader() bool {
	return rr.wroteHeader
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	if rr.wroteHeader {
		return
	}
	rr.status = status
	rr.wroteHeader = true
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	if !rr.wroteHeader {
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

// Flush flushes the response when supported by the underlying writer.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware records request metrics around next using recorder, or the
// default Recorder when nil.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorder
		if rec == nil {
			rec = Default()
		}
		rr := NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		rec.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
	})
}
