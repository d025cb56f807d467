package httpx

import (
	"bytes"
	"net/http"
)

type StatusWriter struct {
	http.ResponseWriter
	Status int
	Bytes  int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusWriter) Write(p []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.Bytes += n
	return n, err
}

// ResponseBuffer is an in-memory http.ResponseWriter used to capture one
// retry attempt's status, headers, and body without committing anything
// to the real connection. Only the attempt that is finally chosen gets
// Flush'd onto the real writer, so a failed attempt never leaves partial
// bytes on the wire for a subsequent retry to corrupt.
type ResponseBuffer struct {
	header http.Header
	Status int
	Body   bytes.Buffer
}

func NewResponseBuffer() *ResponseBuffer {
	return &ResponseBuffer{header: make(http.Header)}
}

func (b *ResponseBuffer) Header() http.Header { return b.header }

func (b *ResponseBuffer) WriteHeader(code int) {
	if b.Status == 0 {
		b.Status = code
	}
}

func (b *ResponseBuffer) Write(p []byte) (int, error) {
	if b.Status == 0 {
		b.Status = http.StatusOK
	}
	return b.Body.Write(p)
}

// Flush copies the buffered status, headers, and body onto w, the
// actual response writer for the request.
func (b *ResponseBuffer) Flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, vs := range b.header {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	status := b.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(b.Body.Bytes())
}
