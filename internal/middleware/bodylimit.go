package middleware

import "net/http"

// BodyLimit rejects requests whose declared length exceeds maxSize and caps
// reads on everything else. Only request bodies are bounded; the streaming
// response endpoints are unaffected.
func BodyLimit(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
					"error": "Request body too large",
				})
				return
			}

			// Chunked uploads carry no length up front; the capped reader
			// fails the handler's decode instead.
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}
