package gateway

import "net/http"

const corsAllowHeaders = "authorization, x-client-info, apikey, content-type"

// cors applies the origin allow-list. Allowed origins are echoed back, never
// "*"; requests from other origins get 403 before reaching next. Preflight
// requests are answered here with 204. Requests without an Origin header
// are not browser cross-origin requests and pass through without CORS
// headers.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")

		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := s.origins[origin]; !ok {
				writeError(w, http.StatusForbidden, MsgAccessDenied)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Max-Age", "600")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
