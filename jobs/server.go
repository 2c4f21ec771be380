package jobs

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"

	"github.com/courier-mta/courier/mlog"
)

// HandlerFunc executes one job kind on this agent. Args and the returned
// response are JSON.
type HandlerFunc func(ctx context.Context, args string) (string, error)

// Server is the agent side of the admin channel: an HTTP handler that
// executes job requests from an orchestrator, mounted on the admin listener.
type Server struct {
	apiKey   string
	handlers map[string]HandlerFunc
}

// NewServer returns a server requiring the api key as bearer token. An empty
// key disables authentication, for tests and trusted networks.
func NewServer(apiKey string) *Server {
	return &Server{apiKey: apiKey, handlers: map[string]HandlerFunc{}}
}

// Handle registers the executor for a job kind.
func (s *Server) Handle(kind string, fn HandlerFunc) {
	s.handlers[kind] = fn
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := xlog.WithContext(r.Context())

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.apiKey != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	kind := strings.TrimPrefix(r.URL.Path, "/")
	if i := strings.LastIndex(kind, "/"); i >= 0 {
		kind = kind[i+1:]
	}
	fn, ok := s.handlers[kind]
	if !ok {
		http.Error(w, "unknown job kind", http.StatusNotFound)
		return
	}

	args, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request", http.StatusBadRequest)
		return
	}

	resp, err := fn(r.Context(), string(args))
	if err != nil {
		log.Errorx("executing agent job", err, mlog.Field("kind", kind))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if _, err := w.Write([]byte(resp)); err != nil {
		log.Errorx("writing job response", err, mlog.Field("kind", kind))
	}
}
