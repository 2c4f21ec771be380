package intake

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/courier-mta/courier/broker"
)

// ConnectRequest is posted by the relay engine at SMTP connect time.
type ConnectRequest struct {
	Agent    string
	RemoteIP string
}

// AcceptResult is the response to an accepted message submission.
type AcceptResult struct {
	SourceID string
}

// Handler returns the HTTP surface the relay engine calls: POST /connect
// with a ConnectRequest returns the Decision, POST /message with a
// broker.InboundMessage returns the AcceptResult, POST /reject with a
// broker.InboundRejection records an audit event.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		var req ConnectRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ip := net.ParseIP(req.RemoteIP)
		if ip == nil {
			http.Error(w, "bad remote ip", http.StatusBadRequest)
			return
		}
		writeJSON(r, w, c.CheckConnection(r.Context(), req.Agent, ip))
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		var ev broker.InboundMessage
		if !decodeJSON(w, r, &ev) {
			return
		}
		sourceID, err := c.Accept(r.Context(), ev)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(r, w, AcceptResult{SourceID: sourceID})
	})
	mux.HandleFunc("/reject", func(w http.ResponseWriter, r *http.Request) {
		var rej broker.InboundRejection
		if !decodeJSON(w, r, &rej) {
			return
		}
		if err := c.Reject(r.Context(), rej); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(r *http.Request, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		xlog.WithContext(r.Context()).Errorx("writing json response", err)
	}
}
