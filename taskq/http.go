package taskq

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
)

// DispatchTokenHeader authenticates externally pushed tasks.
const DispatchTokenHeader = "X-Dispatch-Token"

// Router returns an HTTP endpoint accepting externally dispatched tasks:
// POST /tasks/{name} with the payload as request body. Tasks run
// synchronously so the dispatcher's retry policy applies on failure.
func (q *Queue) Router(token string) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tasks/{name}", func(w http.ResponseWriter, req *http.Request) {
		if token == "" || req.Header.Get(DispatchTokenHeader) != token {
			http.Error(w, "invalid dispatch token", http.StatusForbidden)
			return
		}
		name := mux.Vars(req)["name"]
		q.mu.Lock()
		h := q.handlers[name]
		q.mu.Unlock()
		if h == nil {
			http.Error(w, "unknown task", http.StatusNotFound)
			return
		}
		payload, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h(req.Context(), payload); err != nil {
			q.log.Warnw("dispatched task failed", "task", name, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	return r
}
