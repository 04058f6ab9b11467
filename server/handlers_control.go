package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/chatbridge/service"
)

// HandleServicesDispatcher routes /services and /services/{name}/{action}.
func (h *Handlers) HandleServicesDispatcher(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/services"), "/")
	if rest == "" {
		h.handleServicesList(w, r)
		return
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.handleServiceAction(w, r, parts[0], parts[1])
}

func (h *Handlers) handleServicesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	services := map[string]string{}
	for name, st := range h.ctrl.States() {
		services[name] = string(st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (h *Handlers) handleServiceAction(w http.ResponseWriter, r *http.Request, name, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Control operations run on the process lifetime context, not the
	// request context: a client disconnect must not abort a stop midway.
	var err error
	switch action {
	case "start":
		err = h.ctrl.Start(h.ctx, name)
	case "stop":
		err = h.ctrl.Stop(h.ctx, name)
	case "restart":
		err = h.ctrl.Restart(h.ctx, name)
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrUnknownService) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	st, _ := h.ctrl.State(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"service": name,
		"action":  action,
		"state":   string(st),
	})
}
