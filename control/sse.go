package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/tabrefresh/events"
)

// handleEvents streams bus events as server-sent events. ?kind=a,b limits the
// stream to those kinds.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusNotImplemented, errNoBackend)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("control: streaming unsupported"))
		return
	}

	var kinds map[events.Kind]bool
	if q := r.URL.Query().Get("kind"); q != "" {
		kinds = make(map[events.Kind]bool)
		for _, k := range strings.Split(q, ",") {
			kinds[events.Kind(strings.TrimSpace(k))] = true
		}
	}

	ch, unsubscribe := s.cfg.Events.Subscribe(64)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Debug("control: event stream opened", "remote", r.RemoteAddr)
	defer s.logger.Debug("control: event stream closed", "remote", r.RemoteAddr)

	ping := time.NewTicker(s.cfg.Ping)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if kinds != nil && !kinds[e.Kind] {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data)
			flusher.Flush()
		}
	}
}
