package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams the event bus as text/event-stream, per spec.md
// §4.H and the subscribe-before-start ordering guarantee in §9: the
// subscription is registered before the handler ever writes a byte, so
// a client that blocks on this response until it reads the headers can
// safely issue a start request immediately afterward.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged:
			fmt.Fprintf(w, "data: {\"type\":\"lagged\"}\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("events stream: marshal event: %v", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
