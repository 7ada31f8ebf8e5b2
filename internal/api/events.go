package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	logx "pubsched/pkg/logx"
)

// events streams scheduler events as text/event-stream. ?types=job.outcome,job.status narrows
// the stream by type prefix.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		renderJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	var prefixes []string
	for _, p := range strings.Split(r.URL.Query().Get("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsub := s.sched.Subscribe(128)
	defer unsub()

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	stop := s.stopping()
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stop:
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !matchesAny(ev.Type, prefixes) {
				continue
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				s.log.Warn("sse encode failed", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func matchesAny(typ string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}
