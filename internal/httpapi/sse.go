package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelmux/modelmux/internal/events"
)

// SSEHandler streams dispatch events to the client as Server-Sent Events.
// Slow clients drop records rather than stalling the runner.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprint(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case rec := <-sub.C:
				data, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", rec.EventType(), data)
				flusher.Flush()
			}
		}
	}
}
