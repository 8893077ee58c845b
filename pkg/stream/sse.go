package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Encode renders the event in SSE wire format:
//
//	id: <event_id>
//	event: <event_type>
//	data: <json>
//
// followed by a blank line.
func Encode(w io.Writer, e *Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("event %q not serializable: %w", e.EventID, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.EventID, e.EventType, payload)
	return err
}

// Handler serves subscriptions over HTTP as Server-Sent Events. Query
// parameters: channels, event_types, entity_ids (comma-separated) and
// replay=true.
type Handler struct {
	publisher *Publisher
}

// NewHandler wraps the publisher.
func NewHandler(publisher *Publisher) *Handler {
	return &Handler{publisher: publisher}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := h.publisher.Subscribe(filterFromQuery(r))
	defer h.publisher.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if err := Encode(w, e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func filterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	var f Filter
	for _, c := range splitParam(q.Get("channels")) {
		f.Channels = append(f.Channels, Channel(c))
	}
	f.EventTypes = splitParam(q.Get("event_types"))
	f.EntityIDs = splitParam(q.Get("entity_ids"))
	f.Replay = q.Get("replay") == "true"
	return f
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
