package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/taskrelay/internal/runtime/jsoncodec"
	"github.com/drblury/taskrelay/transport"
)

// QueueSnapshot describes one in-process queue.
type QueueSnapshot struct {
	Len    int  `json:"len"`
	Cap    int  `json:"cap"`
	Closed bool `json:"closed"`
}

// Snapshot is the pipeline view served on /api/status.
type Snapshot struct {
	EndpointID         string                 `json:"endpoint_id"`
	TaskQueue          string                 `json:"task_queue"`
	SubscriberState    string                 `json:"subscriber_state"`
	SubscriberAttempts int                    `json:"subscriber_attempts"`
	SubscriberError    string                 `json:"subscriber_error,omitempty"`
	Deliveries         QueueSnapshot          `json:"deliveries"`
	Relay              QueueSnapshot          `json:"relay"`
	ResultPublisher    string                 `json:"result_publisher"`
	ResultTopic        string                 `json:"result_topic"`
	Transport          transport.Capabilities `json:"transport"`
}

// Snapshot returns the current pipeline view.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		EndpointID:         s.Conf.EndpointID,
		TaskQueue:          s.Conf.TaskQueue,
		SubscriberState:    s.subscriber.State().String(),
		SubscriberAttempts: s.subscriber.Attempts(),
		Deliveries: QueueSnapshot{
			Len:    s.deliveries.Len(),
			Cap:    s.deliveries.Cap(),
			Closed: s.deliveries.Closed(),
		},
		Relay: QueueSnapshot{
			Len:    s.relay.Len(),
			Cap:    s.relay.Cap(),
			Closed: s.relay.Closed(),
		},
		ResultPublisher: s.Conf.ResultPublisher,
		ResultTopic:     s.Conf.ResultTopic,
		Transport:       s.capabilities,
	}
	if err := s.subscriber.Err(); err != nil {
		snap.SubscriberError = err.Error()
	}
	return snap
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := jsoncodec.Marshal(s.Snapshot())
	if err != nil {
		s.Logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(body)
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (s *Service) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
