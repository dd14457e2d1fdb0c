package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/domain"
)

// handleMetrics authorizes the caller, then streams throttled telemetry
// samples for the instance over a read-only websocket. The sampler
// subscription is released the moment the client disconnects.
func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.authorizeInstance(w, r)
	if !ok {
		return
	}
	if inst.Status != domain.StatusRunning {
		writeError(w, http.StatusConflict, "instance is not running", "not_running")
		return
	}

	samples, unsubscribe, err := g.sampler.Subscribe(r.Context(), inst.ID)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		g.log.Error("metrics upgrade failed", "instance_id", inst.ID, "err", err)
		return
	}
	sess := domain.Session{
		ID:         uuid.NewString(),
		InstanceID: inst.ID,
		OwnerKeyID: inst.OwnerKeyID,
		Kind:       domain.SessionKindMetrics,
		StartedAt:  time.Now(),
	}
	g.metrics.activeSessions.WithLabelValues(domain.SessionKindMetrics).Inc()
	g.log.Info("metrics session attached", "session_id", sess.ID, "instance_id", inst.ID, "key_id", inst.OwnerKeyID)

	defer func() {
		unsubscribe()
		_ = conn.Close()
		g.metrics.activeSessions.WithLabelValues(domain.SessionKindMetrics).Dec()
		g.log.Info("metrics session detached",
			"session_id", sess.ID, "instance_id", inst.ID, "duration", time.Since(sess.StartedAt))
	}()

	// Read loop only to observe client close; inbound frames carry nothing.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case sample, ok := <-samples:
			if !ok {
				// Upstream stream ended, e.g. the instance stopped.
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, domain.ErrStreamDetached.Error()), deadline)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(consoleWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(sample); err != nil {
				return
			}
		}
	}
}
