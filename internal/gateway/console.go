package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/internal/domain"
)

const (
	consoleReadChunk = 4096
	consoleWriteWait = 10 * time.Second
)

// consoleSession bridges one websocket client to one runtime console
// attach. Every attach is independent: simultaneous sessions against the
// same instance each hold their own upstream stream.
type consoleSession struct {
	session domain.Session
	conn    *websocket.Conn
	writeMu sync.Mutex
	out     chan []byte
	done    chan struct{}
	once    sync.Once
}

// handleConsole authorizes the caller, then upgrades to a duplex websocket
// bridged to the instance's stdio. Authorization happens strictly before
// the upgrade: a rejected caller never receives a single byte of output.
func (g *Gateway) handleConsole(w http.ResponseWriter, r *http.Request) {
	inst, ok := g.authorizeInstance(w, r)
	if !ok {
		return
	}
	if inst.Status != domain.StatusRunning {
		writeError(w, http.StatusConflict, "instance is not running", "not_running")
		return
	}

	attachCtx, cancelAttach := context.WithCancel(context.Background())
	defer cancelAttach()
	console, err := g.rt.Attach(attachCtx, inst.ID)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		console.Close()
		g.log.Error("console upgrade failed", "instance_id", inst.ID, "err", err)
		return
	}

	sess := &consoleSession{
		session: domain.Session{
			ID:         uuid.NewString(),
			InstanceID: inst.ID,
			OwnerKeyID: inst.OwnerKeyID,
			Kind:       domain.SessionKindConsole,
			StartedAt:  time.Now(),
		},
		conn: conn,
		out:  make(chan []byte, g.cfg.ConsoleBufferFrames),
		done: make(chan struct{}),
	}
	g.metrics.activeSessions.WithLabelValues(domain.SessionKindConsole).Inc()
	g.log.Info("console session attached", "session_id", sess.session.ID, "instance_id", inst.ID, "key_id", inst.OwnerKeyID)

	teardown := func(reason string) {
		sess.once.Do(func() {
			close(sess.done)
			console.Close()
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, reason), deadline)
			_ = conn.Close()
			g.metrics.activeSessions.WithLabelValues(domain.SessionKindConsole).Dec()
			g.log.Info("console session detached",
				"session_id", sess.session.ID, "instance_id", inst.ID,
				"duration", time.Since(sess.session.StartedAt), "reason", reason)
		})
	}

	// Upstream reader: container output into the bounded session buffer.
	// A stalled client overflows its own buffer and gets disconnected; it
	// never blocks the container or other sessions.
	go func() {
		buf := make([]byte, consoleReadChunk)
		for {
			n, err := console.Reader.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case sess.out <- chunk:
				case <-sess.done:
					return
				default:
					teardown("session buffer overflow")
					return
				}
			}
			if err != nil {
				teardown(domain.ErrStreamDetached.Error())
				return
			}
		}
	}()

	// Writer: drain the session buffer to the client in arrival order.
	go func() {
		for {
			select {
			case <-sess.done:
				return
			case chunk := <-sess.out:
				if err := sess.writeMessage(websocket.BinaryMessage, chunk); err != nil {
					teardown("client write failed")
					return
				}
			}
		}
	}()

	// Client input: forwarded to the container's stdin in receive order.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			teardown("client disconnected")
			return
		}
		if len(data) == 0 {
			continue
		}
		if _, err := console.Writer.Write(data); err != nil {
			teardown(domain.ErrStreamDetached.Error())
			return
		}
	}
}

func (s *consoleSession) writeMessage(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(consoleWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}
