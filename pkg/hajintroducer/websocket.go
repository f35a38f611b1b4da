package hajintroducer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// frame types of the websocket protocol
const (
	frameSubscribe = "subscribe" // client -> hub
	framePublish   = "publish"   // client -> hub
	frameAnnounce  = "announce"  // hub -> client
	frameError     = "error"     // hub -> client
)

type frame struct {
	Type          string            `json:"type"`
	ServiceName   string            `json:"service_name,omitempty"`
	Info          *SubscriberInfo   `json:"info,omitempty"`
	Announcements []json.RawMessage `json:"announcements,omitempty"`
	Error         string            `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// one websocket connection is both the subscriber reference and the canary of every
// announcement published over it
type wsConnection struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	disconnectMu sync.Mutex
	disconnected bool
	onDisconnect []func()
}

var _ Subscriber = (*wsConnection)(nil)

func newWsConnection(conn *websocket.Conn) *wsConnection {
	return &wsConnection{
		id:   uuid.New().String(),
		conn: conn,
	}
}

func (w *wsConnection) ID() string {
	return w.id
}

// ctx's deadline bounds the write. cancellation without deadline is noticed only by
// the next write, but hub always gives deliveries a timeout
func (w *wsConnection) Deliver(ctx context.Context, announcements [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := frame{
		Type:          frameAnnounce,
		Announcements: make([]json.RawMessage, len(announcements)),
	}
	for i, raw := range announcements {
		msg.Announcements[i] = raw
	}

	return w.writeFrame(ctx, msg)
}

func (w *wsConnection) NotifyOnDisconnect(fn func()) {
	w.disconnectMu.Lock()
	if w.disconnected {
		w.disconnectMu.Unlock()
		fn()
		return
	}
	w.onDisconnect = append(w.onDisconnect, fn)
	w.disconnectMu.Unlock()
}

func (w *wsConnection) markDisconnected() {
	w.disconnectMu.Lock()
	if w.disconnected {
		w.disconnectMu.Unlock()
		return
	}
	w.disconnected = true
	hooks := w.onDisconnect
	w.onDisconnect = nil
	w.disconnectMu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

func (w *wsConnection) writeFrame(ctx context.Context, msg frame) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Time{}
	}

	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return w.conn.WriteJSON(msg)
}

// upgrades to websocket and serves subscribe & publish frames until the peer goes away
func handleWebSocket(hub *Hub, logger *log.Logger) http.HandlerFunc {
	logl := logex.Levels(logex.NonNil(logger))

	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			logl.Error.Printf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		peer := newWsConnection(conn)
		defer peer.markDisconnected()

		replyError := func(message string) {
			if err := peer.writeFrame(r.Context(), frame{Type: frameError, Error: message}); err != nil {
				logl.Error.Printf("websocket write: %v", err)
			}
		}

		for {
			var msg frame
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logl.Error.Printf("websocket read: %v", err)
				}
				return
			}

			switch msg.Type {
			case frameSubscribe:
				if msg.ServiceName == "" {
					replyError("subscribe: service_name missing")
					continue
				}

				info := SubscriberInfo{}
				if msg.Info != nil {
					info = *msg.Info
				}
				info.RemoteAddr = r.RemoteAddr

				if err := hub.Subscribe(r.Context(), peer, msg.ServiceName, info); err != nil {
					logl.Error.Printf("subscribe: %v", err)
					return
				}
			case framePublish:
				for _, raw := range msg.Announcements {
					if err := hub.Publish(r.Context(), raw, peer); err != nil {
						if errors.Is(err, ErrHubStopped) {
							return
						}
						logl.Error.Printf("publish: %v", err)
					}
				}
			default:
				replyError("unknown frame type: " + msg.Type)
			}
		}
	}
}
