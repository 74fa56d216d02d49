package rest

import (
	"context"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/access"
	"github.com/relabs-tech/restio/core/logger"
	"github.com/relabs-tech/restio/core/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSender adapts a websocket connection to notify.Sender. Gorilla
// connections support one concurrent writer, hence the mutex.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	return s.conn.WriteMessage(websocket.TextMessage, message)
}

// serveSubscriptions upgrades to a WebSocket and runs the subscription
// protocol: the client sends subscribe, unsubscribe and
// restore-subscriptions messages, the server replies with
// subscription.created or subscription.error and pushes resource.<op>
// notifications as changes commit.
func (s *Server) serveSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx, rlog := logger.ContextWithLogger(r.Context())

	auth := access.Anonymous()
	if s.auth != nil {
		if token := bearerToken(r); token != "" {
			built, err := s.auth.Build(ctx, token, r.Header.Get("X-Auth-Provider"))
			if err != nil {
				http.Error(w, "authentication failed", http.StatusUnauthorized)
				return
			}
			auth = built
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warningln("websocket upgrade failed")
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	sender := &wsSender{conn: conn}
	s.broadcaster.Connect(ctx, connID, sender)
	defer s.broadcaster.Disconnect(connID)

	s.sendMessage(ctx, sender, notify.Message{Type: "connected"})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var message notify.ClientMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			s.sendMessage(ctx, sender, notify.Message{
				Type:  "subscription.error",
				Error: "unreadable message: " + err.Error(),
			})
			continue
		}
		s.dispatch(ctx, connID, sender, auth, message)
	}
}

func (s *Server) dispatch(ctx context.Context, connID string, sender *wsSender, auth *access.AuthContext, message notify.ClientMessage) {
	switch message.Type {
	case "subscribe":
		sub := message.Subscription
		sub.Auth = auth
		created, err := s.broadcaster.Subscribe(ctx, connID, sub)
		if err != nil {
			s.sendSubscriptionError(ctx, sender, sub.ID, err)
			return
		}
		s.sendMessage(ctx, sender, notify.Message{
			Type:           "subscription.created",
			Resource:       created.Resource,
			SubscriptionID: created.ID,
		})

	case "unsubscribe":
		if !s.broadcaster.Unsubscribe(connID, message.Subscription.ID) {
			s.sendSubscriptionError(ctx, sender, message.Subscription.ID,
				core.NotFound("subscription", message.Subscription.ID))
			return
		}
		s.sendMessage(ctx, sender, notify.Message{
			Type:           "subscription.deleted",
			SubscriptionID: message.Subscription.ID,
		})

	case "restore-subscriptions":
		for _, sub := range message.Subscriptions {
			sub.Auth = auth
			created, err := s.broadcaster.Subscribe(ctx, connID, sub)
			if err != nil {
				s.sendSubscriptionError(ctx, sender, sub.ID, err)
				continue
			}
			s.sendMessage(ctx, sender, notify.Message{
				Type:           "subscription.created",
				Resource:       created.Resource,
				SubscriptionID: created.ID,
			})
		}

	default:
		s.sendMessage(ctx, sender, notify.Message{
			Type:  "subscription.error",
			Error: "unknown message type " + message.Type,
		})
	}
}

func (s *Server) sendSubscriptionError(ctx context.Context, sender *wsSender, subID string, err error) {
	s.sendMessage(ctx, sender, notify.Message{
		Type:           "subscription.error",
		SubscriptionID: subID,
		Error:          err.Error(),
	})
}

func (s *Server) sendMessage(ctx context.Context, sender *wsSender, message notify.Message) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return
	}
	if err := sender.Send(ctx, encoded); err != nil {
		logger.FromContext(ctx).WithError(err).Warningln("websocket send failed")
	}
}
