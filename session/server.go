package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/frametap/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the wire protocol over WebSocket connections, plus a
// health check endpoint.
type Server struct {
	store   storage.Store
	quality int
	log     *slog.Logger
}

// NewServer constructs a Server backed by store, handing out sessions with
// encoder quality pre-configured to quality.
func NewServer(store storage.Store, quality int) *Server {
	return &Server{store: store, quality: quality, log: slog.With("component", "session")}
}

// Handler returns the HTTP mux for GET /health and GET /ws.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/ws", srv.handleWS)
	return mux
}

func (srv *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	sess := New(srv.store, srv.quality)
	defer sess.Close()

	srv.log.Debug("session opened", "remote", r.RemoteAddr)
	defer srv.log.Debug("session closed", "remote", r.RemoteAddr)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				srv.log.Warn("websocket read error", "error", err, "remote", r.RemoteAddr)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if err := srv.dispatch(r.Context(), conn, sess, data); err != nil {
			srv.log.Warn("session dispatch failed, closing connection", "error", err, "remote", r.RemoteAddr)
			return
		}
	}
}

func (srv *Server) dispatch(ctx context.Context, conn *websocket.Conn, sess *Session, data []byte) error {
	msg, err := DecodeInbound(data)
	if err != nil {
		text, merr := MarshalError(ErrorMessage{Message: err.Error()})
		if merr != nil {
			return merr
		}
		return conn.WriteMessage(websocket.TextMessage, text)
	}

	switch m := msg.(type) {
	case *SetVideo:
		reply, err := sess.HandleSetVideo(ctx, m)
		if err != nil {
			return err
		}
		return sendReply(conn, reply)
	case *RequestFrames:
		replies, err := sess.HandleRequestFrames(m)
		if err != nil {
			return err
		}
		for _, reply := range replies {
			if err := sendReply(conn, reply); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("session: unhandled message type %T", m)
	}
}

func sendReply(conn *websocket.Conn, reply Reply) error {
	if err := conn.WriteMessage(websocket.TextMessage, reply.Text); err != nil {
		return err
	}
	if reply.Binary != nil {
		if err := conn.WriteMessage(websocket.BinaryMessage, reply.Binary); err != nil {
			return err
		}
	}
	return nil
}
