package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatroom/internal/chat"
	"chatroom/pkg/domain"
)

// socketEvent is one server-to-client frame on the chat socket.
type socketEvent struct {
	Type    string           `json:"type"`
	Room    string           `json:"room,omitempty"`
	Items   []domain.Message `json:"items,omitempty"`
	Message *domain.Message  `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// socketCommand is one client-to-server frame. Attachments go through the
// HTTP send endpoint; the socket carries text only.
type socketCommand struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// handleChatSocket upgrades to a WebSocket and binds one sync engine to the
// connection: a history snapshot first, then live feed events as they merge.
// The engine and its feed subscription are torn down when the socket closes.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request, user domain.User) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	eng := s.app.NewEngine(user.ID)
	defer eng.Close()

	// Outbound frames are serialized through one writer goroutine. A client
	// that stops reading eventually overflows the buffer and is dropped.
	outbound := make(chan socketEvent, 256)
	send := func(ev socketEvent) bool {
		select {
		case outbound <- ev:
			return true
		default:
			slog.Warn("chat socket outbound buffer full, dropping client", "user_id", user.ID)
			cancel()
			return false
		}
	}

	eng.OnAppend(func(msg domain.Message) {
		m := msg
		send(socketEvent{Type: "message", Message: &m})
	})

	history, err := eng.LoadHistory(ctx)
	if err != nil {
		slog.Error("chat socket history load failed", "user_id", user.ID, "error", err)
		_ = wsjson.Write(ctx, conn, socketEvent{Type: "error", Error: "message store unavailable"})
		conn.Close(websocket.StatusInternalError, "history unavailable")
		return
	}
	send(socketEvent{Type: "history", Room: s.app.Room(), Items: history})

	if err := eng.Start(ctx); err != nil {
		slog.Error("chat socket subscribe failed", "user_id", user.ID, "error", err)
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-outbound:
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var cmd socketCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		}
		switch cmd.Type {
		case "send":
			if err := eng.Send(ctx, cmd.Content, nil); err != nil {
				send(socketEvent{Type: "error", Error: sendErrorText(err)})
			}
		default:
			send(socketEvent{Type: "error", Error: "unknown command"})
		}
	}
}

func sendErrorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return "message is empty"
	case errors.Is(err, chat.ErrInsertFailed):
		return "message could not be saved"
	case errors.Is(err, chat.ErrUploadFailed):
		return "attachment upload failed"
	default:
		return "internal error"
	}
}
