package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshdesk/internal/sshterminal"
)

// statusSubscriberDropped closes a stream whose reader fell behind the shell.
const statusSubscriberDropped websocket.StatusCode = 4008

// localOrigins are the browser origins allowed to attach to a shell besides
// the server's own host. Requests without an Origin header are always allowed.
var localOrigins = []string{"localhost:*", "127.0.0.1:*", "[::1]:*"}

type termResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type termExitMsg struct {
	Type       string `json:"type"`
	ExitStatus int    `json:"exit_status"`
}

// ShellStream handles GET /api/v1/shells/{id}/stream.
//
// Outbound binary frames carry shell output; the final text frame is
// {"type":"exit","exit_status":N}. Inbound binary frames are written to the
// shell and inbound text frames {"type":"resize","cols":C,"rows":R} resize
// it. The scrollback is replayed first unless ?replay=false.
func (a *API) ShellStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sub, err := a.Sessions.Subscribe(sessionID, r.URL.Query().Get("replay") != "false")
	if err != nil {
		writeError(w, http.StatusNotFound, "Shell session not found")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: localOrigins,
	})
	if err != nil {
		a.Sessions.Unsubscribe(sub)
		log.Printf("[session-mgr] failed to accept stream for %s: %v", sessionID, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer cancel()
		pumpOutput(ctx, conn, sub)
	}()

	a.readInput(ctx, conn, sessionID)
	cancel()
	a.Sessions.Unsubscribe(sub)
	<-pumpDone
}

// pumpOutput forwards subscription events to the socket until the session
// exits, the subscription is dropped, or ctx ends.
func pumpOutput(ctx context.Context, conn *websocket.Conn, sub *sshterminal.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				if ctx.Err() == nil {
					conn.Close(statusSubscriberDropped, "output subscriber fell behind")
				}
				return
			}
			if ev.Type == sshterminal.EventExit {
				msg, _ := json.Marshal(termExitMsg{Type: "exit", ExitStatus: ev.ExitStatus})
				if err := conn.Write(ctx, websocket.MessageText, msg); err == nil {
					conn.Close(websocket.StatusNormalClosure, "shell exited")
				}
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, ev.Data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readInput relays client frames to the shell until the socket closes.
func (a *API) readInput(ctx context.Context, conn *websocket.Conn, sessionID string) {
	limiter := sshterminal.NewRateLimiter(sshterminal.MessageRateLimit, sshterminal.MessageRateBurst)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		// Rate limit: drop messages that exceed the allowed rate
		if !limiter.Allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > sshterminal.MaxInputMessageSize {
				log.Printf("[session-mgr] input message too large: session=%s size=%d limit=%d",
					sessionID, len(data), sshterminal.MaxInputMessageSize)
				continue
			}
			if res := a.Coordinator.WriteShell(sessionID, data); !res.Success {
				return
			}
			continue
		}

		var msg termResizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" {
			if res := a.Coordinator.ResizeShell(sessionID, msg.Cols, msg.Rows); !res.Success {
				log.Printf("[session-mgr] resize of %s rejected: %s", sessionID, res.Error)
			}
		}
	}
}
