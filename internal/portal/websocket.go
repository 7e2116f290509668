package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/api"
	"github.com/ashureev/supportdesk/internal/conversation"
	"github.com/ashureev/supportdesk/internal/transcript"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a client frame.
type wsMessage struct {
	Type  string              `json:"type"`
	Input *conversation.Input `json:"input,omitempty"`
}

// wsFrame is a server frame.
type wsFrame struct {
	Type  string             `json:"type"`
	Entry *transcript.Entry  `json:"entry,omitempty"`
	View  *conversation.View `json:"view,omitempty"`
	Error string             `json:"error,omitempty"`
}

// ServeWS streams the transcript of the caller's conversation and accepts
// inputs on the same socket. ?since skips entries the client already has.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx, m, ok := h.machine(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	customerID := m.CustomerID()
	h.logger.Info("WebSocket connection request", "customer_id", customerID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "customer_id", customerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "customer_id", customerID)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries, unsubscribe := m.Log().Subscribe()
	defer unsubscribe()

	last := since
	for _, e := range m.Log().Since(since) {
		if err := h.writeFrame(ctx, ws, wsFrame{Type: "entry", Entry: &e}); err != nil {
			return
		}
		last = e.Seq
	}
	view := m.View()
	if err := h.writeFrame(ctx, ws, wsFrame{Type: "view", View: &view}); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: client -> conversation.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, m)
	}()

	// Output loop: transcript -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, m.Log(), entries, last)
	}()

	wg.Wait()
	h.logger.Info("WebSocket session ended", "customer_id", customerID)
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, m *conversation.Machine) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "customer_id", m.CustomerID())
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "customer_id", m.CustomerID())
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "malformed frame"})
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeFrame(ctx, ws, wsFrame{Type: "pong"}); err != nil {
				return
			}
		case "input":
			if msg.Input == nil {
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: "missing input"})
				continue
			}
			if err := api.Validate(msg.Input); err != nil {
				view := m.View()
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", View: &view, Error: err.Error()})
				continue
			}
			if !h.registry.Allow(m.CustomerID()) {
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "error", Error: ErrRateLimited.Error()})
				continue
			}
			view, err := m.Dispatch(ctx, *msg.Input)
			frame := wsFrame{Type: "view", View: &view}
			if err != nil {
				if api.StatusFor(err) == http.StatusUnauthorized {
					_ = h.writeFrame(ctx, ws, wsFrame{Type: "unauthorized", Error: "unauthorized"})
					return
				}
				frame.Error = err.Error()
			}
			if err := h.writeFrame(ctx, ws, frame); err != nil {
				return
			}
		}
	}
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, log *transcript.Log, entries <-chan transcript.Entry, after int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, open := <-entries:
			if !open {
				_ = h.writeFrame(ctx, ws, wsFrame{Type: "closed"})
				return
			}
			for _, p := range pending(log, after, e) {
				if err := h.writeFrame(ctx, ws, wsFrame{Type: "entry", Entry: &p}); err != nil {
					return
				}
				after = p.Seq
			}
		}
	}
}

// pending returns the entries to send after the client has seen after and
// the subscription delivered e. The subscription drops entries for slow
// readers, so a gap is filled from the log.
func pending(log *transcript.Log, after int64, e transcript.Entry) []transcript.Entry {
	switch {
	case e.Seq <= after:
		return nil
	case e.Seq == after+1:
		return []transcript.Entry{e}
	default:
		return log.Since(after)
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}
