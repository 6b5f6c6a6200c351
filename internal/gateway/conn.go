package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/huddle/chat-app/internal/controller"
	"github.com/huddle/chat-app/internal/protocol"
)

// opTimeout bounds controller operations triggered by a client frame so a
// slow store cannot wedge the read loop.
const opTimeout = 10 * time.Second

// clientConn serves one websocket client. Reads happen on the serve
// goroutine; writes come from both the read loop (command responses) and
// the controller's view/error callbacks, serialized by writeMu.
type clientConn struct {
	server   *Server
	raw      net.Conn
	username string
	ctrl     *controller.Controller
	done     chan struct{}

	writeMu sync.Mutex
}

func (c *clientConn) serve() {
	defer func() {
		close(c.done)
		if err := c.ctrl.LeaveRoom(); err != nil {
			log.Printf("gateway: leave on disconnect user=%s: %v", c.username, err)
		}
		c.raw.Close()
		c.server.conns.Add(-1)
		log.Printf("gateway: connection closed user=%s (total=%d)", c.username, c.server.conns.Load())
	}()

	c.ctrl = controller.New(c.server.store, c.server.transport, c.username, c.pushView, controller.Options{
		HistoryLimit: c.server.config.HistoryLimit,
	})
	go c.pumpErrors()

	for {
		data, err := wsutil.ReadClientText(c.raw)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				log.Printf("gateway: read user=%s: %v", c.username, err)
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch decodes one client frame and runs the matching controller
// operation. Failures are reported on the socket; only a write failure
// ends the connection (the read loop notices on its next read).
func (c *clientConn) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.writeError("", "malformed frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch env.Type {
	case protocol.TypeJoin:
		var p protocol.JoinPayload
		if err := env.Decode(&p); err != nil || p.Room == "" {
			c.writeError(env.Type, "join requires a room")
			return
		}
		if err := c.ctrl.SwitchRoom(ctx, p.Room); err != nil {
			c.writeError(env.Type, err.Error())
		}

	case protocol.TypeSend:
		var p protocol.SendPayload
		if err := env.Decode(&p); err != nil {
			c.writeError(env.Type, "malformed send payload")
			return
		}
		if err := c.ctrl.SendMessage(ctx, p.Content); err != nil {
			c.writeError(env.Type, err.Error())
		}

	case protocol.TypeDelete:
		var p protocol.DeletePayload
		if err := env.Decode(&p); err != nil || p.ID == "" {
			c.writeError(env.Type, "delete requires an id")
			return
		}
		if err := c.ctrl.DeleteMessage(ctx, p.ID); err != nil {
			c.writeError(env.Type, err.Error())
		}

	case protocol.TypeSearch:
		var p protocol.SearchPayload
		if err := env.Decode(&p); err != nil {
			c.writeError(env.Type, "malformed search payload")
			return
		}
		results, err := c.ctrl.SearchMessages(ctx, p.Term)
		if err != nil {
			c.writeError(env.Type, err.Error())
			return
		}
		c.writeFrame(protocol.SearchResultsFrame{
			Type:    protocol.TypeSearchResults,
			Term:    p.Term,
			Results: results,
		})

	case protocol.TypeLeave:
		if err := c.ctrl.LeaveRoom(); err != nil {
			c.writeError(env.Type, err.Error())
		}

	case protocol.TypePing:
		c.writeFrame(protocol.PongFrame{Type: protocol.TypePong})

	default:
		c.writeError(env.Type, "unknown frame type")
	}
}

// pushView forwards every recomputed room view to the client.
func (c *clientConn) pushView(v controller.RoomView) {
	select {
	case <-c.done:
		return
	default:
	}
	c.writeFrame(protocol.ViewFrame{
		Type:     protocol.TypeView,
		Room:     v.Room,
		Messages: v.Messages,
		Online:   v.Online,
		Status:   v.Status,
	})
}

// pumpErrors forwards asynchronous controller errors to the client.
func (c *clientConn) pumpErrors() {
	for {
		select {
		case <-c.done:
			return
		case err := <-c.ctrl.Errors():
			c.writeError("", err.Error())
		}
	}
}

func (c *clientConn) writeError(op, msg string) {
	c.writeFrame(protocol.ErrorFrame{Type: protocol.TypeError, Op: op, Message: msg})
}

func (c *clientConn) writeFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("gateway: marshal frame user=%s: %v", c.username, err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.server.config.WriteTimeout > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
	}
	if err := wsutil.WriteServerMessage(c.raw, ws.OpText, data); err != nil {
		log.Printf("gateway: write user=%s: %v", c.username, err)
	}
}
