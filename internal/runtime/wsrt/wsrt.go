// Package wsrt drives agent workers through a remote worker gateway
// over a single websocket. One JSON frame per instruction goes out;
// worker reports stream back on the same connection.
package wsrt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/davidkimai/godel-sub001/internal/runtime"
)

// Frame ops.
const (
	opSpawn = "spawn"
	opSend  = "send"
	opStop  = "stop"
)

type frame struct {
	Op      string            `json:"op"`
	AgentID string            `json:"agent_id"`
	SwarmID string            `json:"swarm_id,omitempty"`
	Model   string            `json:"model,omitempty"`
	Task    string            `json:"task,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Message *runtime.Message  `json:"message,omitempty"`
}

type Runtime struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	events  chan runtime.Event
}

// Dial connects to the worker gateway and starts reading its report
// stream.
func Dial(gatewayURL string) (*Runtime, error) {
	conn, _, err := websocket.DefaultDialer.Dial(gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial worker gateway: %w", err)
	}

	r := &Runtime{
		conn:   conn,
		events: make(chan runtime.Event, 256),
	}
	go r.readLoop()
	return r, nil
}

func (r *Runtime) readLoop() {
	defer r.once.Do(func() { close(r.events) })
	for {
		var ev runtime.Event
		if err := r.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("worker gateway read failed", "error", err)
			}
			return
		}
		r.events <- ev
	}
}

func (r *Runtime) write(ctx context.Context, f frame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetWriteDeadline(deadline)
	}
	if err := r.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("gateway write: %w", err)
	}
	return nil
}

func (r *Runtime) Spawn(ctx context.Context, spec runtime.Spec) (runtime.Handle, error) {
	err := r.write(ctx, frame{
		Op:      opSpawn,
		AgentID: spec.AgentID,
		SwarmID: spec.SwarmID,
		Model:   spec.Model,
		Task:    spec.Task,
		Env:     spec.Env,
	})
	if err != nil {
		return runtime.Handle{}, err
	}
	return runtime.Handle{AgentID: spec.AgentID, ID: spec.AgentID}, nil
}

func (r *Runtime) Send(ctx context.Context, h runtime.Handle, msg runtime.Message) error {
	return r.write(ctx, frame{Op: opSend, AgentID: h.AgentID, Message: &msg})
}

func (r *Runtime) Stop(ctx context.Context, h runtime.Handle) error {
	return r.write(ctx, frame{Op: opStop, AgentID: h.AgentID})
}

func (r *Runtime) Events() <-chan runtime.Event {
	return r.events
}

func (r *Runtime) Close() error {
	r.writeMu.Lock()
	_ = r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	r.writeMu.Unlock()
	return r.conn.Close()
}
