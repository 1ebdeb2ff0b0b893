// Package ws bridges a browser terminal to a shell rooted in a sandbox
// workspace over a WebSocket.
package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/framewright/backend/internal/domain/sandbox"
	"github.com/framewright/backend/internal/infrastructure/logging"
	"github.com/framewright/backend/internal/infrastructure/monitoring"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The API sits behind the canvas backend, which owns auth.
		return true
	},
}

// controlMessage is the only structured frame the client sends; everything
// else is raw keystrokes.
type controlMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Terminal attaches interactive shells to sandbox workspaces. The workspace
// directory is shared with the sandbox runtime, so a host shell sees the
// same tree the dev server compiles.
type Terminal struct {
	manager *sandbox.Manager
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

func NewTerminal(manager *sandbox.Manager, logger *logging.Logger) *Terminal {
	return &Terminal{manager: manager, logger: logger}
}

// WithMetrics adds the active-terminal gauge.
func (t *Terminal) WithMetrics(metrics *monitoring.Metrics) *Terminal {
	t.metrics = metrics
	return t
}

// Attach handles GET /sandboxes/:id/terminal.
func (t *Terminal) Attach(c *gin.Context) {
	id := c.Param("id")
	inst, ok := t.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "sandbox not found"})
		return
	}
	if !inst.Status.Routable() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sandbox is " + string(inst.Status)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.logger.Warn("terminal upgrade failed", zap.String("sandbox", id), zap.Error(err))
		return
	}
	defer conn.Close()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = inst.Workspace
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		t.logger.Error("terminal start failed", zap.String("sandbox", id), zap.Error(err))
		conn.WriteMessage(websocket.TextMessage, []byte("failed to start shell: "+err.Error()))
		return
	}

	if t.metrics != nil {
		t.metrics.TerminalsActive.Inc()
		defer t.metrics.TerminalsActive.Dec()
	}
	t.logger.Info("terminal attached", zap.String("sandbox", id))

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			ptmx.Close()
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
			conn.Close()
		})
	}
	defer closeAll()

	// Shell output to the socket.
	var writeMu sync.Mutex
	go func() {
		defer closeAll()
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				writeMu.Lock()
				werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
				writeMu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	// Keystrokes and resize frames from the socket.
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		t.manager.Touch(id)

		if kind == websocket.TextMessage {
			var msg controlMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "resize" {
				pty.Setsize(ptmx, &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows})
				continue
			}
		}
		if _, err := ptmx.Write(data); err != nil && err != io.ErrShortWrite {
			break
		}
	}

	// Close the PTY before reaping so the shell actually exits.
	closeAll()
	cmd.Wait()
}
