package web

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/voicewire/go-widget/pkg/call"
	"github.com/voicewire/go-widget/pkg/hub"
	"github.com/voicewire/go-widget/pkg/media"
)

// Command is one control instruction from the harness UI.
type Command struct {
	Action string `json:"action"` // start, end, reset, mute, send_text
	Muted  bool   `json:"muted,omitempty"`
	Text   string `json:"text,omitempty"`
}

// CommandResult acknowledges a control instruction.
type CommandResult struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleState returns the current call snapshot.
func (s *Server) handleState(c *fiber.Ctx) error {
	return c.JSON(s.call.Snapshot())
}

// handleStateWS streams call snapshots to the client until it
// disconnects.
func (s *Server) handleStateWS(conn *websocket.Conn) {
	hub.NewClient(s.stateHub, conn).Run()
}

// handleControlWS reads commands off the socket and applies them to
// the call, acknowledging each one. State changes reach the client via
// the state stream, not here.
func (s *Server) handleControlWS(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.writeResult(conn, CommandResult{OK: false, Error: "malformed command"})
			continue
		}

		s.writeResult(conn, s.apply(cmd))
	}
}

func (s *Server) apply(cmd Command) CommandResult {
	res := CommandResult{Action: cmd.Action, OK: true}

	var err error
	switch cmd.Action {
	case "start":
		err = s.call.Start(context.Background())
	case "end":
		s.call.End()
	case "reset":
		err = s.call.Reset()
	case "mute":
		err = s.call.SetMuted(cmd.Muted)
	case "send_text":
		err = s.call.SendText(cmd.Text)
	default:
		err = errors.New("unknown action")
	}

	if err != nil {
		res.OK = false
		res.Error = commandError(err)
		s.logger.Debug("command rejected", "action", cmd.Action, "error", err)
	}
	return res
}

// commandError maps internal errors to stable strings for the UI.
func commandError(err error) string {
	switch {
	case errors.Is(err, call.ErrAlreadyInProgress):
		return "call already in progress"
	case errors.Is(err, media.ErrNotConnected):
		return "no active call"
	default:
		return err.Error()
	}
}
