package session

import (
	"context"
	"fmt"

	"github.com/murmurapp/murmur/internal/ipc"
)

// Handle dispatches a control-socket command against the controller.
// Rejections surface in the response; they never disturb the session.
func (c *Controller) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case ipc.CommandStatus:
		status := c.Status()
		return ipc.Response{
			OK:        true,
			State:     status.State,
			SessionID: status.SessionID,
			ElapsedMS: status.Elapsed.Milliseconds(),
		}

	case ipc.CommandPause:
		if err := c.Pause(); err != nil {
			return c.errorResponse(err)
		}
		return ipc.Response{OK: true, State: string(c.State()), Message: "paused"}

	case ipc.CommandResume:
		if err := c.Resume(); err != nil {
			return c.errorResponse(err)
		}
		return ipc.Response{OK: true, State: string(c.State()), Message: "resumed"}

	case ipc.CommandStop:
		summary, err := c.Stop(ctx)
		if err != nil {
			return c.errorResponse(err)
		}
		return ipc.Response{
			OK:        true,
			State:     string(c.State()),
			SessionID: summary.SessionID,
			ElapsedMS: summary.Duration.Milliseconds(),
			Message:   fmt.Sprintf("stopped: %d chunks delivered", summary.ChunkCount),
		}

	default:
		return ipc.Response{
			OK:    false,
			State: string(c.State()),
			Error: fmt.Sprintf("unknown command %q", req.Command),
		}
	}
}

func (c *Controller) errorResponse(err error) ipc.Response {
	return ipc.Response{
		OK:    false,
		State: string(c.State()),
		Error: err.Error(),
	}
}
