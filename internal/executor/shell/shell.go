package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// Shell runs a host command and treats a non-zero exit as an execution
// failure, preserving the combined output in the error detail.
type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (h Shell) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell command failed: %w; out=%s", err, string(out))
	}
	return nil
}
