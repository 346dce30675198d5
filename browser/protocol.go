package browser

import (
	"encoding/json"
	"fmt"
)

// CommandName tags the messages exchanged with a driver process.
type CommandName string

const (
	CommandStop       CommandName = "stop"
	CommandScreenshot CommandName = "screenshot"
)

// CapabilitiesArg is the single argument that makes a driver print its capabilities.
const CapabilitiesArg = "capabilities"

// Command is a message sent to a driver on its stdin, one JSON object per line.
type Command struct {
	Command  CommandName `json:"command"`
	ID       uint64      `json:"id,omitempty"`
	Filename string      `json:"filename,omitempty"`
}

// StopCommand asks the driver to shut down cleanly.
func StopCommand() Command {
	return Command{Command: CommandStop}
}

// ScreenshotCommand asks the driver to write a screenshot to filename and
// reply with the same id.
func ScreenshotCommand(id uint64, filename string) Command {
	return Command{Command: CommandScreenshot, ID: id, Filename: filename}
}

// Reply is a message a driver writes on its message channel (fd 3).
type Reply struct {
	Command CommandName `json:"command"`
	ID      uint64      `json:"id,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Validate checks that a decoded command is one the protocol defines.
func (c Command) Validate() error {
	switch c.Command {
	case CommandStop:
		return nil
	case CommandScreenshot:
		if c.ID == 0 || c.Filename == "" {
			return fmt.Errorf("screenshot command requires id and filename")
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", c.Command)
}

// DriverConfig is the per-attempt payload written to browser.json and passed
// to the driver as its only argument.
type DriverConfig struct {
	Modules map[string]string `json:"modules"`
	URL     string            `json:"url"`
	Retry   int               `json:"retry"`
	Scripts []string          `json:"scripts"`
	Args    []string          `json:"args"`
}

// DecodeCommand parses one command line.
func DecodeCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, cmd.Validate()
}
