package alerts

import (
	"fmt"
	"log/slog"
	"os/exec"
)

// LogNotifier writes notifications to the structured log. Default backend for
// headless deployments.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(title, body, tag string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "title", title, "body", body, "tag", tag)
	return nil
}

// CommandNotifier shells out to a desktop notification command, e.g.
// notify-send on Linux. Arguments are the title and body.
type CommandNotifier struct {
	Command string
}

func (n *CommandNotifier) Notify(title, body, tag string) error {
	if n.Command == "" {
		return fmt.Errorf("no notify command configured")
	}
	return exec.Command(n.Command, title, body).Run()
}

// NopSound discards every cue.
type NopSound struct{}

func (NopSound) Play(string) error { return nil }
