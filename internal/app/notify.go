package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"passfiles/internal/pf"
)

// ConsoleNotifier prints user-visible notifications, colored by level.
type ConsoleNotifier struct {
	w  io.Writer
	mu sync.Mutex
}

// NewConsoleNotifier creates a notifier writing to w.
func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	return &ConsoleNotifier{w: w}
}

func (n *ConsoleNotifier) Notify(level pf.Level, message string) {
	var prefix string
	switch level {
	case pf.LevelError:
		prefix = color.RedString("✗")
	case pf.LevelWarning:
		prefix = color.YellowString("⚠")
	default:
		prefix = color.GreenString("✓")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "%s %s\n", prefix, message)
}

var _ pf.Notifier = (*ConsoleNotifier)(nil)
