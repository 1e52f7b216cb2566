package pf

// Level is the severity of a user-visible notification.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Notifier delivers user-visible messages. Every terminal failure produces
// exactly one notification.
type Notifier interface {
	Notify(level Level, message string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(Level, string) {}
