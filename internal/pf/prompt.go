package pf

import "context"

// Prompt asks the user for a passphrase. ok is false when the user cancels.
type Prompt interface {
	Ask(ctx context.Context, question string) (answer string, ok bool)

	// AskLooped repeats with retry until validate accepts the answer or the
	// user cancels.
	AskLooped(ctx context.Context, question, retry string, validate func(string) bool) (answer string, ok bool)
}
