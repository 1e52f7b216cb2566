package pf

import "context"

// Counter hands out monotonically increasing values per sequence name,
// durable across restarts. It is the source of local placeholder ids.
type Counter interface {
	NextValue(ctx context.Context, sequence string) (int64, error)
}
