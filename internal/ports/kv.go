package ports

import "context"

// KV is a small persistent key-value capability for cross-restart settings
// such as the scheduler enable/disable toggle.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
}
