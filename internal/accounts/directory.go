package accounts

import "context"

// Directory is the account source a worker reads and writes back to.
// SetField reports false (nil error) when no row matched the identity.
type Directory interface {
	List(ctx context.Context, device string) ([]Record, error)
	SetField(ctx context.Context, device, identity string, field Field, value string) (bool, error)
	// Revision is a change token; equal tokens mean List would return the same rows.
	Revision(ctx context.Context, device string) (string, error)
}

// BlessStore persists the per-device bless document.
type BlessStore interface {
	LoadBless(ctx context.Context, device string) (BlessConfig, error)
	SaveBless(ctx context.Context, device string, cfg BlessConfig) error
}

var (
	_ Directory  = (*FileStore)(nil)
	_ BlessStore = (*FileStore)(nil)
	_ Directory  = (*PGDirectory)(nil)
)
