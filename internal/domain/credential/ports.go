package credential

import "context"

// Store persists service credentials. The relational backing store lives
// outside this pipeline; the worker and refresh manager only depend on this
// port.
type Store interface {
	// GetByUserProvider returns the credential a user holds with a provider,
	// or ErrNotFound.
	GetByUserProvider(ctx context.Context, userID, provider string) (*ServiceCredential, error)

	// Save persists the credential, replacing any existing record for the
	// same (user, provider) pair.
	Save(ctx context.Context, cred *ServiceCredential) error
}
