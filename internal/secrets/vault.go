// Package secrets encrypts durable global variables at rest. The vault
// wraps the store's global key-value surface with AES-256-GCM; values only
// ever exist decrypted in memory.
package secrets

import "context"

// KV is the minimal persistence interface the vault needs.
// Satisfied by store.Store.
type KV interface {
	SetGlobal(ctx context.Context, name string, value []byte) error
	GetGlobal(ctx context.Context, name string) ([]byte, bool, error)
}

// Vault stores and resolves encrypted values.
type Vault interface {
	Store(ctx context.Context, key string, value []byte) error
	Resolve(ctx context.Context, key string) ([]byte, bool, error)
}
