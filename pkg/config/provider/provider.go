// Package provider abstracts where configuration bytes come from.
package provider

import "context"

// Type identifies a provider implementation.
type Type string

const TypeFile Type = "file"

// Provider loads raw configuration bytes and optionally watches for
// changes.
type Provider interface {
	Type() Type
	Load(ctx context.Context) ([]byte, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}
