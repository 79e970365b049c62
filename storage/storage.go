// Package storage declares the on-disk/remote persistence collaborator used
// to load app manifests, profiles and routing-group definitions. The spec
// lists the concrete drivers (files, eblob, mongo) as external collaborators
// out of scope for this runtime core: this package is interface only.
package storage

import "context"

// Backend is a namespaced key/value document store. Collections group
// related documents (e.g. "manifests", "profiles", "groups").
type Backend interface {
	Read(ctx context.Context, collection, key string) ([]byte, error)
	Write(ctx context.Context, collection, key string, value []byte) error
	Remove(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection string) ([]string, error)
}

// Cas is the optional compare-and-swap façade the spec calls out for the
// Raft replication module: a Backend may additionally implement this to
// support consistent updates across the cluster.
type Cas interface {
	CompareAndSwap(ctx context.Context, collection, key string, expected, value []byte) (bool, error)
}
