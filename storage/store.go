// Package storage provides object storage for training media and artifacts.
package storage

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned when a key does not exist
var ErrObjectNotFound = errors.New("object not found")

// Object is a stored blob
type Object struct {
	Body        []byte
	ContentType string
}

// ObjectStore is a bucket/key blob store
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (*Object, error)
	Put(ctx context.Context, bucket, key string, obj *Object) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// List returns every key under prefix in lexical order
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}
