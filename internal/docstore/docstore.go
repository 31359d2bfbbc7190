package docstore

import (
	"context"
	"errors"
	"time"
)

// Общие ошибки хранилища документов
var (
	ErrNotFound = errors.New("document not found")
	ErrOffline  = errors.New("store offline")
)

// Document is one versioned record in the store
type Document struct {
	Key       string
	Data      []byte
	Revision  int64
	UpdatedAt time.Time
	Deleted   bool // true on watch emissions for a removed document
}

// WatchFunc receives document emissions for one key. The first emission is
// the current state of the document (when it exists), then one per change.
type WatchFunc func(doc *Document)

// CancelFunc detaches a watch. Safe to call more than once.
type CancelFunc func()

// Store is a document-oriented real-time store with per-document subscription.
// Mutations require connectivity and fail fast with ErrOffline.
type Store interface {
	Get(ctx context.Context, key string) (*Document, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Watch(key string, fn WatchFunc) CancelFunc
	OnConnectivityChange(fn func(online bool)) CancelFunc
	Online() bool
}
