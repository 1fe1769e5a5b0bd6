// Package storage reads and writes objects in named buckets. RESTStore talks
// to the hosted storage HTTP API; RedisStore keeps objects in Redis for local
// runs and tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrObjectNotFound is returned when the object does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")
	// ErrObjectExists is returned by a non-upsert upload over an existing
	// object.
	ErrObjectExists = errors.New("storage: object already exists")
)

// UploadOptions control how an object is written.
type UploadOptions struct {
	ContentType  string
	CacheControl string
	Upsert       bool
}

// Store is an object store.
type Store interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
	Upload(ctx context.Context, bucket, path string, data []byte, opts UploadOptions) error
}

// checkObject rejects empty bucket names and paths that could escape the
// bucket.
func checkObject(bucket, path string) error {
	if bucket == "" || strings.ContainsAny(bucket, "/:") {
		return fmt.Errorf("storage: invalid bucket %q", bucket)
	}
	if path == "" || strings.HasPrefix(path, "/") {
		return fmt.Errorf("storage: invalid object path %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return fmt.Errorf("storage: invalid object path %q", path)
		}
	}
	return nil
}
