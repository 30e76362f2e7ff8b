package storage

import (
	"context"
	"fmt"
	"strings"
)

// Store reads and writes snapshot bytes at one location.
type Store interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Location returns the path or URI the store was opened with.
	Location() string
}

// AWSOptions select the credentials used for s3:// locations.
type AWSOptions struct {
	Profile string
	Region  string
}

// IsS3 reports whether location is an s3:// URI.
func IsS3(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// Open returns the store for location: an s3://bucket/key URI or a local
// path.
func Open(ctx context.Context, location string, aws AWSOptions) (Store, error) {
	if location == "" {
		return nil, fmt.Errorf("no snapshot location given")
	}
	if !IsS3(location) {
		return NewFileStore(location), nil
	}
	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}
	api, err := NewS3Client(ctx, aws)
	if err != nil {
		return nil, err
	}
	return NewS3Store(api, bucket, key), nil
}

// ParseS3URI splits "s3://bucket/key" into bucket and key. Both must be
// non-empty.
func ParseS3URI(uri string) (string, string, error) {
	if !IsS3(uri) {
		return "", "", fmt.Errorf("not an s3 URI: %s", uri)
	}
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" || strings.HasSuffix(key, "/") {
		return "", "", fmt.Errorf("s3 URI must name a bucket and an object key: %s", uri)
	}
	return bucket, key, nil
}
