// Package blobstore is the content-addressed object storage abstraction that
// backs every write the versioned pipeline commits. A concrete Store hides
// whatever object backend a bucket quadruple (records/versions/content/backups)
// actually lives on behind one capability interface so the rest of chronos-db
// never branches on transport.
package blobstore

import (
	"context"
	"time"
)

// PutResult is returned by every write operation. Size and SHA256 are
// computed from the bytes actually written, independent of what the caller
// claims the payload is.
type PutResult struct {
	Size   int64
	SHA256 string
}

// HeadInfo describes an object without fetching its body.
type HeadInfo struct {
	ContentLength int64
	ContentType   string
	LastModified  time.Time
	ETag          string
	Metadata      map[string]string
}

// ListResult is one page of a prefix listing.
type ListResult struct {
	Keys       []string
	NextToken  string
	IsComplete bool
}

// ListOptions bounds a List call.
type ListOptions struct {
	MaxKeys           int
	ContinuationToken string
}

// Store is the capability set every component (blobstore consumer) depends
// on. Two concrete variants exist: an S3-backed Store for production and a
// local-filesystem Store for single-node / test deployments; call sites
// never see past this interface.
type Store interface {
	// PutJSON marshals obj and writes it to bucket/key with content type
	// application/json.
	PutJSON(ctx context.Context, bucket, key string, obj interface{}) (PutResult, error)

	// PutRaw writes bytes verbatim. contentType defaults to
	// application/octet-stream when empty.
	PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error)

	// Get fetches an object's full body.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Head returns object metadata without its body. Returns a NotFound
	// ServiceError when the key does not exist.
	Head(ctx context.Context, bucket, key string) (HeadInfo, error)

	// Del removes an object. Deleting a missing key is not an error.
	Del(ctx context.Context, bucket, key string) error

	// List enumerates keys under prefix, paginated.
	List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error)

	// PresignGet returns a time-limited URL for a direct GET.
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

	// Copy duplicates an object within or across buckets.
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
}

// BucketSet is the quadruple every routed database resolves to. A legacy
// single-bucket config is accepted through Resolve, which fans that one
// bucket out to all four roles.
type BucketSet struct {
	Records  string
	Versions string
	Content  string
	Backups  string
}

// Resolve returns b unchanged when its Records bucket is set; otherwise it
// returns a set with legacyBucket (a legacy single-bucket config) in all
// four roles.
func (b BucketSet) Resolve(legacyBucket string) BucketSet {
	if b.Records != "" {
		return b
	}
	return BucketSet{
		Records:  legacyBucket,
		Versions: legacyBucket,
		Content:  legacyBucket,
		Backups:  legacyBucket,
	}
}
