package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// LocalStore is a single-node Store variant that lays buckets out as
// directories under basePath. It exists for local development and the test
// suite; it implements the same capability interface as S3Store so the rest
// of chronos-db never knows which one it is talking to.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a LocalStore rooted at basePath, creating it if
// necessary.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, svcerrors.Wrap(svcerrors.KindStorage, "create local storage root", 500, err)
	}
	return &LocalStore{basePath: basePath}, nil
}

func (l *LocalStore) path(bucket, key string) string {
	return filepath.Join(l.basePath, bucket, filepath.FromSlash(sanitizeKey(key)))
}

func (l *LocalStore) PutJSON(ctx context.Context, bucket, key string, obj interface{}) (PutResult, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return PutResult{}, svcerrors.Wrap(svcerrors.KindStorage, "marshal json blob", 500, err)
	}
	return l.PutRaw(ctx, bucket, key, data, "application/json")
}

func (l *LocalStore) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error) {
	full := l.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return PutResult{}, svcerrors.Storage("putRaw", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return PutResult{}, svcerrors.Storage("putRaw", err)
	}
	sum := sha256.Sum256(data)
	return PutResult{Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, nil
}

func (l *LocalStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, svcerrors.NotFound("blob", key)
		}
		return nil, svcerrors.Storage("get", err)
	}
	return data, nil
}

func (l *LocalStore) Head(ctx context.Context, bucket, key string) (HeadInfo, error) {
	info, err := os.Stat(l.path(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return HeadInfo{}, svcerrors.NotFound("blob", key)
		}
		return HeadInfo{}, svcerrors.Storage("head", err)
	}
	return HeadInfo{
		ContentLength: info.Size(),
		LastModified:  info.ModTime(),
	}, nil
}

func (l *LocalStore) Del(ctx context.Context, bucket, key string) error {
	if err := os.Remove(l.path(bucket, key)); err != nil && !os.IsNotExist(err) {
		return svcerrors.Storage("del", err)
	}
	return nil
}

func (l *LocalStore) List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error) {
	root := filepath.Join(l.basePath, bucket)
	var keys []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			keys = append(keys, rel)
		}
		return nil
	})
	if err != nil {
		return ListResult{}, svcerrors.Storage("list", err)
	}
	sort.Strings(keys)
	if opts.MaxKeys > 0 && len(keys) > opts.MaxKeys {
		keys = keys[:opts.MaxKeys]
		return ListResult{Keys: keys, IsComplete: false}, nil
	}
	return ListResult{Keys: keys, IsComplete: true}, nil
}

func (l *LocalStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("file://%s?ttl=%s", l.path(bucket, key), ttl), nil
}

func (l *LocalStore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, err := l.Get(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	_, err = l.PutRaw(ctx, dstBucket, dstKey, data, "")
	return err
}
