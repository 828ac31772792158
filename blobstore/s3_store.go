package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	svcerrors "github.com/nx-intelligence/chronos-db/infrastructure/errors"
)

// S3Client is the subset of *s3.Client the store depends on, narrowed so
// tests can supply a fake.
type S3Client interface {
	manager.UploadAPIClient
	manager.DownloadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// S3Store is the production object-store variant of Store, backed by the AWS
// S3 SDK v2 (or any S3-compatible endpoint reachable with it).
type S3Store struct {
	client     S3Client
	presignCli *s3.PresignClient
	uploader   *manager.Uploader
}

// NewS3Store wraps an already-configured *s3.Client.
func NewS3Store(client *s3.Client) *S3Store {
	return &S3Store{
		client:     client,
		presignCli: s3.NewPresignClient(client),
		uploader:   manager.NewUploader(client),
	}
}

func (s *S3Store) PutJSON(ctx context.Context, bucket, key string, obj interface{}) (PutResult, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return PutResult{}, svcerrors.Wrap(svcerrors.KindStorage, "marshal json blob", 500, err)
	}
	return s.PutRaw(ctx, bucket, key, data, "application/json")
}

func (s *S3Store) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key = sanitizeKey(key)
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"sha256": hexSum},
	})
	if err != nil {
		return PutResult{}, svcerrors.Storage("putRaw", err)
	}
	return PutResult{Size: int64(len(data)), SHA256: hexSum}, nil
}

func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, svcerrors.NotFound("blob", key)
		}
		return nil, svcerrors.Storage("get", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, svcerrors.Storage("get", err)
	}
	return data, nil
}

func (s *S3Store) Head(ctx context.Context, bucket, key string) (HeadInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return HeadInfo{}, svcerrors.NotFound("blob", key)
		}
		return HeadInfo{}, svcerrors.Storage("head", err)
	}
	info := HeadInfo{
		Metadata: out.Metadata,
	}
	if out.ContentLength != nil {
		info.ContentLength = *out.ContentLength
	}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	if out.ETag != nil {
		info.ETag = *out.ETag
	}
	return info, nil
}

func (s *S3Store) Del(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(sanitizeKey(key)),
	})
	if err != nil {
		return svcerrors.Storage("del", err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	if opts.MaxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return ListResult{}, svcerrors.Storage("list", err)
	}
	res := ListResult{IsComplete: !aws.ToBool(out.IsTruncated)}
	for _, obj := range out.Contents {
		res.Keys = append(res.Keys, aws.ToString(obj.Key))
	}
	if out.NextContinuationToken != nil {
		res.NextToken = *out.NextContinuationToken
	}
	return res, nil
}

func (s *S3Store) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	req, err := s.presignCli.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(sanitizeKey(key)),
	}, func(po *s3.PresignOptions) {
		po.Expires = ttl
	})
	if err != nil {
		return "", svcerrors.Storage("presignGet", err)
	}
	return req.URL, nil
}

func (s *S3Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(sanitizeKey(dstKey)),
		CopySource: aws.String(fmt.Sprintf("%s/%s", srcBucket, sanitizeKey(srcKey))),
	})
	if err != nil {
		return svcerrors.Storage("copy", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	var nsk *s3.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3.NotFound
	return errors.As(err, &nf)
}
