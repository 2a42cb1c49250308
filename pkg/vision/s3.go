package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client abstracts the S3 API operations used by [S3AssetStore]. The
// [s3.Client] type satisfies it.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3AssetStore keeps image assets in S3 or any S3-compatible object store
// (MinIO, R2). Object keys follow the same session/day layout as the local
// store, under an optional prefix. The caller configures the client with
// credentials, region, and endpoint.
type S3AssetStore struct {
	client          S3Client
	bucket          string
	prefix          string
	maxFiles        int
	cleanupInterval int

	mu     sync.Mutex
	writes int
}

// NewS3AssetStore builds an S3-backed asset store. maxFiles and
// cleanupInterval default to 5000 and 100; prefix may be "".
func NewS3AssetStore(client S3Client, bucket, prefix string, maxFiles, cleanupInterval int) *S3AssetStore {
	if maxFiles <= 0 {
		maxFiles = 5000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 100
	}
	return &S3AssetStore{
		client:          client,
		bucket:          bucket,
		prefix:          prefix,
		maxFiles:        maxFiles,
		cleanupInterval: cleanupInterval,
	}
}

func (s *S3AssetStore) key(rel string) string {
	if s.prefix == "" {
		return rel
	}
	return s.prefix + "/" + rel
}

func (s *S3AssetStore) rel(key string) string {
	if s.prefix == "" {
		return key
	}
	return key[len(s.prefix)+1:]
}

// Persist uploads the image unless the key already exists and returns its
// asset URI, plus any URIs evicted by the periodic cleanup.
func (s *S3AssetStore) Persist(ctx context.Context, sessionID string, imageBytes []byte, mime, imageHash string, tsMS int64) (string, []string, error) {
	rel := assetRelPath(sessionID, mime, imageHash, tsMS)
	key := s.key(rel)

	exists, err := s.exists(ctx, key)
	if err != nil {
		return "", nil, err
	}
	if !exists {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(imageBytes),
			ContentType: aws.String(mime),
		})
		if err != nil {
			return "", nil, fmt.Errorf("vision: s3 put %s: %w", key, err)
		}
	}

	var deleted []string
	s.mu.Lock()
	s.writes++
	due := s.writes >= s.cleanupInterval
	if due {
		s.writes = 0
	}
	s.mu.Unlock()
	if due {
		deleted, err = s.Cleanup(ctx)
		if err != nil {
			return URIPrefix + rel, nil, err
		}
	}
	return URIPrefix + rel, deleted, nil
}

// Cleanup lists the prefix and deletes the oldest objects beyond the
// retention bound, returning their asset URIs.
func (s *S3AssetStore) Cleanup(ctx context.Context) ([]string, error) {
	type entry struct {
		key      string
		modified int64
	}
	var objects []entry
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("vision: s3 list: %w", err)
		}
		for _, obj := range out.Contents {
			e := entry{key: aws.ToString(obj.Key)}
			if obj.LastModified != nil {
				e.modified = obj.LastModified.UnixMilli()
			}
			objects = append(objects, e)
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	overflow := len(objects) - s.maxFiles
	if overflow <= 0 {
		return nil, nil
	}
	sort.Slice(objects, func(i, j int) bool {
		if objects[i].modified == objects[j].modified {
			return objects[i].key < objects[j].key
		}
		return objects[i].modified < objects[j].modified
	})
	var deleted []string
	for _, obj := range objects[:overflow] {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(obj.key),
		})
		if err != nil {
			continue
		}
		deleted = append(deleted, URIPrefix+s.rel(obj.key))
	}
	return deleted, nil
}

func (s *S3AssetStore) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

var _ AssetStore = (*S3AssetStore)(nil)
var _ AssetStore = (*LocalAssetStore)(nil)
