// Package s3 implements the blob store on Amazon S3 or a compatible service
// (MinIO, Localstack).
//
// Each blob is a single object keyed by its content hash under an optional
// key prefix. Commit uploads the staged file and removes it locally; the
// bucket itself provides the atomicity of the final PutObject.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/flatironinstitute/kbucket/pkg/store/blob"
)

// S3BlobStoreConfig configures an S3BlobStore.
type S3BlobStoreConfig struct {
	// Client is a configured S3 client.
	Client *awss3.Client

	// Bucket is the bucket holding blob objects.
	Bucket string

	// KeyPrefix is prepended to every object key (optional).
	KeyPrefix string
}

// S3BlobStore implements blob.Store on an S3 bucket.
type S3BlobStore struct {
	client    *awss3.Client
	bucket    string
	keyPrefix string
}

// NewS3BlobStore creates an S3-backed blob store.
func NewS3BlobStore(ctx context.Context, cfg S3BlobStoreConfig) (*S3BlobStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("s3 blob store: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 blob store: bucket is required")
	}
	return &S3BlobStore{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (s *S3BlobStore) objectKey(hash string) string {
	if s.keyPrefix == "" {
		return hash
	}
	return path.Join(s.keyPrefix, hash)
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// Exists reports whether a blob with the given hash is present.
func (s *S3BlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	if !blob.ValidHash(hash) {
		return false, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence in S3: %w", err)
	}
	return true, nil
}

// Stat returns the record for a committed blob.
func (s *S3BlobStore) Stat(ctx context.Context, hash string) (*blob.Record, error) {
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	head, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to stat blob in S3: %w", err)
	}
	return &blob.Record{Hash: hash, Size: aws.ToInt64(head.ContentLength)}, nil
}

// Commit uploads the staged file under the blob's key and removes the staged
// file. An existing object with the expected size is treated as a duplicate;
// a size conflict returns blob.ErrStoreCorruption and the staged file is
// left in place.
func (s *S3BlobStore) Commit(ctx context.Context, stagedPath, hash string, expectedSize int64) (*blob.Record, error) {
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	staged, err := os.Stat(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat staged file: %w", err)
	}
	if staged.Size() != expectedSize {
		return nil, fmt.Errorf("staged file %s is %d bytes, expected %d: %w",
			stagedPath, staged.Size(), expectedSize, blob.ErrStagedSizeMismatch)
	}

	existing, err := s.Stat(ctx, hash)
	if err == nil {
		if existing.Size != expectedSize {
			return nil, fmt.Errorf("blob %s exists with size %d, staged size %d: %w",
				hash, existing.Size, expectedSize, blob.ErrStoreCorruption)
		}
		if err := os.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to discard duplicate staged file: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, blob.ErrBlobNotFound) {
		return nil, err
	}

	f, err := os.Open(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged file: %w", err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(hash)),
		Body:          f,
		ContentLength: aws.Int64(expectedSize),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob to S3: %w", err)
	}

	if err := os.Remove(stagedPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove staged file after upload: %w", err)
	}
	return &blob.Record{Hash: hash, Size: expectedSize}, nil
}

// Open returns a reader over the blob's content.
func (s *S3BlobStore) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to get blob from S3: %w", err)
	}
	return out.Body, nil
}

// ReadPrefix reads up to n bytes from the start of the blob using a ranged
// GetObject.
func (s *S3BlobStore) ReadPrefix(ctx context.Context, hash string, n int) ([]byte, error) {
	if !blob.ValidHash(hash) {
		return nil, fmt.Errorf("%q: %w", hash, blob.ErrInvalidHash)
	}

	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hash)),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", n-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, blob.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("failed to read blob prefix from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob prefix body: %w", err)
	}
	if len(data) > n {
		data = data[:n]
	}
	return data, nil
}
