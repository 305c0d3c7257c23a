package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/flatironinstitute/kbucket/internal/logger"
	"github.com/flatironinstitute/kbucket/pkg/store/blob"
	blobFs "github.com/flatironinstitute/kbucket/pkg/store/blob/fs"
	blobMemory "github.com/flatironinstitute/kbucket/pkg/store/blob/memory"
	blobS3 "github.com/flatironinstitute/kbucket/pkg/store/blob/s3"
	"github.com/flatironinstitute/kbucket/pkg/store/blobindex"
	indexBadger "github.com/flatironinstitute/kbucket/pkg/store/blobindex/badger"
	indexMemory "github.com/flatironinstitute/kbucket/pkg/store/blobindex/memory"
)

// CreateBlobStore creates a blob store based on configuration.
//
// The Type field selects the implementation; the matching option map is
// decoded and passed to the store's constructor.
//
// Supported types:
//   - "filesystem": local filesystem storage rooted at storage.data_dir/raw
//     (or an explicit path)
//   - "memory": in-process storage, ephemeral
//   - "s3": Amazon S3 or compatible storage
func CreateBlobStore(ctx context.Context, cfg *BlobConfig, storage *StorageConfig) (blob.Store, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemBlobStore(ctx, cfg.Filesystem, storage)
	case "memory":
		return blobMemory.NewMemoryBlobStore(), nil
	case "s3":
		return createS3BlobStore(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob store type: %q", cfg.Type)
	}
}

// createFilesystemBlobStore creates a filesystem-based blob store.
func createFilesystemBlobStore(ctx context.Context, options map[string]any, storage *StorageConfig) (blob.Store, error) {
	type FilesystemBlobStoreConfig struct {
		Path             string `mapstructure:"path"`
		VerifyDuplicates bool   `mapstructure:"verify_duplicates"`
	}

	var storeCfg FilesystemBlobStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem blob store config: %w", err)
	}

	if storeCfg.Path == "" {
		storeCfg.Path = storage.RawDir()
	}

	var opts []blobFs.Option
	if storeCfg.VerifyDuplicates {
		opts = append(opts, blobFs.WithDuplicateVerification())
	}

	store, err := blobFs.NewFSBlobStore(ctx, storeCfg.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem blob store: %w", err)
	}
	return store, nil
}

// createS3BlobStore creates an S3-based blob store.
func createS3BlobStore(ctx context.Context, options map[string]any) (blob.Store, error) {
	type S3BlobStoreConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var storeCfg S3BlobStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 blob store config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 blob store: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 blob store: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error
	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Custom endpoint support for MinIO, Localstack, etc.
	if storeCfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               storeCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack compatibility
		if storeCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	store, err := blobS3.NewS3BlobStore(ctx, blobS3.S3BlobStoreConfig{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 blob store: %w", err)
	}

	logger.Info("S3 blob store initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)
	return store, nil
}

// CreateBlobIndex creates a blob index based on configuration.
//
// Supported types:
//   - "badger": persistent BadgerDB index under storage.data_dir/index
//     (or an explicit db_path)
//   - "memory": in-process index, ephemeral
func CreateBlobIndex(ctx context.Context, cfg *IndexConfig, storage *StorageConfig) (blobindex.Index, error) {
	switch cfg.Type {
	case "badger":
		return createBadgerBlobIndex(ctx, cfg.Badger, storage)
	case "memory":
		return indexMemory.NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown blob index type: %q (supported: badger, memory)", cfg.Type)
	}
}

// createBadgerBlobIndex creates a BadgerDB-backed blob index.
func createBadgerBlobIndex(ctx context.Context, options map[string]any, storage *StorageConfig) (blobindex.Index, error) {
	type BadgerIndexOptions struct {
		DBPath   string `mapstructure:"db_path"`
		InMemory bool   `mapstructure:"in_memory"`
	}

	var indexOpts BadgerIndexOptions
	if err := mapstructure.Decode(options, &indexOpts); err != nil {
		return nil, fmt.Errorf("failed to decode badger blob index options: %w", err)
	}

	if indexOpts.DBPath == "" && !indexOpts.InMemory {
		indexOpts.DBPath = filepath.Join(storage.DataDir, "index")
	}

	index, err := indexBadger.NewBadgerIndex(ctx, indexBadger.BadgerIndexConfig{
		DBPath:   indexOpts.DBPath,
		InMemory: indexOpts.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger blob index: %w", err)
	}
	return index, nil
}
