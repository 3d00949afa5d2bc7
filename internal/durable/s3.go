package durable

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/vmihailenco/msgpack/v5"

	cacheerr "github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// Object metadata keys. The original key travels with the object so pattern
// deletion can match it without fetching the body.
const (
	metaOrigKey   = "origkey"
	metaExpiresAt = "expires-at"
)

// S3Config configures the S3-backed durable store.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint string `yaml:"endpoint"`

	// Static credentials; when empty the default AWS credential chain is
	// used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// S3Store is an S3-backed durable store. Entries are msgpack-serialized
// objects under a common prefix, keyed by hashed key.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store builds an S3 store from the AWS default configuration chain,
// honoring optional static credentials and custom endpoints.
func NewS3Store(ctx context.Context, config *S3Config, logger *slog.Logger) (*S3Store, error) {
	if config == nil || config.Bucket == "" {
		return nil, cacheerr.New(cacheerr.ErrCodeInvalidConfig, "s3 store requires a bucket").
			WithComponent("durable/s3")
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if config.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeConfigLoad, "load aws configuration").
			WithComponent("durable/s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

// Get returns the stored entry, or (nil, nil) for absent or expired keys.
func (s *S3Store) Get(ctx context.Context, hashedKey string) (*types.CacheEntry, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(hashedKey)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeDurableRead, "get object").
			WithComponent("durable/s3")
	}
	defer func() { _ = out.Body.Close() }()

	if expired(out.Metadata) {
		return nil, nil
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, cacheerr.Wrap(err, cacheerr.ErrCodeDurableRead, "read object body").
			WithComponent("durable/s3")
	}

	var entry types.CacheEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		s.logger.Warn("corrupt durable entry, treating as absent",
			"key", hashedKey, "error", err)
		return nil, nil
	}
	return &entry, nil
}

// Set stores the entry with the given TTL, replacing any prior object.
func (s *S3Store) Set(ctx context.Context, hashedKey string, entry *types.CacheEntry, ttl time.Duration) error {
	data, err := msgpack.Marshal(entry)
	if err != nil {
		return cacheerr.Wrap(err, cacheerr.ErrCodeEncodeFailed, "serialize entry").
			WithComponent("durable/s3")
	}

	metadata := map[string]string{metaOrigKey: entry.Key}
	if ttl > 0 {
		metadata[metaExpiresAt] = time.Now().Add(ttl).Format(time.RFC3339)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.objectKey(hashedKey)),
		Body:     bytes.NewReader(data),
		Metadata: metadata,
	})
	if err != nil {
		return cacheerr.Wrap(err, cacheerr.ErrCodeDurableWrite, "put object").
			WithComponent("durable/s3")
	}
	return nil
}

// Delete removes the key, reporting whether it was present.
func (s *S3Store) Delete(ctx context.Context, hashedKey string) (bool, error) {
	key := s.objectKey(hashedKey)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, cacheerr.Wrap(err, cacheerr.ErrCodeDurableRead, "head object").
			WithComponent("durable/s3")
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, cacheerr.Wrap(err, cacheerr.ErrCodeDurableWrite, "delete object").
			WithComponent("durable/s3")
	}
	return true, nil
}

// DeletePattern lists every object under the prefix, matches the original
// key carried in object metadata, and deletes the matches.
func (s *S3Store) DeletePattern(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	deleted := 0

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, cacheerr.Wrap(err, cacheerr.ErrCodeDurableRead, "list objects").
				WithComponent("durable/s3")
		}

		for _, obj := range page.Contents {
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				continue
			}
			orig, ok := head.Metadata[metaOrigKey]
			if !ok || !pattern.MatchString(orig) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// Clear removes every object under the prefix.
func (s *S3Store) Clear(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return cacheerr.Wrap(err, cacheerr.ErrCodeDurableRead, "list objects").
				WithComponent("durable/s3")
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return cacheerr.Wrap(err, cacheerr.ErrCodeDurableWrite, "delete objects").
				WithComponent("durable/s3")
		}
	}
	return nil
}

// Close is a no-op; the S3 client holds no per-store resources.
func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) objectKey(hashedKey string) string {
	if s.prefix == "" {
		return hashedKey
	}
	return s.prefix + "/" + hashedKey
}

func expired(metadata map[string]string) bool {
	raw, ok := metadata[metaExpiresAt]
	if !ok {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return time.Now().After(expiresAt)
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}
