package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/types"
)

// S3Store keeps archives in one bucket, laid out by retention prefix.
type S3Store struct {
	client *s3.Client
	bucket string
	region string
	logger zerolog.Logger
}

// NewS3Store builds the client from the ambient AWS credential chain,
// or from static keys when the config carries them.
func NewS3Store(ctx context.Context, cfg config.BackupConfig) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		logger: log.WithComponent("objectstore"),
	}, nil
}

func (s *S3Store) observe(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ObjectStoreRequests.WithLabelValues(op, outcome).Inc()
}

func (s *S3Store) Upload(ctx context.Context, key string, body io.Reader, opts UploadOptions) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(opts.Size),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(opts.StorageClass)
	}

	_, err := s.client.PutObject(ctx, input)
	s.observe("upload", err)
	if err != nil {
		return types.Transient("s3 upload "+key, err)
	}
	s.logger.Info().
		Str("key", key).
		Int64("size_bytes", opts.Size).
		Msg("Archive uploaded")
	return nil
}

func (s *S3Store) Download(ctx context.Context, key string, dst io.Writer) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.observe("download", err)
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return 0, types.Permanent("s3 download "+key, types.ErrNotFound)
		}
		return 0, types.Transient("s3 download "+key, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(dst, out.Body)
	if err != nil {
		return n, types.Transient("s3 download "+key, err)
	}
	return n, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.observe("list", err)
			return nil, types.Transient("s3 list "+prefix, err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				SizeBytes:    aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	s.observe("list", nil)
	return infos, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.observe("delete", err)
	if err != nil {
		return types.Transient("s3 delete "+key, err)
	}
	return nil
}

func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint.
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.region),
		}
	}

	_, err = s.client.CreateBucket(ctx, input)
	s.observe("create_bucket", err)
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return types.Transient("s3 create bucket "+s.bucket, err)
	}
	s.logger.Info().Str("bucket", s.bucket).Msg("Bucket created")
	return nil
}

// ApplyRetentionPolicy writes one expiry rule per aging retention
// class. Final backups get no rule, they stay until an admin deletes
// them.
func (s *S3Store) ApplyRetentionPolicy(ctx context.Context) error {
	var rules []s3types.LifecycleRule
	for _, kind := range []types.BackupKind{
		types.BackupDaily, types.BackupWeekly, types.BackupMonthly, types.BackupFinal,
	} {
		days := kind.RetentionDays()
		if days == 0 {
			continue
		}
		rules = append(rules, s3types.LifecycleRule{
			ID:     aws.String(fmt.Sprintf("expire-%s", kind)),
			Status: s3types.ExpirationStatusEnabled,
			Filter: &s3types.LifecycleRuleFilter{
				Prefix: aws.String(string(kind) + "/"),
			},
			Expiration: &s3types.LifecycleExpiration{
				Days: aws.Int32(int32(days)),
			},
		})
	}

	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &s3types.BucketLifecycleConfiguration{
			Rules: rules,
		},
	})
	s.observe("put_lifecycle", err)
	if err != nil {
		return types.Transient("s3 put lifecycle "+s.bucket, err)
	}
	s.logger.Info().
		Str("bucket", s.bucket).
		Int("rules", len(rules)).
		Msg("Retention policy applied")
	return nil
}
