package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// putAPI is the slice of the S3 client the uploader uses.
type putAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader puts job artifacts into a bucket.
type Uploader struct {
	client putAPI
	bucket string
	prefix string
	logger *zap.Logger
}

// New creates an uploader. Credentials are resolved here; no request is
// made until the first upload.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &UploadError{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return newUploader(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger), nil
}

func newUploader(client putAPI, cfg Config, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if set; the SDK resolves env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// Credentials identifies resolved credentials without exposing the secret.
type Credentials struct {
	AccessKeyID string
	Source      string
}

// CheckCredentials resolves credentials for cfg without touching a bucket.
func CheckCredentials(ctx context.Context, cfg Config) (Credentials, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return Credentials{}, err
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{AccessKeyID: creds.AccessKeyID, Source: creds.Source}, nil
}

// Key returns the object key for a job file.
func (u *Uploader) Key(job, file string) string {
	if u.prefix == "" {
		return path.Join(job, filepath.Base(file))
	}
	return path.Join(u.prefix, job, filepath.Base(file))
}

// Bucket returns the target bucket.
func (u *Uploader) Bucket() string {
	return u.bucket
}

// Ping checks that the bucket is reachable with the current credentials.
func (u *Uploader) Ping(ctx context.Context) error {
	if _, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)}); err != nil {
		return wrapError("HeadBucket", u.bucket, "", err)
	}
	return nil
}

// Upload puts every file under <prefix>/<job>/. All files are attempted;
// the failures are returned together.
func (u *Uploader) Upload(ctx context.Context, job string, paths []string) error {
	var errs *multierror.Error
	for _, p := range paths {
		key := u.Key(job, p)
		if err := u.UploadFile(ctx, key, p); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		u.logger.Debug("Uploaded artifact", zap.String("job", job), zap.String("bucket", u.bucket), zap.String("key", key))
	}
	return errs.ErrorOrNil()
}

// UploadFile puts one local file at key.
func (u *Uploader) UploadFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &UploadError{Op: "PutObject", Bucket: u.bucket, Key: key, Err: fmt.Errorf("open %s: %w", localPath, err)}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return &UploadError{Op: "PutObject", Bucket: u.bucket, Key: key, Err: err}
	}
	size := info.Size()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: &size,
	})
	if err != nil {
		return wrapError("PutObject", u.bucket, key, err)
	}
	return nil
}
