package artifact

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Sentinel errors for upload failures.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// UploadError wraps a failed upload with its target.
type UploadError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("artifact %s: %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("artifact %s: %s: %v", e.Op, e.Bucket, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// wrapError maps S3 errors onto the package sentinels. Unknown errors are
// kept as they are.
func wrapError(op, bucket, key string, err error) error {
	wrapped := &UploadError{Op: op, Bucket: bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "NotFound":
			// HeadBucket has no body, so a missing bucket is a bare 404.
			if op == "HeadBucket" {
				wrapped.Err = ErrBucketNotFound
			}
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "AccessDenied") || strings.Contains(msg, "403"):
		wrapped.Err = ErrAccessDenied
	case strings.Contains(msg, "SlowDown") || strings.Contains(msg, "429"):
		wrapped.Err = ErrThrottled
	case strings.Contains(msg, "ServiceUnavailable") || strings.Contains(msg, "503"):
		wrapped.Err = ErrUnavailable
	}
	return wrapped
}
