// Package artifact uploads job output files to AWS S3 or an S3-compatible
// store once a job has exported them.
package artifact

import "strings"

// Config configures the artifact uploader.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// AccessKeyID/SecretAccessKey are given: environment, shared credentials
// and config files (optionally with Profile), then instance or task roles.
//
// For S3-compatible stores (MinIO, Wasabi), set Endpoint and usually
// ForcePathStyle. No default region is applied when Endpoint is set.
type Config struct {
	// Bucket is the target bucket (required).
	Bucket string

	// Prefix is prepended to every key. Keys are <prefix>/<job>/<file>.
	Prefix string

	Region   string
	Endpoint string
	Profile  string

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must also be set.
	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "artifact config: " + e.Field + ": " + e.Message
}

// resolveRegion applies the us-east-1 fallback for AWS S3 after the SDK has
// resolved explicit, environment and profile regions.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
