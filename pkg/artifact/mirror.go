package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// MirrorConfig configures the optional S3 evidence mirror. Terminal
// artifacts are uploaded when a task reaches a verdict; upload failure
// is logged, never fatal, since the local tree stays authoritative.
type MirrorConfig struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint targets S3-compatible stores; ForcePathStyle usually
	// goes with it.
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`

	// Explicit credentials override the default chain.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
}

// Enabled reports whether the mirror is configured.
func (c MirrorConfig) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// Mirror uploads terminal artifacts to an S3 bucket.
type Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMirror builds the mirror client. The default credential chain is
// used unless explicit credentials are configured.
func NewMirror(ctx context.Context, cfg MirrorConfig, logger *zap.Logger) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("mirror bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
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

	return &Mirror{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// terminalNames are the artifacts mirrored once a task is judged.
var terminalNames = []string{
	NamePreflight,
	NamePins,
	NameSubmit,
	NameVerdict,
	NameEvents,
	NameReport,
}

// UploadTask mirrors a task's terminal artifacts. Missing files are
// skipped; upload errors are logged and the first one is returned so
// callers can count failures, but callers must not treat it as fatal.
func (m *Mirror) UploadTask(ctx context.Context, store *Store, taskID string) error {
	var firstErr error
	for _, name := range terminalNames {
		data, err := os.ReadFile(store.Path(taskID, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		key := path.Join(m.prefix, taskID, name)
		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(m.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			m.logger.Warn("artifact mirror upload failed",
				zap.String("task_id", taskID),
				zap.String("key", key),
				zap.String("code", uploadErrorCode(err)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

// uploadErrorCode extracts the service error code for log correlation.
func uploadErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "unknown"
}
