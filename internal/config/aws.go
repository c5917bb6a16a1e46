package config

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// LoadAWS builds the shared AWS SDK configuration. Explicit credentials in the
// config file take precedence; otherwise the default chain applies.
func LoadAWS(ctx context.Context, cfg *Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}

	if cfg.AWS.AccessKeyID != "" || cfg.AWS.SecretAccessKey != "" || cfg.AWS.SessionToken != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, cfg.AWS.SessionToken)))
	}

	return awsconfig.LoadDefaultConfig(ctx, opts...)
}
