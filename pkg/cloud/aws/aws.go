// Package aws binds the cloud contracts to their AWS implementations:
// ECS for the container runtime, S3 for object storage, CloudWatch Logs
// for the log service, Secrets Manager for secret metadata, EventBridge
// for the event bus, and EFS for workspace access points.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// LoadConfig resolves the AWS SDK configuration for a region using the
// default credential chain.
func LoadConfig(ctx context.Context, region string) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}
