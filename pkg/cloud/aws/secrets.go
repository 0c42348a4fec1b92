package aws

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// SecretsManagerStore implements cloud.SecretStore on AWS Secrets
// Manager. DescribeSecret is the only call issued; values stay inside
// the worker's task-definition binding.
type SecretsManagerStore struct {
	client *secretsmanager.Client
}

// NewSecretsManagerStore creates a Secrets Manager-backed secret store.
func NewSecretsManagerStore(cfg aws.Config) *SecretsManagerStore {
	return &SecretsManagerStore{client: secretsmanager.NewFromConfig(cfg)}
}

func (s *SecretsManagerStore) DescribeSecret(ctx context.Context, path string) (*cloud.SecretMetadata, error) {
	out, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		var rnf *smtypes.ResourceNotFoundException
		if errors.As(err, &rnf) {
			return nil, errdefs.NotFound("secret %s does not exist", path)
		}
		return nil, errdefs.Internal(err, "secretsmanager DescribeSecret")
	}

	meta := &cloud.SecretMetadata{
		Path: aws.ToString(out.Name),
		ARN:  aws.ToString(out.ARN),
	}
	if out.LastChangedDate != nil {
		meta.LastChanged = out.LastChangedDate.UTC()
	}
	return meta, nil
}
