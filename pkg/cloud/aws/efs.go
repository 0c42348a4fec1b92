package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	efstypes "github.com/aws/aws-sdk-go-v2/service/efs/types"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// EFSAccessPoints implements cloud.AccessPointService on Amazon EFS.
type EFSAccessPoints struct {
	client *efs.Client
}

// NewEFSAccessPoints creates an EFS-backed access point service.
func NewEFSAccessPoints(cfg aws.Config) *EFSAccessPoints {
	return &EFSAccessPoints{client: efs.NewFromConfig(cfg)}
}

func (e *EFSAccessPoints) CreateAccessPoint(ctx context.Context, fileSystemID, rootPath string, uid, gid int, perms string, tags map[string]string) (*cloud.AccessPoint, error) {
	efsTags := make([]efstypes.Tag, 0, len(tags))
	for k, v := range tags {
		efsTags = append(efsTags, efstypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	out, err := e.client.CreateAccessPoint(ctx, &efs.CreateAccessPointInput{
		FileSystemId: aws.String(fileSystemID),
		PosixUser: &efstypes.PosixUser{
			Uid: aws.Int64(int64(uid)),
			Gid: aws.Int64(int64(gid)),
		},
		RootDirectory: &efstypes.RootDirectory{
			Path: aws.String(rootPath),
			CreationInfo: &efstypes.CreationInfo{
				OwnerUid:    aws.Int64(int64(uid)),
				OwnerGid:    aws.Int64(int64(gid)),
				Permissions: aws.String(perms),
			},
		},
		Tags: efsTags,
	})
	if err != nil {
		return nil, errdefs.Internal(err, "efs CreateAccessPoint")
	}

	return &cloud.AccessPoint{
		ID:   aws.ToString(out.AccessPointId),
		ARN:  aws.ToString(out.AccessPointArn),
		Path: rootPath,
	}, nil
}

func (e *EFSAccessPoints) DeleteAccessPoint(ctx context.Context, accessPointID string) error {
	_, err := e.client.DeleteAccessPoint(ctx, &efs.DeleteAccessPointInput{
		AccessPointId: aws.String(accessPointID),
	})
	if err != nil {
		return errdefs.Internal(err, "efs DeleteAccessPoint")
	}
	return nil
}
