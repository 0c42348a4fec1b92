package aws

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/zeroechelon/outpost/pkg/cloud"
	"github.com/zeroechelon/outpost/pkg/errdefs"
)

// ECSRuntime implements cloud.ContainerRuntime on Amazon ECS Fargate.
type ECSRuntime struct {
	client *ecs.Client
}

// NewECSRuntime creates an ECS-backed container runtime.
func NewECSRuntime(cfg aws.Config) *ECSRuntime {
	return &ECSRuntime{client: ecs.NewFromConfig(cfg)}
}

// capacityReason reports whether an ECS failure reason indicates a
// placement/capacity problem worth retrying in another zone.
func capacityReason(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(reason, "RESOURCE:CAPACITY") ||
		strings.Contains(lower, "insufficient capacity") ||
		strings.Contains(lower, "capacity is unavailable") ||
		strings.Contains(lower, "unable to place")
}

func (r *ECSRuntime) RunTask(ctx context.Context, in cloud.RunTaskInput) (*cloud.RunTaskOutput, error) {
	env := make([]ecstypes.KeyValuePair, 0, len(in.Environment))
	for k, v := range in.Environment {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(v)})
	}

	override := ecstypes.ContainerOverride{
		Name:        aws.String(in.ContainerName),
		Environment: env,
	}
	taskOverride := &ecstypes.TaskOverride{
		ContainerOverrides: []ecstypes.ContainerOverride{override},
	}
	if in.CPUUnits > 0 {
		taskOverride.Cpu = aws.String(strconv.Itoa(in.CPUUnits))
	}
	if in.MemoryMB > 0 {
		taskOverride.Memory = aws.String(strconv.Itoa(in.MemoryMB))
	}
	if in.EphemeralDiskGB > 0 {
		taskOverride.EphemeralStorage = &ecstypes.EphemeralStorage{
			SizeInGiB: int32(in.EphemeralDiskGB),
		}
	}

	tags := make([]ecstypes.Tag, 0, len(in.Tags))
	for k, v := range in.Tags {
		tags = append(tags, ecstypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	assignIP := ecstypes.AssignPublicIpDisabled
	if in.AssignPublicIP {
		assignIP = ecstypes.AssignPublicIpEnabled
	}

	out, err := r.client.RunTask(ctx, &ecs.RunTaskInput{
		TaskDefinition: aws.String(in.TaskDefinition),
		Cluster:        aws.String(in.Cluster),
		LaunchType:     ecstypes.LaunchTypeFargate,
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        in.Subnets,
				SecurityGroups: in.SecurityGroups,
				AssignPublicIp: assignIP,
			},
		},
		Overrides:            taskOverride,
		Tags:                 tags,
		EnableExecuteCommand: in.EnableExec,
	})
	if err != nil {
		return nil, errdefs.Internal(err, "ecs RunTask")
	}

	if len(out.Tasks) == 0 {
		reason := "no tasks started"
		if len(out.Failures) > 0 {
			f := out.Failures[0]
			reason = aws.ToString(f.Reason)
			if d := aws.ToString(f.Detail); d != "" {
				reason = fmt.Sprintf("%s: %s", reason, d)
			}
		}
		if capacityReason(reason) {
			return nil, &cloud.CapacityError{Reason: reason}
		}
		return nil, errdefs.Internal(nil, "ecs RunTask failed: %s", reason)
	}

	task := out.Tasks[0]
	started := time.Now().UTC()
	if task.CreatedAt != nil {
		started = task.CreatedAt.UTC()
	}
	return &cloud.RunTaskOutput{
		TaskArn:    aws.ToString(task.TaskArn),
		ClusterArn: aws.ToString(task.ClusterArn),
		StartedAt:  started,
	}, nil
}

func (r *ECSRuntime) DescribeTask(ctx context.Context, cluster, taskArn string) (*cloud.TaskStatus, error) {
	out, err := r.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(cluster),
		Tasks:   []string{taskArn},
	})
	if err != nil {
		return nil, errdefs.Internal(err, "ecs DescribeTasks")
	}
	if len(out.Tasks) == 0 {
		return nil, errdefs.NotFound("task %s not found in cluster %s", taskArn, cluster)
	}

	task := out.Tasks[0]
	status := &cloud.TaskStatus{
		TaskArn:       aws.ToString(task.TaskArn),
		LastStatus:    aws.ToString(task.LastStatus),
		StoppedReason: aws.ToString(task.StoppedReason),
	}
	for _, c := range task.Containers {
		cs := cloud.ContainerStatus{
			Name:       aws.ToString(c.Name),
			LastStatus: aws.ToString(c.LastStatus),
			Reason:     aws.ToString(c.Reason),
		}
		if c.ExitCode != nil {
			code := int(*c.ExitCode)
			cs.ExitCode = &code
		}
		status.Containers = append(status.Containers, cs)
	}
	return status, nil
}

func (r *ECSRuntime) StopTask(ctx context.Context, cluster, taskArn, reason string) error {
	_, err := r.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(cluster),
		Task:    aws.String(taskArn),
		Reason:  aws.String(reason),
	})
	if err != nil {
		return errdefs.Internal(err, "ecs StopTask")
	}
	return nil
}
