// Package ecs runs build units as Fargate tasks on Amazon ECS.
package ecs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/splax/devport/internal/provision"
	"github.com/splax/devport/pkg/config"
)

// API is the subset of the ECS client used here.
type API interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
}

// Settings identifies the cluster, task definition and network placement.
type Settings struct {
	Cluster        string
	TaskDefinition string
	ContainerName  string
	Subnets        []string
	SecurityGroups []string
	AssignPublicIP bool
}

// Provisioner launches Fargate tasks.
type Provisioner struct {
	api      API
	settings Settings
	now      func() time.Time
}

var _ provision.Provisioner = (*Provisioner)(nil)

// New wraps an ECS API client.
func New(api API, settings Settings) (*Provisioner, error) {
	if api == nil {
		return nil, errors.New("ecs: nil api client")
	}
	if strings.TrimSpace(settings.Cluster) == "" || strings.TrimSpace(settings.TaskDefinition) == "" {
		return nil, errors.New("ecs: cluster and task definition are required")
	}
	if strings.TrimSpace(settings.ContainerName) == "" {
		return nil, errors.New("ecs: container name is required")
	}
	return &Provisioner{api: api, settings: settings, now: time.Now}, nil
}

// NewFromConfig builds an ECS client from static credentials. Requests are unsigned
// when no keys are configured, which suits local ECS emulators.
func NewFromConfig(cfg config.ProvisionerConfig) (*Provisioner, error) {
	opts := ecs.Options{Region: cfg.AWSRegion}
	if cfg.AWSAccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")
	}
	if cfg.AWSEndpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.AWSEndpoint)
	}
	return New(ecs.New(opts), Settings{
		Cluster:        cfg.ECSCluster,
		TaskDefinition: cfg.ECSTaskDefinition,
		ContainerName:  cfg.ECSContainerName,
		Subnets:        cfg.ECSSubnets,
		SecurityGroups: cfg.ECSSecurityGroups,
		AssignPublicIP: cfg.ECSAssignPublicIP,
	})
}

// Launch starts one Fargate task with env applied as a container override.
func (p *Provisioner) Launch(ctx context.Context, env map[string]string) (provision.Handle, error) {
	assign := ecstypes.AssignPublicIpDisabled
	if p.settings.AssignPublicIP {
		assign = ecstypes.AssignPublicIpEnabled
	}
	input := &ecs.RunTaskInput{
		Cluster:        aws.String(p.settings.Cluster),
		TaskDefinition: aws.String(p.settings.TaskDefinition),
		LaunchType:     ecstypes.LaunchTypeFargate,
		Count:          aws.Int32(1),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        p.settings.Subnets,
				SecurityGroups: p.settings.SecurityGroups,
				AssignPublicIp: assign,
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name:        aws.String(p.settings.ContainerName),
				Environment: keyValuePairs(env),
			}},
		},
	}
	out, err := p.api.RunTask(ctx, input)
	if err != nil {
		return provision.Handle{}, fmt.Errorf("ecs run task: %w", err)
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return provision.Handle{}, fmt.Errorf("ecs run task rejected: %s %s", aws.ToString(f.Reason), aws.ToString(f.Detail))
	}
	if len(out.Tasks) == 0 || aws.ToString(out.Tasks[0].TaskArn) == "" {
		return provision.Handle{}, errors.New("ecs run task returned no task")
	}
	return provision.Handle{TaskID: aws.ToString(out.Tasks[0].TaskArn), LaunchedAt: p.now().UTC()}, nil
}

// Describe reports the task's last known status.
func (p *Provisioner) Describe(ctx context.Context, taskID string) (provision.TaskStatus, error) {
	out, err := p.api.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(p.settings.Cluster),
		Tasks:   []string{taskID},
	})
	if err != nil {
		return provision.TaskStatus{}, fmt.Errorf("ecs describe tasks: %w", err)
	}
	if len(out.Tasks) == 0 {
		return provision.TaskStatus{}, provision.ErrTaskNotFound
	}
	task := out.Tasks[0]
	status := provision.TaskStatus{Phase: phaseOf(aws.ToString(task.LastStatus))}
	if status.Phase != provision.PhaseStopped {
		return status, nil
	}
	status.Reason = aws.ToString(task.StoppedReason)
	if len(task.Containers) > 0 {
		c := task.Containers[0]
		if c.ExitCode != nil {
			code := int(*c.ExitCode)
			status.ExitCode = &code
		}
		if reason := aws.ToString(c.Reason); reason != "" && status.Reason == "" {
			status.Reason = reason
		}
	}
	return status, nil
}

// phaseOf collapses ECS task states. DEACTIVATING and STOPPING still count as running
// because the container exit code is only final at STOPPED.
func phaseOf(lastStatus string) provision.Phase {
	switch strings.ToUpper(lastStatus) {
	case "STOPPED", "DELETED":
		return provision.PhaseStopped
	case "RUNNING", "DEACTIVATING", "STOPPING":
		return provision.PhaseRunning
	default:
		return provision.PhasePending
	}
}

func keyValuePairs(env map[string]string) []ecstypes.KeyValuePair {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]ecstypes.KeyValuePair, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, ecstypes.KeyValuePair{Name: aws.String(name), Value: aws.String(env[name])})
	}
	return pairs
}
