package ecs

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/splax/devport/internal/provision"
)

type fakeAPI struct {
	runInput  *ecs.RunTaskInput
	runOut    *ecs.RunTaskOutput
	runErr    error
	descOut   *ecs.DescribeTasksOutput
	descErr   error
	descCalls int
}

func (f *fakeAPI) RunTask(_ context.Context, in *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	f.runInput = in
	if f.runErr != nil {
		return nil, f.runErr
	}
	return f.runOut, nil
}

func (f *fakeAPI) DescribeTasks(_ context.Context, _ *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	f.descCalls++
	if f.descErr != nil {
		return nil, f.descErr
	}
	return f.descOut, nil
}

func testSettings() Settings {
	return Settings{
		Cluster:        "builds",
		TaskDefinition: "builder:3",
		ContainerName:  "builder-image",
		Subnets:        []string{"subnet-a"},
		SecurityGroups: []string{"sg-1"},
		AssignPublicIP: true,
	}
}

func TestLaunchPassesEnvironmentOverride(t *testing.T) {
	api := &fakeAPI{runOut: &ecs.RunTaskOutput{Tasks: []ecstypes.Task{{TaskArn: aws.String("arn:task/1")}}}}
	p, err := New(api, testSettings())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	handle, err := p.Launch(context.Background(), map[string]string{
		"PROJECT_ID":          "brave-otter",
		"GIT_REPOSITORY__URL": "https://example.com/app.git",
	})
	if err != nil {
		t.Fatalf("Launch returned error: %v", err)
	}
	if handle.TaskID != "arn:task/1" || handle.LaunchedAt.IsZero() {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	in := api.runInput
	if in.LaunchType != ecstypes.LaunchTypeFargate || aws.ToString(in.Cluster) != "builds" {
		t.Fatalf("unexpected run input: %+v", in)
	}
	if in.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp != ecstypes.AssignPublicIpEnabled {
		t.Fatal("expected public ip assignment")
	}
	override := in.Overrides.ContainerOverrides[0]
	if aws.ToString(override.Name) != "builder-image" {
		t.Fatalf("unexpected container name %q", aws.ToString(override.Name))
	}
	if len(override.Environment) != 2 || aws.ToString(override.Environment[0].Name) != "GIT_REPOSITORY__URL" {
		t.Fatalf("expected sorted env overrides, got %+v", override.Environment)
	}
	if aws.ToString(override.Environment[1].Value) != "brave-otter" {
		t.Fatalf("unexpected PROJECT_ID value %q", aws.ToString(override.Environment[1].Value))
	}
}

func TestLaunchSurfacesFailures(t *testing.T) {
	api := &fakeAPI{runOut: &ecs.RunTaskOutput{Failures: []ecstypes.Failure{{Reason: aws.String("RESOURCE:MEMORY")}}}}
	p, _ := New(api, testSettings())
	if _, err := p.Launch(context.Background(), nil); err == nil {
		t.Fatal("expected error for rejected task")
	}

	api = &fakeAPI{runErr: errors.New("throttled")}
	p, _ = New(api, testSettings())
	if _, err := p.Launch(context.Background(), nil); err == nil {
		t.Fatal("expected error for api failure")
	}

	api = &fakeAPI{runOut: &ecs.RunTaskOutput{}}
	p, _ = New(api, testSettings())
	if _, err := p.Launch(context.Background(), nil); err == nil {
		t.Fatal("expected error when no task is returned")
	}
}

func TestDescribeMapsStatuses(t *testing.T) {
	api := &fakeAPI{descOut: &ecs.DescribeTasksOutput{}}
	p, _ := New(api, testSettings())

	if _, err := p.Describe(context.Background(), "arn:task/1"); !errors.Is(err, provision.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}

	api.descOut = &ecs.DescribeTasksOutput{Tasks: []ecstypes.Task{{LastStatus: aws.String("PROVISIONING")}}}
	status, err := p.Describe(context.Background(), "arn:task/1")
	if err != nil || status.Phase != provision.PhasePending {
		t.Fatalf("expected pending, got %+v err=%v", status, err)
	}

	api.descOut = &ecs.DescribeTasksOutput{Tasks: []ecstypes.Task{{LastStatus: aws.String("RUNNING")}}}
	status, _ = p.Describe(context.Background(), "arn:task/1")
	if status.Phase != provision.PhaseRunning {
		t.Fatalf("expected running, got %+v", status)
	}

	api.descOut = &ecs.DescribeTasksOutput{Tasks: []ecstypes.Task{{
		LastStatus:    aws.String("STOPPED"),
		StoppedReason: aws.String("Essential container in task exited"),
		Containers:    []ecstypes.Container{{ExitCode: aws.Int32(2)}},
	}}}
	status, _ = p.Describe(context.Background(), "arn:task/1")
	if status.Phase != provision.PhaseStopped || status.ExitCode == nil || *status.ExitCode != 2 {
		t.Fatalf("expected stopped with exit 2, got %+v", status)
	}
	if status.Reason == "" {
		t.Fatal("expected stopped reason")
	}

	api.descOut = &ecs.DescribeTasksOutput{Tasks: []ecstypes.Task{{LastStatus: aws.String("STOPPED")}}}
	status, _ = p.Describe(context.Background(), "arn:task/1")
	if status.Phase != provision.PhaseStopped || status.ExitCode != nil {
		t.Fatalf("expected stopped without exit code, got %+v", status)
	}
}

func TestNewValidatesSettings(t *testing.T) {
	if _, err := New(&fakeAPI{}, Settings{}); err == nil {
		t.Fatal("expected error for empty settings")
	}
	if _, err := New(nil, testSettings()); err == nil {
		t.Fatal("expected error for nil api")
	}
}
