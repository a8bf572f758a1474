package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Popie52/batchqueue/internal/model"
)

// RunSpec is everything a Runner needs for one attempt. Overrides are already merged in.
type RunSpec struct {
	JobID       string
	Image       string
	Command     []string
	Environment map[string]string
	LogStream   string
}

// NewRunSpec merges the job's container overrides over its definition's properties.
func NewRunSpec(job *model.Job) RunSpec {
	props := job.Definition.Container
	spec := RunSpec{
		JobID:       job.ID,
		Image:       props.Image,
		Command:     props.Command,
		Environment: make(map[string]string, len(props.Environment)+len(job.Overrides.Environment)),
		LogStream:   job.LogStream,
	}
	if len(job.Overrides.Command) > 0 {
		spec.Command = job.Overrides.Command
	}
	for k, v := range props.Environment {
		spec.Environment[k] = v
	}
	for k, v := range job.Overrides.Environment {
		spec.Environment[k] = v
	}
	return spec
}

// Result is the exit status of one attempt.
type Result struct {
	ExitCode int
}

// Runner executes one attempt to completion. An error means the attempt could not be run
// at all; a non-zero exit code is a normal, failed outcome.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (Result, error)
}

type RunnerFunc func(ctx context.Context, spec RunSpec) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, spec RunSpec) (Result, error) {
	return f(ctx, spec)
}

// ExecRunner runs the command as a local process.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r *ExecRunner) Run(ctx context.Context, spec RunSpec) (Result, error) {
	if len(spec.Command) == 0 {
		return Result{}, errors.Errorf("job %s has no command", spec.JobID)
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), envList(spec.Environment)...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	err := cmd.Run()
	if err == nil {
		return Result{}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}
	if ctx.Err() != nil {
		return Result{ExitCode: -1}, ctx.Err()
	}
	return Result{ExitCode: -1}, errors.Wrapf(err, "starting %s", spec.Command[0])
}

// DockerRunner runs the job's image in a container, pulling it first if it is not present.
type DockerRunner struct {
	client *client.Client
}

func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	return &DockerRunner{client: cli}, nil
}

func (r *DockerRunner) Run(ctx context.Context, spec RunSpec) (Result, error) {
	if spec.Image == "" {
		return Result{}, errors.Errorf("job %s has no image", spec.JobID)
	}
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return Result{ExitCode: -1}, err
	}

	created, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    envList(spec.Environment),
		Labels: map[string]string{"batchqueue.job-id": spec.JobID},
	}, nil, nil, nil, "")
	if err != nil {
		return Result{ExitCode: -1}, errors.Wrap(err, "creating container")
	}
	defer r.remove(created.ID)

	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, errors.Wrap(err, "starting container")
	}

	statusCh, errCh := r.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		r.stop(created.ID)
		return Result{ExitCode: -1}, errors.WithStack(err)
	case status := <-statusCh:
		if status.Error != nil {
			return Result{ExitCode: int(status.StatusCode)}, errors.New(status.Error.Message)
		}
		return Result{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		r.stop(created.ID)
		return Result{ExitCode: -1}, ctx.Err()
	}
}

func (r *DockerRunner) ensureImage(ctx context.Context, ref string) error {
	if _, err := r.client.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling image %s", ref)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return errors.WithStack(err)
}

// stop and remove run on a fresh context: the attempt's context is usually already done.
func (r *DockerRunner) stop(id string) {
	timeout := 5
	if err := r.client.ContainerStop(context.Background(), id, container.StopOptions{Timeout: &timeout}); err != nil {
		log.WithField("container", id).Warnf("stopping container: %v", err)
	}
}

func (r *DockerRunner) remove(id string) {
	if err := r.client.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
		log.WithField("container", id).Warnf("removing container: %v", err)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
