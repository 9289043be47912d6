// Package podman implements runtime.ContainerRuntime on top of the podman CLI.
package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/runtime"
)

// DefaultBinary is used when no binary is configured.
const DefaultBinary = "podman"

// CommandError is returned when the CLI exits non-zero.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Runner executes the CLI and returns its stdout.
type Runner func(ctx context.Context, binary string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return stdout.Bytes(), nil
}

// Client provides methods for interacting with Podman.
type Client struct {
	binary string
	run    Runner
	logger *slog.Logger
}

var _ runtime.ContainerRuntime = (*Client)(nil)

// NewClient creates a new Podman client. An empty binary means "podman" on PATH.
func NewClient(binary string, logger *slog.Logger) *Client {
	return NewClientWithRunner(binary, execRunner, logger)
}

// NewClientWithRunner creates a client that executes commands through run.
func NewClientWithRunner(binary string, run Runner, logger *slog.Logger) *Client {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{binary: binary, run: run, logger: logger}
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, error) {
	c.logger.Debug("podman", "args", args)
	out, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return out, classify(err)
	}
	return out, nil
}

// classify maps well-known CLI failures onto runtime sentinels.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no space left on device"):
		return fmt.Errorf("%w: %v", runtime.ErrNoSpace, err)
	case strings.Contains(msg, "no such container"),
		strings.Contains(msg, "no container with name or id"):
		return fmt.Errorf("%w: %v", runtime.ErrNotFound, err)
	}
	return err
}

// Pull pulls image:tag. An empty tag pulls the reference as given.
func (c *Client) Pull(ctx context.Context, image, tag string) error {
	ref := image
	if tag != "" {
		ref = image + ":" + tag
	}
	if _, err := c.exec(ctx, "pull", "--quiet", ref); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

// Create creates (but does not start) a container and returns its id.
func (c *Client) Create(ctx context.Context, image, name string, spec runtime.Spec) (string, error) {
	out, err := c.exec(ctx, buildCreateArgs(image, name, spec)...)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", name, err)
	}
	return lastLine(out), nil
}

// buildCreateArgs constructs the podman create command arguments.
func buildCreateArgs(image, name string, spec runtime.Spec) []string {
	args := []string{"create"}
	if name != "" {
		args = append(args, "--name", name)
	}

	// sorted so the command line is stable
	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}

	hostPorts := make([]string, 0, len(spec.Ports))
	for hp := range spec.Ports {
		hostPorts = append(hostPorts, hp)
	}
	sort.Strings(hostPorts)
	for _, hp := range hostPorts {
		args = append(args, "-p", fmt.Sprintf("%s:%s", hp, spec.Ports[hp]))
	}

	for _, v := range spec.Volumes {
		args = append(args, "-v", v)
	}
	for _, n := range spec.Networks {
		args = append(args, "--network", n)
	}
	if spec.Restart != nil && spec.Restart.Name != "" {
		policy := spec.Restart.Name
		if policy == "on-failure" && spec.Restart.MaximumRetryCount > 0 {
			policy += ":" + strconv.Itoa(spec.Restart.MaximumRetryCount)
		}
		args = append(args, "--restart", policy)
	}

	if l := spec.Limits; l != nil {
		if l.CPUs > 0 {
			// period/quota in microseconds
			period := 100000
			quota := int(l.CPUs * float64(period))
			args = append(args, "--cpu-period", strconv.Itoa(period), "--cpu-quota", strconv.Itoa(quota))
		}
		if l.MemoryMB > 0 {
			args = append(args, "--memory", fmt.Sprintf("%dm", l.MemoryMB))
		}
		if l.PidsLimit > 0 {
			args = append(args, "--pids-limit", strconv.FormatInt(l.PidsLimit, 10))
		}
	}

	return append(args, image)
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, id string) error {
	if _, err := c.exec(ctx, "start", id); err != nil {
		return fmt.Errorf("starting container %s: %w", id, err)
	}
	return nil
}

// Stop stops a container, killing it after timeout.
func (c *Client) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if _, err := c.exec(ctx, "stop", "--time", strconv.Itoa(secs), id); err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

// Remove removes a container by ID or name.
func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	if _, err := c.exec(ctx, append(args, id)...); err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

// Export writes the container's filesystem to dest.
func (c *Client) Export(ctx context.Context, id, dest string) error {
	if _, err := c.exec(ctx, "export", "--output", dest, id); err != nil {
		return fmt.Errorf("exporting container %s: %w", id, err)
	}
	return nil
}

// Import turns an exported archive into an image tagged after name, then
// creates and starts a container called name from it.
func (c *Client) Import(ctx context.Context, archive, name string) (string, error) {
	image := "localhost/" + strings.ToLower(name) + ":restored"
	if _, err := c.exec(ctx, "import", archive, image); err != nil {
		return "", fmt.Errorf("importing %s: %w", archive, err)
	}
	id, err := c.Create(ctx, image, name, runtime.Spec{})
	if err != nil {
		return "", err
	}
	if err := c.Start(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// inspectResult is the subset of `podman container inspect` output we read.
type inspectResult struct {
	ID        string    `json:"Id"`
	Name      string    `json:"Name"`
	ImageName string    `json:"ImageName"`
	Created   time.Time `json:"Created"`
	State     struct {
		Status string `json:"Status"`
	} `json:"State"`
}

// Inspect returns the container's current state.
func (c *Client) Inspect(ctx context.Context, idOrName string) (*models.ContainerInfo, error) {
	out, err := c.exec(ctx, "container", "inspect", "--format", "json", idOrName)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", idOrName, err)
	}
	var results []inspectResult
	if err := json.Unmarshal(out, &results); err != nil {
		return nil, fmt.Errorf("parsing inspect output: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, idOrName)
	}
	r := results[0]
	return &models.ContainerInfo{
		ID:      r.ID,
		Name:    strings.TrimPrefix(r.Name, "/"),
		Image:   r.ImageName,
		State:   r.State.Status,
		Created: r.Created,
	}, nil
}

// psEntry is one element of `podman ps --format json`.
type psEntry struct {
	ID      string   `json:"Id"`
	Names   []string `json:"Names"`
	Image   string   `json:"Image"`
	State   string   `json:"State"`
	Status  string   `json:"Status"`
	Created int64    `json:"Created"`
	Ports   []struct {
		HostPort      int    `json:"host_port"`
		ContainerPort int    `json:"container_port"`
		Protocol      string `json:"protocol"`
	} `json:"Ports"`
}

// List returns containers matching filter.
func (c *Client) List(ctx context.Context, filter runtime.Filter) ([]models.ContainerInfo, error) {
	args := []string{"ps", "--format", "json"}
	if filter.All {
		args = append(args, "--all")
	}
	if filter.Name != "" {
		args = append(args, "--filter", "name="+filter.Name)
	}
	out, err := c.exec(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}

	var entries []psEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parsing ps output: %w", err)
	}
	containers := make([]models.ContainerInfo, 0, len(entries))
	for _, e := range entries {
		info := models.ContainerInfo{
			ID:      e.ID,
			Image:   e.Image,
			State:   e.State,
			Status:  e.Status,
			Created: time.Unix(e.Created, 0).UTC(),
		}
		if len(e.Names) > 0 {
			info.Name = e.Names[0]
		}
		if len(e.Ports) > 0 {
			info.Ports = make(map[string]string, len(e.Ports))
			for _, p := range e.Ports {
				info.Ports[strconv.Itoa(p.HostPort)] = fmt.Sprintf("%d/%s", p.ContainerPort, p.Protocol)
			}
		}
		containers = append(containers, info)
	}
	return containers, nil
}

// Ping checks that the podman CLI can reach its engine.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.exec(ctx, "version", "--format", "{{.Client.Version}}"); err != nil {
		return fmt.Errorf("podman unavailable: %w", err)
	}
	return nil
}

// PruneImages removes dangling images and returns how many were removed.
func (c *Client) PruneImages(ctx context.Context) (int, error) {
	out, err := c.exec(ctx, "image", "prune", "-f")
	if err != nil {
		return 0, fmt.Errorf("pruning images: %w", err)
	}

	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" && !strings.Contains(line, "Total reclaimed space") {
			count++
		}
	}
	return count, nil
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
