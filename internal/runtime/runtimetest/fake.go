// Package runtimetest provides an in-memory ContainerRuntime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/runtime"
)

// Fake is a ContainerRuntime backed by a map. Errors keyed by image or name
// are returned from the matching call.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*models.ContainerInfo
	specs      map[string]runtime.Spec
	calls      []string

	PullErr   map[string]error // keyed by image:tag
	CreateErr map[string]error // keyed by image
	StartErr  error
	ExportErr error
	ImportErr error
	PingErr   error
}

var _ runtime.ContainerRuntime = (*Fake)(nil)

// New returns an empty fake runtime.
func New() *Fake {
	return &Fake{
		containers: make(map[string]*models.ContainerInfo),
		specs:      make(map[string]runtime.Spec),
		PullErr:    make(map[string]error),
		CreateErr:  make(map[string]error),
	}
}

// AddRunning seeds a running container and returns its id.
func (f *Fake) AddRunning(name, image string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	f.containers[id] = &models.ContainerInfo{
		ID:      id,
		Name:    name,
		Image:   image,
		State:   "running",
		Created: time.Now(),
	}
	return id
}

// Calls returns the operations performed so far, e.g. "pull app:1.0".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Spec returns the spec a container was created with.
func (f *Fake) Spec(id string) runtime.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[id]
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *Fake) lookup(idOrName string) *models.ContainerInfo {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.Name == idOrName {
			return c
		}
	}
	return nil
}

func (f *Fake) Pull(_ context.Context, image, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := image
	if tag != "" {
		ref = image + ":" + tag
	}
	f.record("pull %s", ref)
	return f.PullErr[ref]
}

func (f *Fake) Create(_ context.Context, image, name string, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s %s", name, image)
	if err := f.CreateErr[image]; err != nil {
		return "", err
	}
	if f.lookup(name) != nil {
		return "", fmt.Errorf("container name %q is already in use", name)
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	f.containers[id] = &models.ContainerInfo{ID: id, Name: name, Image: image, State: "created", Created: time.Now()}
	f.specs[id] = spec
	return id, nil
}

func (f *Fake) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start %s", id)
	if f.StartErr != nil {
		return f.StartErr
	}
	c := f.lookup(id)
	if c == nil {
		return runtime.ErrNotFound
	}
	c.State = "running"
	return nil
}

func (f *Fake) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", id)
	c := f.lookup(id)
	if c == nil {
		return runtime.ErrNotFound
	}
	c.State = "exited"
	return nil
}

func (f *Fake) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove %s", id)
	c := f.lookup(id)
	if c == nil {
		return runtime.ErrNotFound
	}
	delete(f.containers, c.ID)
	return nil
}

// Export writes a small placeholder archive to dest.
func (f *Fake) Export(_ context.Context, id, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("export %s", id)
	if f.ExportErr != nil {
		return f.ExportErr
	}
	c := f.lookup(id)
	if c == nil {
		return runtime.ErrNotFound
	}
	return os.WriteFile(dest, []byte(c.Image), 0o600)
}

func (f *Fake) Import(_ context.Context, archive, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("import %s %s", archive, name)
	if f.ImportErr != nil {
		return "", f.ImportErr
	}
	image, err := os.ReadFile(archive)
	if err != nil {
		return "", err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	f.containers[id] = &models.ContainerInfo{ID: id, Name: name, Image: string(image), State: "running", Created: time.Now()}
	return id, nil
}

func (f *Fake) Inspect(_ context.Context, idOrName string) (*models.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(idOrName)
	if c == nil {
		return nil, runtime.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) List(_ context.Context, filter runtime.Filter) ([]models.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ContainerInfo
	for _, c := range f.containers {
		if !filter.All && !c.IsRunning() {
			continue
		}
		if filter.Name != "" && !strings.Contains(c.Name, filter.Name) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Ping(context.Context) error {
	return f.PingErr
}
