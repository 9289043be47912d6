package executor

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/fleetdeploy/internal/models"
)

// ManifestFile is the instruction file searched for inside an extracted package.
const ManifestFile = "update.json"

// DefaultTag is used when a container update names no tag.
const DefaultTag = "latest"

// Manifest is the update.json carried inside an update package.
type Manifest struct {
	ContainersToUpdate []ContainerUpdate `json:"containersToUpdate"`
	CustomScripts      []string          `json:"customScripts,omitempty"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
}

// ContainerUpdate replaces one named container with a new image.
type ContainerUpdate struct {
	Name                 string            `json:"name"`
	NewImage             string            `json:"newImage"`
	NewTag               string            `json:"newTag,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
	PortMappings         map[string]string `json:"portMappings,omitempty"`
}

// Reference splits the update into the image and tag to pull. A NewImage that
// already carries a tag or digest is used verbatim and the returned tag is empty.
func (c ContainerUpdate) Reference() (image, tag string) {
	if strings.Contains(c.NewImage, "@") || hasTag(c.NewImage) {
		return c.NewImage, ""
	}
	tag = c.NewTag
	if tag == "" {
		tag = DefaultTag
	}
	return c.NewImage, tag
}

// FullImage returns the reference the replacement container is created from.
func (c ContainerUpdate) FullImage() string {
	image, tag := c.Reference()
	if tag == "" {
		return image
	}
	return image + ":" + tag
}

// hasTag reports whether the last path segment of ref carries a ":tag".
func hasTag(ref string) bool {
	last := ref
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		last = ref[i+1:]
	}
	return strings.Contains(last, ":")
}

// ParseManifest decodes and validates update.json content.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest names at least one container and that scripts
// stay inside the package.
func (m *Manifest) Validate() error {
	if len(m.ContainersToUpdate) == 0 {
		return fmt.Errorf("%w: containersToUpdate is empty", ErrInvalidManifest)
	}
	for i, c := range m.ContainersToUpdate {
		if c.Name == "" {
			return fmt.Errorf("%w: container %d has no name", ErrInvalidManifest, i)
		}
		if c.NewImage == "" {
			return fmt.Errorf("%w: container %q has no newImage", ErrInvalidManifest, c.Name)
		}
	}
	for _, s := range m.CustomScripts {
		clean := path.Clean(filepath.ToSlash(s))
		if s == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("%w: script %q", ErrUnsafePath, s)
		}
	}
	return nil
}

// FindManifest returns the path of the shallowest update.json under root.
func FindManifest(root string) (string, error) {
	var found string
	depth := -1
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestFile {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		n := strings.Count(filepath.ToSlash(rel), "/")
		if depth < 0 || n < depth {
			found, depth = p, n
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("searching for %s: %w", ManifestFile, err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s not found", ErrInvalidManifest, ManifestFile)
	}
	return found, nil
}

// LoadManifest finds and parses the manifest under root.
func LoadManifest(root string) (*Manifest, string, error) {
	p, err := FindManifest(root)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, "", err
	}
	return m, filepath.Dir(p), nil
}

// manifestFromRequest builds a single-container manifest for updates that
// carry only an image and no package.
func manifestFromRequest(u *models.UpdateRequest) (*Manifest, error) {
	if u.ContainerImage == "" {
		return nil, fmt.Errorf("%w: update has neither package_url nor container_image", ErrInvalidManifest)
	}
	name := u.ContainerName
	if name == "" {
		name = containerNameFromImage(u.ContainerImage)
	}
	c := ContainerUpdate{Name: name, NewImage: u.ContainerImage}
	if cfg := u.ContainerConfig; cfg != nil {
		c.PortMappings = cfg.Ports
		for _, kv := range cfg.Environment {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			if c.EnvironmentVariables == nil {
				c.EnvironmentVariables = make(map[string]string)
			}
			c.EnvironmentVariables[k] = v
		}
	}
	m := &Manifest{ContainersToUpdate: []ContainerUpdate{c}}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// containerNameFromImage derives "web" from "registry:5000/team/web:1.2".
func containerNameFromImage(image string) string {
	ref, _, _ := strings.Cut(image, "@")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	ref, _, _ = strings.Cut(ref, ":")
	return ref
}
