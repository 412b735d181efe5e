// Package kubeconfig reads the subset of a kubeconfig file the gateway needs:
// which contexts exist and where they point.
package kubeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrContextNotFound is returned when a kubeconfig does not define the
// requested context.
var ErrContextNotFound = errors.New("context not found in kubeconfig")

// File is a parsed kubeconfig.
type File struct {
	CurrentContext string         `yaml:"current-context"`
	Contexts       []NamedContext `yaml:"contexts"`
	Clusters       []NamedCluster `yaml:"clusters"`
}

// NamedContext is one entry of the contexts list.
type NamedContext struct {
	Name    string  `yaml:"name"`
	Context Context `yaml:"context"`
}

// Context binds a cluster, user and default namespace.
type Context struct {
	Cluster   string `yaml:"cluster"`
	User      string `yaml:"user"`
	Namespace string `yaml:"namespace"`
}

// NamedCluster is one entry of the clusters list.
type NamedCluster struct {
	Name    string `yaml:"name"`
	Cluster struct {
		Server string `yaml:"server"`
	} `yaml:"cluster"`
}

// Load reads and parses the kubeconfig at path. A leading "~/" is expanded.
func Load(path string) (*File, error) {
	path, err := Expand(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading kubeconfig: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing kubeconfig %s: %w", path, err)
	}
	return &f, nil
}

// Expand resolves a leading "~/" against the user's home directory.
func Expand(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// ContextNames returns the defined context names, sorted.
func (f *File) ContextNames() []string {
	names := make([]string, 0, len(f.Contexts))
	for _, c := range f.Contexts {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

// Context returns the named context.
func (f *File) Context(name string) (Context, error) {
	for _, c := range f.Contexts {
		if c.Name == name {
			return c.Context, nil
		}
	}
	return Context{}, fmt.Errorf("%w: %q", ErrContextNotFound, name)
}

// Server returns the API server URL of the named cluster, or "".
func (f *File) Server(cluster string) string {
	for _, c := range f.Clusters {
		if c.Name == cluster {
			return c.Cluster.Server
		}
	}
	return ""
}

// Validator checks session coordinates before anything is spawned.
type Validator struct{}

// Validate reports whether path is a readable kubeconfig defining context.
func (Validator) Validate(path, context string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	_, err = f.Context(context)
	return err
}
