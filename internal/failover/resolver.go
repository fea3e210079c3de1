package failover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"streamshare/internal/models"
)

// ErrUnresolvable is returned when a candidate has no usable descriptor.
var ErrUnresolvable = errors.New("failover: candidate cannot be resolved")

// Resolver turns a candidate reference into the descriptor the supervisor
// starts.
type Resolver interface {
	Resolve(ctx context.Context, ref models.SourceRef) (models.SourceDescriptor, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ref models.SourceRef) (models.SourceDescriptor, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, ref models.SourceRef) (models.SourceDescriptor, error) {
	return f(ctx, ref)
}

type catalogFile struct {
	Defaults struct {
		Command []string `yaml:"command"`
		Format  string   `yaml:"format"`
	} `yaml:"defaults"`
	Sources []models.SourceDescriptor `yaml:"sources"`
}

// Catalog resolves candidates from a static list of descriptors, usually
// loaded from a YAML sources file.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	sources map[string]models.SourceDescriptor
}

// NewCatalog builds a catalog from descriptors.
func NewCatalog(descs ...models.SourceDescriptor) *Catalog {
	c := &Catalog{}
	c.replace(descs)
	return c
}

// LoadCatalog reads a YAML sources file:
//
//	defaults:
//	  command: [ffmpeg, -i, "udp://239.0.0.1:{source_id}", ..., "{output_dir}/index.m3u8"]
//	sources:
//	  - type: channel
//	    id: "42"
//	    title: News
//
// Sources without a command inherit the default template.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the sources file the catalog was loaded from.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read sources file: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse sources file %s: %w", c.path, err)
	}
	descs := make([]models.SourceDescriptor, 0, len(file.Sources))
	for _, desc := range file.Sources {
		if len(desc.Command) == 0 {
			desc.Command = append([]string(nil), file.Defaults.Command...)
		}
		if desc.Format == "" {
			desc.Format = file.Defaults.Format
		}
		descs = append(descs, desc)
	}
	c.replace(descs)
	return nil
}

func (c *Catalog) replace(descs []models.SourceDescriptor) {
	sources := make(map[string]models.SourceDescriptor, len(descs))
	for _, desc := range descs {
		sources[catalogKey(desc.Type, desc.ID, desc.Variant)] = desc
	}
	c.mu.Lock()
	c.sources = sources
	c.mu.Unlock()
}

// Len reports how many descriptors the catalog holds.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

// Resolve implements Resolver. A ref with a variant falls back to the
// variant-less entry of the same source.
func (c *Catalog) Resolve(_ context.Context, ref models.SourceRef) (models.SourceDescriptor, error) {
	c.mu.RLock()
	desc, ok := c.sources[catalogKey(ref.Type, ref.ID, ref.Variant)]
	if !ok && ref.Variant != "" {
		desc, ok = c.sources[catalogKey(ref.Type, ref.ID, "")]
		desc.Variant = ref.Variant
	}
	c.mu.RUnlock()
	if !ok {
		return models.SourceDescriptor{}, fmt.Errorf("%w: %s is not in the catalog", ErrUnresolvable, ref)
	}
	desc.Command = append([]string(nil), desc.Command...)
	return desc, nil
}

func catalogKey(sourceType, id, variant string) string {
	return string(models.NewStreamKey(sourceType, id, variant))
}

// Chain tries each resolver in turn and returns the first descriptor found.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, ref models.SourceRef) (models.SourceDescriptor, error) {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		desc, err := r.Resolve(ctx, ref)
		if err == nil {
			return desc, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return models.SourceDescriptor{}, fmt.Errorf("%w: no resolvers configured", ErrUnresolvable)
	}
	return models.SourceDescriptor{}, errors.Join(errs...)
}
