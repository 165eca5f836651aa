package processor

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/l0p7/replyctrl/internal/config"
	"github.com/l0p7/replyctrl/internal/message"
	"github.com/l0p7/replyctrl/internal/templates"
)

// checkIdentifier is the identifier used to check that a processor builds
// valid, deterministic requests at registration time.
const checkIdentifier = "registry-check"

var (
	// ErrUnknownProcessor is returned by Lookup for names nobody registered.
	ErrUnknownProcessor = errors.New("processor: unknown processor")
	// ErrDuplicateProcessor is returned when a name is registered twice.
	ErrDuplicateProcessor = errors.New("processor: duplicate processor")
)

// Registry holds the named processors available to hosts. Broken processors
// are rejected at Register time instead of failing on the first request.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register validates p and adds it under p.Name().
func (r *Registry) Register(p Processor) error {
	if err := validateProcessor(p); err != nil {
		return err
	}
	name := p.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProcessor, name)
	}
	r.processors[name] = p
	return nil
}

// Lookup returns the processor registered under name.
func (r *Registry) Lookup(name string) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	return p, nil
}

// Names lists registered processors in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of registered processors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processors)
}

// Replace swaps the registered set for the processors in next. Requests
// already in flight keep the processor value they were submitted with.
func (r *Registry) Replace(next *Registry) {
	if next == nil {
		return
	}
	next.mu.RLock()
	snapshot := make(map[string]Processor, len(next.processors))
	for name, p := range next.processors {
		snapshot[name] = p
	}
	next.mu.RUnlock()

	r.mu.Lock()
	r.processors = snapshot
	r.mu.Unlock()
}

func validateProcessor(p Processor) error {
	if p == nil {
		return errors.New("processor: nil processor")
	}
	if v := reflect.ValueOf(p); v.Kind() == reflect.Pointer && v.IsNil() {
		return errors.New("processor: nil processor")
	}
	name := p.Name()
	if strings.TrimSpace(name) == "" {
		return errors.New("processor: name required")
	}
	first, err := p.BuildDefaultRequest(checkIdentifier)
	if err != nil {
		return fmt.Errorf("processor %s: build default request: %w", name, err)
	}
	if err := first.Validate(); err != nil {
		return fmt.Errorf("processor %s: default request: %w", name, err)
	}
	second, err := p.BuildDefaultRequest(checkIdentifier)
	if err != nil {
		return fmt.Errorf("processor %s: build default request: %w", name, err)
	}
	if first.Fingerprint() != second.Fingerprint() {
		return fmt.Errorf("processor %s: default request is not deterministic", name)
	}
	return nil
}

// NewRegistryFromConfig builds and registers every configured processor.
func NewRegistryFromConfig(defs map[string]config.ProcessorConfig, renderer *templates.Renderer) (*Registry, error) {
	registry := NewRegistry()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := FromConfig(name, defs[name], renderer)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// FromConfig builds one processor from its configuration.
func FromConfig(name string, def config.ProcessorConfig, renderer *templates.Renderer) (Processor, error) {
	policy, err := message.ParseCachePolicy(def.CachePolicy)
	if err != nil {
		return nil, fmt.Errorf("processor %s: %w", name, err)
	}
	request := RequestSpec{
		URLTemplate:     def.URLTemplate,
		URLTemplateFile: def.URLTemplateFile,
		Method:          def.Method,
		Headers:         def.Headers,
		Query:           def.Query,
		Policy:          policy,
		TTL:             def.TTLDuration(),
	}
	switch strings.ToLower(strings.TrimSpace(def.Kind)) {
	case "image":
		return NewImage(ImageConfig{
			Name:      name,
			Request:   request,
			Formats:   def.Formats,
			MaxPixels: def.MaxPixels,
		}, renderer)
	case "structured":
		return NewStructured(StructuredConfig{
			Name:       name,
			Request:    request,
			Format:     def.Format,
			Assertions: def.Assertions,
			Fields:     def.Fields,
		}, renderer)
	default:
		return nil, fmt.Errorf("processor %s: unsupported kind %q", name, def.Kind)
	}
}
