package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/replyctrl/internal/expr"
)

const inlineSourceName = "inline-config"

// ProcessorBundle is the merged set of processor definitions after every
// configured source has been read.
type ProcessorBundle struct {
	Processors map[string]ProcessorConfig
	Sources    []string
	Skipped    []DefinitionSkip
}

type processorDocument struct {
	Processors map[string]ProcessorConfig `koanf:"processors"`
}

type processorAggregator struct {
	processors map[string]ProcessorConfig
	origins    map[string]string
	skips      map[string]*DefinitionSkip
	sources    map[string]struct{}
}

func newProcessorAggregator() *processorAggregator {
	return &processorAggregator{
		processors: make(map[string]ProcessorConfig),
		origins:    make(map[string]string),
		skips:      make(map[string]*DefinitionSkip),
		sources:    make(map[string]struct{}),
	}
}

func (a *processorAggregator) addDocument(doc processorDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Processors {
		a.add(name, cfg, source)
	}
}

func (a *processorAggregator) add(name string, cfg ProcessorConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.processors, name)
		return
	}
	a.origins[name] = source
	a.processors[name] = cfg
}

func (a *processorAggregator) recordSkip(name, reason string, sources ...string) {
	skip, ok := a.skips[name]
	if !ok {
		skip = &DefinitionSkip{Kind: "processor", Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = skip
	}
	if skip.Reason == "" {
		skip.Reason = reason
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

// quarantineInvalid drops definitions that fail validation or whose
// assertions do not compile.
func (a *processorAggregator) quarantineInvalid(env *expr.Environment) {
	for name, cfg := range a.processors {
		err := cfg.validate(name)
		if err == nil {
			err = validateAssertions(env, cfg.Assertions)
		}
		if err == nil {
			continue
		}
		a.recordSkip(name, fmt.Sprintf("invalid definition: %v", err), a.origins[name])
		delete(a.origins, name)
		delete(a.processors, name)
	}
}

func (a *processorAggregator) bundle() ProcessorBundle {
	processors := maps.Clone(a.processors)
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return ProcessorBundle{Processors: processors, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

// BuildProcessorBundle merges the inline processors with every document found
// under source.
func BuildProcessorBundle(ctx context.Context, inline map[string]ProcessorConfig, source ProcessorsSource) (ProcessorBundle, error) {
	agg := newProcessorAggregator()
	if len(inline) > 0 {
		agg.addDocument(processorDocument{Processors: inline}, inlineSourceName)
	}

	files, err := collectProcessorSources(ctx, source)
	if err != nil {
		return ProcessorBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return ProcessorBundle{}, ctx.Err()
		default:
		}
		doc, err := loadProcessorDocument(path)
		if err != nil {
			return ProcessorBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return ProcessorBundle{}, err
	}
	agg.quarantineInvalid(env)
	return agg.bundle(), nil
}

func validateAssertions(env *expr.Environment, assertions []string) error {
	for idx, assertion := range assertions {
		if strings.TrimSpace(assertion) == "" {
			continue
		}
		if _, err := env.Compile(assertion); err != nil {
			return fmt.Errorf("assertions[%d]: %w", idx, err)
		}
	}
	return nil
}

func collectProcessorSources(ctx context.Context, source ProcessorsSource) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if source.ProcessorsFile != "" {
		info, err := os.Stat(source.ProcessorsFile)
		if err != nil {
			return nil, fmt.Errorf("config: processors file %s: %w", source.ProcessorsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config: processors file %s: expected a file, found directory", source.ProcessorsFile)
		}
		return []string{source.ProcessorsFile}, nil
	}
	if source.ProcessorsFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(source.ProcessorsFolder)
	if err != nil {
		return nil, fmt.Errorf("config: processors folder %s: %w", source.ProcessorsFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: processors folder %s is not a directory", source.ProcessorsFolder)
	}
	var files []string
	err = filepath.WalkDir(source.ProcessorsFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedConfigFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk processors folder %s: %w", source.ProcessorsFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadProcessorDocument(path string) (processorDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return processorDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return processorDocument{}, fmt.Errorf("config: load processors from %s: %w", path, err)
	}
	var doc processorDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return processorDocument{}, fmt.Errorf("config: decode processors from %s: %w", path, err)
	}
	return doc, nil
}

// parserFor picks the koanf parser by file extension.
func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

func isSupportedConfigFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneProcessorMap(in map[string]ProcessorConfig) map[string]ProcessorConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
