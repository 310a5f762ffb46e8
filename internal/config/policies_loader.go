package config

import (
	"context"
	"fmt"
	"io/fs"
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

	"github.com/cushionproxy/cushion/internal/expr"
)

const inlineSourceName = "inline-config"

// PolicyBundle captures the merged URL policies after loading every configured
// source. The metadata explains what was loaded and why certain policies were
// skipped.
type PolicyBundle struct {
	Policies []URLPolicy
	Sources  []string
	Skipped  []PolicySkip
}

// PolicyFor returns the policy matching the given URL path, if any.
func (b PolicyBundle) PolicyFor(path string) (URLPolicy, bool) {
	for _, p := range b.Policies {
		if p.Path == path {
			return p, true
		}
	}
	return URLPolicy{}, false
}

type policyDocument struct {
	Policies []URLPolicy `koanf:"policies"`
}

type policyAggregator struct {
	policies map[string]URLPolicy
	order    []string
	srcs     map[string]string
	skips    map[string]*PolicySkip

	sources map[string]struct{}
}

func newPolicyAggregator() *policyAggregator {
	return &policyAggregator{
		policies: make(map[string]URLPolicy),
		srcs:     make(map[string]string),
		skips:    make(map[string]*PolicySkip),
		sources:  make(map[string]struct{}),
	}
}

func (a *policyAggregator) addDocument(doc policyDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for _, policy := range doc.Policies {
		a.addPolicy(policy, source)
	}
}

func (a *policyAggregator) addPolicy(policy URLPolicy, source string) {
	path := strings.TrimSpace(policy.Path)
	policy.Path = path
	if existing, ok := a.skips[path]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.srcs[path]; ok {
		a.recordSkip(path, "duplicate definition", prev, source)
		a.remove(path)
		return
	}
	a.srcs[path] = source
	a.policies[path] = policy
	a.order = append(a.order, path)
}

// validatePolicies quarantines entries whose shape or CEL validation
// expression cannot be used, so one bad document never takes the daemon down.
func (a *policyAggregator) validatePolicies(env *expr.Environment, defaults CacheConfig) {
	for path, policy := range a.policies {
		if err := validatePolicy(policy, defaults); err != nil {
			a.recordSkip(path, err.Error(), a.srcs[path])
			a.remove(path)
			continue
		}
		if trimmed := strings.TrimSpace(policy.Validate); trimmed != "" {
			if _, err := env.Compile(trimmed); err != nil {
				a.recordSkip(path, fmt.Sprintf("invalid validate expression: %v", err), a.srcs[path])
				a.remove(path)
			}
		}
	}
}

func (a *policyAggregator) remove(path string) {
	delete(a.srcs, path)
	delete(a.policies, path)
	a.order = slices.DeleteFunc(a.order, func(p string) bool { return p == path })
}

func (a *policyAggregator) recordSkip(path, reason string, sources ...string) {
	if skip, ok := a.skips[path]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &PolicySkip{
		Path:    path,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[path] = skip
}

func (a *policyAggregator) bundle() PolicyBundle {
	policies := make([]URLPolicy, 0, len(a.policies))
	for _, path := range a.order {
		if policy, ok := a.policies[path]; ok {
			policies = append(policies, policy)
		}
	}
	skipped := make([]PolicySkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Path < skipped[j].Path })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return PolicyBundle{Policies: policies, Sources: sources, Skipped: skipped}
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

func buildPolicyBundle(ctx context.Context, inline []URLPolicy, folder string, defaults CacheConfig) (PolicyBundle, error) {
	agg := newPolicyAggregator()
	if len(inline) > 0 {
		agg.addDocument(policyDocument{Policies: inline}, inlineSourceName)
	}

	files, err := collectPolicySources(ctx, folder)
	if err != nil {
		return PolicyBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return PolicyBundle{}, ctx.Err()
		default:
		}
		doc, err := loadPolicyDocument(path)
		if err != nil {
			return PolicyBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return PolicyBundle{}, err
	}
	agg.validatePolicies(env, defaults)
	return agg.bundle(), nil
}

func collectPolicySources(ctx context.Context, folder string) ([]string, error) {
	if folder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(folder)
	if err != nil {
		return nil, fmt.Errorf("config: policies folder %s: %w", folder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: policies folder %s is not a directory", folder)
	}
	var files []string
	err = filepath.WalkDir(folder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedPolicyFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk policies folder %s: %w", folder, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadPolicyDocument(path string) (policyDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return policyDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return policyDocument{}, fmt.Errorf("config: load policies from %s: %w", path, err)
	}
	var doc policyDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return policyDocument{}, fmt.Errorf("config: decode policies from %s: %w", path, err)
	}
	return doc, nil
}

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
		return nil, fmt.Errorf("config: unsupported policy file extension %s", ext)
	}
}

func isSupportedPolicyFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
