package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"flowpilot/shared"
	"go.uber.org/zap"
)

// ErrDefinitionImmutable is returned when a registered id and version is
// registered again with different content.
var ErrDefinitionImmutable = errors.New("definition version is immutable")

// DefinitionProvider returns validated definitions. Version 0 selects the
// latest registered version.
type DefinitionProvider interface {
	GetDefinition(ctx context.Context, id string, version int) (*shared.WorkflowDefinition, error)
}

type registeredDefinition struct {
	def         *shared.WorkflowDefinition
	fingerprint string
}

// DefinitionRegistry is an in-memory DefinitionProvider holding immutable
// definition versions.
type DefinitionRegistry struct {
	mu       sync.RWMutex
	versions map[string]map[int]*registeredDefinition
	logger   *zap.Logger
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry(logger *zap.Logger) *DefinitionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DefinitionRegistry{
		versions: make(map[string]map[int]*registeredDefinition),
		logger:   logger,
	}
}

// Register validates def and stores it. Version 0 assigns the next version.
// Registering an identical id and version again is a no-op.
func (r *DefinitionRegistry) Register(def *shared.WorkflowDefinition) (*shared.WorkflowDefinition, error) {
	def.EnsureEdgeIDs()
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion := r.versions[def.ID]
	if byVersion == nil {
		byVersion = make(map[int]*registeredDefinition)
		r.versions[def.ID] = byVersion
	}
	stored := *def
	if stored.Version == 0 {
		stored.Version = latestVersion(byVersion) + 1
	}
	fp, err := fingerprint(&stored)
	if err != nil {
		return nil, err
	}
	if existing, ok := byVersion[stored.Version]; ok {
		if existing.fingerprint != fp {
			return nil, fmt.Errorf("%s: %w", stored.Key(), ErrDefinitionImmutable)
		}
		return existing.def, nil
	}
	byVersion[stored.Version] = &registeredDefinition{def: &stored, fingerprint: fp}
	r.logger.Info("Definition registered",
		zap.String("definitionID", stored.ID),
		zap.Int("version", stored.Version),
		zap.Int("nodes", len(stored.Nodes)))
	return &stored, nil
}

// Contains reports whether def is registered with the same content. Version
// 0 is compared against the latest version.
func (r *DefinitionRegistry) Contains(def *shared.WorkflowDefinition) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	candidate := *def
	if candidate.Version == 0 {
		candidate.Version = latestVersion(r.versions[def.ID])
	}
	existing, ok := r.versions[def.ID][candidate.Version]
	if !ok {
		return false
	}
	fp, err := fingerprint(&candidate)
	return err == nil && existing.fingerprint == fp
}

// GetDefinition implements DefinitionProvider.
func (r *DefinitionRegistry) GetDefinition(_ context.Context, id string, version int) (*shared.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion, ok := r.versions[id]
	if !ok || len(byVersion) == 0 {
		return nil, fmt.Errorf("definition %s: %w", id, shared.ErrDefinitionNotFound)
	}
	if version == 0 {
		version = latestVersion(byVersion)
	}
	entry, ok := byVersion[version]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", shared.DefinitionKey(id, version), shared.ErrDefinitionNotFound)
	}
	return entry.def, nil
}

// List returns the latest version of every registered definition, ordered by id.
func (r *DefinitionRegistry) List() []*shared.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*shared.WorkflowDefinition, 0, len(r.versions))
	for _, byVersion := range r.versions {
		if v := latestVersion(byVersion); v > 0 {
			out = append(out, byVersion[v].def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func latestVersion(byVersion map[int]*registeredDefinition) int {
	latest := 0
	for v := range byVersion {
		if v > latest {
			latest = v
		}
	}
	return latest
}

func fingerprint(def *shared.WorkflowDefinition) (string, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("encode definition %s: %w", def.Key(), err)
	}
	return string(b), nil
}
