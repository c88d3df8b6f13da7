package plugin

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// DependencyResolver resolves plugin dependencies and determines load order
type DependencyResolver struct {
	logger zerolog.Logger
}

// NewDependencyResolver creates a new dependency resolver
func NewDependencyResolver(logger zerolog.Logger) *DependencyResolver {
	return &DependencyResolver{
		logger: logger.With().Str("component", "dependency-resolver").Logger(),
	}
}

// BuildDependencyGraph builds a dependency graph from parsed manifests
// keyed by plugin id
func (r *DependencyResolver) BuildDependencyGraph(manifests map[string]*Manifest) *DependencyGraph {
	graph := &DependencyGraph{
		Nodes: make(map[string]*Manifest, len(manifests)),
		Edges: make(map[string][]string, len(manifests)),
	}

	for id, manifest := range manifests {
		graph.Nodes[id] = manifest
		deps := make([]string, 0, len(manifest.Dependencies))
		for depID := range manifest.Dependencies {
			deps = append(deps, depID)
		}
		sort.Strings(deps)
		graph.Edges[id] = deps
	}

	return graph
}

// sortedNodes gives graph traversals a deterministic order.
func sortedNodes(graph *DependencyGraph) []string {
	ids := make([]string, 0, len(graph.Nodes))
	for id := range graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DetectCycles detects cycles in the dependency graph using DFS
// Returns a list of cycles, where each cycle is a list of plugin IDs
func (r *DependencyResolver) DetectCycles(graph *DependencyGraph) [][]string {
	var cycles [][]string
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := []string{}

	var dfs func(string) bool
	dfs = func(pluginID string) bool {
		visited[pluginID] = true
		recStack[pluginID] = true
		path = append(path, pluginID)

		for _, depID := range graph.Edges[pluginID] {
			if !visited[depID] {
				if dfs(depID) {
					return true
				}
			} else if recStack[depID] {
				// Found a cycle
				cycleStart := -1
				for i, id := range path {
					if id == depID {
						cycleStart = i
						break
					}
				}
				if cycleStart >= 0 {
					cycle := make([]string, len(path)-cycleStart)
					copy(cycle, path[cycleStart:])
					cycles = append(cycles, cycle)
				}
				return true
			}
		}

		path = path[:len(path)-1]
		recStack[pluginID] = false
		return false
	}

	for _, pluginID := range sortedNodes(graph) {
		if !visited[pluginID] {
			path = path[:0]
			clear(recStack)
			dfs(pluginID)
		}
	}

	if len(cycles) > 0 {
		r.logger.Warn().Int("count", len(cycles)).Msg("Detected dependency cycles")
	}

	return cycles
}

// ValidateDependencies validates that all dependencies exist and versions are compatible
func (r *DependencyResolver) ValidateDependencies(graph *DependencyGraph) map[string]error {
	errs := make(map[string]error)

	for _, pluginID := range sortedNodes(graph) {
		manifest := graph.Nodes[pluginID]
		for _, depID := range graph.Edges[pluginID] {
			depManifest, exists := graph.Nodes[depID]
			if !exists {
				errs[pluginID] = fmt.Errorf("%w: %s", ErrDependencyMissing, depID)
				r.logger.Error().
					Str("plugin", pluginID).
					Str("dependency", depID).
					Msg("Missing dependency")
				continue
			}

			constraint := manifest.Dependencies[depID]
			if constraint == "" {
				continue
			}
			if err := checkVersionCompatibility(depManifest.Version, constraint); err != nil {
				errs[pluginID] = fmt.Errorf("incompatible dependency version for %s: %w", depID, err)
				r.logger.Error().
					Str("plugin", pluginID).
					Str("dependency", depID).
					Str("required", constraint).
					Str("actual", depManifest.Version).
					Msg("Incompatible dependency version")
			}
		}
	}

	return errs
}

// checkVersionCompatibility checks if a version satisfies a constraint
func checkVersionCompatibility(version, constraint string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %s: %w", version, err)
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint %s: %w", constraint, err)
	}

	if !c.Check(v) {
		return fmt.Errorf("version %s does not satisfy constraint %s", version, constraint)
	}

	return nil
}

// TopologicalSort performs a topological sort on the dependency graph
// Returns plugin IDs in load order (dependencies before dependents)
func (r *DependencyResolver) TopologicalSort(graph *DependencyGraph) ([]string, error) {
	// Check for cycles first
	cycles := r.DetectCycles(graph)
	if len(cycles) > 0 {
		return nil, fmt.Errorf("cannot sort graph with cycles: %v", cycles)
	}

	var sorted []string
	visited := make(map[string]bool)
	temp := make(map[string]bool)

	var visit func(string) error
	visit = func(pluginID string) error {
		if temp[pluginID] {
			return fmt.Errorf("cycle detected at %s", pluginID)
		}
		if visited[pluginID] {
			return nil
		}
		if _, known := graph.Nodes[pluginID]; !known {
			return nil
		}

		temp[pluginID] = true

		// Visit dependencies first
		for _, depID := range graph.Edges[pluginID] {
			if err := visit(depID); err != nil {
				return err
			}
		}

		temp[pluginID] = false
		visited[pluginID] = true
		sorted = append(sorted, pluginID)

		return nil
	}

	// Visit all nodes
	for _, pluginID := range sortedNodes(graph) {
		if !visited[pluginID] {
			if err := visit(pluginID); err != nil {
				return nil, err
			}
		}
	}

	r.logger.Debug().
		Int("count", len(sorted)).
		Strs("order", sorted).
		Msg("Computed load order")

	return sorted, nil
}

// GetDependents returns all plugins that depend on the given plugin
func (r *DependencyResolver) GetDependents(graph *DependencyGraph, pluginID string) []string {
	var dependents []string

	for _, id := range sortedNodes(graph) {
		for _, depID := range graph.Edges[id] {
			if depID == pluginID {
				dependents = append(dependents, id)
				break
			}
		}
	}

	return dependents
}
