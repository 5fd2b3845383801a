package pipeline

import "fmt"

// Graph is the directed acyclic graph of configured pipelines, keyed by
// (name, version). Edges point from a pipeline to the pipelines that must
// complete first for the same run.
type Graph struct {
	defs    map[Key]Definition
	ordered []Key
}

// NewGraph builds and validates the pipeline graph. Unknown dependency
// references and cycles are configuration errors, reported before any run is
// processed.
func NewGraph(defs []Definition) (*Graph, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("pipeline: at least one pipeline is required")
	}
	byKey := make(map[Key]Definition, len(defs))
	declared := make([]Key, 0, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		key := def.Key()
		if _, exists := byKey[key]; exists {
			return nil, fmt.Errorf("pipeline: duplicate definition %s", key)
		}
		byKey[key] = def.Clone()
		declared = append(declared, key)
	}
	for _, def := range byKey {
		for _, dep := range def.Dependencies {
			if _, ok := byKey[dep]; !ok {
				return nil, fmt.Errorf("pipeline %s: dependency %s is not declared", def.Key(), dep)
			}
		}
	}
	ordered, err := topologicalOrder(byKey, declared)
	if err != nil {
		return nil, err
	}
	return &Graph{defs: byKey, ordered: ordered}, nil
}

// Definition retrieves a pipeline by key.
func (g *Graph) Definition(key Key) (Definition, bool) {
	def, ok := g.defs[key]
	if !ok {
		return Definition{}, false
	}
	return def.Clone(), true
}

// Definitions returns every pipeline in topological order: dependencies
// always precede their dependents.
func (g *Graph) Definitions() []Definition {
	out := make([]Definition, 0, len(g.ordered))
	for _, key := range g.ordered {
		out = append(out, g.defs[key].Clone())
	}
	return out
}

// Keys returns the pipeline keys in topological order.
func (g *Graph) Keys() []Key {
	out := make([]Key, len(g.ordered))
	copy(out, g.ordered)
	return out
}

// Len reports the number of pipelines in the graph.
func (g *Graph) Len() int {
	return len(g.defs)
}

// topologicalOrder runs a depth-first sort over the dependency edges and
// rejects cycles. Declaration order is used as the tie-break so independent
// pipelines keep their configured order.
func topologicalOrder(defs map[Key]Definition, declared []Key) ([]Key, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	marks := make(map[Key]int, len(defs))
	ordered := make([]Key, 0, len(defs))
	var visit func(key Key, path []Key) error
	visit = func(key Key, path []Key) error {
		switch marks[key] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("pipeline: dependency cycle detected at %s (path %v)", key, path)
		}
		marks[key] = visiting
		for _, dep := range defs[key].Dependencies {
			if err := visit(dep, append(path, key)); err != nil {
				return err
			}
		}
		marks[key] = done
		ordered = append(ordered, key)
		return nil
	}
	for _, key := range declared {
		if err := visit(key, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
