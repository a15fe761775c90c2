// Package graph keeps the entities and relationships that agents discover
// across an investigation: suppliers, agencies, contracts and the links
// between them.
package graph

import (
	"fmt"
	"sort"
	"sync"
)

// KindUnknown marks a node created implicitly by an edge.
const KindUnknown = "unknown"

// Common entity kinds.
const (
	KindSupplier = "supplier"
	KindAgency   = "agency"
	KindContract = "contract"
	KindSanction = "sanction"
)

// Entity is a node, identified by a stable id such as a tax id.
type Entity struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Relationship is a directed, typed edge.
type Relationship struct {
	Source     string            `json:"source"`
	Target     string            `json:"target"`
	Kind       string            `json:"kind"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type edgeKey struct {
	source, target, kind string
}

// Graph is safe for concurrent use.
type Graph struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	edges    map[edgeKey]*Relationship
	adjacent map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		entities: map[string]*Entity{},
		edges:    map[edgeKey]*Relationship{},
		adjacent: map[string]map[string]struct{}{},
	}
}

// AddEntity inserts e or merges it into the existing node. Attributes merge
// field by field with the latest write winning; a known kind replaces
// "unknown" but is never replaced by it.
func (g *Graph) AddEntity(e Entity) error {
	if e.ID == "" {
		return fmt.Errorf("graph: entity id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsert(e)
	return nil
}

// AddRelationship inserts r keyed by (source, target, kind). Missing endpoints
// are created with kind "unknown". Adding the same edge again only merges
// attributes.
func (g *Graph) AddRelationship(r Relationship) error {
	if r.Source == "" || r.Target == "" || r.Kind == "" {
		return fmt.Errorf("graph: relationship needs source, target and kind")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.upsert(Entity{ID: r.Source})
	g.upsert(Entity{ID: r.Target})

	key := edgeKey{r.Source, r.Target, r.Kind}
	if existing, ok := g.edges[key]; ok {
		existing.Attributes = merge(existing.Attributes, r.Attributes)
		return nil
	}
	g.edges[key] = &Relationship{
		Source:     r.Source,
		Target:     r.Target,
		Kind:       r.Kind,
		Attributes: merge(nil, r.Attributes),
	}
	g.link(r.Source, r.Target)
	g.link(r.Target, r.Source)
	return nil
}

// Merge adds every entity and relationship, stopping at the first invalid one.
func (g *Graph) Merge(entities []Entity, relationships []Relationship) error {
	for _, e := range entities {
		if err := g.AddEntity(e); err != nil {
			return err
		}
	}
	for _, r := range relationships {
		if err := g.AddRelationship(r); err != nil {
			return err
		}
	}
	return nil
}

// Entity returns a copy of the node with the given id.
func (g *Graph) Entity(id string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	if !ok {
		return Entity{}, false
	}
	return copyEntity(e), true
}

// Neighbors returns the nodes linked to id in either direction, sorted by id.
func (g *Graph) Neighbors(id string) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.adjacent[id]))
	for n := range g.adjacent[id] {
		ids = append(ids, n)
	}
	sort.Strings(ids)

	out := make([]Entity, 0, len(ids))
	for _, n := range ids {
		out = append(out, copyEntity(g.entities[n]))
	}
	return out
}

// Relationships returns every edge touching id, or every edge when id is
// empty, sorted by source, target, kind.
func (g *Graph) Relationships(id string) []Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Relationship, 0)
	for k, r := range g.edges {
		if id != "" && k.source != id && k.target != id {
			continue
		}
		c := *r
		c.Attributes = merge(nil, r.Attributes)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Len returns the number of nodes and edges.
func (g *Graph) Len() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities), len(g.edges)
}

func (g *Graph) upsert(e Entity) {
	kind := e.Kind
	if kind == "" {
		kind = KindUnknown
	}
	existing, ok := g.entities[e.ID]
	if !ok {
		g.entities[e.ID] = &Entity{ID: e.ID, Kind: kind, Attributes: merge(nil, e.Attributes)}
		return
	}
	if kind != KindUnknown {
		existing.Kind = kind
	}
	existing.Attributes = merge(existing.Attributes, e.Attributes)
}

func (g *Graph) link(from, to string) {
	set, ok := g.adjacent[from]
	if !ok {
		set = map[string]struct{}{}
		g.adjacent[from] = set
	}
	set[to] = struct{}{}
}

func merge(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyEntity(e *Entity) Entity {
	return Entity{ID: e.ID, Kind: e.Kind, Attributes: merge(nil, e.Attributes)}
}
