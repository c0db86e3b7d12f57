// Package graph maintains the content-addressed artifact dependency graph:
// which artifacts exist, which depend on which, and which have gone stale.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
	"github.com/fabrica-dev/fabrica/internal/store"
)

const graphFile = "graph.json"

// ErrNodeNotFound is returned for queries on unregistered artifacts.
var ErrNodeNotFound = errors.New("graph: artifact not registered")

type LinkType string

const (
	LinkDependsOn   LinkType = "depends_on"
	LinkDerivedFrom LinkType = "derived_from"
	LinkComplements LinkType = "complements"
)

// Node is one registered artifact.
type Node struct {
	ArtifactID   string         `json:"artifact_id"`
	ArtifactType artifact.Type  `json:"artifact_type"`
	ContentHash  string         `json:"content_hash"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Link is a typed edge. Source is upstream of target.
type Link struct {
	SourceID   string        `json:"source_id"`
	SourceType artifact.Type `json:"source_type"`
	TargetID   string        `json:"target_id"`
	TargetType artifact.Type `json:"target_type"`
	LinkType   LinkType      `json:"link_type"`
	CreatedAt  time.Time     `json:"created_at"`
}

// StalenessReport describes whether an artifact lags its upstreams.
type StalenessReport struct {
	ArtifactID      string           `json:"artifact_id"`
	IsStale         bool             `json:"is_stale"`
	Reason          string           `json:"reason,omitempty"`
	StaleSince      *time.Time       `json:"stale_since,omitempty"`
	UpstreamChanges []UpstreamChange `json:"upstream_changes,omitempty"`
	Recommendation  string           `json:"recommendation,omitempty"`
}

type UpstreamChange struct {
	ArtifactID   string        `json:"artifact_id"`
	ArtifactType artifact.Type `json:"artifact_type"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Version      int           `json:"version"`
}

// ImpactEntry is one downstream artifact affected by a change.
type ImpactEntry struct {
	ArtifactID   string        `json:"artifact_id"`
	ArtifactType artifact.Type `json:"artifact_type"`
	Depth        int           `json:"depth"`
}

// TreeNode is one node of the dependency tree view.
type TreeNode struct {
	ArtifactID   string        `json:"artifact_id"`
	ArtifactType artifact.Type `json:"artifact_type"`
	Version      int           `json:"version"`
	IsStale      bool          `json:"is_stale"`
	Circular     bool          `json:"circular,omitempty"`
	Children     []*TreeNode   `json:"children,omitempty"`
}

// downstreamTypes is the static dependency table: for each type, the types
// generated from it.
var downstreamTypes = map[artifact.Type][]artifact.Type{
	artifact.TypeMermaidERD:          {artifact.TypeAPIDocs, artifact.TypeCodePrototype, artifact.TypeMermaidSequence, artifact.TypeMermaidClass},
	artifact.TypeMermaidArchitecture: {artifact.TypeMermaidComponent, artifact.TypeMermaidSequence, artifact.TypeCodePrototype},
	artifact.TypeAPIDocs:             {artifact.TypeCodePrototype, artifact.TypeVisualPrototype},
	artifact.TypeCodePrototype:       {artifact.TypeVisualPrototype},
	artifact.TypeMermaidClass:        {artifact.TypeCodePrototype},
	artifact.TypeMermaidSequence:     {artifact.TypeAPIDocs, artifact.TypeWorkflows},
	artifact.TypeMermaidState:        {artifact.TypeCodePrototype},
	artifact.TypeMermaidComponent:    {artifact.TypeMermaidC4Component, artifact.TypeCodePrototype},
	artifact.TypeMermaidC4Context:    {artifact.TypeMermaidC4Container},
	artifact.TypeMermaidC4Container:  {artifact.TypeMermaidC4Component},
	artifact.TypeMermaidC4Component:  {artifact.TypeMermaidC4Deployment, artifact.TypeCodePrototype},
	artifact.TypeJira:                {artifact.TypeWorkflows, artifact.TypeEstimations},
}

// upstreamTypesOf inverts the static table for one type.
func upstreamTypesOf(t artifact.Type) []artifact.Type {
	var out []artifact.Type
	for up, downs := range downstreamTypes {
		if slices.Contains(downs, t) {
			out = append(out, up)
		}
	}
	slices.Sort(out)
	return out
}

// ContentHash returns the first 16 hex characters of SHA-256(content).
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

type persisted struct {
	Nodes map[string]Node `json:"nodes"`
	Links []Link          `json:"links"`
}

// Graph is the persistent dependency graph. All mutation happens under one
// lock so node creation and auto-linking are a single critical section.
type Graph struct {
	mu    sync.Mutex
	st    *store.Store
	log   *zap.Logger
	nodes map[string]Node
	links []Link
}

func New(st *store.Store, log *zap.Logger) (*Graph, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Graph{st: st, log: log.Named("graph"), nodes: map[string]Node{}}
	var doc persisted
	if err := st.Read(graphFile, &doc); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("loading graph: %w", err)
		}
	} else {
		if doc.Nodes != nil {
			g.nodes = doc.Nodes
		}
		g.links = doc.Links
	}
	return g, nil
}

// RegisterArtifact creates or updates a node and auto-links it to existing
// upstream nodes per the static table. Re-registering identical content is a
// no-op; changed content bumps the version and advances updated_at strictly.
func (g *Graph) RegisterArtifact(id string, t artifact.Type, content string, metadata map[string]any) (Node, error) {
	hash := ContentHash(content)
	now := time.Now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	node, exists := g.nodes[id]
	switch {
	case exists && node.ContentHash == hash:
		return node, nil
	case exists:
		node.ContentHash = hash
		node.Version++
		if !now.After(node.UpdatedAt) {
			now = node.UpdatedAt.Add(time.Nanosecond)
		}
		node.UpdatedAt = now
		if metadata != nil {
			node.Metadata = metadata
		}
	default:
		node = Node{
			ArtifactID:   id,
			ArtifactType: t,
			ContentHash:  hash,
			CreatedAt:    now,
			UpdatedAt:    now,
			Version:      1,
			Metadata:     metadata,
		}
	}
	g.nodes[id] = node
	g.autoLinkLocked(node)

	if err := g.persistLocked(); err != nil {
		return Node{}, err
	}
	g.log.Debug("artifact registered",
		zap.String("artifact_id", id), zap.Int("version", node.Version))
	return node, nil
}

// autoLinkLocked adds depends_on links from every existing node of an
// upstream type to this node.
func (g *Graph) autoLinkLocked(node Node) {
	for _, upType := range upstreamTypesOf(node.ArtifactType) {
		for _, up := range g.nodes {
			if up.ArtifactType == upType && up.ArtifactID != node.ArtifactID {
				g.addLinkLocked(up, node, LinkDependsOn)
			}
		}
	}
}

// AddLink records a typed edge, idempotent on (source, target).
func (g *Graph) AddLink(sourceID, targetID string, linkType LinkType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	src, ok := g.nodes[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, sourceID)
	}
	tgt, ok := g.nodes[targetID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, targetID)
	}
	if !g.addLinkLocked(src, tgt, linkType) {
		return nil
	}
	return g.persistLocked()
}

func (g *Graph) addLinkLocked(src, tgt Node, linkType LinkType) bool {
	for _, l := range g.links {
		if l.SourceID == src.ArtifactID && l.TargetID == tgt.ArtifactID {
			return false
		}
	}
	g.links = append(g.links, Link{
		SourceID:   src.ArtifactID,
		SourceType: src.ArtifactType,
		TargetID:   tgt.ArtifactID,
		TargetType: tgt.ArtifactType,
		LinkType:   linkType,
		CreatedAt:  time.Now().UTC(),
	})
	return true
}

// Node returns one node by id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	return n, ok
}

// CheckStaleness reports whether any upstream of id was updated after id.
func (g *Graph) CheckStaleness(id string) (StalenessReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.nodes[id]
	if !ok {
		return StalenessReport{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	report := StalenessReport{ArtifactID: id}
	var staleSince time.Time
	for _, l := range g.links {
		if l.TargetID != id {
			continue
		}
		up, ok := g.nodes[l.SourceID]
		if !ok {
			continue
		}
		if up.UpdatedAt.After(node.UpdatedAt) {
			report.IsStale = true
			report.UpstreamChanges = append(report.UpstreamChanges, UpstreamChange{
				ArtifactID:   up.ArtifactID,
				ArtifactType: up.ArtifactType,
				UpdatedAt:    up.UpdatedAt,
				Version:      up.Version,
			})
			if staleSince.IsZero() || up.UpdatedAt.Before(staleSince) {
				staleSince = up.UpdatedAt
			}
		}
	}
	if report.IsStale {
		report.StaleSince = &staleSince
		names := make([]string, 0, len(report.UpstreamChanges))
		for _, c := range report.UpstreamChanges {
			names = append(names, c.ArtifactID)
		}
		report.Reason = "upstream artifacts updated: " + strings.Join(names, ", ")
		report.Recommendation = fmt.Sprintf("regenerate %s from its updated upstreams", id)
	}
	return report, nil
}

// ImpactAnalysis walks downstream edges breadth-first with a visited set and
// reports every affected artifact with its distance from id.
func (g *Graph) ImpactAnalysis(id string) ([]ImpactEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	visited := map[string]struct{}{id: {}}
	type queued struct {
		id    string
		depth int
	}
	queue := []queued{{id, 0}}
	var out []ImpactEntry
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, l := range g.links {
			if l.SourceID != cur.id {
				continue
			}
			if _, seen := visited[l.TargetID]; seen {
				continue
			}
			visited[l.TargetID] = struct{}{}
			down, ok := g.nodes[l.TargetID]
			if !ok {
				continue
			}
			out = append(out, ImpactEntry{
				ArtifactID:   down.ArtifactID,
				ArtifactType: down.ArtifactType,
				Depth:        cur.depth + 1,
			})
			queue = append(queue, queued{l.TargetID, cur.depth + 1})
		}
	}
	return out, nil
}

// DependencyTree returns the subtree rooted at root, or the full forest when
// root is empty (roots = nodes with no incoming links). Nodes revisited on
// the current path are tagged circular and not recursed.
func (g *Graph) DependencyTree(root string) ([]*TreeNode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if root != "" {
		if _, ok := g.nodes[root]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, root)
		}
		return []*TreeNode{g.subtreeLocked(root, map[string]struct{}{})}, nil
	}

	incoming := map[string]int{}
	for _, l := range g.links {
		incoming[l.TargetID]++
	}
	var rootIDs []string
	for id := range g.nodes {
		if incoming[id] == 0 {
			rootIDs = append(rootIDs, id)
		}
	}
	slices.Sort(rootIDs)
	forest := make([]*TreeNode, 0, len(rootIDs))
	for _, id := range rootIDs {
		forest = append(forest, g.subtreeLocked(id, map[string]struct{}{}))
	}
	return forest, nil
}

func (g *Graph) subtreeLocked(id string, path map[string]struct{}) *TreeNode {
	node := g.nodes[id]
	tn := &TreeNode{
		ArtifactID:   node.ArtifactID,
		ArtifactType: node.ArtifactType,
		Version:      node.Version,
		IsStale:      g.isStaleLocked(node),
	}
	if _, onPath := path[id]; onPath {
		tn.Circular = true
		return tn
	}
	path[id] = struct{}{}
	defer delete(path, id)
	for _, l := range g.links {
		if l.SourceID != id {
			continue
		}
		if _, ok := g.nodes[l.TargetID]; !ok {
			continue
		}
		tn.Children = append(tn.Children, g.subtreeLocked(l.TargetID, path))
	}
	return tn
}

func (g *Graph) isStaleLocked(node Node) bool {
	for _, l := range g.links {
		if l.TargetID != node.ArtifactID {
			continue
		}
		if up, ok := g.nodes[l.SourceID]; ok && up.UpdatedAt.After(node.UpdatedAt) {
			return true
		}
	}
	return false
}

func (g *Graph) persistLocked() error {
	return g.st.Write(graphFile, persisted{Nodes: g.nodes, Links: g.links})
}
