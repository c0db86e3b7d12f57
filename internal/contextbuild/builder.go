// Package contextbuild assembles the bounded, sanitized context string that
// feeds every generation: requirements first, then retrieved repository
// context, then optional knowledge-graph and pattern sections.
package contextbuild

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fabrica-dev/fabrica/internal/artifact"
)

// Limits bound each assembled section.
type Limits struct {
	MeetingNotesMax int // default 8000
	RetrievalMax    int // default 12000
	MinAssembled    int // default 100
}

func DefaultLimits() Limits {
	return Limits{MeetingNotesMax: 8000, RetrievalMax: 12000, MinAssembled: 100}
}

// RepoRetriever is the repository-retrieval collaborator (RAG). Idempotent.
type RepoRetriever interface {
	Retrieve(ctx context.Context, query string, artifactType artifact.Type) (RetrievalResult, error)
}

type RetrievalResult struct {
	ContextText  string
	TotalChunks  int
	TotalTokens  int
	QualityScore float64
}

// KnowledgeGraph supplies project-entity context.
type KnowledgeGraph interface {
	Query(ctx context.Context, query string) (string, error)
}

// PatternStore supplies reusable design patterns.
type PatternStore interface {
	Patterns(ctx context.Context, artifactType artifact.Type) (string, error)
}

// Cache optionally persists assembled contexts by id.
type Cache interface {
	Get(id string) (Context, bool)
	Put(c Context)
}

// Context is the assembled generation context.
type Context struct {
	ID           string    `json:"id"`
	MeetingNotes string    `json:"meeting_notes"`
	Assembled    string    `json:"assembled"`
	Sources      Sources   `json:"sources"`
	CreatedAt    time.Time `json:"created_at"`
}

type Sources struct {
	RAG      bool `json:"rag"`
	KG       bool `json:"kg"`
	Patterns bool `json:"patterns"`
}

// Options select which collaborators contribute.
type Options struct {
	IncludeRAG      bool
	IncludeKG       bool
	IncludePatterns bool
	ForceRefresh    bool
}

// Builder queries collaborators and assembles the context. Every collaborator
// is optional and fails soft: a degraded context is always produced.
type Builder struct {
	retriever RepoRetriever
	kg        KnowledgeGraph
	patterns  PatternStore
	cache     Cache
	limits    Limits
	log       *zap.Logger
}

func NewBuilder(retriever RepoRetriever, kg KnowledgeGraph, patterns PatternStore, cache Cache, limits Limits, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	if limits.MeetingNotesMax <= 0 {
		limits.MeetingNotesMax = DefaultLimits().MeetingNotesMax
	}
	if limits.RetrievalMax <= 0 {
		limits.RetrievalMax = DefaultLimits().RetrievalMax
	}
	if limits.MinAssembled <= 0 {
		limits.MinAssembled = DefaultLimits().MinAssembled
	}
	return &Builder{
		retriever: retriever,
		kg:        kg,
		patterns:  patterns,
		cache:     cache,
		limits:    limits,
		log:       log.Named("contextbuild"),
	}
}

// Build assembles a context for one generation call.
func (b *Builder) Build(ctx context.Context, meetingNotes string, artifactType artifact.Type, opts Options) Context {
	notes := Sanitize(meetingNotes, b.limits.MeetingNotesMax)

	var sb strings.Builder
	sb.WriteString("## Requirements\n")
	sb.WriteString(notes)

	sources := Sources{}
	if opts.IncludeRAG && b.retriever != nil {
		if text := b.retrieve(ctx, notes, artifactType); text != "" {
			sb.WriteString("\n\n## Project Context (from codebase)\n")
			sb.WriteString(text)
			sources.RAG = true
		}
	}
	if opts.IncludeKG && b.kg != nil {
		if text := b.knowledge(ctx, notes); text != "" {
			sb.WriteString("\n\n## Knowledge Graph\n")
			sb.WriteString(text)
			sources.KG = true
		}
	}
	if opts.IncludePatterns && b.patterns != nil {
		if text := b.patternText(ctx, artifactType); text != "" {
			sb.WriteString("\n\n## Known Patterns\n")
			sb.WriteString(text)
			sources.Patterns = true
		}
	}

	assembled := sb.String()
	// A context shorter than the minimum with non-empty notes means a source
	// produced garbage; fall back to the requirements section alone.
	if len(assembled) < b.limits.MinAssembled && strings.TrimSpace(notes) != "" {
		assembled = "## Requirements\n" + notes
		sources = Sources{}
	}

	c := Context{
		ID:           fmt.Sprintf("ctx_%d", time.Now().UnixNano()),
		MeetingNotes: notes,
		Assembled:    assembled,
		Sources:      sources,
		CreatedAt:    time.Now().UTC(),
	}
	if b.cache != nil {
		b.cache.Put(c)
	}
	return c
}

// GetByID returns a cached context, rebuilding with force refresh on miss or
// when the cached entry is empty.
func (b *Builder) GetByID(ctx context.Context, id, meetingNotes string, artifactType artifact.Type, opts Options) Context {
	if b.cache != nil && !opts.ForceRefresh {
		if c, ok := b.cache.Get(id); ok && strings.TrimSpace(c.Assembled) != "" {
			return c
		}
	}
	opts.ForceRefresh = true
	return b.Build(ctx, meetingNotes, artifactType, opts)
}

func (b *Builder) retrieve(ctx context.Context, query string, artifactType artifact.Type) string {
	res, err := b.retriever.Retrieve(ctx, query, artifactType)
	if err != nil {
		b.log.Warn("repository retrieval failed; continuing without it",
			zap.String("artifact_type", string(artifactType)), zap.Error(err))
		return ""
	}
	return Sanitize(res.ContextText, b.limits.RetrievalMax)
}

func (b *Builder) knowledge(ctx context.Context, query string) string {
	text, err := b.kg.Query(ctx, query)
	if err != nil {
		b.log.Warn("knowledge graph query failed; continuing without it", zap.Error(err))
		return ""
	}
	return Sanitize(text, b.limits.RetrievalMax)
}

func (b *Builder) patternText(ctx context.Context, artifactType artifact.Type) string {
	text, err := b.patterns.Patterns(ctx, artifactType)
	if err != nil {
		b.log.Warn("pattern store query failed; continuing without it", zap.Error(err))
		return ""
	}
	return Sanitize(text, b.limits.RetrievalMax)
}
