// Package schemaregistry resolves a relation's schema and its transitive
// references ahead of ingest or dataflow planning, LRU-caching fetched
// subjects and ordering them (via internal/topo) so references sort
// before their referencers.
//
// Grounded on sql/export/mapper.go's cache-then-fetch pattern (Load/Store
// around a backing map, keyed by table+id) for the cache shape, using
// github.com/hashicorp/golang-lru/v2 in place of the plain map since the
// registry is a genuinely unbounded remote cache that needs eviction.
package schemaregistry

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coredbio/core/internal/topo"
)

// SubjectID identifies one registered schema version.
type SubjectID struct {
	Subject string
	Version int
}

// Schema is a fetched subject's encoded definition plus the subjects it
// references (import/compose dependencies another schema must resolve
// first).
type Schema struct {
	ID         SubjectID
	Encoded    []byte
	References []SubjectID
}

// Fetcher retrieves one subject from the remote registry; Client wraps it
// with caching and dependency resolution.
type Fetcher interface {
	Fetch(ctx context.Context, id SubjectID) (Schema, error)
}

// Client is the schema registry client used by ingest and dataflow
// planning: a cache in front of a Fetcher, plus dependency-ordered
// resolution of a schema and its full reference closure.
type Client struct {
	fetcher Fetcher
	cache   *lru.Cache[SubjectID, Schema]
}

// New constructs a Client with an LRU cache of the given size.
func New(fetcher Fetcher, cacheSize int) (*Client, error) {
	cache, err := lru.New[SubjectID, Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("schemaregistry: building cache: %w", err)
	}
	return &Client{fetcher: fetcher, cache: cache}, nil
}

// Get fetches a single subject, serving from cache when present.
func (c *Client) Get(ctx context.Context, id SubjectID) (Schema, error) {
	if s, ok := c.cache.Get(id); ok {
		return s, nil
	}
	s, err := c.fetcher.Fetch(ctx, id)
	if err != nil {
		return Schema{}, err
	}
	c.cache.Add(id, s)
	return s, nil
}

// Resolve fetches id and its full transitive reference closure, returning
// them ordered so that every schema appears after the subjects it
// references (spec.md §4.6: "the ordering is used to sort fetched subjects
// so their references appear earliest").
func (c *Client) Resolve(ctx context.Context, id SubjectID) ([]Schema, error) {
	fetched := make(map[SubjectID]Schema)
	graph := make(map[SubjectID][]SubjectID)

	var visit func(SubjectID) error
	visit = func(cur SubjectID) error {
		if _, ok := fetched[cur]; ok {
			return nil
		}
		s, err := c.Get(ctx, cur)
		if err != nil {
			return fmt.Errorf("schemaregistry: fetching %v: %w", cur, err)
		}
		fetched[cur] = s
		graph[cur] = s.References
		for _, ref := range s.References {
			if err := visit(ref); err != nil {
				return err
			}
		}
		return nil
	}
	if err := visit(id); err != nil {
		return nil, err
	}

	order, err := topo.Sort(graph)
	if err != nil {
		return nil, fmt.Errorf("schemaregistry: %w", err)
	}

	out := make([]Schema, 0, len(fetched))
	for sid := range fetched {
		out = append(out, fetched[sid])
	}
	// sort so references (higher topo ordinal, per §4.6's edge semantics)
	// appear earliest: here "a depends on b" means b is in a's References,
	// and the topo package assigns the referencer a lower ordinal than its
	// references, so we want descending order to put references first.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && order[out[j].ID] > order[out[j-1].ID]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}
