// Package cache is the cross-job artifact cache: completed reports and
// resource fragments keyed by (source, subject_key, pipeline_version,
// options_hash, kind), carrying an explicit fresh/stale window so
// callers can implement stale-while-revalidate.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dinq/analyze/internal/models"
	"github.com/dinq/analyze/internal/repository"
)

// Kind tags what a cache entry holds.
const (
	KindFullReport = "full_report"
)

// Key deterministically derives the cache key for one artifact.
func Key(source, subjectKey, pipelineVersion, optionsHash, kind string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", source, subjectKey, pipelineVersion, optionsHash, kind)
	return hex.EncodeToString(h.Sum(nil))
}

// OptionsHash canonicalizes an options bag (sorted keys) and hashes it,
// so semantically identical option bags always produce the same key
// regardless of field order.
func OptionsHash(options map[string]any) string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, options[k])
	}
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// Fingerprint hashes a source's cheap observable-counter set (citation
// count, follower count, updated-at, ...), used to cheaply detect
// whether a cached result is still representative without a full rerun.
func Fingerprint(counters map[string]any) string {
	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, counters[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// TTLPolicy resolves the fresh/stale TTLs for a (source, kind) pair.
type TTLPolicy struct {
	Default     time.Duration
	Stale       time.Duration
	PerSource   map[string]time.Duration
	StalePerSrc map[string]time.Duration
}

// For resolves the fresh and stale durations for source.
func (p TTLPolicy) For(source string) (fresh, stale time.Duration) {
	fresh = p.Default
	if d, ok := p.PerSource[source]; ok {
		fresh = d
	}
	stale = p.Stale
	if d, ok := p.StalePerSrc[source]; ok {
		stale = d
	}
	return fresh, stale
}

// Cache is the artifact cache service on top of the repository.
type Cache struct {
	repo   *repository.ArtifactCacheRepository
	policy TTLPolicy
}

// New builds a Cache over repo using policy for TTL defaults.
func New(repo *repository.ArtifactCacheRepository, policy TTLPolicy) *Cache {
	return &Cache{repo: repo, policy: policy}
}

// Lookup is the result of a Get/GetStale call: which window, if any,
// the cached entry falls in.
type Lookup struct {
	Entry *models.ArtifactCacheEntry
	Fresh bool
	Stale bool
}

// Get returns the entry for key if present, noting whether it is still
// fresh or only within the stale-while-revalidate window.
func (c *Cache) Get(ctx context.Context, key string) (Lookup, error) {
	entry, err := c.repo.Get(ctx, key)
	if err != nil {
		return Lookup{}, err
	}
	now := time.Now()
	return Lookup{Entry: entry, Fresh: entry.Fresh(now), Stale: entry.Stale(now)}, nil
}

// GetStale returns an entry usable for prefill: fresh or within
// maxStale past its stale_until boundary, and ok=false otherwise.
func (c *Cache) GetStale(ctx context.Context, key string, maxStale time.Duration) (entry *models.ArtifactCacheEntry, ok bool, err error) {
	e, err := c.repo.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	now := time.Now()
	if e.Fresh(now) || e.Stale(now) {
		return e, true, nil
	}
	if now.Before(e.StaleUntil.Add(maxStale)) {
		return e, true, nil
	}
	return nil, false, nil
}

// PutParams is the input to Put.
type PutParams struct {
	Source, SubjectKey, PipelineVersion, OptionsHash, Kind string
	Payload                                                string
	Fingerprint                                            string
}

// Put writes a fresh entry for the (source, subject, pipeline, options,
// kind) tuple, using the TTL policy to compute the fresh/stale windows.
func (c *Cache) Put(ctx context.Context, p PutParams) (*models.ArtifactCacheEntry, error) {
	fresh, stale := c.policy.For(p.Source)
	now := time.Now()
	key := Key(p.Source, p.SubjectKey, p.PipelineVersion, p.OptionsHash, p.Kind)
	entry := &models.ArtifactCacheEntry{
		CacheKey:        key,
		Source:          p.Source,
		SubjectKey:      p.SubjectKey,
		PipelineVersion: p.PipelineVersion,
		OptionsHash:     p.OptionsHash,
		Kind:            p.Kind,
		Fingerprint:     p.Fingerprint,
		Payload:         p.Payload,
		FreshUntil:      now.Add(fresh),
		StaleUntil:      now.Add(fresh + stale),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.repo.Put(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Extend pushes an entry's fresh/stale windows forward from now,
// without touching its payload, for the unchanged-fingerprint re-check
// path.
func (c *Cache) Extend(ctx context.Context, key, source string) error {
	fresh, stale := c.policy.For(source)
	now := time.Now()
	return c.repo.Extend(ctx, key, now.Add(fresh), now.Add(fresh+stale))
}
