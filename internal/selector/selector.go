// Package selector picks the tool subset offered to the LLM on each step:
// template tool list, policy filters, rule phases and optional
// retrieval ranking against stored tool embeddings.
package selector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maruntime/maruntime/internal/embeddings"
	"github.com/maruntime/maruntime/internal/rules"
	"github.com/maruntime/maruntime/internal/tools"
	"github.com/maruntime/maruntime/pkg/models"
)

// queryCacheCap bounds the embedded-query cache. Queries repeat across the
// steps of a session (task text dominates), so a small cache removes most
// embedding round-trips.
const queryCacheCap = 128

// Selector resolves the per-step tool subset.
type Selector struct {
	catalog *tools.Catalog
	emb     *embeddings.Registry

	mu         sync.Mutex
	queryCache map[string][]float64
}

// New builds a selector over the catalog and embedding registry. A nil
// registry (or one with no drivers) degrades retrieval to static ordering.
func New(catalog *tools.Catalog, emb *embeddings.Registry) *Selector {
	return &Selector{
		catalog:    catalog,
		emb:        emb,
		queryCache: make(map[string][]float64),
	}
}

// Query builds the retrieval query for one step: task text plus the last
// reasoning's first remaining step plus the current stage.
func Query(snapshot *models.ContextSnapshot) string {
	parts := []string{snapshot.Task}
	if len(snapshot.RemainingSteps) > 0 {
		parts = append(parts, snapshot.RemainingSteps[0])
	}
	if snapshot.Stage != "" {
		parts = append(parts, snapshot.Stage)
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// SelectTools returns the ordered, resolved tool descriptors for one step,
// bounded by max_tools_in_prompt. Rule set_stage effects land directly on
// the snapshot; the driver persists them with the next transaction.
func (s *Selector) SelectTools(ctx context.Context, snapshot *models.ContextSnapshot, state models.SessionState, version *models.TemplateVersion, query string) ([]*tools.Descriptor, error) {
	available, err := s.catalog.Descriptors(ctx)
	if err != nil {
		return nil, err
	}

	policy := version.Settings.ToolPol
	execPolicy := version.Settings.Execution

	// Candidate set: version tool list plus required tools, active only,
	// in declaration order.
	names := unionOrdered(version.Tools, policy.RequiredTools)
	candidates := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := available[models.CanonicalToolName(name)]; ok {
			candidates = append(candidates, name)
		}
	}

	candidates = applyListPolicy(candidates, policy)

	env := rules.Env{
		Iteration:          snapshot.Iteration,
		SearchesUsed:       snapshot.SearchesUsed,
		ClarificationsUsed: snapshot.ClarificationsUsed,
		State:              string(state),
		Stage:              snapshot.Stage,
	}

	pre := rules.Apply(models.PhasePreRetrieval, version.Settings.Rules, env, execPolicy, candidates)
	candidates = pre.Tools
	if pre.Stage != "" {
		snapshot.Stage = pre.Stage
		env.Stage = pre.Stage
	}

	required := activeRequired(policy.RequiredTools, available)

	if policy.Strategy == models.SelectionRetrieval && policy.MaxToolsInPrompt > 0 && len(candidates) > policy.MaxToolsInPrompt {
		keep := policy.MaxToolsInPrompt - len(required)
		if keep < 0 {
			keep = 0
		}
		candidates = s.rank(ctx, query, candidates, available, version.Tools, keep)
	}

	// Required tools go to the front, deduplicated.
	candidates = unionOrdered(required, candidates)

	post := rules.Apply(models.PhasePostRetrieval, version.Settings.Rules, env, execPolicy, candidates)
	candidates = post.Tools
	if post.Stage != "" {
		snapshot.Stage = post.Stage
	}

	if len(candidates) == 0 {
		candidates = required
	}
	if len(candidates) == 0 {
		if _, ok := available[models.CanonicalToolName(tools.NameFinalAnswer)]; ok {
			candidates = []string{tools.NameFinalAnswer}
		} else {
			return nil, fmt.Errorf("tool selection produced no tools")
		}
	}

	if policy.MaxToolsInPrompt > 0 && len(candidates) > policy.MaxToolsInPrompt {
		candidates = candidates[:policy.MaxToolsInPrompt]
	}

	out := make([]*tools.Descriptor, 0, len(candidates))
	for _, name := range candidates {
		d := available[models.CanonicalToolName(name)]
		if q, ok := policy.Quotas[d.Name()]; ok {
			d = d.WithQuota(q)
		} else if q, ok := policy.Quotas[d.Canonical()]; ok {
			d = d.WithQuota(q)
		}
		out = append(out, d)
	}
	return out, nil
}

// rank orders candidates by cosine similarity to the query embedding and
// keeps the top n. Tools without a stored embedding rank after embedded
// ones; ties break by template tool-list order, then name.
func (s *Selector) rank(ctx context.Context, query string, candidates []string, available map[string]*tools.Descriptor, listed []string, n int) []string {
	if n == 0 {
		return nil
	}

	queryVec := s.embedQuery(ctx, query)

	listOrder := make(map[string]int, len(listed))
	for i, name := range listed {
		listOrder[models.CanonicalToolName(name)] = i
	}
	orderOf := func(name string) int {
		if i, ok := listOrder[models.CanonicalToolName(name)]; ok {
			return i
		}
		return len(listed)
	}

	type scored struct {
		name     string
		score    float64
		embedded bool
	}
	ranked := make([]scored, 0, len(candidates))
	for _, name := range candidates {
		d := available[models.CanonicalToolName(name)]
		sc := scored{name: name}
		if queryVec != nil && len(d.Tool.Embedding) > 0 {
			sc.score = embeddings.Cosine(queryVec, d.Tool.Embedding)
			sc.embedded = true
		}
		ranked = append(ranked, sc)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.embedded != b.embedded {
			return a.embedded
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if oa, ob := orderOf(a.name), orderOf(b.name); oa != ob {
			return oa < ob
		}
		return a.name < b.name
	})

	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, sc := range ranked {
		out[i] = sc.name
	}
	return out
}

// embedQuery embeds the retrieval query, memoizing per query text. Failures
// degrade to static ordering.
func (s *Selector) embedQuery(ctx context.Context, query string) []float64 {
	if query == "" || s.emb == nil {
		return nil
	}
	driver := s.emb.Default()
	if driver == nil {
		return nil
	}

	s.mu.Lock()
	if vec, ok := s.queryCache[query]; ok {
		s.mu.Unlock()
		return vec
	}
	s.mu.Unlock()

	vecs, err := driver.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		log.Warn().Err(err).Msg("query embedding failed, falling back to static order")
		return nil
	}

	s.mu.Lock()
	if len(s.queryCache) >= queryCacheCap {
		s.queryCache = make(map[string][]float64)
	}
	s.queryCache[query] = vecs[0]
	s.mu.Unlock()
	return vecs[0]
}

// ── Helpers ──────────────────────────────────────────────────

// unionOrdered concatenates lists preserving first-occurrence order,
// deduplicating case-insensitively.
func unionOrdered(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, name := range list {
			key := models.CanonicalToolName(name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// applyListPolicy subtracts the denylist then applies the allowlist.
func applyListPolicy(candidates []string, policy models.ToolPolicy) []string {
	if len(policy.Denylist) > 0 {
		deny := map[string]struct{}{}
		for _, n := range policy.Denylist {
			deny[models.CanonicalToolName(n)] = struct{}{}
		}
		kept := candidates[:0:0]
		for _, c := range candidates {
			if _, ok := deny[models.CanonicalToolName(c)]; !ok {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	if len(policy.Allowlist) > 0 {
		allow := map[string]struct{}{}
		for _, n := range policy.Allowlist {
			allow[models.CanonicalToolName(n)] = struct{}{}
		}
		kept := candidates[:0:0]
		for _, c := range candidates {
			if _, ok := allow[models.CanonicalToolName(c)]; ok {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}
	return candidates
}

// activeRequired filters required tools to those present in the catalog.
// List policies and the pre-retrieval rule phase never drop a required tool;
// only the post-retrieval phase may.
func activeRequired(required []string, available map[string]*tools.Descriptor) []string {
	var out []string
	for _, name := range required {
		if _, ok := available[models.CanonicalToolName(name)]; !ok {
			continue
		}
		out = append(out, name)
	}
	return out
}
