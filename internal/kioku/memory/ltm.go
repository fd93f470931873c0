package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// recallOverfetch widens the index query so that enough distinct facts
// survive deduplication and the ownership check.
const recallOverfetch = 3

const rollbackTimeout = 10 * time.Second

// CompactionPrompt is the system prompt of every compaction request. It asks
// the completer to fold stored facts into one summary without losing any
// concrete attribute.
const CompactionPrompt = "You maintain long-term memory about one user. " +
	"Merge the facts below into a single short summary written in the third person. " +
	"Keep every named personal attribute exactly as stated, including names, places, preferences, jobs and dates. " +
	"Do not add anything that is not in the facts."

const compactionInstruction = "Summarise everything you know about this user."

// Store is the long-term memory: it decides what is worth keeping, stores
// it as embedded chunks in a VectorIndex and recalls it by similarity.
//
// Remember and Recall never return errors. A failing embedder or index
// degrades to "nothing stored" or "nothing recalled"; the failure is logged
// and counted. Store is safe for concurrent use.
type Store struct {
	embedder  Embedder
	index     VectorIndex
	completer Completer
	chunker   *Chunker
	threshold int
	parallel  int
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu sync.Mutex
	// compactedAt holds, per user, the fact count at the last compaction.
	compactedAt map[string]int
	compacting  map[string]bool
}

// NewStore wires the collaborators. completer may be nil, in which case
// compaction is disabled. If logger is nil, the default slog logger is used.
func NewStore(cfg Config, embedder Embedder, index VectorIndex, completer Completer, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	if embedder == nil || index == nil {
		return nil, errors.New("memory store: embedder and index are required")
	}
	cfg = cfg.withDefaults()
	chunker, err := NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	if cfg.CompactionThreshold < 1 {
		return nil, invalid("compaction_threshold", "must be at least 1, got %d", cfg.CompactionThreshold)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		embedder:    embedder,
		index:       index,
		completer:   completer,
		chunker:     chunker,
		threshold:   cfg.CompactionThreshold,
		parallel:    cfg.EmbedConcurrency,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
		compactedAt: make(map[string]int),
		compacting:  make(map[string]bool),
	}, nil
}

// Remember classifies text and, if it carries durable information, chunks,
// embeds and indexes it. It returns the facts that were stored, which is
// empty for non-durable text or when a collaborator fails. Chunks are
// embedded in parallel; if any embedding fails nothing is indexed, and if
// any index write fails the chunks already written are removed again.
func (s *Store) Remember(ctx context.Context, userID, text string, role Role) []Fact {
	log := observability.WithTrace(ctx, s.logger).With("user_id", userID)

	text = strings.TrimSpace(text)
	cls := Classify(text)
	if userID == "" || !cls.Durable {
		s.metrics.Skipped()
		return nil
	}

	chunks := s.chunker.Split(text)
	vectors, err := s.embedAll(ctx, chunks)
	if err != nil {
		log.Warn("memory: remember: embedding failed, nothing stored", "chunks", len(chunks), "err", err)
		s.metrics.CollaboratorError("embedder", "remember")
		return nil
	}

	var (
		createdAt = s.now().UTC()
		sourceID  = uuid.NewString()
		hash      = sourceHash(text)
		stored    = make([]Fact, 0, len(chunks))
	)
	for i, chunk := range chunks {
		f := Fact{
			ID:          uuid.NewString(),
			UserID:      userID,
			Category:    cls.Category,
			Role:        role,
			RawText:     chunk,
			ChunkIndex:  i,
			TotalChunks: len(chunks),
			CreatedAt:   createdAt,
			SourceID:    sourceID,
			SourceHash:  hash,
		}
		if err := s.index.Index(ctx, f.ID, vectors[i], f.metadata()); err != nil {
			log.Warn("memory: remember: index write failed, nothing stored",
				"chunk_index", i, "chunks", len(chunks), "err", unavailable("index", err))
			s.metrics.CollaboratorError("index", "remember")
			s.rollback(ctx, log, stored)
			return nil
		}
		stored = append(stored, f)
	}
	s.metrics.FactStored(string(cls.Category), len(stored))

	log.Debug("memory: remembered", "category", cls.Category, "chunks", len(stored))
	s.maybeCompact(ctx, userID)
	return stored
}

// rollback removes chunks of a source whose remaining chunks could not be
// indexed. It runs detached from ctx so a cancelled caller still cleans up.
func (s *Store) rollback(ctx context.Context, log *slog.Logger, written []Fact) {
	if len(written) == 0 {
		return
	}
	ids := make([]string, len(written))
	for i, f := range written {
		ids[i] = f.ID
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := s.index.Delete(ctx, ids...); err != nil {
		log.Error("memory: remember: rollback failed, partial source left in index",
			"records", len(ids), "err", unavailable("index", err))
		s.metrics.CollaboratorError("index", "rollback")
	}
}

func (s *Store) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, chunk := range chunks {
		g.Go(func() error {
			v, err := s.embedder.Embed(gctx, chunk)
			if err != nil {
				return unavailable("embedder", err)
			}
			if len(v) == 0 {
				return unavailable("embedder", fmt.Errorf("empty vector for chunk %d", i))
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Recall returns up to k of the user's facts most similar to query, best
// first. Chunks of the same source text are collapsed to the best-scoring
// one. Records owned by another user are dropped and reported. A collaborator
// failure before any record was read yields an empty result.
func (s *Store) Recall(ctx context.Context, userID, query string, k int) []Fact {
	if k <= 0 || userID == "" || strings.TrimSpace(query) == "" {
		return nil
	}
	start := time.Now()
	log := observability.WithTrace(ctx, s.logger).With("user_id", userID)

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn("memory: recall: embedding failed", "err", unavailable("embedder", err))
		s.metrics.CollaboratorError("embedder", "recall")
		s.metrics.ObserveRecall("degraded", time.Since(start))
		return nil
	}
	var (
		visited = make(map[string]bool)
		seen    = make(map[string]bool)
		facts   = make([]Fact, 0, k)
	)
	// Chunks of one long source can crowd a page; widen the query until k
	// distinct sources are found or the index runs out of records.
	for fetch := k * recallOverfetch; ; fetch *= 2 {
		recs, err := s.index.Query(ctx, vec, fetch, Filter{MetaUserID: userID})
		if err != nil {
			log.Warn("memory: recall: index query failed", "fetch", fetch, "err", unavailable("index", err))
			s.metrics.CollaboratorError("index", "recall")
			if len(visited) == 0 {
				s.metrics.ObserveRecall("degraded", time.Since(start))
				return nil
			}
			break
		}
		sortByScore(recs)

		for _, rec := range recs {
			if visited[rec.ID] {
				continue
			}
			visited[rec.ID] = true
			f, err := factFromRecord(rec)
			if err != nil {
				log.Warn("memory: recall: skip malformed record", "err", err)
				continue
			}
			if f.UserID != userID {
				log.Error("memory: recall: dropped record owned by another user",
					"record_id", f.ID, "err", ErrRetrievalInconsistency)
				s.metrics.Inconsistency()
				continue
			}
			key := f.dedupeKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			facts = append(facts, f)
		}
		if len(facts) >= k || len(recs) < fetch {
			break
		}
	}
	sortFactsByScore(facts)
	if len(facts) > k {
		facts = facts[:k]
	}

	result := "hit"
	if len(facts) == 0 {
		result = "empty"
	}
	s.metrics.ObserveRecall(result, time.Since(start))
	return facts
}

// Facts lists every stored fact for the user, summaries included, in
// insertion order.
func (s *Store) Facts(ctx context.Context, userID string) ([]Fact, error) {
	recs, err := s.index.List(ctx, Filter{MetaUserID: userID})
	if err != nil {
		return nil, unavailable("index", err)
	}
	facts := make([]Fact, 0, len(recs))
	for _, rec := range recs {
		f, err := factFromRecord(rec)
		if err != nil || f.UserID != userID {
			continue
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// Compact summarises the user's stored facts into a single summary fact and
// indexes it. Original facts are kept. It returns nil and no error when the
// user has nothing to compact.
func (s *Store) Compact(ctx context.Context, userID string) (*Fact, error) {
	if userID == "" {
		return nil, invalid("user_id", "must not be empty")
	}
	facts, err := s.Facts(ctx, userID)
	if err != nil {
		return nil, err
	}
	originals := withoutSummaries(facts)
	if len(originals) == 0 {
		return nil, nil
	}
	summary, err := s.compact(ctx, userID, originals)
	if err != nil {
		s.metrics.Compaction("failed")
		return nil, err
	}
	s.mu.Lock()
	s.compactedAt[userID] = len(originals)
	s.mu.Unlock()
	s.metrics.Compaction("ok")
	return summary, nil
}

// maybeCompact runs a compaction when the user has at least threshold facts
// and at least threshold new ones since the last compaction. Failures leave
// the counter untouched so the next Remember tries again.
func (s *Store) maybeCompact(ctx context.Context, userID string) {
	if s.completer == nil {
		return
	}
	log := observability.WithTrace(ctx, s.logger).With("user_id", userID)

	facts, err := s.Facts(ctx, userID)
	if err != nil {
		log.Warn("memory: compaction check failed", "err", err)
		s.metrics.CollaboratorError("index", "compact")
		return
	}
	originals := withoutSummaries(facts)
	count := len(originals)

	s.mu.Lock()
	last := s.compactedAt[userID]
	due := count >= s.threshold && count-last >= s.threshold && !s.compacting[userID]
	if due {
		s.compacting[userID] = true
	}
	s.mu.Unlock()
	if !due {
		return
	}

	_, err = s.compact(ctx, userID, originals)

	s.mu.Lock()
	delete(s.compacting, userID)
	if err == nil {
		s.compactedAt[userID] = count
	}
	s.mu.Unlock()

	if err != nil {
		log.Warn("memory: compaction failed, keeping uncompacted facts", "facts", count, "err", err)
		s.metrics.Compaction("failed")
		return
	}
	log.Info("memory: compacted facts", "facts", count)
	s.metrics.Compaction("ok")
}

func (s *Store) compact(ctx context.Context, userID string, facts []Fact) (*Fact, error) {
	if s.completer == nil {
		return nil, errors.New("memory: compaction disabled: no completer configured")
	}
	text, err := s.completer.Complete(ctx, CompletionRequest{
		SystemPrompt: CompactionPrompt,
		Facts:        s.sources(facts),
		UserMessage:  compactionInstruction,
	})
	if err != nil {
		s.metrics.CollaboratorError("completer", "compact")
		return nil, unavailable("completer", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, unavailable("completer", errors.New("empty summary"))
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.metrics.CollaboratorError("embedder", "compact")
		return nil, unavailable("embedder", err)
	}
	f := Fact{
		ID:          uuid.NewString(),
		UserID:      userID,
		Category:    CategorySummary,
		Role:        RoleSystem,
		RawText:     text,
		ChunkIndex:  0,
		TotalChunks: 1,
		CreatedAt:   s.now().UTC(),
		SourceID:    uuid.NewString(),
		SourceHash:  sourceHash(text),
	}
	if err := s.index.Index(ctx, f.ID, vec, f.metadata()); err != nil {
		s.metrics.CollaboratorError("index", "compact")
		return nil, unavailable("index", err)
	}
	return &f, nil
}

// sources regroups chunks into the utterances they were cut from, oldest
// first, so the completer sees whole sentences rather than overlapping
// fragments.
func (s *Store) sources(facts []Fact) []Fact {
	groups := make(map[string][]Fact)
	var order []string
	for _, f := range facts {
		key := f.SourceID
		if key == "" {
			key = f.ID
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	out := make([]Fact, 0, len(order))
	for _, key := range order {
		chunks := groups[key]
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
		whole := chunks[0]
		if len(chunks) > 1 {
			texts := make([]string, len(chunks))
			for i, c := range chunks {
				texts[i] = c.RawText
			}
			if len(chunks) == chunks[0].TotalChunks {
				whole.RawText = s.chunker.Join(texts)
			} else {
				whole.RawText = strings.Join(texts, " ")
			}
		}
		whole.ChunkIndex, whole.TotalChunks = 0, 1
		out = append(out, whole)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func withoutSummaries(facts []Fact) []Fact {
	out := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.Category != CategorySummary {
			out = append(out, f)
		}
	}
	return out
}
