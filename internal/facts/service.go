// Package facts owns the atomic-fact lifecycle: candidate analysis against
// existing facts, bitemporal supersession, and immediate vector indexing.
package facts

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"brainvault/internal/apperrors"
	"brainvault/internal/llm"
	"brainvault/internal/logging"
	"brainvault/internal/store"
	"brainvault/internal/types"
	"brainvault/internal/vector"
)

// singleValuePredicates are predicates that hold at most one current value
// per subject. Inserting a new current fact for one of these supersedes the
// previous value even when the judge answered NEW.
var singleValuePredicates = map[string]struct{}{
	"lives_in":       {},
	"located_in":     {},
	"current_role":   {},
	"job_title":      {},
	"employer":       {},
	"current_status": {},
	"location":       {},
	"phone_number":   {},
	"email_address":  {},
	"is_active":      {},
	"age":            {},
}

// normalizePredicate folds camelCase and stray spacing into the snake_case
// form used by the single-value set.
func normalizePredicate(p string) string {
	var b strings.Builder
	for i, r := range p {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		if r == ' ' || r == '-' {
			b.WriteByte('_')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), "_")
}

// IsSingleValue reports whether the predicate admits one current value.
func IsSingleValue(predicate string) bool {
	_, ok := singleValuePredicates[normalizePredicate(predicate)]
	return ok
}

const neighborCount = 3

// Service runs the two-phase fact write path.
type Service struct {
	store   *store.Store
	vectors vector.Store
	gateway *llm.Gateway
	judge   llm.Judge
	logger  logging.Logger
}

// NewService wires the fact service. judge defaults to IdentityJudge when
// nil.
func NewService(st *store.Store, vectors vector.Store, gateway *llm.Gateway, judge llm.Judge) *Service {
	if judge == nil {
		judge = llm.IdentityJudge{}
	}
	return &Service{
		store:   st,
		vectors: vectors,
		gateway: gateway,
		judge:   judge,
		logger:  logging.WithComponent("facts"),
	}
}

// analysis is the phase-1 result for one candidate.
type analysis struct {
	fact    *types.Fact
	verdict llm.Verdict
}

// CreateFacts runs the two-phase write: a parallel read-only analysis that
// judges each candidate against its nearest existing facts, then a single
// transaction applying the verdicts in order. New facts are indexed in the
// vector store immediately after commit.
func (s *Service) CreateFacts(ctx context.Context, userID, memoryID, chunkID int64, candidates []llm.CandidateFact, referenceDate time.Time) ([]*types.Fact, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	prepared := make([]*types.Fact, len(candidates))
	for i := range candidates {
		prepared[i] = s.prepare(userID, memoryID, chunkID, &candidates[i], referenceDate)
	}

	// Phase 1: read-only analysis, fanned out.
	results := make([]analysis, len(prepared))
	g, gctx := errgroup.WithContext(ctx)
	for i := range prepared {
		g.Go(func() error {
			verdict, err := s.analyze(gctx, userID, prepared[i])
			if err != nil {
				// Analysis failures degrade to NEW rather than dropping
				// the candidate.
				s.logger.WarnContext(gctx, "fact analysis failed, treating as NEW",
					"error", err, "subject", prepared[i].Subject)
				verdict = llm.Verdict{Decision: llm.DecisionNew}
			}
			results[i] = analysis{fact: prepared[i], verdict: verdict}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Phase 2: sequential application in one transaction.
	var written []*types.Fact
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, res := range results {
			switch res.verdict.Decision {
			case llm.DecisionDuplicate:
				continue
			case llm.DecisionSupersede:
				if err := s.store.SupersedeFactTx(ctx, tx, userID, res.verdict.TargetFactID, now); err != nil {
					return err
				}
			}

			if err := s.applyGuard(ctx, tx, res.fact, now); err != nil {
				return err
			}

			inserted, err := s.store.InsertFactTx(ctx, tx, res.fact)
			if err != nil {
				return err
			}
			if inserted {
				written = append(written, res.fact)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.indexFacts(ctx, userID, written); err != nil {
		// Rows are committed; the reconciler re-indexes missing vectors.
		s.logger.ErrorContext(ctx, "fact vector indexing failed, reconciler will repair",
			"error", err, "count", len(written))
	}
	return written, nil
}

// prepare converts a candidate into a fact row, resolving its valid_from
// against the reference date.
func (s *Service) prepare(userID, memoryID, chunkID int64, c *llm.CandidateFact, referenceDate time.Time) *types.Fact {
	f := &types.Fact{
		UserID:         userID,
		Subject:        defaultString(c.Subject, "unknown"),
		Predicate:      defaultString(c.Predicate, "related_to"),
		Object:         defaultString(c.Object, "unknown"),
		Confidence:     c.Confidence,
		SourceMemoryID: memoryID,
		SourceChunkID:  chunkID,
		Location:       c.Location,
		ValidFrom:      referenceDate.UTC(),
	}
	if f.Confidence <= 0 {
		f.Confidence = 1.0
	}
	if c.ValidFrom != "" {
		if t, err := parseFlexibleDate(c.ValidFrom); err == nil {
			f.ValidFrom = t
		}
	}
	return f
}

// analyze finds the candidate's nearest existing facts and asks the judge.
func (s *Service) analyze(ctx context.Context, userID int64, f *types.Fact) (llm.Verdict, error) {
	vec, err := s.gateway.Embed(ctx, userID, f.Text())
	if err != nil {
		return llm.Verdict{}, err
	}

	matches, err := s.vectors.Query(ctx, vec, neighborCount, vector.Filter{
		vector.MetaUserID: userID,
		vector.MetaType:   string(types.VectorTypeFact),
	}, false)
	if err != nil {
		return llm.Verdict{}, err
	}

	neighbors := make([]*types.Fact, 0, len(matches))
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		if id, ok := factIDFromMatch(m); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		rows, err := s.store.ListFactsByIDs(ctx, userID, ids)
		if err != nil {
			return llm.Verdict{}, err
		}
		// Preserve nearest-first order for the judge's fact_<k> labels.
		byID := make(map[int64]*types.Fact, len(rows))
		for _, r := range rows {
			byID[r.ID] = r
		}
		for _, id := range ids {
			if r, ok := byID[id]; ok {
				neighbors = append(neighbors, r)
			}
		}
	}

	return s.judge.Judge(ctx, userID, f, neighbors)
}

// applyGuard enforces the single-value predicate invariant: inserting a new
// current value closes every other current fact for the same subject and
// predicate.
func (s *Service) applyGuard(ctx context.Context, tx *sql.Tx, f *types.Fact, now time.Time) error {
	if !IsSingleValue(f.Predicate) || !f.Current() {
		return nil
	}

	current, err := s.store.ListCurrentFactsBySubjectPredicate(ctx, tx, f.UserID, f.Subject, f.Predicate)
	if err != nil {
		return err
	}
	for _, old := range current {
		if old.Object == f.Object && old.ValidFrom.Equal(f.ValidFrom) {
			// Same value restated; the idempotent insert will absorb it.
			continue
		}
		if err := s.store.SupersedeFactTx(ctx, tx, f.UserID, old.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// indexFacts upserts the fact vectors under their fact_<k> ids.
func (s *Service) indexFacts(ctx context.Context, userID int64, written []*types.Fact) error {
	if len(written) == 0 {
		return nil
	}

	texts := make([]string, len(written))
	for i, f := range written {
		texts[i] = f.Text()
	}
	vecs, err := s.gateway.EmbedBatch(ctx, userID, texts)
	if err != nil {
		return err
	}

	records := make([]vector.Record, len(written))
	for i, f := range written {
		records[i] = vector.Record{
			ID:     f.VectorID(),
			Values: vecs[i],
			Metadata: map[string]interface{}{
				vector.MetaType:        string(types.VectorTypeFact),
				vector.MetaFactID:      f.ID,
				vector.MetaUserID:      f.UserID,
				vector.MetaTextContent: f.Text(),
				vector.MetaValidFrom:   f.ValidFrom.Format(time.RFC3339),
				vector.MetaSource:      "ingestion",
			},
		}
	}
	return s.vectors.Upsert(ctx, records)
}

// DeleteFactsForMemory removes a memory's facts, vectors first.
func (s *Service) DeleteFactsForMemory(ctx context.Context, userID, memoryID int64) error {
	ids, err := s.store.ListFactIDsByMemory(ctx, userID, memoryID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	vectorIDs := make([]string, len(ids))
	for i, id := range ids {
		vectorIDs[i] = "fact_" + strconv.FormatInt(id, 10)
	}
	if err := s.vectors.Delete(ctx, vectorIDs); err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.DeleteFactsByMemoryTx(ctx, tx, userID, memoryID)
	})
}

func factIDFromMatch(m vector.Match) (int64, bool) {
	if m.Metadata != nil {
		switch v := m.Metadata[vector.MetaFactID].(type) {
		case int64:
			return v, true
		case int:
			return int64(v), true
		case string:
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				return id, true
			}
		}
	}
	if strings.HasPrefix(m.ID, "fact_") {
		if id, err := strconv.ParseInt(strings.TrimPrefix(m.ID, "fact_"), 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}

func defaultString(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

// parseFlexibleDate accepts the date shapes models emit.
func parseFlexibleDate(s string) (time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "Z", "+00:00"))
	for _, layout := range []string{
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperrors.Newf(apperrors.CodeValidationError, "unparseable date %q", s)
}
