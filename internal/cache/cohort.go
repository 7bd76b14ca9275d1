package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"torch/internal/orchestrator"

	"github.com/rs/zerolog/log"
)

// CachedCohortQuery remembers resolved cohorts so a rerolled cohort unit does
// not evaluate the same definition again. Cache failures never fail the query.
type CachedCohortQuery struct {
	next  orchestrator.CohortQuery
	cache Cache
	ttl   time.Duration
}

func NewCachedCohortQuery(next orchestrator.CohortQuery, cache Cache, ttl time.Duration) *CachedCohortQuery {
	return &CachedCohortQuery{next: next, cache: cache, ttl: ttl}
}

func cohortKey(definition string) string {
	sum := sha256.Sum256([]byte(definition))
	return "cohort:" + hex.EncodeToString(sum[:])
}

func (q *CachedCohortQuery) RunCohortQuery(ctx context.Context, cohortDefinition string) ([]string, error) {
	key := cohortKey(cohortDefinition)

	cached, err := q.cache.Get(ctx, key)
	switch {
	case err == nil:
		var ids []string
		if err := json.Unmarshal(cached, &ids); err == nil {
			return ids, nil
		}
		log.Warn().Str("key", key).Msg("Dropping unreadable cached cohort")
		_ = q.cache.Delete(ctx, key)
	case !errors.Is(err, ErrCacheMiss):
		log.Warn().Err(err).Str("key", key).Msg("Cohort cache unavailable")
	}

	ids, err := q.next.RunCohortQuery(ctx, cohortDefinition)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(ids)
	if err == nil {
		err = q.cache.Set(ctx, key, encoded, q.ttl)
	}
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache cohort")
	}

	return ids, nil
}
