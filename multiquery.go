package relkv

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// runMergedQueries executes a decomposed query: every native subquery runs
// concurrently, results are deduplicated by key, re-sorted client-side
// under the requested orders and truncated to the limit. A custom merge,
// when present, replaces the plain sort with domain-specific ranking.
func runMergedQueries(ctx context.Context, store Store, reqs []*QueryRequest, orders []Order, limit int, customMerge func([][]*Record, []*Record) []*Record) ([]*Record, error) {
	results := make([][]*Record, len(reqs))
	grp, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		grp.Go(func() error {
			res, err := store.RunQuery(gctx, req)
			if err != nil {
				return err
			}
			results[i] = res.Records
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool)
	var merged []*Record
	for _, recs := range results {
		for _, rec := range recs {
			h := xxhash.Sum64String(rec.Key.Encode())
			if seen[h] {
				continue
			}
			seen[h] = true
			merged = append(merged, rec)
		}
	}

	if customMerge != nil {
		merged = customMerge(results, merged)
	} else if len(orders) > 0 {
		sortRecords(merged, orders)
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}
