package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"CF-FORMS/internal/models"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

type Resolver struct {
	registry    *Registry
	concurrency int
}

func NewResolver(registry *Registry, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Resolver{registry: registry, concurrency: concurrency}
}

// Resolution holds resolved values keyed by field id, plus the required refs
// that had no value in their source.
type Resolution struct {
	Values  map[string]string
	Missing []models.DBFieldRef
}

// Resolve looks up every ref for subjectID. A missing value is not an error;
// an unknown source or a failing source is.
func (r *Resolver) Resolve(ctx context.Context, subjectID string, refs []models.DBFieldRef) (Resolution, error) {
	res := Resolution{Values: make(map[string]string, len(refs))}
	if len(refs) == 0 {
		return res, nil
	}

	sources := make([]Source, len(refs))
	for i, ref := range refs {
		src, err := r.registry.Get(ref.Source)
		if err != nil {
			return Resolution{}, fmt.Errorf("field %q: %w", ref.FieldID, err)
		}
		sources[i] = src
	}

	var mu sync.Mutex
	found := make([]bool, len(refs))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for i, ref := range refs {
		i, ref := i, ref
		eg.Go(func() error {
			v, ok, err := sources[i].Lookup(gctx, subjectID, ref.Field)
			if err != nil {
				return fmt.Errorf("field %q from %s.%s: %w", ref.FieldID, ref.Source, ref.Field, err)
			}
			if !ok {
				return nil
			}
			mu.Lock()
			res.Values[ref.FieldID] = v
			found[i] = true
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Resolution{}, err
	}

	for i, ref := range refs {
		if !found[i] && ref.Required {
			res.Missing = append(res.Missing, ref)
			slog.Warn("required db field has no value", "subjectId", subjectID, "fieldId", ref.FieldID, "source", ref.Source, "field", ref.Field)
		}
	}
	return res, nil
}
