package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Popie52/batchqueue/internal/model"
)

// Factory builds the backend for one (region, account) pair.
type Factory func(region, account string) (Backend, error)

type key struct {
	region  string
	account string
}

// Registry hands out one backend per (region, account), built on first use and kept for
// the life of the process, up to limit backends when limit is positive. Every backend's
// loops run on the registry's group.
type Registry struct {
	factory Factory
	limit   int

	mu       sync.Mutex
	backends map[key]Backend
	group    *errgroup.Group
	ctx      context.Context
}

func NewRegistry(ctx context.Context, factory Factory, limit int) *Registry {
	g, ctx := errgroup.WithContext(ctx)
	return &Registry{
		factory:  factory,
		limit:    limit,
		backends: make(map[key]Backend),
		group:    g,
		ctx:      ctx,
	}
}

func (r *Registry) Get(region, account string) (Backend, error) {
	if err := model.ValidateScope(region, account); err != nil {
		return nil, err
	}
	k := key{region: region, account: account}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[k]; ok {
		return b, nil
	}
	if r.limit > 0 && len(r.backends) >= r.limit {
		return nil, &model.ErrInvalidArgument{
			Name:    "region",
			Value:   region + "/" + account,
			Message: fmt.Sprintf("no more than %d region and account pairs may be in use", r.limit),
		}
	}
	b, err := r.factory(region, account)
	if err != nil {
		return nil, errors.Wrapf(err, "creating backend for %s/%s", region, account)
	}
	r.backends[k] = b
	r.group.Go(func() error {
		return b.Run(r.ctx)
	})
	log.WithFields(log.Fields{"region": region, "account": account}).Info("backend created")
	return b, nil
}

// Each calls fn for every backend created so far, in region then account order.
func (r *Registry) Each(fn func(region, account string, b Backend)) {
	type entry struct {
		key
		backend Backend
	}
	r.mu.Lock()
	entries := make([]entry, 0, len(r.backends))
	for k, b := range r.backends {
		entries = append(entries, entry{key: k, backend: b})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].region != entries[j].region {
			return entries[i].region < entries[j].region
		}
		return entries[i].account < entries[j].account
	})
	for _, e := range entries {
		fn(e.region, e.account, e.backend)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}

// Wait blocks until every backend's loops have returned.
func (r *Registry) Wait() error {
	return r.group.Wait()
}
