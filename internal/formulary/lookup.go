// Package formulary serves diagnosis lookups through an in-process LRU and an
// optional shared Redis tier in front of the authoritative source.
package formulary

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// Stats reports lookup counters per tier
type Stats struct {
	LocalHits  uint64 `json:"local_hits"`
	RemoteHits uint64 `json:"remote_hits"`
	Misses     uint64 `json:"misses"`
	Entries    int    `json:"entries"`
}

// Lookup is a read-through cache implementing domain.FormularySource.
// Misses from the source (unknown codes) are never cached.
type Lookup struct {
	source domain.FormularySource
	local  *expirable.LRU[string, *domain.Diagnosis]
	remote *RedisCache
	log    *logrus.Logger

	localHits  atomic.Uint64
	remoteHits atomic.Uint64
	misses     atomic.Uint64
}

// NewLookup creates a lookup; remote may be nil.
func NewLookup(source domain.FormularySource, size int, ttl time.Duration, remote *RedisCache, logger *logrus.Logger) *Lookup {
	if size <= 0 {
		size = 1024
	}
	return &Lookup{
		source: source,
		local:  expirable.NewLRU[string, *domain.Diagnosis](size, nil, ttl),
		remote: remote,
		log:    logger,
	}
}

// GetDiagnosis resolves code through the cache tiers.
func (l *Lookup) GetDiagnosis(ctx context.Context, code string) (*domain.Diagnosis, error) {
	if d, ok := l.local.Get(code); ok {
		l.localHits.Add(1)
		return d, nil
	}

	if l.remote != nil {
		d, ok, err := l.remote.Get(ctx, code)
		if err != nil {
			l.log.WithError(err).WithField("diagnosis_code", code).Warn("Formulary cache read failed")
		}
		if ok {
			l.remoteHits.Add(1)
			l.local.Add(code, d)
			return d, nil
		}
	}

	l.misses.Add(1)
	d, err := l.source.GetDiagnosis(ctx, code)
	if err != nil {
		return nil, err
	}

	l.local.Add(code, d)
	if l.remote != nil {
		if err := l.remote.Set(ctx, d); err != nil {
			l.log.WithError(err).WithField("diagnosis_code", code).Warn("Formulary cache write failed")
		}
	}
	return d, nil
}

// Invalidate drops code from every tier.
func (l *Lookup) Invalidate(ctx context.Context, code string) error {
	l.local.Remove(code)
	if l.remote != nil {
		if err := l.remote.Delete(ctx, code); err != nil {
			return fmt.Errorf("invalidating formulary cache: %w", err)
		}
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (l *Lookup) Stats() Stats {
	return Stats{
		LocalHits:  l.localHits.Load(),
		RemoteHits: l.remoteHits.Load(),
		Misses:     l.misses.Load(),
		Entries:    l.local.Len(),
	}
}

// Admin applies formulary writes to the backing store and keeps the cache coherent.
type Admin struct {
	store  domain.FormularyAdmin
	lookup *Lookup
}

// NewAdmin wraps store; reads go through lookup.
func NewAdmin(store domain.FormularyAdmin, lookup *Lookup) *Admin {
	return &Admin{store: store, lookup: lookup}
}

func (a *Admin) GetDiagnosis(ctx context.Context, code string) (*domain.Diagnosis, error) {
	return a.lookup.GetDiagnosis(ctx, code)
}

func (a *Admin) SaveDiagnosis(ctx context.Context, d *domain.Diagnosis) error {
	if err := a.store.SaveDiagnosis(ctx, d); err != nil {
		return err
	}
	return a.lookup.Invalidate(ctx, d.Code)
}

func (a *Admin) DeleteDiagnosis(ctx context.Context, code string) error {
	if err := a.store.DeleteDiagnosis(ctx, code); err != nil {
		return err
	}
	return a.lookup.Invalidate(ctx, code)
}

func (a *Admin) ListDiagnoses(ctx context.Context, limit, offset int) ([]*domain.Diagnosis, error) {
	return a.store.ListDiagnoses(ctx, limit, offset)
}
