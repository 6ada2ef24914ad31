package router

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/kong/dblinker/pkg/cache"
	"github.com/kong/dblinker/pkg/metrics"
)

func (r *Router) healthKey(rep *Replica) string {
	cfg := rep.Config()
	return cache.Key(r.dialect.Kind().String(), cfg.Host, strconv.Itoa(cfg.Port), cfg.User, cfg.DBName)
}

// IsReplicaOK reports whether rep is running and lags less than the
// maximum delay. Fresh cached records are used as is; otherwise the
// replica is probed and the result cached.
func (r *Router) IsReplicaOK(ctx context.Context, rep *Replica) (bool, error) {
	key := r.healthKey(rep)
	if r.cache != nil {
		rec, found, err := r.cache.Get(ctx, key)
		if err != nil {
			r.logger.Warn("health cache read failed", zap.String("server", rep.String()), zap.Error(err))
		} else if found {
			rep.health = &rec
			return rec.OK(r.maxSlaveDelay), nil
		}
	}
	rec, err := r.probe(ctx, rep)
	if err != nil {
		return false, err
	}
	r.store(ctx, key, rep, rec)
	return rec.OK(r.maxSlaveDelay), nil
}

// CheckReplicas probes every replica, bypassing and then refreshing the
// cache. The result maps each replica to its health verdict. Replicas
// disabled by a failover are enabled again once they probe healthy, and
// only the attached replica keeps its connection afterwards.
func (r *Router) CheckReplicas(ctx context.Context) map[*Replica]bool {
	out := make(map[*Replica]bool, len(r.replicas))
	for _, rep := range r.replicas {
		ok := false
		rec, err := r.probe(ctx, rep)
		if err != nil {
			r.logger.Warn("replica probe failed", zap.String("server", rep.String()), zap.Error(err))
		} else {
			r.store(ctx, r.healthKey(rep), rep, rec)
			ok = rec.OK(r.maxSlaveDelay)
		}
		out[rep] = ok
		if ok && rep.Disabled() {
			r.logger.Info("replica healthy again, enabling", zap.String("server", rep.String()))
			rep.Enable()
		}
		if !ok || rep != r.current {
			r.release(rep)
		}
	}
	return out
}

func (r *Router) store(ctx context.Context, key string, rep *Replica, rec cache.HealthRecord) {
	rep.health = &rec
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, rec, r.healthTTL); err != nil {
		r.logger.Warn("health cache write failed", zap.String("server", rep.String()), zap.Error(err))
	}
}

// probe asks the replica for its replication state. A replica that cannot
// be reached is reported as not running.
func (r *Router) probe(ctx context.Context, rep *Replica) (cache.HealthRecord, error) {
	conn, err := rep.Connection(ctx)
	if err != nil {
		rec := cache.HealthRecord{Running: false}
		metrics.ObserveProbe(rep.String(), false, nil)
		r.logger.Debug("replica unreachable", zap.String("server", rep.String()), zap.Error(err))
		return rec, nil
	}
	rec, err := r.dialect.Probe(ctx, conn)
	if err != nil {
		if r.lenientProbe && r.dialect.IsAccessDenied(err) {
			r.logger.Debug("probe not permitted, assuming healthy", zap.String("server", rep.String()))
			rec = cache.HealthRecord{Running: true, LagSeconds: cache.Lag(0)}
		} else {
			metrics.ObserveProbe(rep.String(), false, nil)
			return cache.HealthRecord{}, err
		}
	}
	ok := rec.OK(r.maxSlaveDelay)
	metrics.ObserveProbe(rep.String(), ok, rec.LagSeconds)
	r.logger.Debug("replica probed", zap.String("server", rep.String()),
		zap.Bool("running", rec.Running), zap.Bool("ok", ok))
	return rec, nil
}
