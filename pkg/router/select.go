package router

import (
	"context"

	"go.uber.org/zap"
)

// selectReplica returns the attached replica while it stays usable, and
// otherwise draws a new one by weight. Replicas failing the health check
// are skipped for this round only and lose the connection the check
// opened. nil means the primary must serve.
func (r *Router) selectReplica(ctx context.Context) *Replica {
	if r.current != nil && r.current.IsConnected() && r.current.eligible() {
		return r.current
	}
	r.current = nil
	skipped := make(map[*Replica]bool)
	for {
		rep := r.draw(skipped)
		if rep == nil {
			r.logger.Debug("no eligible replica, reading from primary")
			return nil
		}
		if r.healthCheck {
			ok, err := r.IsReplicaOK(ctx, rep)
			if !ok {
				r.logger.Info("replica failed health check", zap.String("server", rep.String()), zap.Error(err))
				skipped[rep] = true
				r.release(rep)
				continue
			}
		}
		r.current = rep
		return rep
	}
}

// draw picks a replica with probability weight/total over the eligible
// replicas, in configuration order.
func (r *Router) draw(skipped map[*Replica]bool) *Replica {
	total := 0
	for _, rep := range r.replicas {
		if rep.eligible() && !skipped[rep] {
			total += rep.weight
		}
	}
	if total <= 0 {
		return nil
	}
	n := r.rand.IntN(total) + 1
	for _, rep := range r.replicas {
		if !rep.eligible() || skipped[rep] {
			continue
		}
		n -= rep.weight
		if n <= 0 {
			return rep
		}
	}
	return nil
}
