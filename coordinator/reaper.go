package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/metrics"
	"fulcrum-registry/registry"
)

// Reaper drives timeout-based lifecycle transitions: stale entities
// move to the unavailable partition, servers past the reclaim window
// are released, and — only when a confirmed-dead window is configured —
// long-unavailable proxy ids are deliberately recycled.
type Reaper struct {
	controller *Controller
	servers    *registry.ServerStore
	proxies    *registry.ProxyStore
	slots      *registry.SlotStore
	alloc      *registry.Allocator

	heartbeatTimeout  time.Duration
	reclaimWindow     time.Duration
	proxyReclaimAfter time.Duration

	now func() time.Time
}

func NewReaper(
	controller *Controller,
	servers *registry.ServerStore,
	proxies *registry.ProxyStore,
	slots *registry.SlotStore,
	alloc *registry.Allocator,
	heartbeatTimeout, reclaimWindow, proxyReclaimAfter time.Duration,
) *Reaper {
	return &Reaper{
		controller:        controller,
		servers:           servers,
		proxies:           proxies,
		slots:             slots,
		alloc:             alloc,
		heartbeatTimeout:  heartbeatTimeout,
		reclaimWindow:     reclaimWindow,
		proxyReclaimAfter: proxyReclaimAfter,
		now:               time.Now,
	}
}

// Run sweeps on the given interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one full staleness pass. Store errors abort the affected
// step only; transitions are deferred, never assumed.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepActiveServers(ctx)
	r.sweepUnavailableServers(ctx)
	r.sweepActiveProxies(ctx)
	r.sweepUnavailableProxies(ctx)
}

func (r *Reaper) sweepActiveServers(ctx context.Context) {
	servers, err := r.servers.LoadActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reaper: cannot load active servers")
		return
	}
	for _, srv := range servers {
		if r.now().Sub(srv.LastHeartbeat) < r.heartbeatTimeout {
			continue
		}
		from := srv.State
		if err := srv.Transition(registry.StateUnavailable); err != nil {
			log.Warn().Err(err).Str("id", srv.ID).Msg("reaper: transition rejected")
			continue
		}
		if err := r.servers.SaveUnavailable(ctx, srv); err != nil {
			log.Error().Err(err).Str("id", srv.ID).Msg("reaper: cannot park server")
			continue
		}
		// Stop advertising the server's slots while it is out.
		for _, slotID := range srv.SlotIDs {
			slot, err := r.slots.GetSlot(ctx, slotID)
			if err != nil {
				continue
			}
			if err := r.slots.RemoveFamilyCapacity(ctx, slotID, slot.Family); err != nil {
				log.Warn().Err(err).Str("slot", slotID).Msg("reaper: cannot withdraw capacity")
			}
		}
		metrics.StateTransitionsTotal.WithLabelValues(string(from), string(registry.StateUnavailable)).Inc()
		log.Warn().Str("id", srv.ID).Time("lastHeartbeat", srv.LastHeartbeat).Msg("server marked unavailable")
	}
}

func (r *Reaper) sweepUnavailableServers(ctx context.Context) {
	servers, err := r.servers.LoadUnavailable(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reaper: cannot load unavailable servers")
		return
	}
	for _, srv := range servers {
		if r.now().Sub(srv.UnavailableSince) < r.reclaimWindow {
			continue
		}
		if err := r.controller.ReleaseServer(ctx, srv); err != nil {
			log.Error().Err(err).Str("id", srv.ID).Msg("reaper: release failed")
		}
	}
}

func (r *Reaper) sweepActiveProxies(ctx context.Context) {
	proxies, err := r.proxies.LoadActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reaper: cannot load active proxies")
		return
	}
	for _, p := range proxies {
		if r.now().Sub(p.LastHeartbeat) < r.heartbeatTimeout {
			continue
		}
		from := p.State
		if err := p.Transition(registry.StateUnavailable); err != nil {
			log.Warn().Err(err).Str("id", p.ID).Msg("reaper: transition rejected")
			continue
		}
		if err := r.proxies.SaveUnavailable(ctx, p); err != nil {
			log.Error().Err(err).Str("id", p.ID).Msg("reaper: cannot park proxy")
			continue
		}
		metrics.StateTransitionsTotal.WithLabelValues(string(from), string(registry.StateUnavailable)).Inc()
		log.Warn().Str("id", p.ID).Time("lastHeartbeat", p.LastHeartbeat).Msg("proxy marked unavailable")
	}
}

// sweepUnavailableProxies is the deliberate confirmed-dead release
// path. Disconnects never recycle a proxy number; only this window (or
// an operator control command) does.
func (r *Reaper) sweepUnavailableProxies(ctx context.Context) {
	if r.proxyReclaimAfter <= 0 {
		return
	}
	proxies, err := r.proxies.LoadUnavailable(ctx)
	if err != nil {
		log.Error().Err(err).Msg("reaper: cannot load unavailable proxies")
		return
	}
	for _, p := range proxies {
		if r.now().Sub(p.UnavailableSince) < r.proxyReclaimAfter {
			continue
		}
		id, err := registry.ParseProxyID(p.ID)
		if err != nil {
			log.Error().Err(err).Str("id", p.ID).Msg("reaper: malformed proxy id in store")
			continue
		}
		// The elapsed window is the confirmed-dead decision, so the
		// release is forced; the record goes only once it is accepted.
		if err := r.alloc.ReleaseProxyID(ctx, id, true); err != nil {
			log.Error().Err(err).Str("id", p.ID).Msg("reaper: proxy id release failed")
			continue
		}
		if err := r.proxies.DeleteUnavailable(ctx, p.ID); err != nil {
			log.Error().Err(err).Str("id", p.ID).Msg("reaper: cannot delete proxy record")
			continue
		}
		from := p.State
		if err := p.Transition(registry.StateReleased); err == nil {
			metrics.StateTransitionsTotal.WithLabelValues(string(from), string(registry.StateReleased)).Inc()
		}
		log.Info().Str("id", p.ID).Dur("unavailableFor", r.now().Sub(p.UnavailableSince)).Msg("proxy id reclaimed after confirmed-dead window")
	}
}
