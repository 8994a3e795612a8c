// Package coordinator wires inbound bus messages to the id allocator,
// registry stores, slot store, and route evaluator, and publishes the
// resulting events back to the fleet.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/bus"
	"fulcrum-registry/metrics"
	"fulcrum-registry/registry"
	"fulcrum-registry/routing"
)

type Controller struct {
	publisher    bus.Publisher
	alloc        *registry.Allocator
	servers      *registry.ServerStore
	proxies      *registry.ProxyStore
	slots        *registry.SlotStore
	reservations *registry.ReservationStore
	evaluator    *routing.Evaluator
	pending      *PendingQueue

	instanceID string
	now        func() time.Time
}

func NewController(
	publisher bus.Publisher,
	alloc *registry.Allocator,
	servers *registry.ServerStore,
	proxies *registry.ProxyStore,
	slots *registry.SlotStore,
	reservations *registry.ReservationStore,
	evaluator *routing.Evaluator,
	pending *PendingQueue,
	instanceID string,
) *Controller {
	return &Controller{
		publisher:    publisher,
		alloc:        alloc,
		servers:      servers,
		proxies:      proxies,
		slots:        slots,
		reservations: reservations,
		evaluator:    evaluator,
		pending:      pending,
		instanceID:   instanceID,
		now:          time.Now,
	}
}

// Handle dispatches one inbound envelope by channel.
func (c *Controller) Handle(ctx context.Context, channel string, env *bus.Envelope) error {
	switch channel {
	case bus.ChannelRegistrationRequest:
		return c.handleRegistration(ctx, env)
	case bus.ChannelHeartbeat:
		return c.handleHeartbeat(ctx, env)
	case bus.ChannelRouteRequest:
		return c.handleRouteRequest(ctx, env)
	case bus.ChannelReservationConsume:
		return c.handleReservationConsume(ctx, env)
	case bus.ChannelControl:
		return c.handleControl(ctx, env)
	default:
		log.Debug().Str("channel", channel).Str("type", env.Type).Msg("ignoring message on unhandled channel")
		return nil
	}
}

func (c *Controller) handleRegistration(ctx context.Context, env *bus.Envelope) error {
	var req bus.RegistrationRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	log.Info().Str("tempId", req.TempID).Str("kind", string(req.Kind)).Str("family", req.Family).Msg("handling registration request")

	switch req.Kind {
	case bus.KindServer:
		return c.registerServer(ctx, env, &req)
	case bus.KindProxy:
		return c.registerProxy(ctx, env, &req)
	default:
		return c.registrationFailure(ctx, env, &req, fmt.Sprintf("unknown entity kind %q", req.Kind))
	}
}

func (c *Controller) registerServer(ctx context.Context, env *bus.Envelope, req *bus.RegistrationRequest) error {
	if req.Family == "" {
		return c.registrationFailure(ctx, env, req, "registration missing family")
	}

	base, err := c.resolveServerID(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("tempId", req.TempID).Msg("server id allocation failed")
		return c.registrationFailure(ctx, env, req, fmt.Sprintf("id allocation failed: %v", err))
	}

	record := &registry.RegisteredServer{
		ID:            base.String(),
		Address:       req.Address,
		Port:          req.Port,
		Capacity:      req.Capacity,
		State:         registry.StatePending,
		LastHeartbeat: c.now(),
	}

	for family, capacity := range req.Capacity {
		slotID, err := c.alloc.AllocateSlotID(ctx, base)
		if err != nil {
			// Roll back what this registration allocated so far.
			c.rollbackRegistration(ctx, base, record.SlotIDs)
			log.Error().Err(err).Str("id", base.String()).Str("family", family).Msg("slot allocation failed")
			return c.registrationFailure(ctx, env, req, fmt.Sprintf("slot allocation failed: %v", err))
		}
		slot := &registry.LogicalSlot{
			ID:         slotID.String(),
			ServerID:   base.String(),
			Family:     family,
			MaxPlayers: capacity,
		}
		if err := c.slots.StoreSlot(ctx, slot); err != nil {
			c.rollbackRegistration(ctx, base, append(record.SlotIDs, slotID.String()))
			return c.registrationFailure(ctx, env, req, fmt.Sprintf("slot persistence failed: %v", err))
		}
		if err := c.slots.SetFamilyCapacity(ctx, slotID.String(), family, capacity); err != nil {
			c.rollbackRegistration(ctx, base, append(record.SlotIDs, slotID.String()))
			return c.registrationFailure(ctx, env, req, fmt.Sprintf("capacity setup failed: %v", err))
		}
		record.SlotIDs = append(record.SlotIDs, slotID.String())
		metrics.FamilyCapacity.WithLabelValues(family, slotID.String()).Set(float64(capacity))
		c.publishCapacity(ctx, slotID.String(), family, capacity)
	}

	if err := c.servers.SaveActive(ctx, record); err != nil {
		c.rollbackRegistration(ctx, base, record.SlotIDs)
		return c.registrationFailure(ctx, env, req, fmt.Sprintf("persistence failed: %v", err))
	}
	if err := c.servers.BindTempID(ctx, req.TempID, record.ID); err != nil {
		log.Warn().Err(err).Str("tempId", req.TempID).Msg("temp id binding failed")
	}

	metrics.RegistrationsTotal.WithLabelValues(string(bus.KindServer), "success").Inc()
	log.Info().Str("id", record.ID).Str("tempId", req.TempID).Msg("server registered")
	if err := c.registrationSuccess(ctx, env, req, record.ID); err != nil {
		return err
	}
	if len(record.SlotIDs) > 0 {
		c.DrainPending(ctx)
	}
	return nil
}

// resolveServerID reuses the permanent id from a previous registration
// of the same temp id, claiming it out of the recycle pool, or
// allocates a fresh one.
func (c *Controller) resolveServerID(ctx context.Context, req *bus.RegistrationRequest) (registry.ServerID, error) {
	if req.TempID != "" {
		perm, err := c.servers.ResolveTempID(ctx, req.TempID)
		if err != nil {
			return registry.ServerID{}, err
		}
		if perm != "" {
			id, err := registry.ParseServerID(perm)
			if err == nil && id.Family == req.Family {
				if err := c.alloc.ClaimServerID(ctx, id.Base()); err != nil {
					return registry.ServerID{}, err
				}
				log.Debug().Str("id", perm).Str("tempId", req.TempID).Msg("reusing permanent id from temp index")
				return id.Base(), nil
			}
		}
	}
	return c.alloc.AllocateServerID(ctx, req.Family)
}

func (c *Controller) rollbackRegistration(ctx context.Context, base registry.ServerID, slotIDs []string) {
	for _, slotID := range slotIDs {
		if err := c.slots.RemoveSlot(ctx, slotID); err != nil {
			log.Warn().Err(err).Str("slot", slotID).Msg("rollback: slot removal failed")
		}
	}
	if err := c.alloc.ReleaseServerID(ctx, base); err != nil {
		log.Warn().Err(err).Str("id", base.String()).Msg("rollback: id release failed")
	}
}

func (c *Controller) registerProxy(ctx context.Context, env *bus.Envelope, req *bus.RegistrationRequest) error {
	id, err := c.alloc.AllocateProxyID(ctx)
	if err != nil {
		log.Error().Err(err).Str("tempId", req.TempID).Msg("proxy id allocation failed")
		return c.registrationFailure(ctx, env, req, fmt.Sprintf("id allocation failed: %v", err))
	}
	record := &registry.RegisteredProxy{
		ID:            id.String(),
		Address:       req.Address,
		Port:          req.Port,
		State:         registry.StatePending,
		LastHeartbeat: c.now(),
	}
	if err := c.proxies.SaveActive(ctx, record); err != nil {
		return c.registrationFailure(ctx, env, req, fmt.Sprintf("persistence failed: %v", err))
	}
	metrics.RegistrationsTotal.WithLabelValues(string(bus.KindProxy), "success").Inc()
	log.Info().Str("id", record.ID).Str("tempId", req.TempID).Msg("proxy registered")
	return c.registrationSuccess(ctx, env, req, record.ID)
}

func (c *Controller) registrationSuccess(ctx context.Context, env *bus.Envelope, req *bus.RegistrationRequest, assignedID string) error {
	res := &bus.RegistrationResponse{TempID: req.TempID, AssignedID: assignedID, Status: bus.StatusSuccess}
	out, err := env.Reply(c.instanceID, bus.TypeRegistrationResponse, res)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, bus.ChannelRegistrationResponse, out)
}

func (c *Controller) registrationFailure(ctx context.Context, env *bus.Envelope, req *bus.RegistrationRequest, message string) error {
	metrics.RegistrationsTotal.WithLabelValues(string(req.Kind), "failure").Inc()
	res := &bus.RegistrationResponse{TempID: req.TempID, Status: bus.StatusFailure, Error: &message}
	out, err := env.Reply(c.instanceID, bus.TypeRegistrationResponse, res)
	if err != nil {
		return err
	}
	if err := c.publisher.Publish(ctx, bus.ChannelRegistrationResponse, out); err != nil {
		log.Error().Err(err).Str("tempId", req.TempID).Msg("failed to publish registration failure")
		return err
	}
	return nil
}

func (c *Controller) handleHeartbeat(ctx context.Context, env *bus.Envelope) error {
	var hb bus.Heartbeat
	if err := env.Decode(&hb); err != nil {
		return err
	}
	metrics.HeartbeatsTotal.Inc()

	if _, err := registry.ParseProxyID(hb.ID); err == nil {
		return c.heartbeatProxy(ctx, &hb)
	}
	return c.heartbeatServer(ctx, &hb)
}

func (c *Controller) heartbeatServer(ctx context.Context, hb *bus.Heartbeat) error {
	srv, err := c.servers.GetActive(ctx, hb.ID)
	if errors.Is(err, registry.ErrNotFound) {
		srv, err = c.servers.GetUnavailable(ctx, hb.ID)
		if errors.Is(err, registry.ErrNotFound) {
			log.Warn().Str("id", hb.ID).Msg("heartbeat from unregistered server")
			return nil
		}
	}
	if err != nil {
		// Store trouble: defer the transition rather than guessing.
		return err
	}

	recovered := false
	if srv.State == registry.StatePending || srv.State == registry.StateUnavailable {
		from := srv.State
		if err := srv.Transition(registry.StateActive); err != nil {
			log.Warn().Err(err).Str("id", srv.ID).Msg("rejecting heartbeat transition")
			return nil
		}
		recovered = from == registry.StateUnavailable
		metrics.StateTransitionsTotal.WithLabelValues(string(from), string(registry.StateActive)).Inc()
		log.Info().Str("id", srv.ID).Str("from", string(from)).Msg("server is active")
	}
	srv.LastHeartbeat = c.now()
	if err := c.servers.SaveActive(ctx, srv); err != nil {
		return err
	}
	if recovered {
		// Counters withdrawn while the server was parked must come
		// back even when the heartbeat carries no player report.
		if err := c.readvertiseSlots(ctx, srv); err != nil {
			return err
		}
	}
	released, err := c.reconcileSlots(ctx, srv, hb.Players)
	if err != nil {
		return err
	}
	if recovered || released {
		c.DrainPending(ctx)
	}
	return nil
}

// readvertiseSlots re-creates the family capacity counters for a
// server returning from the unavailable partition. Counters that
// survived the outage are left alone so in-flight reservations stay
// accounted for.
func (c *Controller) readvertiseSlots(ctx context.Context, srv *registry.RegisteredServer) error {
	for _, slotID := range srv.SlotIDs {
		slot, err := c.slots.GetSlot(ctx, slotID)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		remaining, err := c.slots.RemainingCapacity(ctx, slot.Family)
		if err != nil {
			return err
		}
		if _, ok := remaining[slot.ID]; ok {
			continue
		}
		rem := slot.MaxPlayers - slot.OnlinePlayers
		if rem < 0 {
			rem = 0
		}
		if err := c.slots.SetFamilyCapacity(ctx, slot.ID, slot.Family, rem); err != nil {
			return err
		}
		metrics.FamilyCapacity.WithLabelValues(slot.Family, slot.ID).Set(float64(rem))
		c.publishCapacity(ctx, slot.ID, slot.Family, rem)
	}
	return nil
}

// reconcileSlots applies reported per-slot online counts. When a slot
// reports fewer players than the registry has reserved for it, the
// difference is released back to the family pool. Reports whether any
// unit came back.
func (c *Controller) reconcileSlots(ctx context.Context, srv *registry.RegisteredServer, players map[string]int) (bool, error) {
	released := false
	for slotID, online := range players {
		slot, err := c.slots.GetSlot(ctx, registry.NormalizeSlotID(slotID))
		if errors.Is(err, registry.ErrNotFound) {
			log.Warn().Str("slot", slotID).Str("server", srv.ID).Msg("heartbeat reports unknown slot")
			continue
		}
		if err != nil {
			return released, err
		}
		remaining, err := c.slots.RemainingCapacity(ctx, slot.Family)
		if err != nil {
			return released, err
		}
		reserved := slot.MaxPlayers - remaining[slot.ID]
		for i := online; i < reserved; i++ {
			rem, err := c.slots.ReleaseFamilyCapacity(ctx, slot.ID, slot.Family)
			if err != nil {
				return released, err
			}
			released = true
			metrics.FamilyCapacity.WithLabelValues(slot.Family, slot.ID).Set(float64(rem))
			c.publishCapacity(ctx, slot.ID, slot.Family, rem)
		}
		slot.OnlinePlayers = online
		if err := c.slots.StoreSlot(ctx, slot); err != nil {
			return released, err
		}
	}
	return released, nil
}

func (c *Controller) heartbeatProxy(ctx context.Context, hb *bus.Heartbeat) error {
	p, err := c.proxies.GetActive(ctx, hb.ID)
	if errors.Is(err, registry.ErrNotFound) {
		p, err = c.proxies.GetUnavailable(ctx, hb.ID)
		if errors.Is(err, registry.ErrNotFound) {
			log.Warn().Str("id", hb.ID).Msg("heartbeat from unregistered proxy")
			return nil
		}
	}
	if err != nil {
		return err
	}

	if p.State == registry.StatePending || p.State == registry.StateUnavailable {
		from := p.State
		if err := p.Transition(registry.StateActive); err != nil {
			log.Warn().Err(err).Str("id", p.ID).Msg("rejecting heartbeat transition")
			return nil
		}
		metrics.StateTransitionsTotal.WithLabelValues(string(from), string(registry.StateActive)).Inc()
		log.Info().Str("id", p.ID).Str("from", string(from)).Msg("proxy is active")
	}
	p.LastHeartbeat = c.now()
	return c.proxies.SaveActive(ctx, p)
}

func (c *Controller) handleRouteRequest(ctx context.Context, env *bus.Envelope) error {
	var req bus.RouteRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.PlayerID == "" || req.Family == "" {
		log.Error().Str("playerId", req.PlayerID).Str("family", req.Family).Msg("dropping invalid route request")
		return nil
	}
	rc := routing.NewContext(&routing.Request{
		PlayerID:      req.PlayerID,
		Family:        req.Family,
		Variant:       req.Variant,
		PreferredSlot: req.PreferredSlot,
		Rejoin:        req.Rejoin,
		BlockedSlots:  req.BlockedSlots,
	}, c.now)
	return c.place(ctx, &Entry{RC: rc, Env: env})
}

// place runs one evaluation pass for a request and publishes the
// outcome. Store failures requeue the request: capacity decisions are
// never approved without the store.
func (c *Controller) place(ctx context.Context, e *Entry) error {
	start := c.now()
	rc := e.RC
	dec, err := c.evaluator.Evaluate(ctx, rc)
	if err != nil {
		log.Error().Err(err).Str("player", rc.Request.PlayerID).Msg("evaluation failed; requeueing")
		c.pending.Enqueue(e)
		return c.routeQueued(ctx, e)
	}

	switch dec.Outcome {
	case routing.OutcomeAssigned:
		return c.routeAssigned(ctx, e, dec.Placement, start)
	case routing.OutcomeRequeue:
		c.pending.Enqueue(e)
		metrics.RouteRequestsTotal.WithLabelValues("queued").Inc()
		return c.routeQueued(ctx, e)
	default:
		metrics.RouteRequestsTotal.WithLabelValues("failed").Inc()
		metrics.RouteDuration.Observe(c.now().Sub(start).Seconds())
		log.Warn().Str("player", rc.Request.PlayerID).Str("reason", dec.Reason).Msg("route request failed")
		return c.routeFailure(ctx, e, dec.Reason)
	}
}

func (c *Controller) routeAssigned(ctx context.Context, e *Entry, placement *routing.Placement, start time.Time) error {
	rc := e.RC
	slotID := placement.SlotID
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		family := rc.Request.Family
		if rem, err := c.slots.ReleaseFamilyCapacity(ctx, slotID, family); err != nil {
			log.Error().Err(err).Str("slot", slotID).Msg("failed to return reservation")
		} else {
			c.publishCapacity(ctx, slotID, family, rem)
		}
	}

	base, err := registry.ParseServerID(slotID)
	if err != nil {
		release()
		return c.routeFailure(ctx, e, fmt.Sprintf("reserved malformed slot id %q", slotID))
	}
	srv, err := c.servers.GetActive(ctx, base.Base().String())
	if err != nil {
		// The backing server vanished between advertising and now.
		release()
		log.Error().Err(err).Str("slot", slotID).Msg("reserved slot has no active server; requeueing")
		c.pending.Enqueue(e)
		return c.routeQueued(ctx, e)
	}

	reservation, err := c.reservations.Create(ctx, rc.Request.PlayerID, slotID, rc.Request.Family)
	if err != nil {
		release()
		log.Error().Err(err).Str("slot", slotID).Msg("reservation issue failed; requeueing")
		c.pending.Enqueue(e)
		return c.routeQueued(ctx, e)
	}

	prev, err := c.slots.ReassignPlayer(ctx, rc.Request.PlayerID, slotID)
	if err != nil {
		release()
		c.pending.Enqueue(e)
		return c.routeQueued(ctx, e)
	}
	if prev != "" && prev != slotID {
		c.releaseDepartedSlot(ctx, prev)
	}

	metrics.RouteRequestsTotal.WithLabelValues("assigned").Inc()
	metrics.RouteDuration.Observe(c.now().Sub(start).Seconds())
	metrics.FamilyCapacity.WithLabelValues(rc.Request.Family, slotID).Set(float64(placement.Remaining))
	c.publishCapacity(ctx, slotID, rc.Request.Family, placement.Remaining)

	res := &bus.RouteResponse{
		PlayerID: rc.Request.PlayerID,
		SlotID:   slotID,
		Address:  srv.Address,
		Port:     srv.Port,
		Token:    reservation.Token,
		Status:   bus.StatusSuccess,
	}
	out, err := e.Env.Reply(c.instanceID, bus.TypeRouteResponse, res)
	if err != nil {
		return err
	}
	log.Info().
		Str("player", rc.Request.PlayerID).
		Str("slot", slotID).
		Int("remaining", placement.Remaining).
		Msg("player routed")
	return c.publisher.Publish(ctx, bus.ChannelRouteResponse, out)
}

// releaseDepartedSlot returns one unit of capacity for the slot a
// player just left.
func (c *Controller) releaseDepartedSlot(ctx context.Context, slotID string) {
	slot, err := c.slots.GetSlot(ctx, slotID)
	if err != nil {
		log.Warn().Err(err).Str("slot", slotID).Msg("cannot release capacity for departed slot")
		return
	}
	rem, err := c.slots.ReleaseFamilyCapacity(ctx, slotID, slot.Family)
	if err != nil {
		log.Warn().Err(err).Str("slot", slotID).Msg("capacity release failed for departed slot")
		return
	}
	metrics.FamilyCapacity.WithLabelValues(slot.Family, slotID).Set(float64(rem))
	c.publishCapacity(ctx, slotID, slot.Family, rem)
}

func (c *Controller) routeQueued(ctx context.Context, e *Entry) error {
	res := &bus.RouteResponse{PlayerID: e.RC.Request.PlayerID, Status: bus.StatusQueued}
	out, err := e.Env.Reply(c.instanceID, bus.TypeRouteResponse, res)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, bus.ChannelRouteResponse, out)
}

func (c *Controller) routeFailure(ctx context.Context, e *Entry, message string) error {
	res := &bus.RouteResponse{PlayerID: e.RC.Request.PlayerID, Status: bus.StatusFailure, Error: &message}
	out, err := e.Env.Reply(c.instanceID, bus.TypeRouteResponse, res)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, bus.ChannelRouteResponse, out)
}

func (c *Controller) publishCapacity(ctx context.Context, slotID, family string, remaining int) {
	payload := &bus.CapacityChanged{SlotID: slotID, Family: family, Remaining: remaining}
	env, err := bus.NewEnvelope(c.instanceID, bus.TypeCapacityChanged, payload)
	if err != nil {
		log.Error().Err(err).Str("slot", slotID).Msg("failed to build capacity event")
		return
	}
	if err := c.publisher.Publish(ctx, bus.ChannelCapacity, env); err != nil {
		log.Error().Err(err).Str("slot", slotID).Msg("failed to publish capacity event")
	}
}

// handleReservationConsume validates and burns a reservation token on
// behalf of the hosting server a routed player just reached.
func (c *Controller) handleReservationConsume(ctx context.Context, env *bus.Envelope) error {
	var req bus.ReservationConsume
	if err := env.Decode(&req); err != nil {
		return err
	}

	_, err := c.reservations.Consume(ctx, req.Token, req.PlayerID, req.SlotID)
	switch {
	case err == nil:
		metrics.ReservationsTotal.WithLabelValues("consumed").Inc()
		return c.reservationResult(ctx, env, req.Token, bus.StatusSuccess, nil)
	case errors.Is(err, registry.ErrReservationLocked),
		errors.Is(err, registry.ErrReservationExpired),
		errors.Is(err, registry.ErrReservationMismatch):
		metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
		log.Warn().Err(err).Str("token", req.Token).Str("player", req.PlayerID).Msg("reservation rejected")
		return c.reservationResult(ctx, env, req.Token, bus.StatusFailure, err)
	default:
		// Store trouble: do not report a verdict the store never gave.
		return err
	}
}

func (c *Controller) reservationResult(ctx context.Context, env *bus.Envelope, token string, status bus.Status, cause error) error {
	res := &bus.ReservationResult{Token: token, Status: status}
	if cause != nil {
		msg := cause.Error()
		res.Error = &msg
	}
	out, err := env.Reply(c.instanceID, bus.TypeReservationResult, res)
	if err != nil {
		return err
	}
	return c.publisher.Publish(ctx, bus.ChannelReservationResult, out)
}

func (c *Controller) handleControl(ctx context.Context, env *bus.Envelope) error {
	var cmd bus.ControlCommand
	if err := env.Decode(&cmd); err != nil {
		return err
	}
	log.Info().Str("action", cmd.Action).Str("id", cmd.ID).Bool("force", cmd.Force).Msg("handling control command")

	switch cmd.Action {
	case "shutdown":
		return c.shutdownEntity(ctx, cmd.ID)
	case "release-proxy":
		id, err := registry.ParseProxyID(cmd.ID)
		if err != nil {
			return err
		}
		// The liveness guard needs the registration records in place;
		// they are cleared only once the release is accepted.
		if err := c.alloc.ReleaseProxyID(ctx, id, cmd.Force); err != nil {
			return err
		}
		if err := c.proxies.DeleteActive(ctx, id.String()); err != nil {
			return err
		}
		return c.proxies.DeleteUnavailable(ctx, id.String())
	default:
		log.Warn().Str("action", cmd.Action).Msg("ignoring unknown control action")
		return nil
	}
}

// shutdownEntity gracefully retires a server or parks a proxy. A proxy
// shutdown only moves it to the unavailable partition; its number is
// not recycled here.
func (c *Controller) shutdownEntity(ctx context.Context, id string) error {
	if pid, err := registry.ParseProxyID(id); err == nil {
		p, err := c.proxies.GetActive(ctx, pid.String())
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		from := p.State
		if err := p.Transition(registry.StateUnavailable); err != nil {
			return err
		}
		metrics.StateTransitionsTotal.WithLabelValues(string(from), string(registry.StateUnavailable)).Inc()
		return c.proxies.SaveUnavailable(ctx, p)
	}

	srv, err := c.servers.GetActive(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		srv, err = c.servers.GetUnavailable(ctx, id)
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
	}
	if err != nil {
		return err
	}
	return c.ReleaseServer(ctx, srv)
}

// ReleaseServer frees a server entirely: slots, capacity bookkeeping,
// partition records, and finally the identifier.
func (c *Controller) ReleaseServer(ctx context.Context, srv *registry.RegisteredServer) error {
	for _, slotID := range srv.SlotIDs {
		if err := c.slots.RemoveSlot(ctx, slotID); err != nil {
			log.Warn().Err(err).Str("slot", slotID).Msg("slot cleanup failed during release")
		}
	}
	if err := c.servers.DeleteActive(ctx, srv); err != nil {
		return err
	}
	if err := c.servers.DeleteUnavailable(ctx, srv); err != nil {
		return err
	}
	base, err := registry.ParseServerID(srv.ID)
	if err != nil {
		return err
	}
	if err := c.alloc.ReleaseServerID(ctx, base.Base()); err != nil {
		return err
	}
	from := srv.State
	if err := srv.Transition(registry.StateReleased); err != nil {
		log.Warn().Err(err).Str("id", srv.ID).Msg("release transition rejected")
	} else {
		metrics.StateTransitionsTotal.WithLabelValues(string(from), string(registry.StateReleased)).Inc()
	}
	log.Info().Str("id", srv.ID).Msg("server released")
	return nil
}

// DrainPending re-evaluates waiting requests for every family with
// queued work. Run from a timer and after capacity-changed events.
func (c *Controller) DrainPending(ctx context.Context) {
	for _, family := range c.pending.Families() {
		c.drainFamily(ctx, family)
	}
}

func (c *Controller) drainFamily(ctx context.Context, family string) {
	n := c.pending.Len(family)
	for i := 0; i < n; i++ {
		e := c.pending.Dequeue(family)
		if e == nil {
			return
		}
		if err := c.place(ctx, e); err != nil {
			log.Error().Err(err).Str("family", family).Str("player", e.RC.Request.PlayerID).Msg("pending placement failed")
		}
	}
}

// RunPendingLoop drains the pending queue on a fixed cadence until the
// context is cancelled.
func (c *Controller) RunPendingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.DrainPending(ctx)
		}
	}
}
