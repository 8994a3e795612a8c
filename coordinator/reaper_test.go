package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"fulcrum-registry/bus"
	"fulcrum-registry/registry"
)

func newTestReaper(f *fixture, heartbeatTimeout, reclaimWindow, proxyReclaimAfter time.Duration) *Reaper {
	return NewReaper(f.ctrl, f.servers, f.proxies, f.slots, f.alloc, heartbeatTimeout, reclaimWindow, proxyReclaimAfter)
}

func TestReaper_StaleServerBecomesUnavailable(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	id := registerTestServer(t, f, "boot-1", "mini", 8)
	srv, err := f.servers.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() error=%v", err)
	}
	srv.LastHeartbeat = time.Now().Add(-time.Hour)
	if err := f.servers.SaveActive(ctx, srv); err != nil {
		t.Fatalf("SaveActive() error=%v", err)
	}

	r := newTestReaper(f, 30*time.Second, time.Hour, 0)
	r.Sweep(ctx)

	if _, err := f.servers.GetActive(ctx, id); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("stale server still active: err=%v", err)
	}
	parked, err := f.servers.GetUnavailable(ctx, id)
	if err != nil {
		t.Fatalf("GetUnavailable() error=%v", err)
	}
	if parked.State != registry.StateUnavailable {
		t.Errorf("parked server state=%s want UNAVAILABLE", parked.State)
	}
	if parked.UnavailableSince.IsZero() {
		t.Errorf("parked server has no UnavailableSince stamp")
	}

	// While out, the server's slots stop advertising.
	adv, err := f.slots.AdvertisedSlots(ctx, "mini")
	if err != nil {
		t.Fatalf("AdvertisedSlots() error=%v", err)
	}
	if len(adv) != 0 {
		t.Errorf("unavailable server still advertising: %#v", adv)
	}
}

func TestReaper_RecoveredServerIsReadvertised(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	id := registerTestServer(t, f, "boot-1", "mini", 8)
	heartbeat(t, f, id, nil)
	srv, err := f.servers.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() error=%v", err)
	}
	srv.LastHeartbeat = time.Now().Add(-time.Hour)
	if err := f.servers.SaveActive(ctx, srv); err != nil {
		t.Fatalf("SaveActive() error=%v", err)
	}

	r := newTestReaper(f, 30*time.Second, time.Hour, 0)
	r.Sweep(ctx)

	adv, err := f.slots.AdvertisedSlots(ctx, "mini")
	if err != nil {
		t.Fatalf("AdvertisedSlots() error=%v", err)
	}
	if len(adv) != 0 {
		t.Fatalf("parked server still advertising: %#v", adv)
	}

	// A bare heartbeat, no player report, brings the server back and
	// restores the withdrawn counter.
	heartbeat(t, f, id, nil)

	back, err := f.servers.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() after recovery error=%v", err)
	}
	if back.State != registry.StateActive {
		t.Errorf("recovered state=%s want ACTIVE", back.State)
	}
	adv, err = f.slots.AdvertisedSlots(ctx, "mini")
	if err != nil {
		t.Fatalf("AdvertisedSlots() error=%v", err)
	}
	if len(adv) != 1 || adv[0] != "mini1A" {
		t.Fatalf("recovered server not advertising: %#v", adv)
	}
	rem, err := f.slots.RemainingCapacity(ctx, "mini")
	if err != nil {
		t.Fatalf("RemainingCapacity() error=%v", err)
	}
	if rem["mini1A"] != 8 {
		t.Errorf("restored capacity=%d want=8", rem["mini1A"])
	}

	// Routing considers the server again.
	route := mustEnvelope(t, bus.TypeRouteRequest, &bus.RouteRequest{PlayerID: "p1", Family: "mini"})
	if err := f.ctrl.Handle(ctx, bus.ChannelRouteRequest, route); err != nil {
		t.Fatalf("Handle(route) error=%v", err)
	}
	var res bus.RouteResponse
	if err := f.pub.last(bus.ChannelRouteResponse).Decode(&res); err != nil {
		t.Fatalf("Decode() error=%v", err)
	}
	if res.Status != bus.StatusSuccess || res.SlotID != "mini1A" {
		t.Errorf("route after recovery got=%#v", res)
	}
}

func TestReaper_FreshServerUntouched(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	id := registerTestServer(t, f, "boot-1", "mini", 8)
	heartbeat(t, f, id, nil)

	r := newTestReaper(f, 30*time.Second, time.Hour, 0)
	r.Sweep(ctx)

	srv, err := f.servers.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() error=%v", err)
	}
	if srv.State != registry.StateActive {
		t.Errorf("fresh server state=%s want ACTIVE", srv.State)
	}
}

func TestReaper_UnavailableServerReclaimedAfterWindow(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	id := registerTestServer(t, f, "boot-1", "mini", 8)
	srv, err := f.servers.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() error=%v", err)
	}
	srv.State = registry.StateUnavailable
	srv.UnavailableSince = time.Now().Add(-2 * time.Hour)
	if err := f.servers.SaveUnavailable(ctx, srv); err != nil {
		t.Fatalf("SaveUnavailable() error=%v", err)
	}

	r := newTestReaper(f, 30*time.Second, time.Hour, 0)
	r.Sweep(ctx)

	if _, err := f.servers.GetUnavailable(ctx, id); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("reclaimed server still parked: err=%v", err)
	}
	if _, err := f.slots.GetSlot(ctx, "mini1A"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("reclaimed server's slot survived: err=%v", err)
	}
	// The freed number is available again.
	next := registerTestServer(t, f, "boot-2", "mini", 8)
	if next != "mini1" {
		t.Errorf("registration after reclaim got=%#v want mini1", next)
	}
}

func TestReaper_UnavailableServerKeptInsideWindow(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	id := registerTestServer(t, f, "boot-1", "mini", 8)
	srv, err := f.servers.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() error=%v", err)
	}
	srv.State = registry.StateUnavailable
	srv.UnavailableSince = time.Now().Add(-time.Minute)
	if err := f.servers.SaveUnavailable(ctx, srv); err != nil {
		t.Fatalf("SaveUnavailable() error=%v", err)
	}

	r := newTestReaper(f, 30*time.Second, time.Hour, 0)
	r.Sweep(ctx)

	if _, err := f.servers.GetUnavailable(ctx, id); err != nil {
		t.Errorf("server inside the reclaim window was dropped: err=%v", err)
	}
}

func registerTestProxy(t *testing.T, f *fixture) string {
	t.Helper()
	env := mustEnvelope(t, bus.TypeRegistrationRequest, &bus.RegistrationRequest{
		TempID: "proxy-boot",
		Kind:   bus.KindProxy,
	})
	if err := f.ctrl.Handle(context.Background(), bus.ChannelRegistrationRequest, env); err != nil {
		t.Fatalf("Handle(proxy registration) error=%v", err)
	}
	var res bus.RegistrationResponse
	if err := f.pub.last(bus.ChannelRegistrationResponse).Decode(&res); err != nil {
		t.Fatalf("Decode() error=%v", err)
	}
	if res.Status != bus.StatusSuccess {
		t.Fatalf("proxy registration failed: %#v", res)
	}
	return res.AssignedID
}

func TestReaper_StaleProxyParkedButNeverRecycledByDefault(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	id := registerTestProxy(t, f)
	p, err := f.proxies.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() error=%v", err)
	}
	p.LastHeartbeat = time.Now().Add(-time.Hour)
	if err := f.proxies.SaveActive(ctx, p); err != nil {
		t.Fatalf("SaveActive() error=%v", err)
	}

	r := newTestReaper(f, 30*time.Second, time.Hour, 0)
	r.Sweep(ctx)

	parked, err := f.proxies.GetUnavailable(ctx, id)
	if err != nil {
		t.Fatalf("GetUnavailable() error=%v", err)
	}
	if parked.State != registry.StateUnavailable {
		t.Errorf("parked proxy state=%s want UNAVAILABLE", parked.State)
	}

	// Even far past any plausible window: with reclaim disabled the
	// record and the number stay put.
	parked.UnavailableSince = time.Now().Add(-24 * time.Hour)
	if err := f.proxies.SaveUnavailable(ctx, parked); err != nil {
		t.Fatalf("SaveUnavailable() error=%v", err)
	}
	r.Sweep(ctx)
	if _, err := f.proxies.GetUnavailable(ctx, id); err != nil {
		t.Fatalf("proxy record dropped with reclaim disabled: err=%v", err)
	}
	next, err := f.alloc.AllocateProxyID(ctx)
	if err != nil {
		t.Fatalf("AllocateProxyID() error=%v", err)
	}
	if next.String() == id {
		t.Errorf("disconnected proxy's number was handed out again: %s", next)
	}
}

func TestReaper_ProxyRecycledAfterConfirmedDeadWindow(t *testing.T) {
	f := newFixture(t, 3, time.Hour)
	ctx := context.Background()

	id := registerTestProxy(t, f)
	p, err := f.proxies.GetActive(ctx, id)
	if err != nil {
		t.Fatalf("GetActive() error=%v", err)
	}
	p.State = registry.StateUnavailable
	p.UnavailableSince = time.Now().Add(-time.Hour)
	if err := f.proxies.SaveUnavailable(ctx, p); err != nil {
		t.Fatalf("SaveUnavailable() error=%v", err)
	}

	r := newTestReaper(f, 30*time.Second, time.Hour, 10*time.Minute)
	r.Sweep(ctx)

	if _, err := f.proxies.GetUnavailable(ctx, id); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("confirmed-dead proxy still parked: err=%v", err)
	}
	next, err := f.alloc.AllocateProxyID(ctx)
	if err != nil {
		t.Fatalf("AllocateProxyID() error=%v", err)
	}
	if next.String() != id {
		t.Errorf("AllocateProxyID() got=%#v want reclaimed %s", next.String(), id)
	}
}
