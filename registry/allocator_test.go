package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fulcrum-registry/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return store.NewWithClient(rdb)
}

func TestAllocator_ServerIDsContiguous(t *testing.T) {
	alloc := NewAllocator(newTestStore(t))
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		id, err := alloc.AllocateServerID(ctx, "mini")
		if err != nil {
			t.Fatalf("AllocateServerID() error=%v", err)
		}
		if got := id.String(); got != fmt.Sprintf("mini%d", want) {
			t.Errorf("AllocateServerID() got=%#v want=mini%d", got, want)
		}
	}

	// Families count independently.
	id, err := alloc.AllocateServerID(ctx, "lobby")
	if err != nil {
		t.Fatalf("AllocateServerID() error=%v", err)
	}
	if id.String() != "lobby1" {
		t.Errorf("AllocateServerID() got=%#v want=lobby1", id.String())
	}
}

func TestAllocator_ReleasedIDReusedLowestFirst(t *testing.T) {
	alloc := NewAllocator(newTestStore(t))
	ctx := context.Background()

	var ids []ServerID
	for i := 0; i < 4; i++ {
		id, err := alloc.AllocateServerID(ctx, "mini")
		if err != nil {
			t.Fatalf("AllocateServerID() error=%v", err)
		}
		ids = append(ids, id)
	}
	if err := alloc.ReleaseServerID(ctx, ids[2]); err != nil {
		t.Fatalf("ReleaseServerID(mini3) error=%v", err)
	}
	if err := alloc.ReleaseServerID(ctx, ids[0]); err != nil {
		t.Fatalf("ReleaseServerID(mini1) error=%v", err)
	}

	for _, want := range []string{"mini1", "mini3", "mini5"} {
		id, err := alloc.AllocateServerID(ctx, "mini")
		if err != nil {
			t.Fatalf("AllocateServerID() error=%v", err)
		}
		if id.String() != want {
			t.Errorf("AllocateServerID() got=%#v want=%#v", id.String(), want)
		}
	}
}

func TestAllocator_SlotIDs(t *testing.T) {
	alloc := NewAllocator(newTestStore(t))
	ctx := context.Background()

	base, err := alloc.AllocateServerID(ctx, "mini")
	if err != nil {
		t.Fatalf("AllocateServerID() error=%v", err)
	}

	for i := 0; i < maxSlotLetters; i++ {
		slot, err := alloc.AllocateSlotID(ctx, base)
		if err != nil {
			t.Fatalf("AllocateSlotID() #%d error=%v", i+1, err)
		}
		want := "mini1" + string(rune('A'+i))
		if slot.String() != want {
			t.Errorf("AllocateSlotID() got=%#v want=%#v", slot.String(), want)
		}
	}

	_, err = alloc.AllocateSlotID(ctx, base)
	if !errors.Is(err, ErrSlotLimitExceeded) {
		t.Errorf("27th AllocateSlotID() err=%v want ErrSlotLimitExceeded", err)
	}

	// Releasing one letter makes exactly that letter available again.
	if err := alloc.ReleaseServerID(ctx, ServerID{Family: "mini", Number: 1, Letter: 'D'}); err != nil {
		t.Fatalf("ReleaseServerID(mini1D) error=%v", err)
	}
	slot, err := alloc.AllocateSlotID(ctx, base)
	if err != nil {
		t.Fatalf("AllocateSlotID() after release error=%v", err)
	}
	if slot.String() != "mini1D" {
		t.Errorf("AllocateSlotID() got=%#v want=mini1D", slot.String())
	}
}

func TestAllocator_SlotIDRejectsSlotBase(t *testing.T) {
	alloc := NewAllocator(newTestStore(t))
	_, err := alloc.AllocateSlotID(context.Background(), ServerID{Family: "mini", Number: 1, Letter: 'A'})
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("AllocateSlotID(slot id) err=%v want ErrInvalidIdentifier", err)
	}
}

func TestAllocator_BaseReleaseFreesLetters(t *testing.T) {
	alloc := NewAllocator(newTestStore(t))
	ctx := context.Background()

	base, err := alloc.AllocateServerID(ctx, "mini")
	if err != nil {
		t.Fatalf("AllocateServerID() error=%v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := alloc.AllocateSlotID(ctx, base); err != nil {
			t.Fatalf("AllocateSlotID() error=%v", err)
		}
	}
	if err := alloc.ReleaseServerID(ctx, base); err != nil {
		t.Fatalf("ReleaseServerID() error=%v", err)
	}

	// A fresh allocation of the same number starts its letters at A.
	again, err := alloc.AllocateServerID(ctx, "mini")
	if err != nil {
		t.Fatalf("AllocateServerID() error=%v", err)
	}
	if again.String() != "mini1" {
		t.Fatalf("AllocateServerID() got=%#v want=mini1", again.String())
	}
	slot, err := alloc.AllocateSlotID(ctx, again)
	if err != nil {
		t.Fatalf("AllocateSlotID() error=%v", err)
	}
	if slot.String() != "mini1A" {
		t.Errorf("AllocateSlotID() got=%#v want=mini1A", slot.String())
	}
}

func TestAllocator_ProxyIDs(t *testing.T) {
	st := newTestStore(t)
	alloc := NewAllocator(st)
	ctx := context.Background()

	p1, err := alloc.AllocateProxyID(ctx)
	if err != nil {
		t.Fatalf("AllocateProxyID() error=%v", err)
	}
	if p1.String() != "fulcrum-proxy-1" {
		t.Errorf("AllocateProxyID() got=%#v want=fulcrum-proxy-1", p1.String())
	}

	// A proxy with a live registration record cannot be released without
	// force: its number stays reserved across disconnects.
	if err := st.Set(ctx, store.KeyProxyUnavailable(p1.String()), "{}"); err != nil {
		t.Fatalf("Set() error=%v", err)
	}
	err = alloc.ReleaseProxyID(ctx, p1, false)
	if !errors.Is(err, ErrIDInUse) {
		t.Fatalf("ReleaseProxyID() err=%v want ErrIDInUse", err)
	}
	p2, err := alloc.AllocateProxyID(ctx)
	if err != nil {
		t.Fatalf("AllocateProxyID() error=%v", err)
	}
	if p2.String() != "fulcrum-proxy-2" {
		t.Errorf("AllocateProxyID() after refused release got=%#v want=fulcrum-proxy-2", p2.String())
	}

	// Force bypasses the liveness check.
	if err := alloc.ReleaseProxyID(ctx, p1, true); err != nil {
		t.Fatalf("ReleaseProxyID(force) error=%v", err)
	}
	p3, err := alloc.AllocateProxyID(ctx)
	if err != nil {
		t.Fatalf("AllocateProxyID() error=%v", err)
	}
	if p3.String() != "fulcrum-proxy-1" {
		t.Errorf("AllocateProxyID() got=%#v want recycled fulcrum-proxy-1", p3.String())
	}
}

func TestAllocator_ClaimServerID(t *testing.T) {
	alloc := NewAllocator(newTestStore(t))
	ctx := context.Background()

	// Claiming mini3 on an empty family leaves 1 and 2 recyclable and
	// keeps 3 out of circulation.
	if err := alloc.ClaimServerID(ctx, ServerID{Family: "mini", Number: 3}); err != nil {
		t.Fatalf("ClaimServerID() error=%v", err)
	}
	for _, want := range []string{"mini1", "mini2", "mini4"} {
		id, err := alloc.AllocateServerID(ctx, "mini")
		if err != nil {
			t.Fatalf("AllocateServerID() error=%v", err)
		}
		if id.String() != want {
			t.Errorf("AllocateServerID() got=%#v want=%#v", id.String(), want)
		}
	}

	if err := alloc.ClaimServerID(ctx, ServerID{Family: "mini", Number: 1, Letter: 'A'}); !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("ClaimServerID(slot id) err=%v want ErrInvalidIdentifier", err)
	}
}
