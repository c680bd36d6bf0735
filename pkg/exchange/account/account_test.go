package account

import "testing"

func TestSlotLifecycle(t *testing.T) {
	a := New(1, "alice", 2, 2)

	slot, err := a.FreeSellSlot()
	if err != nil || slot != 0 {
		t.Fatalf("free slot = %d, %v, want 0, nil", slot, err)
	}
	a.SellSlots[slot] = 42

	if id, err := a.SellSlotID(0); err != nil || id != 42 {
		t.Errorf("slot 0 = %d, %v", id, err)
	}
	if _, err := a.SellSlotID(1); err != ErrSlotEmpty {
		t.Errorf("empty slot err = %v, want ErrSlotEmpty", err)
	}
	if _, err := a.SellSlotID(2); err != ErrInvalidSlot {
		t.Errorf("out of range err = %v, want ErrInvalidSlot", err)
	}
	if _, err := a.SellSlotID(-1); err != ErrInvalidSlot {
		t.Errorf("negative slot err = %v, want ErrInvalidSlot", err)
	}

	a.SellSlots[1] = 43
	if _, err := a.FreeSellSlot(); err != ErrNoAvailableSlot {
		t.Errorf("full account err = %v, want ErrNoAvailableSlot", err)
	}

	a.ClearSellSlot(42)
	if a.SellSlots[0] != 0 {
		t.Error("clear did not empty the slot")
	}
	a.ClearSellSlot(42) // unknown id is a no-op
}

func TestCollectionPaging(t *testing.T) {
	a := New(1, "alice", 2, 2)
	for i := 0; i < 5; i++ {
		a.PushCollection(NewCollectionEntry("ore:iron", int64(i+1), int64(i), "sale"))
	}

	page0, total := a.CollectionPage(0, 2)
	if total != 3 {
		t.Fatalf("total pages = %d, want 3", total)
	}
	if len(page0) != 2 || page0[0].Qty != 1 || page0[1].Qty != 2 {
		t.Errorf("page 0 = %+v", page0)
	}

	page2, _ := a.CollectionPage(2, 2)
	if len(page2) != 1 || page2[0].Qty != 5 {
		t.Errorf("last page = %+v", page2)
	}

	if out, total := a.CollectionPage(3, 2); out != nil || total != 3 {
		t.Errorf("out-of-range page = %+v, %d", out, total)
	}
	if out, total := a.CollectionPage(-1, 2); out != nil || total != 3 {
		t.Errorf("negative page = %+v, %d", out, total)
	}
}

func TestRemoveCollectionEntry(t *testing.T) {
	a := New(1, "alice", 2, 2)
	e := NewCollectionEntry("ore:iron", 3, 0, "refund")
	a.PushCollection(e)

	if !a.RemoveCollectionEntry(e.ID) {
		t.Fatal("remove known entry = false")
	}
	if a.RemoveCollectionEntry(e.ID) {
		t.Error("remove twice = true")
	}
	if len(a.Collection) != 0 {
		t.Errorf("collection len = %d, want 0", len(a.Collection))
	}
}

func TestCloneIsolation(t *testing.T) {
	a := New(1, "alice", 2, 2)
	a.SellSlots[0] = 42
	a.Staging = &StagedItem{Item: "ore:iron", Qty: 5}
	a.PushCollection(NewCollectionEntry("gem:ruby", 1, 0, "sale"))
	a.Cooldowns["sell_create"] = 123

	cp := a.Clone()
	cp.SellSlots[0] = 99
	cp.Staging.Qty = 50
	cp.Collection[0].Qty = 7
	cp.Cooldowns["sell_create"] = 456

	if a.SellSlots[0] != 42 || a.Staging.Qty != 5 ||
		a.Collection[0].Qty != 1 || a.Cooldowns["sell_create"] != 123 {
		t.Error("clone mutation leaked into original")
	}
}

func TestManagerGetAndSnapshot(t *testing.T) {
	m := NewManager(nil, 8, 4, nil)

	if m.Snapshot(1) != nil {
		t.Error("snapshot of unknown player should be nil")
	}

	a := m.Get(1, "alice")
	if a.Name != "alice" || len(a.SellSlots) != 8 || len(a.BuySlots) != 4 {
		t.Fatalf("fresh account = %+v", a)
	}

	// Get again returns the same live account; name backfills only if empty.
	b := m.Get(1, "")
	if b != a {
		t.Error("second Get returned a different instance")
	}

	snap := m.Snapshot(1)
	if snap == nil || snap == a {
		t.Error("snapshot should be a distinct copy")
	}
	snap.SellSlots[0] = 7
	if a.SellSlots[0] != 0 {
		t.Error("snapshot mutation leaked")
	}

	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}
}
