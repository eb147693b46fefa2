package chat

import (
	"testing"
)

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &Conn{}

	r.Join(c, "team_1")
	r.Join(c, "team_1")
	r.Join(c, "team_1")

	if n := r.MemberCount("team_1"); n != 1 {
		t.Errorf("expected 1 member after repeated joins, got %d", n)
	}
}

func TestLeaveWithoutJoinIsNoOp(t *testing.T) {
	r := NewRegistry()
	c := &Conn{}

	r.Leave(c, "team_1") // never joined
	if r.HasRoom("team_1") {
		t.Error("leave conjured a room into existence")
	}

	other := &Conn{}
	r.Join(other, "team_1")
	r.Leave(c, "team_1") // joined by someone else, not c
	if n := r.MemberCount("team_1"); n != 1 {
		t.Errorf("leave by a non-member changed membership: %d", n)
	}
}

func TestEmptyRoomIsDeletedImmediately(t *testing.T) {
	r := NewRegistry()
	c := &Conn{}

	r.Join(c, "team_1")
	if !r.HasRoom("team_1") {
		t.Fatal("room missing after join")
	}

	r.Leave(c, "team_1")
	if r.HasRoom("team_1") {
		t.Error("empty room was retained")
	}
	if r.RoomCount() != 0 {
		t.Errorf("expected 0 rooms, got %d", r.RoomCount())
	}
}

func TestDisconnectRemovesFromAllRooms(t *testing.T) {
	r := NewRegistry()
	gone := &Conn{}
	stays := &Conn{}

	r.Join(gone, "team_1")
	r.Join(gone, "team_2")
	r.Join(stays, "team_2")

	r.Disconnect(gone)

	if r.HasRoom("team_1") {
		t.Error("team_1 should be deleted after its only member disconnected")
	}
	if n := r.MemberCount("team_2"); n != 1 {
		t.Errorf("team_2 should keep its other member, got %d", n)
	}

	// A second disconnect of the same conn must be harmless.
	r.Disconnect(gone)
	if n := r.MemberCount("team_2"); n != 1 {
		t.Errorf("repeat disconnect changed membership: %d", n)
	}
}

func TestMembersSnapshot(t *testing.T) {
	r := NewRegistry()
	a := &Conn{}
	b := &Conn{}

	r.Join(a, "team_1")
	r.Join(b, "team_1")

	members := r.Members("team_1")
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	// Mutating after the snapshot must not affect the returned slice.
	r.Leave(a, "team_1")
	if len(members) != 2 {
		t.Error("snapshot aliases live registry state")
	}

	if got := r.Members("no_such_room"); len(got) != 0 {
		t.Errorf("expected empty snapshot for unknown room, got %d", len(got))
	}
}
