package modmail

import (
	"context"
	"errors"
	"testing"

	"github.com/zulandar/modmail/internal/db"
)

func TestReplyStore(t *testing.T) {
	gdb, err := db.OpenTest()
	if err != nil {
		t.Fatal(err)
	}
	s := NewReplyStore(gdb)
	ctx := context.Background()

	r, err := s.Add(ctx, "  Refund ", "Refunds take 5 days.")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if r.Name != "refund" {
		t.Errorf("Name = %q, want refund", r.Name)
	}
	if _, err := s.Add(ctx, "REFUND", "dup"); !errors.Is(err, ErrReplyExists) {
		t.Errorf("duplicate Add err = %v, want ErrReplyExists", err)
	}
	if _, err := s.Add(ctx, "alpha", "A"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "refund")
	if err != nil || got.Reply != "Refunds take 5 days." {
		t.Errorf("Get = %+v, %v", got, err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrUnknownReply) {
		t.Errorf("Get missing err = %v, want ErrUnknownReply", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "refund" {
		t.Errorf("List = %+v, want alpha, refund", list)
	}

	removed, err := s.Remove(ctx, "Refund")
	if err != nil || !removed {
		t.Errorf("Remove = %v, %v", removed, err)
	}
	removed, _ = s.Remove(ctx, "refund")
	if removed {
		t.Error("second Remove reported a removal")
	}
}
