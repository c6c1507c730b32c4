package modbus

import "testing"

func TestBlacklistGetIsPureRead(t *testing.T) {
	bl := NewBlacklist(2, 60)
	defer bl.Close()

	if blocked, count := bl.Get(1); blocked || count != 0 {
		t.Fatalf("Get on a fresh id = (%v, %d), want (false, 0)", blocked, count)
	}
	if blocked, count := bl.Get(1); blocked || count != 0 {
		t.Fatalf("repeated Get must not mutate state, got (%v, %d)", blocked, count)
	}

	bl.Plus(1)
	if blocked, count := bl.Get(1); blocked || count != 1 {
		t.Fatalf("Get after 1 failure (limit 2) = (%v, %d), want (false, 1)", blocked, count)
	}
	bl.Plus(1)
	if blocked, count := bl.Get(1); !blocked || count != 2 {
		t.Fatalf("Get after 2 failures (limit 2) = (%v, %d), want (true, 2)", blocked, count)
	}

	bl.Nullify(1)
	if blocked, count := bl.Get(1); blocked || count != 0 {
		t.Fatalf("Get after Nullify = (%v, %d), want (false, 0)", blocked, count)
	}
}

func TestBlacklistCloseIsIdempotent(t *testing.T) {
	bl := NewBlacklist(1, 60)
	bl.Close()
	bl.Close()
}

func TestBlacklistNotifiesOnceLimitCrossed(t *testing.T) {
	bl := NewBlacklist(2, 60)
	defer bl.Close()

	blocked := make(chan byte, 1)
	bl.SetDeviceBlock(func(id byte) error {
		blocked <- id
		return nil
	})

	bl.Plus(5)
	select {
	case id := <-blocked:
		t.Fatalf("unexpected early block notification for id %d", id)
	default:
	}

	bl.Plus(5)
	select {
	case id := <-blocked:
		if id != 5 {
			t.Fatalf("blocked id = %d, want 5", id)
		}
	default:
		t.Fatal("expected block notification once limit crossed")
	}
}
