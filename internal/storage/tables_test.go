package storage

import (
	"testing"
)

func openTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := Open(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestUsersTableVerify(t *testing.T) {
	kv := openTestKV(t)
	users := NewUsersTable(kv)

	if err := users.InsertUser("admin", "whatever", true); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	isAdmin, ok, err := users.Verify("admin", "whatever")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok || !isAdmin {
		t.Fatalf("Verify(admin, whatever) = (%v, %v), want (true, true)", isAdmin, ok)
	}

	if _, ok, err := users.Verify("admin", "wrong"); err != nil || ok {
		t.Fatalf("Verify with wrong password should fail cleanly, got ok=%v err=%v", ok, err)
	}

	registered, err := users.IsUserRegistered("ghost")
	if err != nil {
		t.Fatalf("IsUserRegistered: %v", err)
	}
	if registered {
		t.Fatalf("ghost should not be registered")
	}
}

func TestHostnamesTableSeed(t *testing.T) {
	kv := openTestKV(t)
	hosts := NewHostnamesTable(kv)

	if err := hosts.SeedIfEmpty(); err != nil {
		t.Fatalf("SeedIfEmpty: %v", err)
	}
	trusted, err := hosts.IsTrusted("localhost")
	if err != nil {
		t.Fatalf("IsTrusted: %v", err)
	}
	if !trusted {
		t.Fatalf("expected localhost to be seeded as trusted")
	}

	if err := hosts.SeedIfEmpty(); err != nil {
		t.Fatalf("second SeedIfEmpty: %v", err)
	}
}

func TestConnectionsTableOrder(t *testing.T) {
	kv := openTestKV(t)
	log := NewConnectionsTable(kv)

	for _, msg := range []string{"first", "second", "third"} {
		if err := log.Insert("127.0.0.1:9000", msg); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	rows, err := log.Connections()
	if err != nil {
		t.Fatalf("Connections: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Message != "first" || rows[2].Message != "third" {
		t.Fatalf("rows out of order: %+v", rows)
	}
}
