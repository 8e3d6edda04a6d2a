package accountdb

import "testing"

func TestInsertLookupRemove(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	acct := Account{ID: 1, DiscSetIndex: 0, RootPath: "/data/01", SoftBlocks: 1000, HardBlocks: 1200, Enabled: true}
	if err := db.Insert(acct); err != nil {
		t.Fatal(err)
	}
	if err := db.Insert(acct); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := db.Lookup(1)
	if err != nil {
		t.Fatal(err)
	}
	if got != acct {
		t.Fatalf("got %+v, want %+v", got, acct)
	}

	// reopen to verify persistence survived the staging+rename write
	db2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := db2.Lookup(1)
	if err != nil {
		t.Fatal(err)
	}
	if got2 != acct {
		t.Fatalf("reloaded %+v, want %+v", got2, acct)
	}

	if err := db2.Remove(1); err != nil {
		t.Fatal(err)
	}
	if _, err := db2.Lookup(1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestEnumerateSortedByID(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []int32{5, 1, 3} {
		if err := db.Insert(Account{ID: id, RootPath: "/x", Enabled: true}); err != nil {
			t.Fatal(err)
		}
	}
	accounts := db.Enumerate()
	if len(accounts) != 3 {
		t.Fatalf("got %d accounts, want 3", len(accounts))
	}
	for i := 1; i < len(accounts); i++ {
		if accounts[i-1].ID > accounts[i].ID {
			t.Fatalf("accounts not sorted by id: %+v", accounts)
		}
	}
}
