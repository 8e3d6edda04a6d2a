package refdb

import "testing"

func TestCreateSeedsRootDirectoryRefCount(t *testing.T) {
	root := t.TempDir()
	db, err := Create(root, 1)
	if err != nil {
		t.Fatal(err)
	}
	e, err := db.GetEntry(RootDirectoryID)
	if err != nil {
		t.Fatal(err)
	}
	if e.RefCount != 1 {
		t.Fatalf("root refcount = %d, want 1", e.RefCount)
	}
	if err := db.Commit(); err != nil {
		t.Fatal(err)
	}

	db2, err := Load(root, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	e2, err := db2.GetEntry(RootDirectoryID)
	if err != nil {
		t.Fatal(err)
	}
	if e2.RefCount != 1 {
		t.Fatalf("reloaded root refcount = %d, want 1", e2.RefCount)
	}
}

func TestAddRemoveReference(t *testing.T) {
	root := t.TempDir()
	db, err := Create(root, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Discard()

	n, err := db.AddReference(2)
	if err != nil || n != 1 {
		t.Fatalf("AddReference(2) = %d, %v", n, err)
	}
	n, err = db.AddReference(2)
	if err != nil || n != 2 {
		t.Fatalf("AddReference(2) again = %d, %v", n, err)
	}
	n, err = db.RemoveReference(2)
	if err != nil || n != 1 {
		t.Fatalf("RemoveReference(2) = %d, %v", n, err)
	}
	n, err = db.RemoveReference(2)
	if err != nil || n != 0 {
		t.Fatalf("RemoveReference(2) again = %d, %v", n, err)
	}
	if _, err := db.RemoveReference(2); err != ErrRefCountUnderflow {
		t.Fatalf("expected underflow error, got %v", err)
	}
}

func TestLoadRejectsMismatchedAccountID(t *testing.T) {
	root := t.TempDir()
	db, err := Create(root, 5)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(root, 6, true); err == nil {
		t.Fatal("expected error loading with mismatched account id")
	}
}

func TestReportChangesTo(t *testing.T) {
	root := t.TempDir()
	oldDB, err := Create(root, 1)
	if err != nil {
		t.Fatal(err)
	}
	oldDB.AddReference(2)
	defer oldDB.Discard()

	newDB, err := Create(filepathJoinRoot2(t), 1)
	if err != nil {
		t.Fatal(err)
	}
	newDB.AddReference(2)
	newDB.AddReference(2)
	defer newDB.Discard()

	var mismatches []int64
	n, err := newDB.ReportChangesTo(oldDB, func(id int64, oldRefs, newRefs uint32) {
		mismatches = append(mismatches, id)
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(mismatches) != 1 || mismatches[0] != 2 {
		t.Fatalf("ReportChangesTo: n=%d mismatches=%v, want one mismatch at id 2", n, mismatches)
	}
}

func filepathJoinRoot2(t *testing.T) string {
	t.Helper()
	return t.TempDir()
}
