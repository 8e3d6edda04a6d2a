package storectx

import (
	"bytes"
	"testing"

	"github.com/boxstore/store/internal/refdb"
	"github.com/boxstore/store/internal/storedir"
)

func TestReapPurgesOldVersionsPastLimit(t *testing.T) {
	ctx, acct := newTestEnv(t)

	name := []byte("file.txt")
	var ids []int64
	for i := 0; i < 4; i++ {
		data := bytes.Repeat([]byte{byte('a' + i)}, 100)
		id, err := ctx.AddFile(refdb.RootDirectoryID, int64(100+i), 0, 0, name, data, true)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	ctx.info.VersionCountLimit = 1
	if err := ctx.SaveInfo(false); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Close(); err != nil {
		t.Fatal(err)
	}

	if err := Reap(ctx.accounts, ctx.raid, acct.ID); err != nil {
		t.Fatal(err)
	}

	d, err := storedir.Load(ctx.raid, acct.DiscSetIndex, objectName(acct.ID, refdb.RootDirectoryID))
	if err != nil {
		t.Fatal(err)
	}
	var oldVersions int
	for _, e := range d.Entries {
		if e.Flags&storedir.FlagOldVersion != 0 {
			oldVersions++
		}
	}
	if oldVersions > 1 {
		t.Fatalf("expected at most 1 old version surviving the reap, got %d", oldVersions)
	}
	if d.FindByID(ids[len(ids)-1]) < 0 {
		t.Fatal("expected the current (newest) version to survive the reap")
	}

	refs, err := refdb.Load(acct.RootPath, acct.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	defer refs.Close()
	for _, id := range ids[:len(ids)-2] {
		e, err := refs.GetEntry(id)
		if err != nil {
			continue
		}
		if e.RefCount != 0 {
			t.Fatalf("expected object %d's reference dropped after reap, refcount=%d", id, e.RefCount)
		}
	}
}

func TestReapSkipsOnLockContention(t *testing.T) {
	ctx, acct := newTestEnv(t)
	defer ctx.Close()

	err := Reap(ctx.accounts, ctx.raid, acct.ID)
	if err != ErrAlreadyLocked {
		t.Fatalf("expected ErrAlreadyLocked while the test's own session holds the write lock, got %v", err)
	}
}
