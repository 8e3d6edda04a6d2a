package storectx

import (
	"bytes"
	"testing"

	"github.com/boxstore/store/internal/accountdb"
	"github.com/boxstore/store/internal/config"
	"github.com/boxstore/store/internal/raid"
	"github.com/boxstore/store/internal/refdb"
	"github.com/boxstore/store/internal/storedir"
)

func newTestEnv(t *testing.T) (*Context, accountdb.Account) {
	t.Helper()
	raidDir := t.TempDir()
	root, err := config.Load(bytes.NewReader([]byte(`
0
{
SetNumber = 0
BlockSize = 4096
Dir0 = ` + raidDir + `
Dir1 = ` + raidDir + `
Dir2 = ` + raidDir + `
}
`)))
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := raid.LoadController(root)
	if err != nil {
		t.Fatal(err)
	}

	acctRoot := t.TempDir()
	acctDB, err := accountdb.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	acct := accountdb.Account{ID: 1, DiscSetIndex: 0, RootPath: acctRoot, SoftBlocks: 1000, HardBlocks: 2000, Enabled: true}
	if err := acctDB.Insert(acct); err != nil {
		t.Fatal(err)
	}

	refsDB, err := refdb.Create(acctRoot, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := refsDB.Commit(); err != nil {
		t.Fatal(err)
	}

	// account creation (cmd/boxadm's create-account, exercised directly
	// here) seeds the root directory object alongside refdb's id-1 entry
	root := storedir.New(refdb.RootDirectoryID)
	if err := storedir.Store(ctl, acct.DiscSetIndex, objectName(acct.ID, refdb.RootDirectoryID), root); err != nil {
		t.Fatal(err)
	}

	ctx := New(nil, acctDB, ctl, nil)
	secret := []byte("0123456789abcdef0123456789abcdef")
	if err := ctx.Login(1, true, secret); err != nil {
		t.Fatal(err)
	}
	return ctx, acct
}

func TestAddDirectoryAndListDirectory(t *testing.T) {
	ctx, _ := newTestEnv(t)
	defer ctx.Close()

	id, existed, err := ctx.AddDirectory(1, []byte("subdir"), nil, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if existed {
		t.Fatal("expected a fresh directory, not already-existed")
	}
	if id <= 1 {
		t.Fatalf("expected new id > root (1), got %d", id)
	}

	entries, err := ctx.ListDirectory(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ObjectID != id {
		t.Fatalf("got %+v, want one entry with id %d", entries, id)
	}

	// repeating CreateDirectory with the same name is idempotent
	id2, existed2, err := ctx.AddDirectory(1, []byte("subdir"), nil, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !existed2 || id2 != id {
		t.Fatalf("expected idempotent existing id %d, got %d existed=%v", id, id2, existed2)
	}
}

func TestAddFileDeleteUndelete(t *testing.T) {
	ctx, _ := newTestEnv(t)
	defer ctx.Close()

	data := bytes.Repeat([]byte("payload-bytes"), 200)
	fileID, err := ctx.AddFile(1, 100, 0, 0, []byte("file.txt"), data, true)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ctx.GetFile(fileID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}

	if err := ctx.DeleteFile(1, []byte("file.txt")); err != nil {
		t.Fatal(err)
	}
	entries, err := ctx.ListDirectory(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range entries {
		if e.ObjectID == fileID {
			found = true
			if e.Flags&4 == 0 { // FlagDeleted
				t.Fatal("expected FlagDeleted set")
			}
		}
	}
	if !found {
		t.Fatal("entry vanished on delete, expected soft-delete")
	}

	if err := ctx.UndeleteFile(1, fileID); err != nil {
		t.Fatal(err)
	}
	entries, err = ctx.ListDirectory(1, 0, 4) // exclude Deleted
	if err != nil {
		t.Fatal(err)
	}
	found = false
	for _, e := range entries {
		if e.ObjectID == fileID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected entry visible again after undelete")
	}
}

func TestAddFileDeltaAgainstPrior(t *testing.T) {
	ctx, _ := newTestEnv(t)
	defer ctx.Close()

	base := bytes.Repeat([]byte("ABCDEFGH"), 1000)
	baseID, err := ctx.AddFile(1, 1, 0, 0, []byte("big.bin"), base, false)
	if err != nil {
		t.Fatal(err)
	}

	modified := append(append([]byte{}, base...), []byte("-appended-tail")...)
	deltaID, err := ctx.AddFile(1, 2, 0, baseID, []byte("big.bin"), modified, true)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ctx.GetFile(deltaID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, modified) {
		t.Fatalf("delta round trip mismatch: got %d bytes, want %d", len(got), len(modified))
	}
}

func TestMoveObjectBetweenDirectories(t *testing.T) {
	ctx, _ := newTestEnv(t)
	defer ctx.Close()

	dirID, _, err := ctx.AddDirectory(1, []byte("dest"), nil, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	fileID, err := ctx.AddFile(1, 1, 0, 0, []byte("movable.txt"), []byte("contents"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.MoveObject(fileID, 1, dirID, []byte("renamed.txt"), false, false); err != nil {
		t.Fatal(err)
	}

	rootEntries, err := ctx.ListDirectory(1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range rootEntries {
		if e.ObjectID == fileID {
			t.Fatal("file still present in source directory after move")
		}
	}
	destEntries, err := ctx.ListDirectory(dirID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range destEntries {
		if e.ObjectID == fileID {
			found = true
			if !bytes.Equal(e.EncryptedFilename, []byte("renamed.txt")) {
				t.Fatalf("expected renamed filename, got %q", e.EncryptedFilename)
			}
		}
	}
	if !found {
		t.Fatal("file not found in destination directory after move")
	}
}

func TestMoveObjectRejectsNameCollisionWithDeletedUnlessAllowed(t *testing.T) {
	ctx, _ := newTestEnv(t)
	defer ctx.Close()

	dirID, _, err := ctx.AddDirectory(1, []byte("dest"), nil, 0, 1)
	if err != nil {
		t.Fatal(err)
	}

	// a deleted file already occupies "collide.txt" in the destination
	deletedID, err := ctx.AddFile(dirID, 1, 0, 0, []byte("collide.txt"), []byte("old contents"), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctx.DeleteFile(dirID, []byte("collide.txt")); err != nil {
		t.Fatal(err)
	}

	fileID, err := ctx.AddFile(1, 1, 0, 0, []byte("movable.txt"), []byte("new contents"), false)
	if err != nil {
		t.Fatal(err)
	}

	if err := ctx.MoveObject(fileID, 1, dirID, []byte("collide.txt"), false, false); err != ErrNameCollisionWithDeletedObject {
		t.Fatalf("expected ErrNameCollisionWithDeletedObject, got %v", err)
	}

	if err := ctx.MoveObject(fileID, 1, dirID, []byte("collide.txt"), false, true); err != nil {
		t.Fatalf("expected move to succeed with allowOverwriteDeleted, got %v", err)
	}

	destEntries, err := ctx.ListDirectory(dirID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var foundMoved, foundDeleted bool
	for _, e := range destEntries {
		if e.ObjectID == fileID {
			foundMoved = true
		}
		if e.ObjectID == deletedID {
			foundDeleted = true
		}
	}
	if !foundMoved {
		t.Fatal("expected moved file present in destination after overwrite-allowed move")
	}
	if foundDeleted {
		t.Fatal("expected colliding deleted entry to be dropped")
	}
}

func TestClientStoreMarkerRoundTrip(t *testing.T) {
	ctx, _ := newTestEnv(t)
	defer ctx.Close()

	if err := ctx.SetClientStoreMarker(424242); err != nil {
		t.Fatal(err)
	}
	if got := ctx.GetClientStoreMarker(); got != 424242 {
		t.Fatalf("got %d, want 424242", got)
	}
}

func TestHardLimitExceeded(t *testing.T) {
	ctx, _ := newTestEnv(t)
	defer ctx.Close()
	ctx.info.BlocksHardLimit = 1 // one quota block, ~4096 bytes

	big := bytes.Repeat([]byte("x"), 1<<20)
	if _, err := ctx.AddFile(1, 1, 0, 0, []byte("toobig.bin"), big, false); err != ErrHardLimitExceeded {
		t.Fatalf("expected ErrHardLimitExceeded, got %v", err)
	}
}
