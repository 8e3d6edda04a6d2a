package storedir

import (
	"bytes"
	"testing"

	"github.com/boxstore/store/internal/config"
	"github.com/boxstore/store/internal/raid"
)

func newTestController(t *testing.T) *raid.Controller {
	t.Helper()
	block, err := config.Load(bytes.NewReader([]byte(`
SetNumber = 0
BlockSize = 2048
Dir0 = ` + t.TempDir() + `
Dir1 = ` + t.TempDir() + `
Dir2 = ` + t.TempDir() + `
`)))
	if err != nil {
		t.Fatal(err)
	}
	root := &config.Block{Name: "root", Subs: []*config.Block{block}}
	ctl, err := raid.LoadController(root)
	if err != nil {
		t.Fatal(err)
	}
	return ctl
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := New(1)
	d.AttributesBlob = []byte("container-attrs")
	d.Add(Entry{ObjectID: 2, SizeInBlocks: 4, ModificationTime: 1000, Flags: FlagFile, EncryptedFilename: []byte("enc-name-a")})
	d.Add(Entry{ObjectID: 3, SizeInBlocks: 1, ModificationTime: 1001, Flags: FlagDir, EncryptedFilename: []byte("enc-name-b"), AttributesBlob: []byte("per-entry-attrs")})

	var buf bytes.Buffer
	if err := d.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContainerObjectID != d.ContainerObjectID {
		t.Fatalf("container id mismatch")
	}
	if len(got.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(got.Entries))
	}
	if !bytes.Equal(got.Entries[1].AttributesBlob, []byte("per-entry-attrs")) {
		t.Fatalf("per-entry attrs not preserved")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	if _, err := Decode(bytes.NewReader([]byte{1, 2, 3, 4})); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestMutationsAndIteration(t *testing.T) {
	d := New(1)
	d.Add(Entry{ObjectID: 10, Flags: FlagFile, EncryptedFilename: []byte("a")})
	d.Add(Entry{ObjectID: 11, Flags: FlagDir, EncryptedFilename: []byte("b")})
	d.Add(Entry{ObjectID: 12, Flags: FlagFile | FlagDeleted, EncryptedFilename: []byte("c")})

	if err := d.MarkDeleted(10, false); err != nil {
		t.Fatal(err)
	}
	if err := d.MarkDeleted(12, true); err != nil {
		t.Fatal(err)
	}
	if err := d.Rename(11, []byte("renamed-b")); err != nil {
		t.Fatal(err)
	}
	if err := d.MarkOldVersion(99, false); err == nil {
		t.Fatal("expected error for unknown object id")
	}

	it := d.Iterate(FlagFile, FlagDeleted)
	var seen []int64
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		seen = append(seen, e.ObjectID)
	}
	// 10 is now deleted (excluded), 12 is now undeleted (included), 11 is a dir (excluded).
	if len(seen) != 1 || seen[0] != 12 {
		t.Fatalf("got %v, want [12]", seen)
	}

	if err := d.Remove(11); err != nil {
		t.Fatal(err)
	}
	if d.findByID(11) != -1 {
		t.Fatalf("entry 11 still present after Remove")
	}
}

func TestStoreLoadThroughRaid(t *testing.T) {
	ctl := newTestController(t)
	d := New(1)
	d.Add(Entry{ObjectID: 2, Flags: FlagFile, EncryptedFilename: []byte("hello")})

	if err := Store(ctl, 0, "o0000001", d); err != nil {
		t.Fatal(err)
	}
	got, err := Load(ctl, 0, "o0000001")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 1 || got.Entries[0].ObjectID != 2 {
		t.Fatalf("got %+v", got.Entries)
	}
}
