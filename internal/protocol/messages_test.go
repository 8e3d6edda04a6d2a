package protocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m Message, reconstruct func() Message) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := m.WriteTo(NewWriter(&buf)); err != nil {
		t.Fatal(err)
	}
	got := reconstruct()
	if err := got.ReadFrom(NewReader(&buf)); err != nil {
		t.Fatal(err)
	}
	return got
}

func TestStoreFileRoundTrip(t *testing.T) {
	want := &StoreFile{
		ContainingDirID:   1,
		ModificationTime:  1234567,
		AttributesHash:    0xdeadbeef,
		DiffFromObjectID:  42,
		EncryptedFilename: []byte("encrypted-name-bytes"),
	}
	got := roundTrip(t, want, func() Message { return &StoreFile{} }).(*StoreFile)
	if got.ContainingDirID != want.ContainingDirID || got.AttributesHash != want.AttributesHash ||
		got.DiffFromObjectID != want.DiffFromObjectID || !bytes.Equal(got.EncryptedFilename, want.EncryptedFilename) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMoveObjectRoundTrip(t *testing.T) {
	want := &MoveObject{
		ObjectID:              7,
		CurrentDirID:          1,
		NewDirID:              2,
		NewEncryptedFilename:  []byte("new-name"),
		MoveAllOldVersions:    1,
		AllowOverwriteDeleted: 1,
	}
	got := roundTrip(t, want, func() Message { return &MoveObject{} }).(*MoveObject)
	if got.ObjectID != want.ObjectID || got.CurrentDirID != want.CurrentDirID ||
		got.NewDirID != want.NewDirID || got.MoveAllOldVersions != want.MoveAllOldVersions ||
		got.AllowOverwriteDeleted != want.AllowOverwriteDeleted ||
		!bytes.Equal(got.NewEncryptedFilename, want.NewEncryptedFilename) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDeleteFileRoundTrip(t *testing.T) {
	want := &DeleteFile{DirID: 5, EncryptedFilename: []byte("abc")}
	got := roundTrip(t, want, func() Message { return &DeleteFile{} }).(*DeleteFile)
	if got.DirID != want.DirID || !bytes.Equal(got.EncryptedFilename, want.EncryptedFilename) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestClientRegistryCoversAllCommandTags(t *testing.T) {
	tags := []uint32{
		TagVersion, TagLogin, TagListDirectory, TagGetObject, TagGetFile,
		TagCreateDirectory, TagStoreFile, TagGetBlockIndexByID, TagGetBlockIndexByName,
		TagMoveObject, TagSetClientStoreMarker, TagGetClientStoreMarker, TagDeleteFile,
		TagUndeleteFile, TagDeleteDirectory, TagUndeleteDirectory, TagChangeDirAttributes,
		TagSetReplacementFileAttributes, TagGetAccountUsage, TagGetIsAlive, TagFinished,
	}
	for _, tag := range tags {
		if _, ok := ClientRegistry[tag]; !ok {
			t.Fatalf("ClientRegistry missing factory for tag %d", tag)
		}
	}
}
