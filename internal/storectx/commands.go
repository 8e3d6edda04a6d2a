package storectx

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/boxstore/store/internal/storedir"
	"github.com/boxstore/store/internal/storefile"
)

// fileBlockSize is the content-block size storefile.Encode splits
// uploads into; quotaBlockSize is the unit soft/hard limits and
// size_in_blocks are expressed in (§3.5, §4.4).
const (
	fileBlockSize  = 4096
	quotaBlockSize = 4096
)

func blocksFor(n int) int64 {
	return int64((n + quotaBlockSize - 1) / quotaBlockSize)
}

// GetDirectory returns the directory object for id, consulting the LRU
// cache before falling back to C3 (§4.6 "Directory cache").
func (ctx *Context) GetDirectory(id int64) (*storedir.Directory, error) {
	if d, ok := ctx.dirCache.get(id); ok {
		return d, nil
	}
	d, err := storedir.Load(ctx.raid, ctx.discSet(), objectName(ctx.account.ID, id))
	if err != nil {
		return nil, err
	}
	ctx.dirCache.put(id, d)
	return d, nil
}

// saveDirectory persists d under id and invalidates/refreshes the cache
// entry, per §4.6's "invalidated by the next mutating call".
func (ctx *Context) saveDirectory(id int64, d *storedir.Directory) error {
	if err := storedir.Store(ctx.raid, ctx.discSet(), objectName(ctx.account.ID, id), d); err != nil {
		return err
	}
	ctx.dirCache.put(id, d)
	return nil
}

// ListDirectory returns a snapshot of dirID's entries filtered by the
// given include/exclude flag masks (§4.6 "Directory": ListDirectory).
func (ctx *Context) ListDirectory(dirID int64, include, exclude uint16) ([]storedir.Entry, error) {
	d, err := ctx.GetDirectory(dirID)
	if err != nil {
		return nil, err
	}
	it := d.Iterate(include, exclude)
	var out []storedir.Entry
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// AddDirectory creates a new empty directory entry named
// encryptedFilename under parentID, returning its new object id (or the
// id of an already-existing current entry of the same name, with
// alreadyExisted=true — a duplicate CreateDirectory is idempotent).
func (ctx *Context) AddDirectory(parentID int64, encryptedFilename []byte, attrsBlob []byte, attrsHash uint64, modTime int64) (id int64, alreadyExisted bool, err error) {
	if !ctx.readWrite {
		return 0, false, ErrReadOnly
	}
	parent, err := ctx.GetDirectory(parentID)
	if err != nil {
		return 0, false, err
	}
	for _, e := range parent.Entries {
		if e.Flags&storedir.FlagDeleted != 0 || e.Flags&storedir.FlagOldVersion != 0 {
			continue
		}
		if e.Flags&storedir.FlagDir != 0 && bytes.Equal(e.EncryptedFilename, encryptedFilename) {
			return e.ObjectID, true, nil
		}
	}

	newID, err := ctx.AllocateObjectID()
	if err != nil {
		return 0, false, err
	}
	newDir := storedir.New(newID)
	newDir.AttributesBlob = attrsBlob
	newDir.AttributesHash = attrsHash
	if err := ctx.saveDirectory(newID, newDir); err != nil {
		return 0, false, err
	}
	if _, err := ctx.refs.AddReference(newID); err != nil {
		return 0, false, err
	}

	parent.Add(storedir.Entry{
		ObjectID:          newID,
		ModificationTime:  modTime,
		AttributesHash:    attrsHash,
		Flags:             storedir.FlagDir,
		EncryptedFilename: encryptedFilename,
	})
	if err := ctx.saveDirectory(parentID, parent); err != nil {
		return 0, false, err
	}
	ctx.info.NumDirectories++
	return newID, false, ctx.SaveInfo(true)
}

// loadFileObject loads and HMAC-validates a file object from C3.
func (ctx *Context) loadFileObject(id int64) (*storefile.StoredObject, error) {
	data, err := ctx.raid.Read(ctx.discSet(), objectName(ctx.account.ID, id))
	if err != nil {
		return nil, err
	}
	return storefile.ReadFrom(bytes.NewReader(data), ctx.hmacKey)
}

// storeFileObject encrypts obj's inline blocks and writes it to C3.
func (ctx *Context) storeFileObject(id int64, obj *storefile.StoredObject) error {
	for i, d := range obj.Index {
		if d.Flags&storefile.BlockInline != 0 {
			enc, err := storefile.CryptBlock(ctx.secret, obj.Header.IV, obj.InlineData[i])
			if err != nil {
				return err
			}
			obj.InlineData[i] = enc
		}
	}
	var buf bytes.Buffer
	if err := obj.WriteTo(&buf, ctx.hmacKey); err != nil {
		return err
	}
	return ctx.raid.Write(ctx.discSet(), objectName(ctx.account.ID, id), buf.Bytes())
}

// AddFile encodes data (optionally as a delta against diffFromID) and
// stores it as a new version under dirID, returning the new object id
// (§4.6 "File add": AddFile).
func (ctx *Context) AddFile(dirID int64, modTime int64, attrsHash uint64, diffFromID int64, encryptedFilename []byte, data []byte, markSameNameAsOldVersions bool) (int64, error) {
	if !ctx.readWrite {
		return 0, ErrReadOnly
	}

	var obj *storefile.StoredObject
	var err error
	if diffFromID != 0 {
		base, berr := ctx.loadFileObject(diffFromID)
		if berr != nil {
			return 0, berr
		}
		plainIndex, plainBlocks, derr := decryptedIndex(base, ctx.secret)
		if derr != nil {
			return 0, derr
		}
		obj, err = storefile.Encode(data, fileBlockSize, plainIndex, plainBlocks)
	} else {
		obj, err = storefile.EncodeFull(data, fileBlockSize)
	}
	if err != nil {
		return 0, err
	}
	obj.Header.DependsOlder = diffFromID

	sizeInBlocks := blocksFor(len(data))
	if ctx.info.BlocksUsed+sizeInBlocks > ctx.info.BlocksHardLimit && ctx.info.BlocksHardLimit > 0 {
		return 0, ErrHardLimitExceeded
	}

	newID, err := ctx.AllocateObjectID()
	if err != nil {
		return 0, err
	}
	if err := ctx.storeFileObject(newID, obj); err != nil {
		return 0, err
	}
	if _, err := ctx.refs.AddReference(newID); err != nil {
		return 0, err
	}
	if err := ctx.refs.SetDependencyAndSize(newID, int64(sizeInBlocks), diffFromID, 0); err != nil {
		return 0, err
	}
	if diffFromID != 0 {
		base, berr := ctx.refs.GetEntry(diffFromID)
		if berr != nil {
			return 0, berr
		}
		if err := ctx.refs.SetDependencyAndSize(diffFromID, base.SizeInBlocks, base.DependsOlder, newID); err != nil {
			return 0, err
		}
	}

	dir, err := ctx.GetDirectory(dirID)
	if err != nil {
		return 0, err
	}
	if markSameNameAsOldVersions {
		for i := range dir.Entries {
			e := &dir.Entries[i]
			if e.Flags&storedir.FlagFile != 0 && e.Flags&storedir.FlagOldVersion == 0 &&
				bytes.Equal(e.EncryptedFilename, encryptedFilename) {
				e.Flags |= storedir.FlagOldVersion
				ctx.info.NumOldFiles++
				ctx.info.BlocksInOldFiles += e.SizeInBlocks
				if e.Flags&storedir.FlagDeleted == 0 {
					ctx.info.NumCurrentFiles--
				}
			}
		}
	}
	dir.Add(storedir.Entry{
		ObjectID:          newID,
		SizeInBlocks:       sizeInBlocks,
		ModificationTime:   modTime,
		AttributesHash:     attrsHash,
		Flags:              storedir.FlagFile,
		EncryptedFilename:  encryptedFilename,
	})
	if err := ctx.saveDirectory(dirID, dir); err != nil {
		return 0, err
	}

	ctx.info.BlocksUsed += sizeInBlocks
	ctx.info.NumCurrentFiles++
	return newID, ctx.SaveInfo(true)
}

// decryptedIndex decrypts every inline block of obj and returns plaintext
// alongside the original index, for use as Encode's priorIndex/priorBlocks
// (the rolling/strong checksum match needs plaintext, not ciphertext).
func decryptedIndex(obj *storefile.StoredObject, secret []byte) ([]storefile.BlockDescriptor, [][]byte, error) {
	plainBlocks := make([][]byte, len(obj.Index))
	for i, d := range obj.Index {
		if d.Flags&storefile.BlockInline == 0 {
			continue
		}
		plain, err := storefile.CryptBlock(secret, obj.Header.IV, obj.InlineData[i])
		if err != nil {
			return nil, nil, err
		}
		plainBlocks[i] = plain
	}
	return obj.Index, plainBlocks, nil
}

// ChangeDirAttributes replaces dirID's own attributes blob/hash.
func (ctx *Context) ChangeDirAttributes(dirID int64, attrsBlob []byte, attrsHash uint64) error {
	if !ctx.readWrite {
		return ErrReadOnly
	}
	d, err := ctx.GetDirectory(dirID)
	if err != nil {
		return err
	}
	d.AttributesBlob = attrsBlob
	d.AttributesHash = attrsHash
	return ctx.saveDirectory(dirID, d)
}

// ChangeFileAttributes replaces objectID's per-entry attributes blob
// within dirID, without creating a new file version (§4.6).
func (ctx *Context) ChangeFileAttributes(dirID, objectID int64, attrsBlob []byte, attrsHash uint64) error {
	if !ctx.readWrite {
		return ErrReadOnly
	}
	d, err := ctx.GetDirectory(dirID)
	if err != nil {
		return err
	}
	if err := d.ChangeAttributes(objectID, attrsBlob, attrsHash); err != nil {
		return err
	}
	return ctx.saveDirectory(dirID, d)
}

var ErrNoCurrentVersion = errors.New("storectx: no non-deleted file entry with that name")

// DeleteFile marks every non-deleted file entry named encryptedFilename
// within dirID as deleted, old versions included (§4.6 "DeleteFile (by
// name)").
func (ctx *Context) DeleteFile(dirID int64, encryptedFilename []byte) error {
	if !ctx.readWrite {
		return ErrReadOnly
	}
	d, err := ctx.GetDirectory(dirID)
	if err != nil {
		return err
	}
	found := false
	for i := range d.Entries {
		e := &d.Entries[i]
		if e.Flags&storedir.FlagFile != 0 && e.Flags&storedir.FlagDeleted == 0 &&
			bytes.Equal(e.EncryptedFilename, encryptedFilename) {
			e.Flags |= storedir.FlagDeleted
			found = true
			ctx.info.BlocksInDeletedFiles += e.SizeInBlocks
			ctx.info.NumDeletedFiles++
			if e.Flags&storedir.FlagOldVersion == 0 {
				ctx.info.NumCurrentFiles--
			}
		}
	}
	if !found {
		return ErrNoCurrentVersion
	}
	if err := ctx.saveDirectory(dirID, d); err != nil {
		return err
	}
	return ctx.SaveInfo(true)
}

// UndeleteFile clears the deleted flag on objectID within dirID
// (§4.6 "UndeleteFile (by id)").
func (ctx *Context) UndeleteFile(dirID, objectID int64) error {
	if !ctx.readWrite {
		return ErrReadOnly
	}
	d, err := ctx.GetDirectory(dirID)
	if err != nil {
		return err
	}
	if err := d.MarkDeleted(objectID, true); err != nil {
		return err
	}
	if err := ctx.saveDirectory(dirID, d); err != nil {
		return err
	}
	ctx.info.NumDeletedFiles--
	return ctx.SaveInfo(true)
}

// DeleteDirectory marks dirID's own entry in its container as deleted
// (undelete=false) or clears that flag (undelete=true). It does not
// recurse into dirID's own entries: flags are evaluated per entry, and a
// directory's "deleted" status is a property of its single entry in its
// parent, not inherited by its contents (§4.6, §3.3).
func (ctx *Context) DeleteDirectory(dirID int64, undelete bool) error {
	if !ctx.readWrite {
		return ErrReadOnly
	}
	d, err := ctx.GetDirectory(dirID)
	if err != nil {
		return err
	}
	parent, err := ctx.GetDirectory(d.ContainerObjectID)
	if err != nil {
		return err
	}
	if err := parent.MarkDeleted(dirID, undelete); err != nil {
		return err
	}
	return ctx.saveDirectory(d.ContainerObjectID, parent)
}

var ErrNameCollisionWithDeletedObject = errors.New("storectx: target directory already holds a deleted entry with that name")

// MoveObject relocates objectID from currentDirID to newDirID, optionally
// renaming it and optionally moving every old-version entry of the same
// name along with it (§4.6 "Move"). If the target directory already holds
// a deleted entry under the resulting name, the move is rejected unless
// allowOverwriteDeleted is set, in which case that colliding deleted entry
// is dropped to make room (original's AllowMoveOverDeletedObject).
func (ctx *Context) MoveObject(objectID, currentDirID, newDirID int64, newEncryptedFilename []byte, moveAllOldVersions, allowOverwriteDeleted bool) error {
	if !ctx.readWrite {
		return ErrReadOnly
	}
	from, err := ctx.GetDirectory(currentDirID)
	if err != nil {
		return err
	}
	i := from.FindByID(objectID)
	if i < 0 {
		return fmt.Errorf("storectx: object %d not found in directory %d", objectID, currentDirID)
	}
	moving := []storedir.Entry{from.Entries[i]}
	oldName := from.Entries[i].EncryptedFilename
	if moveAllOldVersions {
		for idx, e := range from.Entries {
			if idx == i {
				continue
			}
			if e.Flags&storedir.FlagOldVersion != 0 && bytes.Equal(e.EncryptedFilename, oldName) {
				moving = append(moving, e)
			}
		}
	}
	movingIDs := make(map[int64]bool, len(moving))
	for _, e := range moving {
		movingIDs[e.ObjectID] = true
	}

	resultName := oldName
	if newEncryptedFilename != nil {
		resultName = newEncryptedFilename
	}
	to := from
	if newDirID != currentDirID {
		to, err = ctx.GetDirectory(newDirID)
		if err != nil {
			return err
		}
	}
	collision := -1
	for idx, e := range to.Entries {
		if movingIDs[e.ObjectID] {
			continue
		}
		if e.Flags&storedir.FlagDeleted != 0 && bytes.Equal(e.EncryptedFilename, resultName) {
			collision = idx
			break
		}
	}
	if collision >= 0 {
		if !allowOverwriteDeleted {
			return ErrNameCollisionWithDeletedObject
		}
		if err := to.Remove(to.Entries[collision].ObjectID); err != nil {
			return err
		}
	}

	remaining := from.Entries[:0]
	for _, e := range from.Entries {
		if !movingIDs[e.ObjectID] {
			remaining = append(remaining, e)
		}
	}
	from.Entries = remaining
	if err := ctx.saveDirectory(currentDirID, from); err != nil {
		return err
	}

	for idx := range moving {
		if newEncryptedFilename != nil && moving[idx].ObjectID == objectID {
			moving[idx].EncryptedFilename = newEncryptedFilename
		}
		to.Add(moving[idx])
	}
	return ctx.saveDirectory(newDirID, to)
}

// GetFile decodes fileID's reconstituted plaintext content, resolving a
// single level of delta dependency against its base version if needed
// (§4.6 "Read": GetFile).
func (ctx *Context) GetFile(fileID int64) ([]byte, error) {
	obj, err := ctx.loadFileObject(fileID)
	if err != nil {
		return nil, err
	}
	var resolve func(refBlock uint32) ([]byte, error)
	if obj.Header.DependsOlder != 0 {
		base, err := ctx.loadFileObject(obj.Header.DependsOlder)
		if err != nil {
			return nil, err
		}
		resolve = func(refBlock uint32) ([]byte, error) {
			if int(refBlock) >= len(base.Index) {
				return nil, storefile.ErrMissingBase
			}
			return storefile.CryptBlock(ctx.secret, base.Header.IV, base.InlineData[refBlock])
		}
	}
	return storefile.Decode(obj, ctx.secret, resolve)
}

// GetBlockIndex returns fileID's block index for a client planning a
// delta upload (§4.6, §4.4 "QueryGetBlockIndexByID").
func (ctx *Context) GetBlockIndex(fileID int64) ([]storefile.BlockDescriptor, error) {
	obj, err := ctx.loadFileObject(fileID)
	if err != nil {
		return nil, err
	}
	return storefile.ExtractBlockIndex(obj), nil
}

// GetObject returns the raw, still-encoded bytes of any object id,
// regardless of type — an administrative escape hatch (§4.6 "Query":
// GetObject(id), admin).
func (ctx *Context) GetObject(id int64) ([]byte, error) {
	return ctx.raid.Read(ctx.discSet(), objectName(ctx.account.ID, id))
}

// GetAccountUsage returns the current info-blob usage snapshot.
func (ctx *Context) GetAccountUsage() Info { return ctx.info }

// GetClientStoreMarker returns the opaque client-owned marker.
func (ctx *Context) GetClientStoreMarker() int64 { return ctx.info.ClientStoreMarker }

// SetClientStoreMarker persists a new opaque client-owned marker.
func (ctx *Context) SetClientStoreMarker(v int64) error {
	ctx.info.ClientStoreMarker = v
	return ctx.SaveInfo(false)
}
