package protocol

// Message tags (§6.1). Client and server messages are registered in
// separate registries (ClientRegistry, ServerRegistry); TagVersion is
// registered in both, so the two tag spaces are not disjoint.
const (
	TagVersion        uint32 = 1
	TagLogin          uint32 = 2
	TagListDirectory  uint32 = 3
	TagGetObject      uint32 = 4
	TagGetFile        uint32 = 5
	TagCreateDirectory uint32 = 6
	TagStoreFile      uint32 = 7
	TagGetBlockIndexByID   uint32 = 8
	TagGetBlockIndexByName uint32 = 9
	TagMoveObject     uint32 = 10
	TagSetClientStoreMarker uint32 = 11
	TagGetClientStoreMarker uint32 = 12
	TagDeleteFile     uint32 = 13
	TagUndeleteFile   uint32 = 14
	TagDeleteDirectory uint32 = 15
	TagUndeleteDirectory uint32 = 16
	TagChangeDirAttributes uint32 = 17
	TagSetReplacementFileAttributes uint32 = 18
	TagGetAccountUsage uint32 = 19
	TagGetIsAlive     uint32 = 20
	TagFinished       uint32 = 21

	TagLoginConfirmed uint32 = 101
	TagSuccess        uint32 = 102
	TagError          uint32 = 103
	TagAccountUsage   uint32 = 104
	TagIsAlive        uint32 = 105
)

// ListDirectory include/exclude flag bits (§6.1).
const (
	FlagFile              uint16 = 1
	FlagDir               uint16 = 2
	FlagDeleted           uint16 = 4
	FlagOldVersion        uint16 = 8
	FlagIncludeEverything uint16 = 0xFFFF
)

type Version struct {
	Version   int32
	ReadWrite int8 // 0 read-only, 1 read-write requested
}

func (*Version) Tag() uint32 { return TagVersion }
func (m *Version) ReadFrom(r *Reader) (err error) {
	if m.Version, err = r.I32(); err != nil {
		return err
	}
	m.ReadWrite, err = r.I8()
	return err
}
func (m *Version) WriteTo(w *Writer) error {
	if err := w.I32(m.Version); err != nil {
		return err
	}
	return w.I8(m.ReadWrite)
}

type Login struct {
	AccountNumber int32
	ReadWrite     int8
}

func (*Login) Tag() uint32 { return TagLogin }
func (m *Login) ReadFrom(r *Reader) (err error) {
	if m.AccountNumber, err = r.I32(); err != nil {
		return err
	}
	m.ReadWrite, err = r.I8()
	return err
}
func (m *Login) WriteTo(w *Writer) error {
	if err := w.I32(m.AccountNumber); err != nil {
		return err
	}
	return w.I8(m.ReadWrite)
}

type LoginConfirmed struct {
	ClientStoreMarker int64
	BlocksUsed         int64
	BlocksSoftLimit    int64
	BlocksHardLimit    int64
}

func (*LoginConfirmed) Tag() uint32 { return TagLoginConfirmed }
func (m *LoginConfirmed) ReadFrom(r *Reader) (err error) {
	if m.ClientStoreMarker, err = r.I64(); err != nil {
		return err
	}
	if m.BlocksUsed, err = r.I64(); err != nil {
		return err
	}
	if m.BlocksSoftLimit, err = r.I64(); err != nil {
		return err
	}
	m.BlocksHardLimit, err = r.I64()
	return err
}
func (m *LoginConfirmed) WriteTo(w *Writer) error {
	for _, v := range []int64{m.ClientStoreMarker, m.BlocksUsed, m.BlocksSoftLimit, m.BlocksHardLimit} {
		if err := w.I64(v); err != nil {
			return err
		}
	}
	return nil
}

type ListDirectory struct {
	DirID        int64
	IncludeFlags uint16
	ExcludeFlags uint16
}

func (*ListDirectory) Tag() uint32 { return TagListDirectory }
func (m *ListDirectory) ReadFrom(r *Reader) (err error) {
	if m.DirID, err = r.I64(); err != nil {
		return err
	}
	inc, err := r.I16()
	if err != nil {
		return err
	}
	exc, err := r.I16()
	if err != nil {
		return err
	}
	m.IncludeFlags, m.ExcludeFlags = uint16(inc), uint16(exc)
	return nil
}
func (m *ListDirectory) WriteTo(w *Writer) error {
	if err := w.I64(m.DirID); err != nil {
		return err
	}
	if err := w.I16(int16(m.IncludeFlags)); err != nil {
		return err
	}
	return w.I16(int16(m.ExcludeFlags))
}

// Success carries a single object-id reply (§6.1 "Success(object_id)").
type Success struct {
	ObjectID int64
}

func (*Success) Tag() uint32 { return TagSuccess }
func (m *Success) ReadFrom(r *Reader) (err error) { m.ObjectID, err = r.I64(); return err }
func (m *Success) WriteTo(w *Writer) error        { return w.I64(m.ObjectID) }

// ErrorReply is the wire error envelope of §6.5: a fixed {type, sub_type}
// pair and no further payload.
type ErrorReply struct {
	Type    uint32
	SubType uint32
}

func (*ErrorReply) Tag() uint32 { return TagError }
func (m *ErrorReply) ReadFrom(r *Reader) (err error) {
	if m.Type, err = r.U32(); err != nil {
		return err
	}
	m.SubType, err = r.U32()
	return err
}
func (m *ErrorReply) WriteTo(w *Writer) error {
	if err := w.U32(m.Type); err != nil {
		return err
	}
	return w.U32(m.SubType)
}

type AccountUsage struct {
	BlocksUsed      int64
	BlocksSoftLimit int64
	BlocksHardLimit int64
	CurrentFiles    int64
	OldFiles        int64
	DeletedFiles    int64
	Directories     int64
}

func (*AccountUsage) Tag() uint32 { return TagAccountUsage }
func (m *AccountUsage) ReadFrom(r *Reader) (err error) {
	fields := []*int64{&m.BlocksUsed, &m.BlocksSoftLimit, &m.BlocksHardLimit, &m.CurrentFiles, &m.OldFiles, &m.DeletedFiles, &m.Directories}
	for _, f := range fields {
		if *f, err = r.I64(); err != nil {
			return err
		}
	}
	return nil
}
func (m *AccountUsage) WriteTo(w *Writer) error {
	for _, v := range []int64{m.BlocksUsed, m.BlocksSoftLimit, m.BlocksHardLimit, m.CurrentFiles, m.OldFiles, m.DeletedFiles, m.Directories} {
		if err := w.I64(v); err != nil {
			return err
		}
	}
	return nil
}

type IsAlive struct{}

func (*IsAlive) Tag() uint32                   { return TagIsAlive }
func (*IsAlive) ReadFrom(*Reader) error         { return nil }
func (*IsAlive) WriteTo(*Writer) error          { return nil }

type GetIsAlive struct{}

func (*GetIsAlive) Tag() uint32 { return TagGetIsAlive }
func (*GetIsAlive) ReadFrom(*Reader) error { return nil }
func (*GetIsAlive) WriteTo(*Writer) error  { return nil }

type Finished struct{}

func (*Finished) Tag() uint32 { return TagFinished }
func (*Finished) ReadFrom(*Reader) error { return nil }
func (*Finished) WriteTo(*Writer) error  { return nil }

type GetAccountUsage struct{}

func (*GetAccountUsage) Tag() uint32 { return TagGetAccountUsage }
func (*GetAccountUsage) ReadFrom(*Reader) error { return nil }
func (*GetAccountUsage) WriteTo(*Writer) error  { return nil }

// GetObject requests the raw encoded object stream for ObjectID (§6.1,
// §4.6 GetObject) — the reply is Success followed by a stream frame.
type GetObject struct {
	ObjectID int64
}

func (*GetObject) Tag() uint32                       { return TagGetObject }
func (m *GetObject) ReadFrom(r *Reader) (err error)   { m.ObjectID, err = r.I64(); return err }
func (m *GetObject) WriteTo(w *Writer) error          { return w.I64(m.ObjectID) }

// GetFile requests a directory entry's object re-encoded as a plain file
// (delta chains resolved server-side, per §4.6 GetFile).
type GetFile struct {
	ObjectID int64
	DirID    int64
}

func (*GetFile) Tag() uint32 { return TagGetFile }
func (m *GetFile) ReadFrom(r *Reader) (err error) {
	if m.ObjectID, err = r.I64(); err != nil {
		return err
	}
	m.DirID, err = r.I64()
	return err
}
func (m *GetFile) WriteTo(w *Writer) error {
	if err := w.I64(m.ObjectID); err != nil {
		return err
	}
	return w.I64(m.DirID)
}

// CreateDirectory creates a new empty directory object under ContainingDirID.
type CreateDirectory struct {
	ContainingDirID   int64
	AttributesHash     uint64
	ModificationTime   int64
	EncryptedFilename  []byte
}

func (*CreateDirectory) Tag() uint32 { return TagCreateDirectory }
func (m *CreateDirectory) ReadFrom(r *Reader) (err error) {
	if m.ContainingDirID, err = r.I64(); err != nil {
		return err
	}
	hash, err := r.I64()
	if err != nil {
		return err
	}
	m.AttributesHash = uint64(hash)
	if m.ModificationTime, err = r.I64(); err != nil {
		return err
	}
	m.EncryptedFilename, err = r.Bytes()
	return err
}
func (m *CreateDirectory) WriteTo(w *Writer) error {
	if err := w.I64(m.ContainingDirID); err != nil {
		return err
	}
	if err := w.I64(int64(m.AttributesHash)); err != nil {
		return err
	}
	if err := w.I64(m.ModificationTime); err != nil {
		return err
	}
	return w.Bytes(m.EncryptedFilename)
}

// StoreFile announces an incoming file object; the attached stream frame
// carries the encoded storefile payload (§4.6 AddFile/StoreFile).
type StoreFile struct {
	ContainingDirID    int64
	ModificationTime   int64
	AttributesHash     uint64
	DiffFromObjectID   int64 // 0 when this is a full (non-delta) upload
	EncryptedFilename  []byte
}

func (*StoreFile) Tag() uint32 { return TagStoreFile }
func (m *StoreFile) ReadFrom(r *Reader) (err error) {
	if m.ContainingDirID, err = r.I64(); err != nil {
		return err
	}
	if m.ModificationTime, err = r.I64(); err != nil {
		return err
	}
	hash, err := r.I64()
	if err != nil {
		return err
	}
	m.AttributesHash = uint64(hash)
	if m.DiffFromObjectID, err = r.I64(); err != nil {
		return err
	}
	m.EncryptedFilename, err = r.Bytes()
	return err
}
func (m *StoreFile) WriteTo(w *Writer) error {
	if err := w.I64(m.ContainingDirID); err != nil {
		return err
	}
	if err := w.I64(m.ModificationTime); err != nil {
		return err
	}
	if err := w.I64(int64(m.AttributesHash)); err != nil {
		return err
	}
	if err := w.I64(m.DiffFromObjectID); err != nil {
		return err
	}
	return w.Bytes(m.EncryptedFilename)
}

// GetBlockIndexByID requests the block checksum index of an existing
// object, used by the client to compute a delta upload (§4.4, §4.6).
type GetBlockIndexByID struct {
	ObjectID int64
}

func (*GetBlockIndexByID) Tag() uint32                     { return TagGetBlockIndexByID }
func (m *GetBlockIndexByID) ReadFrom(r *Reader) (err error) { m.ObjectID, err = r.I64(); return err }
func (m *GetBlockIndexByID) WriteTo(w *Writer) error        { return w.I64(m.ObjectID) }

// GetBlockIndexByName requests the block checksum index of the current
// unlabelled version of EncryptedFilename within DirID, if one exists.
type GetBlockIndexByName struct {
	DirID             int64
	EncryptedFilename []byte
}

func (*GetBlockIndexByName) Tag() uint32 { return TagGetBlockIndexByName }
func (m *GetBlockIndexByName) ReadFrom(r *Reader) (err error) {
	if m.DirID, err = r.I64(); err != nil {
		return err
	}
	m.EncryptedFilename, err = r.Bytes()
	return err
}
func (m *GetBlockIndexByName) WriteTo(w *Writer) error {
	if err := w.I64(m.DirID); err != nil {
		return err
	}
	return w.Bytes(m.EncryptedFilename)
}

// MoveObject relocates ObjectID from its current directory into
// NewDirID, optionally renaming it (§4.6 MoveObject). AllowOverwriteDeleted
// mirrors the original's AllowMoveOverDeletedObject: when the target
// directory already holds a deleted entry under the resulting name, the
// move is rejected unless this is set, in which case the colliding
// deleted entry is dropped to make room for the move.
type MoveObject struct {
	ObjectID              int64
	CurrentDirID          int64
	NewDirID              int64
	NewEncryptedFilename  []byte
	MoveAllOldVersions    int8
	AllowOverwriteDeleted int8
}

func (*MoveObject) Tag() uint32 { return TagMoveObject }
func (m *MoveObject) ReadFrom(r *Reader) (err error) {
	if m.ObjectID, err = r.I64(); err != nil {
		return err
	}
	if m.CurrentDirID, err = r.I64(); err != nil {
		return err
	}
	if m.NewDirID, err = r.I64(); err != nil {
		return err
	}
	if m.NewEncryptedFilename, err = r.Bytes(); err != nil {
		return err
	}
	if m.MoveAllOldVersions, err = r.I8(); err != nil {
		return err
	}
	m.AllowOverwriteDeleted, err = r.I8()
	return err
}
func (m *MoveObject) WriteTo(w *Writer) error {
	if err := w.I64(m.ObjectID); err != nil {
		return err
	}
	if err := w.I64(m.CurrentDirID); err != nil {
		return err
	}
	if err := w.I64(m.NewDirID); err != nil {
		return err
	}
	if err := w.Bytes(m.NewEncryptedFilename); err != nil {
		return err
	}
	if err := w.I8(m.MoveAllOldVersions); err != nil {
		return err
	}
	return w.I8(m.AllowOverwriteDeleted)
}

// SetClientStoreMarker persists an opaque client-chosen marker, returned
// on the next successful Login (§4.6, §6.1).
type SetClientStoreMarker struct {
	ClientStoreMarker int64
}

func (*SetClientStoreMarker) Tag() uint32 { return TagSetClientStoreMarker }
func (m *SetClientStoreMarker) ReadFrom(r *Reader) (err error) {
	m.ClientStoreMarker, err = r.I64()
	return err
}
func (m *SetClientStoreMarker) WriteTo(w *Writer) error { return w.I64(m.ClientStoreMarker) }

type GetClientStoreMarker struct{}

func (*GetClientStoreMarker) Tag() uint32               { return TagGetClientStoreMarker }
func (*GetClientStoreMarker) ReadFrom(*Reader) error     { return nil }
func (*GetClientStoreMarker) WriteTo(*Writer) error      { return nil }

// DeleteFile marks every current (non-deleted) version of EncryptedFilename
// within DirID as deleted (§4.6 DeleteFile).
type DeleteFile struct {
	DirID             int64
	EncryptedFilename []byte
}

func (*DeleteFile) Tag() uint32 { return TagDeleteFile }
func (m *DeleteFile) ReadFrom(r *Reader) (err error) {
	if m.DirID, err = r.I64(); err != nil {
		return err
	}
	m.EncryptedFilename, err = r.Bytes()
	return err
}
func (m *DeleteFile) WriteTo(w *Writer) error {
	if err := w.I64(m.DirID); err != nil {
		return err
	}
	return w.Bytes(m.EncryptedFilename)
}

// UndeleteFile clears the deleted flag on ObjectID (§4.6 UndeleteFile).
type UndeleteFile struct {
	ObjectID int64
	DirID    int64
}

func (*UndeleteFile) Tag() uint32 { return TagUndeleteFile }
func (m *UndeleteFile) ReadFrom(r *Reader) (err error) {
	if m.ObjectID, err = r.I64(); err != nil {
		return err
	}
	m.DirID, err = r.I64()
	return err
}
func (m *UndeleteFile) WriteTo(w *Writer) error {
	if err := w.I64(m.ObjectID); err != nil {
		return err
	}
	return w.I64(m.DirID)
}

// DeleteDirectory marks DirID's own entry in its parent directory as
// deleted; the directory's contents are not visited (§4.6 DeleteDirectory).
type DeleteDirectory struct {
	DirID int64
}

func (*DeleteDirectory) Tag() uint32                    { return TagDeleteDirectory }
func (m *DeleteDirectory) ReadFrom(r *Reader) (err error) { m.DirID, err = r.I64(); return err }
func (m *DeleteDirectory) WriteTo(w *Writer) error        { return w.I64(m.DirID) }

// UndeleteDirectory reverses DeleteDirectory (§4.6 UndeleteDirectory).
type UndeleteDirectory struct {
	DirID int64
}

func (*UndeleteDirectory) Tag() uint32                    { return TagUndeleteDirectory }
func (m *UndeleteDirectory) ReadFrom(r *Reader) (err error) { m.DirID, err = r.I64(); return err }
func (m *UndeleteDirectory) WriteTo(w *Writer) error        { return w.I64(m.DirID) }

// ChangeDirAttributes replaces DirID's container attributes blob hash
// (the attributes blob itself follows as a stream frame).
type ChangeDirAttributes struct {
	DirID            int64
	AttributesHash   uint64
	ModificationTime int64
}

func (*ChangeDirAttributes) Tag() uint32 { return TagChangeDirAttributes }
func (m *ChangeDirAttributes) ReadFrom(r *Reader) (err error) {
	if m.DirID, err = r.I64(); err != nil {
		return err
	}
	hash, err := r.I64()
	if err != nil {
		return err
	}
	m.AttributesHash = uint64(hash)
	m.ModificationTime, err = r.I64()
	return err
}
func (m *ChangeDirAttributes) WriteTo(w *Writer) error {
	if err := w.I64(m.DirID); err != nil {
		return err
	}
	if err := w.I64(int64(m.AttributesHash)); err != nil {
		return err
	}
	return w.I64(m.ModificationTime)
}

// SetReplacementFileAttributes replaces a file entry's per-entry
// attributes blob (following as a stream frame) without creating a new
// version (§4.6).
type SetReplacementFileAttributes struct {
	DirID             int64
	ObjectID          int64
	AttributesHash    uint64
	EncryptedFilename []byte
}

func (*SetReplacementFileAttributes) Tag() uint32 { return TagSetReplacementFileAttributes }
func (m *SetReplacementFileAttributes) ReadFrom(r *Reader) (err error) {
	if m.DirID, err = r.I64(); err != nil {
		return err
	}
	if m.ObjectID, err = r.I64(); err != nil {
		return err
	}
	hash, err := r.I64()
	if err != nil {
		return err
	}
	m.AttributesHash = uint64(hash)
	m.EncryptedFilename, err = r.Bytes()
	return err
}
func (m *SetReplacementFileAttributes) WriteTo(w *Writer) error {
	if err := w.I64(m.DirID); err != nil {
		return err
	}
	if err := w.I64(m.ObjectID); err != nil {
		return err
	}
	if err := w.I64(int64(m.AttributesHash)); err != nil {
		return err
	}
	return w.Bytes(m.EncryptedFilename)
}

// ClientRegistry and ServerRegistry are the dispatch tables for the two
// directions of a Connection: the server decodes client-sent command
// messages, the client decodes server-sent reply messages.
var ClientRegistry = Registry{
	TagVersion:                      func() Message { return &Version{} },
	TagLogin:                        func() Message { return &Login{} },
	TagListDirectory:                func() Message { return &ListDirectory{} },
	TagGetObject:                    func() Message { return &GetObject{} },
	TagGetFile:                      func() Message { return &GetFile{} },
	TagCreateDirectory:              func() Message { return &CreateDirectory{} },
	TagStoreFile:                    func() Message { return &StoreFile{} },
	TagGetBlockIndexByID:            func() Message { return &GetBlockIndexByID{} },
	TagGetBlockIndexByName:          func() Message { return &GetBlockIndexByName{} },
	TagMoveObject:                   func() Message { return &MoveObject{} },
	TagSetClientStoreMarker:         func() Message { return &SetClientStoreMarker{} },
	TagGetClientStoreMarker:         func() Message { return &GetClientStoreMarker{} },
	TagDeleteFile:                   func() Message { return &DeleteFile{} },
	TagUndeleteFile:                 func() Message { return &UndeleteFile{} },
	TagDeleteDirectory:              func() Message { return &DeleteDirectory{} },
	TagUndeleteDirectory:            func() Message { return &UndeleteDirectory{} },
	TagChangeDirAttributes:          func() Message { return &ChangeDirAttributes{} },
	TagSetReplacementFileAttributes: func() Message { return &SetReplacementFileAttributes{} },
	TagGetAccountUsage:              func() Message { return &GetAccountUsage{} },
	TagGetIsAlive:                   func() Message { return &GetIsAlive{} },
	TagFinished:                     func() Message { return &Finished{} },
}

var ServerRegistry = Registry{
	TagVersion:        func() Message { return &Version{} },
	TagLoginConfirmed: func() Message { return &LoginConfirmed{} },
	TagSuccess:        func() Message { return &Success{} },
	TagError:          func() Message { return &ErrorReply{} },
	TagAccountUsage:   func() Message { return &AccountUsage{} },
	TagIsAlive:        func() Message { return &IsAlive{} },
}
