package storectx

import (
	"bytes"
	"io"
	"strconv"

	"github.com/boxstore/store/internal/mono"
	"github.com/boxstore/store/internal/protocol"
	"github.com/boxstore/store/internal/storedir"
	"github.com/boxstore/store/internal/storefile"
)

// SecretProvider resolves the symmetric account secret used to key
// storefile encryption/HMAC, looked up at Login time (§4.4, §4.6).
type SecretProvider func(accountID int32) ([]byte, error)

// Serve drives ctx's connection through the full Version→Login→Commands
// phase machine until QuitSession, a fatal error, or transport close
// (§4.6 "State transitions").
func (ctx *Context) Serve(secrets SecretProvider) error {
	if err := ctx.serveVersion(); err != nil {
		return err
	}
	if err := ctx.serveLogin(secrets); err != nil {
		return err
	}
	for {
		done, err := ctx.serveOneCommand()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (ctx *Context) serveVersion() error {
	msg, err := ctx.conn.ReceiveObject(protocol.ClientRegistry)
	if err != nil {
		return err
	}
	v, ok := msg.(*protocol.Version)
	if !ok {
		return protocol.ErrBadCommand
	}
	if v.Version != ProtocolVersion {
		return ErrBadVersion
	}
	return ctx.conn.SendObject(&protocol.Version{Version: ProtocolVersion})
}

func (ctx *Context) serveLogin(secrets SecretProvider) error {
	msg, err := ctx.conn.ReceiveObject(protocol.ClientRegistry)
	if err != nil {
		return err
	}
	login, ok := msg.(*protocol.Login)
	if !ok {
		return protocol.ErrBadCommand
	}
	var secret []byte
	if secrets != nil {
		secret, err = secrets(login.AccountNumber)
		if err != nil {
			return ctx.replyError(1, 1)
		}
	}
	if err := ctx.Login(login.AccountNumber, login.ReadWrite != 0, secret); err != nil {
		return ctx.replyError(1, errorSubType(err))
	}
	return ctx.conn.SendObject(&protocol.LoginConfirmed{
		ClientStoreMarker: ctx.info.ClientStoreMarker,
		BlocksUsed:        ctx.info.BlocksUsed,
		BlocksSoftLimit:   ctx.info.BlocksSoftLimit,
		BlocksHardLimit:   ctx.info.BlocksHardLimit,
	})
}

func errorSubType(err error) uint32 {
	switch err {
	case ErrAlreadyLocked:
		return 2
	case ErrAccountDisabled:
		return 3
	default:
		return 0
	}
}

func (ctx *Context) replyError(typ, sub uint32) error {
	return ctx.conn.SendObject(&protocol.ErrorReply{Type: typ, SubType: sub})
}

// serveOneCommand processes a single command frame, replying on the
// wire, and returns done=true once the session should end (QuitSession).
func (ctx *Context) serveOneCommand() (done bool, err error) {
	msg, err := ctx.conn.ReceiveObject(protocol.ClientRegistry)
	if err != nil {
		return false, err
	}
	tag := strconv.FormatUint(uint64(msg.Tag()), 10)
	start := mono.NanoTime()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		commandsTotal.WithLabelValues(tag, outcome).Inc()
		commandDuration.WithLabelValues(tag).Observe(mono.Since(start).Seconds())
	}()
	if hook, ok := ctx.hooks[msg.Tag()]; ok {
		reply, err := hook(ctx, msg)
		if err != nil {
			return false, ctx.replyError(2, 0)
		}
		if reply != nil {
			return false, ctx.conn.SendObject(reply)
		}
		return false, nil
	}

	switch m := msg.(type) {
	case *protocol.Finished:
		ctx.conn.SendObject(&protocol.Finished{})
		return true, nil

	case *protocol.GetIsAlive:
		return false, ctx.conn.SendObject(&protocol.IsAlive{})

	case *protocol.GetAccountUsage:
		u := ctx.GetAccountUsage()
		return false, ctx.conn.SendObject(&protocol.AccountUsage{
			BlocksUsed:      u.BlocksUsed,
			BlocksSoftLimit: u.BlocksSoftLimit,
			BlocksHardLimit: u.BlocksHardLimit,
			CurrentFiles:    u.NumCurrentFiles,
			OldFiles:        u.NumOldFiles,
			DeletedFiles:    u.NumDeletedFiles,
			Directories:     u.NumDirectories,
		})

	case *protocol.ListDirectory:
		entries, err := ctx.ListDirectory(m.DirID, m.IncludeFlags, m.ExcludeFlags)
		if err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.sendDirectoryStream(m.DirID, entries)

	case *protocol.CreateDirectory:
		id, _, err := ctx.AddDirectory(m.ContainingDirID, m.EncryptedFilename, nil, m.AttributesHash, m.ModificationTime)
		if err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: id})

	case *protocol.StoreFile:
		stream, err := ctx.conn.ReceiveStream()
		if err != nil {
			return false, err
		}
		data, err := io.ReadAll(stream)
		if err != nil {
			return false, err
		}
		id, err := ctx.AddFile(m.ContainingDirID, m.ModificationTime, m.AttributesHash, m.DiffFromObjectID, m.EncryptedFilename, data, true)
		if err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: id})

	case *protocol.GetFile:
		data, err := ctx.GetFile(m.ObjectID)
		if err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendFixedStream(bytes.NewReader(data), int64(len(data)))

	case *protocol.GetObject:
		data, err := ctx.GetObject(m.ObjectID)
		if err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendFixedStream(bytes.NewReader(data), int64(len(data)))

	case *protocol.GetBlockIndexByID:
		idx, err := ctx.GetBlockIndex(m.ObjectID)
		if err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.sendBlockIndexStream(idx)

	case *protocol.DeleteFile:
		if err := ctx.DeleteFile(m.DirID, m.EncryptedFilename); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{})

	case *protocol.UndeleteFile:
		if err := ctx.UndeleteFile(m.DirID, m.ObjectID); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: m.ObjectID})

	case *protocol.DeleteDirectory:
		if err := ctx.DeleteDirectory(m.DirID, false); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: m.DirID})

	case *protocol.UndeleteDirectory:
		if err := ctx.DeleteDirectory(m.DirID, true); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: m.DirID})

	case *protocol.MoveObject:
		if err := ctx.MoveObject(m.ObjectID, m.CurrentDirID, m.NewDirID, m.NewEncryptedFilename, m.MoveAllOldVersions != 0, m.AllowOverwriteDeleted != 0); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: m.ObjectID})

	case *protocol.ChangeDirAttributes:
		if err := ctx.ChangeDirAttributes(m.DirID, nil, m.AttributesHash); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: m.DirID})

	case *protocol.SetReplacementFileAttributes:
		if err := ctx.ChangeFileAttributes(m.DirID, m.ObjectID, nil, m.AttributesHash); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: m.ObjectID})

	case *protocol.GetClientStoreMarker:
		return false, ctx.conn.SendObject(&protocol.Success{ObjectID: ctx.GetClientStoreMarker()})

	case *protocol.SetClientStoreMarker:
		if err := ctx.SetClientStoreMarker(m.ClientStoreMarker); err != nil {
			return false, ctx.replyError(2, 0)
		}
		return false, ctx.conn.SendObject(&protocol.Success{})

	default:
		return false, protocol.ErrBadCommand
	}
}

// sendDirectoryStream writes the filtered entry list back to the client
// as a fixed-size stream, reusing storedir's own wire encoding (a
// listing is just a directory object restricted to the matched entries).
func (ctx *Context) sendDirectoryStream(dirID int64, entries []storedir.Entry) error {
	listing := storedir.New(dirID)
	listing.Entries = entries
	var buf bytes.Buffer
	if err := listing.Encode(&buf); err != nil {
		return err
	}
	return ctx.conn.SendFixedStream(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

func (ctx *Context) sendBlockIndexStream(idx []storefile.BlockDescriptor) error {
	var buf bytes.Buffer
	w := protocol.NewWriter(&buf)
	if err := w.VecCount(len(idx)); err != nil {
		return err
	}
	for _, d := range idx {
		if err := w.U32(d.SizeOnWire); err != nil {
			return err
		}
		if err := w.U32(d.WeakChecksum); err != nil {
			return err
		}
		if err := w.Bytes(d.StrongChecksum[:]); err != nil {
			return err
		}
		if err := w.I8(int8(d.Flags)); err != nil {
			return err
		}
		if err := w.U32(d.RefBlock); err != nil {
			return err
		}
	}
	return ctx.conn.SendFixedStream(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}
