package storectx

import (
	"os"
	"path/filepath"

	"github.com/boxstore/store/internal/accountdb"
	"github.com/boxstore/store/internal/cos"
	"github.com/boxstore/store/internal/nlog"
	"github.com/boxstore/store/internal/raid"
	"github.com/boxstore/store/internal/refdb"
	"github.com/boxstore/store/internal/storedir"
)

// tryLock acquires path as an exclusive lock file, returning a nil file
// (not an error) if it's already held by someone else so callers can
// treat contention as "skip this pass" rather than a hard failure.
func tryLock(path string) (*os.File, error) {
	lf, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return lf, nil
}

func releaseLock(lf *os.File, path string) {
	lf.Close()
	os.Remove(path)
}

// Reap purges old-version and deleted entries past accountID's
// VersionCountLimit (§3.5), the housekeeping pass boxbackup's original
// housekeeping process runs on a timer. It takes the account write lock
// itself (housekeeping runs outside any session's lock, per §5's "expected
// to take the account write lock" note) and walks the live directory tree,
// so it must not run concurrently with a read-write session on the same
// account; callers serialize this the same way a login does, by trying
// for the lock file and skipping the pass on contention rather than
// blocking the housekeeper goroutine.
func Reap(accounts *accountdb.DB, ctl *raid.Controller, accountID int32) error {
	acct, err := accounts.Lookup(accountID)
	if err != nil {
		return err
	}
	if !acct.Enabled {
		return nil
	}

	lockPath := filepath.Join(acct.RootPath, "write.lock")
	lf, err := tryLock(lockPath)
	if err != nil {
		return err
	}
	if lf == nil {
		return ErrAlreadyLocked
	}
	defer releaseLock(lf, lockPath)

	refs, err := refdb.Load(acct.RootPath, accountID, false)
	if err != nil {
		return err
	}
	defer refs.Close()

	info, err := loadInfo(acct)
	if err != nil {
		return err
	}

	errs := &cos.Errs{}
	reaped, err := reapDirectory(ctl, acct, refs, &info, refdb.RootDirectoryID, errs)
	if err != nil {
		return err
	}
	if errs.Cnt() > 0 {
		nlog.Warningln("storectx: reap account", accountID, "encountered errors:", errs.JoinErr())
	}
	if reaped > 0 {
		nlog.Infof("storectx: reap account %d purged %d entries", accountID, reaped)
		return saveInfo(acct, info)
	}
	return nil
}

// reapDirectory recurses dirID's live tree, removing FlagDeleted and
// FlagOldVersion entries once the surviving count of old/deleted versions
// for that entry's name exceeds info.VersionCountLimit, the same grouping
// DeleteFile/AddFile use to find "the current entry of this name". A limit
// of 0 means unbounded (no reaping), matching §3.5's default.
func reapDirectory(ctl *raid.Controller, acct accountdb.Account, refs *refdb.DB, info *Info, dirID int64, errs *cos.Errs) (int, error) {
	name := objectName(acct.ID, dirID)
	d, err := storedir.Load(ctl, acct.DiscSetIndex, name)
	if err != nil {
		errs.Add(err)
		return 0, nil
	}

	reaped := 0
	for _, e := range d.Entries {
		if e.Flags&storedir.FlagDir != 0 {
			n, err := reapDirectory(ctl, acct, refs, info, e.ObjectID, errs)
			if err != nil {
				return reaped, err
			}
			reaped += n
		}
	}

	if info.VersionCountLimit <= 0 {
		return reaped, nil
	}

	counts := make(map[string]int, len(d.Entries))
	for _, e := range d.Entries {
		if e.Flags&(storedir.FlagDeleted|storedir.FlagOldVersion) != 0 {
			counts[string(e.EncryptedFilename)]++
		}
	}

	// Decide and purge every over-limit entry first, then remove them
	// from d.Entries in one filtering pass: Remove shifts the backing
	// array in place, so calling it while still ranging over the same
	// slice would skip the entry shifted into the current index.
	toRemove := make(map[int64]bool)
	for _, e := range d.Entries {
		if e.Flags&(storedir.FlagDeleted|storedir.FlagOldVersion) == 0 {
			continue
		}
		key := string(e.EncryptedFilename)
		if counts[key] <= int(info.VersionCountLimit) {
			continue
		}
		if err := purgeObject(ctl, acct, refs, info, e); err != nil {
			errs.Add(err)
			continue
		}
		counts[key]--
		toRemove[e.ObjectID] = true
		reaped++
	}

	changed := len(toRemove) > 0
	if changed {
		kept := d.Entries[:0]
		for _, e := range d.Entries {
			if !toRemove[e.ObjectID] {
				kept = append(kept, e)
			}
		}
		d.Entries = kept
	}

	if changed {
		if err := storedir.Store(ctl, acct.DiscSetIndex, name, d); err != nil {
			return reaped, err
		}
	}
	return reaped, nil
}

// purgeObject drops refs' last reference to e.ObjectID and deletes the
// underlying C3 object once the count reaches zero, updating the info
// blob's old/deleted-file accounting to match (§3.5).
func purgeObject(ctl *raid.Controller, acct accountdb.Account, refs *refdb.DB, info *Info, e storedir.Entry) error {
	remaining, err := refs.RemoveReference(e.ObjectID)
	if err != nil {
		return err
	}
	if e.Flags&storedir.FlagDeleted != 0 {
		info.BlocksInDeletedFiles -= e.SizeInBlocks
		info.NumDeletedFiles--
	} else {
		info.BlocksInOldFiles -= e.SizeInBlocks
		info.NumOldFiles--
	}
	if remaining > 0 {
		return nil
	}
	return ctl.Delete(acct.DiscSetIndex, objectName(acct.ID, e.ObjectID))
}
