package storectx

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/boxstore/store/internal/accountdb"
	"github.com/boxstore/store/internal/fname"
	"github.com/boxstore/store/internal/refdb"
)

// infoPath is where the info blob lives; saveInfo writes it as one
// Key=Value line per Info field (§3.5 names the fields; the text layout
// is this implementation's choice).
func infoPath(a accountdb.Account) string {
	return filepath.Join(accountInfoDir(a), fname.InfoBlob)
}

func infoTempPath(a accountdb.Account) string {
	return filepath.Join(accountInfoDir(a), fname.InfoBlobTemp)
}

// loadInfo reads the info blob for a, returning a fresh enabled Info
// (limits taken from the account record, LastObjectIDUsed at the root
// directory id, all counters zero) if none has ever been written yet
// (first login).
func loadInfo(a accountdb.Account) (Info, error) {
	f, err := os.Open(infoPath(a))
	if os.IsNotExist(err) {
		// A freshly created account already owns object id 1 (its root
		// directory, seeded into refdb by Create); the next allocation
		// must start past it.
		return Info{
			IsEnabled:        true,
			BlocksSoftLimit:  a.SoftBlocks,
			BlocksHardLimit:  a.HardBlocks,
			LastObjectIDUsed: refdb.RootDirectoryID,
		}, nil
	}
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	info := Info{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		switch key {
		case "BlocksUsed":
			info.BlocksUsed, _ = strconv.ParseInt(val, 10, 64)
		case "BlocksInOldFiles":
			info.BlocksInOldFiles, _ = strconv.ParseInt(val, 10, 64)
		case "BlocksInDeletedFiles":
			info.BlocksInDeletedFiles, _ = strconv.ParseInt(val, 10, 64)
		case "BlocksInDirectories":
			info.BlocksInDirectories, _ = strconv.ParseInt(val, 10, 64)
		case "BlocksSoftLimit":
			info.BlocksSoftLimit, _ = strconv.ParseInt(val, 10, 64)
		case "BlocksHardLimit":
			info.BlocksHardLimit, _ = strconv.ParseInt(val, 10, 64)
		case "LastObjectIDUsed":
			info.LastObjectIDUsed, _ = strconv.ParseInt(val, 10, 64)
		case "ClientStoreMarker":
			info.ClientStoreMarker, _ = strconv.ParseInt(val, 10, 64)
		case "NumCurrentFiles":
			info.NumCurrentFiles, _ = strconv.ParseInt(val, 10, 64)
		case "NumOldFiles":
			info.NumOldFiles, _ = strconv.ParseInt(val, 10, 64)
		case "NumDeletedFiles":
			info.NumDeletedFiles, _ = strconv.ParseInt(val, 10, 64)
		case "NumDirectories":
			info.NumDirectories, _ = strconv.ParseInt(val, 10, 64)
		case "IsEnabled":
			info.IsEnabled = val == "1"
		case "VersionCountLimit":
			info.VersionCountLimit, _ = strconv.ParseInt(val, 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// saveInfo stages then atomically renames the info blob, per §3.5
// "Persisted atomically".
func saveInfo(a accountdb.Account, info Info) error {
	tmp := infoTempPath(a)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	enabled := "0"
	if info.IsEnabled {
		enabled = "1"
	}
	lines := []string{
		fmt.Sprintf("BlocksUsed=%d", info.BlocksUsed),
		fmt.Sprintf("BlocksInOldFiles=%d", info.BlocksInOldFiles),
		fmt.Sprintf("BlocksInDeletedFiles=%d", info.BlocksInDeletedFiles),
		fmt.Sprintf("BlocksInDirectories=%d", info.BlocksInDirectories),
		fmt.Sprintf("BlocksSoftLimit=%d", info.BlocksSoftLimit),
		fmt.Sprintf("BlocksHardLimit=%d", info.BlocksHardLimit),
		fmt.Sprintf("LastObjectIDUsed=%d", info.LastObjectIDUsed),
		fmt.Sprintf("ClientStoreMarker=%d", info.ClientStoreMarker),
		fmt.Sprintf("NumCurrentFiles=%d", info.NumCurrentFiles),
		fmt.Sprintf("NumOldFiles=%d", info.NumOldFiles),
		fmt.Sprintf("NumDeletedFiles=%d", info.NumDeletedFiles),
		fmt.Sprintf("NumDirectories=%d", info.NumDirectories),
		fmt.Sprintf("IsEnabled=%s", enabled),
		fmt.Sprintf("VersionCountLimit=%d", info.VersionCountLimit),
	}
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, infoPath(a))
}
