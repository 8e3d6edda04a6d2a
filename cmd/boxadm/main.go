// Command boxadm is the administrative CLI (§6.4): create-account,
// info, housekeeping, check, and set-limit, operating directly on an
// account database and its disc sets without a running boxstored.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/boxstore/store/internal/accountdb"
	"github.com/boxstore/store/internal/config"
	"github.com/boxstore/store/internal/cos"
	"github.com/boxstore/store/internal/raid"
	"github.com/boxstore/store/internal/refdb"
	"github.com/boxstore/store/internal/storectx"
	"github.com/boxstore/store/internal/storedir"
)

const (
	exitOK             = 0
	exitFatal          = 1
	exitAccountMissing = 2
	exitLockContention = 3
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: boxadm -config <daemon.conf> <subcommand> [args...]")
		return exitFatal
	}

	var confPath string
	rest := args
	if len(rest) >= 2 && rest[0] == "-config" {
		confPath = rest[1]
		rest = rest[2:]
	}
	if confPath == "" {
		confPath = os.Getenv("BOXSTORE_CONFIG")
	}
	if confPath == "" || len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: boxadm -config <daemon.conf> <subcommand> [args...]")
		return exitFatal
	}

	daemonConf, err := config.LoadFile(confPath, config.StoreDaemonSchema)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: loading daemon config"))
		return exitFatal
	}
	dbDir, _ := daemonConf.Key("AccountDatabase")
	accounts, err := accountdb.Open(dbDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: opening account database"))
		return exitFatal
	}

	raidConfPath, _ := daemonConf.Key("RaidFileConf")
	raidRoot, err := config.LoadFile(raidConfPath, config.RaidFileSchema)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: loading raid config"))
		return exitFatal
	}
	ctl, err := raid.LoadController(raidRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: loading raid controller"))
		return exitFatal
	}

	switch rest[0] {
	case "create-account":
		return cmdCreateAccount(accounts, ctl, rest[1:])
	case "info":
		return cmdInfo(accounts, rest[1:])
	case "housekeeping":
		return cmdHousekeeping(accounts, ctl, rest[1:])
	case "check":
		return cmdCheck(accounts, ctl, rest[1:])
	case "set-limit":
		return cmdSetLimit(accounts, rest[1:])
	default:
		fmt.Fprintf(os.Stderr, "boxadm: unknown subcommand %q\n", rest[0])
		return exitFatal
	}
}

func parseAccountID(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, errors.Wrap(err, "boxadm: bad account id")
	}
	return int32(n), nil
}

// cmdCreateAccount inserts a new account record, seeds its root
// directory and refcount database, and mints a fresh symmetric secret
// (§4.8, §4.4): the account exists only once all three have landed, so
// the refdb and root directory are built before the accountdb record is
// persisted.
func cmdCreateAccount(accounts *accountdb.DB, ctl *raid.Controller, args []string) int {
	if len(args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: boxadm create-account <id> <disc-set> <root-path> <soft,hard>")
		return exitFatal
	}
	id, err := parseAccountID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	discSet, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: bad disc set"))
		return exitFatal
	}
	rootPath := args[2]
	limits := args[3]
	var soft, hard int64
	if _, err := fmt.Sscanf(limits, "%d,%d", &soft, &hard); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: bad soft,hard limit pair"))
		return exitFatal
	}

	acct := accountdb.Account{ID: id, DiscSetIndex: discSet, RootPath: rootPath, SoftBlocks: soft, HardBlocks: hard, Enabled: true}

	if err := os.MkdirAll(rootPath, 0o700); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: creating account root"))
		return exitFatal
	}

	refs, err := refdb.Create(rootPath, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: creating refcount db"))
		return exitFatal
	}
	defer refs.Close()
	if err := refs.Commit(); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: committing refcount db"))
		return exitFatal
	}

	root := storedir.New(refdb.RootDirectoryID)
	if err := storedir.Store(ctl, discSet, storectx.ObjectName(id, refdb.RootDirectoryID), root); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: storing root directory"))
		return exitFatal
	}

	secret, err := storectx.GenerateSecret(32)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: generating account secret"))
		return exitFatal
	}
	if err := storectx.SaveAccountSecret(acct, secret); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: saving account secret"))
		return exitFatal
	}

	if err := accounts.Insert(acct); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: inserting account record"))
		return exitFatal
	}

	fmt.Printf("account %d created, root object id %d\n", id, refdb.RootDirectoryID)
	return exitOK
}

type infoView struct {
	ID         int32  `json:"id"`
	DiscSet    int    `json:"disc_set"`
	RootPath   string `json:"root_path"`
	SoftBlocks int64  `json:"soft_blocks"`
	HardBlocks int64  `json:"hard_blocks"`
	Enabled    bool   `json:"enabled"`
}

func cmdInfo(accounts *accountdb.DB, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: boxadm info <id>")
		return exitFatal
	}
	id, err := parseAccountID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	acct, err := accounts.Lookup(id)
	if errors.Is(err, accountdb.ErrNotFound) {
		fmt.Fprintln(os.Stderr, err)
		return exitAccountMissing
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	v := infoView{ID: acct.ID, DiscSet: acct.DiscSetIndex, RootPath: acct.RootPath, SoftBlocks: acct.SoftBlocks, HardBlocks: acct.HardBlocks, Enabled: acct.Enabled}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: rendering info"))
		return exitFatal
	}
	fmt.Println(string(out))
	return exitOK
}

// cmdHousekeeping runs a one-shot pass outside of a live daemon: it
// acquires the account's write lock the same way a session would, runs
// RAID staging-file cleanup (ctl.CleanStaging, over every configured
// disc set) while holding it, then releases the lock. It does not run
// the old-version reap (storectx.Reap); boxstored's background
// Housekeeper (§4.6 "housekeeping hook") runs that on its own timer.
func cmdHousekeeping(accounts *accountdb.DB, ctl *raid.Controller, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: boxadm housekeeping <id>")
		return exitFatal
	}
	id, err := parseAccountID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	acct, err := accounts.Lookup(id)
	if errors.Is(err, accountdb.ErrNotFound) {
		fmt.Fprintln(os.Stderr, err)
		return exitAccountMissing
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}

	lockPath := filepath.Join(acct.RootPath, "write.lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			fmt.Fprintln(os.Stderr, "boxadm: account is locked by another session")
			return exitLockContention
		}
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	defer func() {
		lf.Close()
		os.Remove(lockPath)
	}()

	if err := ctl.CleanStaging(); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: cleaning raid staging files"))
		return exitFatal
	}
	fmt.Printf("account %d housekeeping pass complete\n", id)
	return exitOK
}

// cmdCheck rebuilds a temporary refcount database by walking the live
// directory tree from the root, then diffs it against the permanent
// database (§4.7's ReportChangesTo). With fix unset the rebuild is
// discarded after reporting; "check <id> fix" commits it, the same
// wholesale rebuild-and-replace approach the original store's account
// control tool uses rather than patching individual counts in place.
func cmdCheck(accounts *accountdb.DB, ctl *raid.Controller, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: boxadm check <id> [fix]")
		return exitFatal
	}
	id, err := parseAccountID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	fix := len(args) > 1 && args[1] == "fix"

	acct, err := accounts.Lookup(id)
	if errors.Is(err, accountdb.ErrNotFound) {
		fmt.Fprintln(os.Stderr, err)
		return exitAccountMissing
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}

	var lf *os.File
	lockPath := filepath.Join(acct.RootPath, "write.lock")
	if fix {
		lf, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			if os.IsExist(err) {
				fmt.Fprintln(os.Stderr, "boxadm: account is locked by another session")
				return exitLockContention
			}
			fmt.Fprintln(os.Stderr, err)
			return exitFatal
		}
		defer func() {
			lf.Close()
			os.Remove(lockPath)
		}()
	}

	real, err := refdb.Load(acct.RootPath, id, !fix)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: loading refcount db"))
		return exitFatal
	}
	defer real.Close()

	temp, err := refdb.Create(acct.RootPath, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: creating temporary refcount db"))
		return exitFatal
	}

	errs := &cos.Errs{}
	if err := walkDirectory(ctl, acct, temp, refdb.RootDirectoryID, errs); err != nil {
		temp.Discard()
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: walking directory tree"))
		return exitFatal
	}

	mismatches, err := temp.ReportChangesTo(real, func(objID int64, oldRefs, newRefs uint32) {
		errs.Add(fmt.Errorf("object %d: refcount %d on disc, %d from tree walk", objID, oldRefs, newRefs))
	})
	if err != nil {
		temp.Discard()
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: comparing refcount databases"))
		return exitFatal
	}

	if fix {
		if err := temp.Commit(); err != nil {
			fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: committing rebuilt refcount db"))
			return exitFatal
		}
	} else {
		temp.Discard()
	}

	report := struct {
		AccountID  int32  `json:"account_id"`
		Mismatches int    `json:"mismatches"`
		Fixed      bool   `json:"fixed"`
		Errors     []string `json:"errors,omitempty"`
	}{AccountID: id, Mismatches: mismatches, Fixed: fix}
	if errs.Cnt() > 0 {
		report.Errors = errorStrings(errs)
	}
	out, merr := json.MarshalIndent(report, "", "  ")
	if merr != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(merr, "boxadm: rendering check report"))
		return exitFatal
	}
	fmt.Println(string(out))
	if mismatches > 0 && !fix {
		return exitFatal
	}
	return exitOK
}

func errorStrings(errs *cos.Errs) []string {
	joined := errs.JoinErr()
	if joined == nil {
		return nil
	}
	return []string{joined.Error()}
}

// walkDirectory recurses the live tree from dirID, adding one reference
// per entry encountered (regardless of FlagDeleted/FlagOldVersion — both
// still hold a live reference until housekeeping purges them) into temp.
// The root directory itself is not referenced here: refdb.Create already
// seeded it with refcount 1.
func walkDirectory(ctl *raid.Controller, acct accountdb.Account, temp *refdb.DB, dirID int64, errs *cos.Errs) error {
	d, err := storedir.Load(ctl, acct.DiscSetIndex, storectx.ObjectName(acct.ID, dirID))
	if err != nil {
		errs.Add(errors.Wrapf(err, "loading directory %d", dirID))
		return nil
	}
	for _, e := range d.Entries {
		if _, err := temp.AddReference(e.ObjectID); err != nil {
			errs.Add(errors.Wrapf(err, "object %d", e.ObjectID))
			continue
		}
		if err := temp.SetDependencyAndSize(e.ObjectID, e.SizeInBlocks, 0, 0); err != nil {
			errs.Add(err)
		}
		if e.Flags&storedir.FlagDir != 0 {
			if err := walkDirectory(ctl, acct, temp, e.ObjectID, errs); err != nil {
				return err
			}
		}
	}
	return nil
}

func cmdSetLimit(accounts *accountdb.DB, args []string) int {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: boxadm set-limit <id> <soft> <hard>")
		return exitFatal
	}
	id, err := parseAccountID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	soft, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: bad soft limit"))
		return exitFatal
	}
	hard, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "boxadm: bad hard limit"))
		return exitFatal
	}
	if err := accounts.SetLimits(id, soft, hard); err != nil {
		if errors.Is(err, accountdb.ErrNotFound) {
			fmt.Fprintln(os.Stderr, err)
			return exitAccountMissing
		}
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	fmt.Printf("account %d limits set to soft=%d hard=%d\n", id, soft, hard)
	return exitOK
}
