// Package accountdb implements the account database (§4.8, C8): a flat
// persisted set of account records, wholly read at startup and rewritten
// via staging-file-then-rename for atomicity, the same durability idiom
// C3 uses for its own commits. No original_source file for this
// component survived distillation into the retrieval pack (boxbackup
// calls the equivalent structure BackupStoreAccountDatabase, whose source
// isn't present here) so the on-disk format below is this module's own,
// built directly from spec §4.8 rather than adapted line-for-line; the
// record layout and atomic-write style still follow refdb's conventions
// for consistency within the module.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package accountdb

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/boxstore/store/internal/fname"
)

var (
	ErrNotFound      = errors.New("accountdb: account not found")
	ErrAlreadyExists = errors.New("accountdb: account already exists")
)

// Account is one persisted record (§4.8).
type Account struct {
	ID           int32
	DiscSetIndex int
	RootPath     string
	SoftBlocks   int64
	HardBlocks   int64
	Enabled      bool
}

// DB is the in-memory mirror of the account database file, loaded wholly
// at startup; writers serialize their own mutations with mu and persist
// the whole set on every change.
type DB struct {
	mu       sync.RWMutex
	path     string
	accounts map[int32]*Account
}

// Open loads dbDir/accounts.db (creating an empty one if absent).
func Open(dbDir string) (*DB, error) {
	path := filepath.Join(dbDir, fname.AccountDB)
	db := &DB{path: path, accounts: make(map[int32]*Account)}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return db, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := db.load(f); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *DB) load(f *os.File) error {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		a, err := parseRecord(line)
		if err != nil {
			return fmt.Errorf("accountdb: %w", err)
		}
		db.accounts[a.ID] = a
	}
	return sc.Err()
}

func parseRecord(line string) (*Account, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return nil, fmt.Errorf("malformed record: %q", line)
	}
	id, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return nil, err
	}
	discSet, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, err
	}
	soft, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, err
	}
	hard, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, err
	}
	enabled, err := strconv.ParseBool(fields[5])
	if err != nil {
		return nil, err
	}
	return &Account{
		ID:           int32(id),
		DiscSetIndex: discSet,
		RootPath:     fields[2],
		SoftBlocks:   soft,
		HardBlocks:   hard,
		Enabled:      enabled,
	}, nil
}

func formatRecord(a *Account) string {
	return fmt.Sprintf("%d\t%d\t%s\t%d\t%d\t%t",
		a.ID, a.DiscSetIndex, a.RootPath, a.SoftBlocks, a.HardBlocks, a.Enabled)
}

// Lookup returns a copy of the account record for id.
func (db *DB) Lookup(id int32) (Account, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	a, ok := db.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *a, nil
}

// Enumerate returns a copy of every account record, in id order.
func (db *DB) Enumerate() []Account {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]Account, 0, len(db.accounts))
	for _, a := range db.accounts {
		out = append(out, *a)
	}
	sortAccountsByID(out)
	return out
}

func sortAccountsByID(a []Account) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1].ID > a[j].ID; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}

// Insert adds a new account record, failing if the id already exists.
func (db *DB) Insert(a Account) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.accounts[a.ID]; exists {
		return ErrAlreadyExists
	}
	rec := a
	db.accounts[a.ID] = &rec
	return db.persistLocked()
}

// Remove deletes id's account record.
func (db *DB) Remove(id int32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.accounts[id]; !exists {
		return ErrNotFound
	}
	delete(db.accounts, id)
	return db.persistLocked()
}

// SetLimits updates an existing account's soft/hard block limits.
func (db *DB) SetLimits(id int32, soft, hard int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	a, exists := db.accounts[id]
	if !exists {
		return ErrNotFound
	}
	a.SoftBlocks, a.HardBlocks = soft, hard
	return db.persistLocked()
}

// persistLocked rewrites the whole database via a staging file and
// atomic rename; caller must hold mu.
func (db *DB) persistLocked() error {
	staging := filepath.Join(filepath.Dir(db.path), fname.AccountDBTemp)
	if err := os.MkdirAll(filepath.Dir(db.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	ids := make([]int32, 0, len(db.accounts))
	for id := range db.accounts {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	w := bufio.NewWriter(f)
	for _, id := range ids {
		if _, err := fmt.Fprintln(w, formatRecord(db.accounts[id])); err != nil {
			f.Close()
			os.Remove(staging)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(staging)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(staging)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return err
	}
	return os.Rename(staging, db.path)
}
