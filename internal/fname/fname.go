// Package fname contains well-known, on-disk filename constants shared by
// the store engine, reference-count database, and account database.
// See spec §6.2 (on-disc layout) and §3.5, §3.6.
/*
 * Copyright (c) 2024, Box Store maintainers. All rights reserved.
 */
package fname

const (
	// per-account info blob (§3.5), staged via "<name>.X" + rename
	InfoBlob     = "info"
	InfoBlobTemp = "info.X"

	// per-account reference-count meta-base (§3.6)
	RefCountDB     = "StoreObjectMetaBase.rdb"
	RefCountDBTemp = "StoreObjectMetaBase.rdb.X"

	// per-account write lock (§5)
	WriteLock = "write.lock"

	// process-wide account database (§4.8)
	AccountDB     = "accounts.db"
	AccountDBTemp = "accounts.db.X"

	// RAID staging file suffix (§4.3): staging files are named
	// "<final name>.rfw"; garbage-collected on startup
	StagingPrefix = "rfw"

	// per-account symmetric secret (§4.4), generated once by boxadm
	// create-account and read by boxstored at Login time
	AccountKey = "key"
)
