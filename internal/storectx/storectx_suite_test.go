package storectx_test

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/boxstore/store/internal/accountdb"
	"github.com/boxstore/store/internal/config"
	"github.com/boxstore/store/internal/raid"
	"github.com/boxstore/store/internal/refdb"
	"github.com/boxstore/store/internal/storectx"
	"github.com/boxstore/store/internal/storedir"
)

func mustReader(s string) io.Reader { return bytes.NewReader([]byte(s)) }

func tempDir() string {
	d, err := os.MkdirTemp("", "storectx-suite-")
	Expect(err).NotTo(HaveOccurred())
	return d
}

func TestStorectx(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

type fixture struct {
	ctl  *raid.Controller
	db   *accountdb.DB
	acct accountdb.Account
}

func newFixture() *fixture {
	raidDir := tempDir()
	root, err := config.Load(mustReader(`
0
{
SetNumber = 0
BlockSize = 4096
Dir0 = ` + raidDir + `
Dir1 = ` + raidDir + `
Dir2 = ` + raidDir + `
}
`))
	Expect(err).NotTo(HaveOccurred())
	ctl, err := raid.LoadController(root)
	Expect(err).NotTo(HaveOccurred())

	acctRoot := tempDir()
	db, err := accountdb.Open(tempDir())
	Expect(err).NotTo(HaveOccurred())
	acct := accountdb.Account{ID: 7, DiscSetIndex: 0, RootPath: acctRoot, SoftBlocks: 1000, HardBlocks: 2000, Enabled: true}
	Expect(db.Insert(acct)).To(Succeed())

	refsDB, err := refdb.Create(acctRoot, 7)
	Expect(err).NotTo(HaveOccurred())
	Expect(refsDB.Commit()).To(Succeed())

	return &fixture{ctl: ctl, db: db, acct: acct}
}

func (f *fixture) seedRoot() {
	root := storedir.New(refdb.RootDirectoryID)
	name := objectNameForTest(f.acct.ID, refdb.RootDirectoryID)
	Expect(storedir.Store(f.ctl, f.acct.DiscSetIndex, name, root)).To(Succeed())
}

// objectNameForTest mirrors storectx's unexported object-sharding scheme
// (accountID/high-byte/id.obj) so the black-box suite can seed the root
// directory object exactly where Login will look for it.
func objectNameForTest(accountID int32, id int64) string {
	return fmt.Sprintf("%08x/%02x/%016x.obj", uint32(accountID), (id>>16)&0xff, uint64(id))
}

var _ = Describe("Context", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
		f.seedRoot()
	})

	Describe("Login", func() {
		It("succeeds read-write and acquires the account write lock", func() {
			ctx := storectx.New(nil, f.db, f.ctl, nil)
			Expect(ctx.Login(7, true, []byte("s3cr3t-key-0123456789abcdef"))).To(Succeed())
			defer ctx.Close()
			_, err := os.Stat(f.acct.RootPath + "/write.lock")
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects a second concurrent read-write login with ErrAlreadyLocked", func() {
			first := storectx.New(nil, f.db, f.ctl, nil)
			Expect(first.Login(7, true, []byte("s3cr3t-key-0123456789abcdef"))).To(Succeed())
			defer first.Close()

			second := storectx.New(nil, f.db, f.ctl, nil)
			err := second.Login(7, true, []byte("s3cr3t-key-0123456789abcdef"))
			Expect(err).To(MatchError(storectx.ErrAlreadyLocked))
		})

		It("rejects login to a disabled account", func() {
			disabled := accountdb.Account{
				ID: 8, DiscSetIndex: 0, RootPath: tempDir(),
				SoftBlocks: 1000, HardBlocks: 2000, Enabled: false,
			}
			Expect(f.db.Insert(disabled)).To(Succeed())

			ctx := storectx.New(nil, f.db, f.ctl, nil)
			err := ctx.Login(8, false, nil)
			Expect(err).To(MatchError(storectx.ErrAccountDisabled))
		})
	})

	Describe("file lifecycle", func() {
		var ctx *storectx.Context
		secret := []byte("s3cr3t-key-0123456789abcdef")

		BeforeEach(func() {
			ctx = storectx.New(nil, f.db, f.ctl, nil)
			Expect(ctx.Login(7, true, secret)).To(Succeed())
		})

		AfterEach(func() {
			Expect(ctx.Close()).To(Succeed())
		})

		It("round-trips a stored file through delete and undelete", func() {
			data := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk")
			id, err := ctx.AddFile(1, 1, 0, 0, []byte("quick.txt"), data, true)
			Expect(err).NotTo(HaveOccurred())

			Expect(ctx.DeleteFile(1, []byte("quick.txt"))).To(Succeed())
			entries, err := ctx.ListDirectory(1, storedir.FlagDeleted, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ObjectID).To(Equal(id))

			Expect(ctx.UndeleteFile(1, id)).To(Succeed())
			live, err := ctx.ListDirectory(1, 0, storedir.FlagDeleted)
			Expect(err).NotTo(HaveOccurred())
			Expect(live).To(HaveLen(1))

			got, err := ctx.GetFile(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(data))
		})
	})
})
