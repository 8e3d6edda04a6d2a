package storectx

import (
	"os"
	"path/filepath"

	"github.com/boxstore/store/internal/accountdb"
	"github.com/boxstore/store/internal/fname"
)

// accountSecretSize is the length in bytes of a generated account secret
// (256 bits, matching the ChaCha20 key size storefile derives from it).
const accountSecretSize = 32

// GenerateSecret returns n cryptographically random bytes, exported for
// boxadm's create-account to mint a fresh per-account secret without
// duplicating crypto/rand plumbing.
func GenerateSecret(n int) ([]byte, error) { return randomSecret(n) }

// AccountSecretPath returns the path boxadm writes (and boxstored reads)
// an account's symmetric secret at (§4.4).
func AccountSecretPath(a accountdb.Account) string {
	return filepath.Join(accountInfoDir(a), fname.AccountKey)
}

// SaveAccountSecret writes secret to a's key file, creating the account's
// info directory if needed. Caller-generated, so no default length is
// enforced here beyond what GenerateSecret produces.
func SaveAccountSecret(a accountdb.Account, secret []byte) error {
	if err := os.MkdirAll(accountInfoDir(a), 0o700); err != nil {
		return err
	}
	return os.WriteFile(AccountSecretPath(a), secret, 0o600)
}

// LoadAccountSecret reads back the secret SaveAccountSecret wrote.
func LoadAccountSecret(a accountdb.Account) ([]byte, error) {
	return os.ReadFile(AccountSecretPath(a))
}
