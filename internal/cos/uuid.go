package cos

import (
	"strconv"
	"sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// Alphabet for generated ids, chosen (as in the upstream store this is
// modeled on) so its length exceeds 0x3f - see genTie.
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const LenShortID = 9 // per https://github.com/teris-io/shortid#id-length

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

// InitUUIDGen seeds the process-wide id generator. GenSessionID calls it
// with a counter-derived seed if it has not been called yet.
func InitUUIDGen(seed uint64) {
	sid = shortid.MustNew(4, idABC, seed)
}

// GenSessionID produces an opaque, collision-resistant session
// identifier. Nothing in this module calls it: sessions are not tagged
// with an id in log lines or housekeeping jobs.
func GenSessionID() string {
	if sid == nil {
		InitUUIDGen(uint64(rtie.Add(1)))
	}
	uuid := sid.MustGenerate()
	return uuid + genTie()
}

// 2-byte tie-breaker appended to reduce the (already small) chance of
// collision when the generator is reseeded rapidly in tests.
func genTie() string {
	tie := rtie.Add(1)
	b0 := idABC[tie&0x3f]
	b1 := idABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1})
}

// HashString is a whitened 64-bit digest of s, used by internal/raid for
// disc-set placement.
func HashString(s string) uint64 {
	return xxhash.Checksum64S(UnsafeB(s), MLCG32)
}

// FormatU64 renders a uint64 in base36, used for compact log fields.
func FormatU64(v uint64) string { return strconv.FormatUint(v, 36) }
