package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/yourorg/valuation-api/internal/model"
)

// IdentityKey derives a stable key from the exact identity fields. Fields are
// length-prefixed so no two distinct identities can serialize to the same
// input ("A|B" + "C" vs "A" + "B|C").
func IdentityKey(id model.PropertyIdentity) string {
	var b strings.Builder
	for _, f := range []string{id.Address, id.City, id.State, id.Zip} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// CacheKey scopes a data-type tag to one property. Tags are things like
// "comps" or "estimate.attom".
func CacheKey(id model.PropertyIdentity, tag string) string {
	return "arv:" + tag + ":" + IdentityKey(id)
}
