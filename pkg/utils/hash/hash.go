package hash

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashString returns the xxhash64 digest of s as 16 lowercase hex digits.
func HashString(s string) string {
	sum := strconv.FormatUint(xxhash.Sum64String(s), 16)
	for len(sum) < 16 {
		sum = "0" + sum
	}
	return sum
}
