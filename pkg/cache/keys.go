package cache

import (
	"fmt"
	"pixcache/pkg/models"
	"pixcache/pkg/utils/hash"
)

// SanitizeKey keeps only ASCII letters and digits. It is the key mapping of
// caches written before hashed keys existed. It is lossy: "http://a/b" and
// "http:a-b" map to the same entry.
func SanitizeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, c)
		}
	}
	return string(out)
}

// HashKey maps a key to the hex xxhash64 digest of the whole key.
func HashKey(key string) string {
	return hash.HashString(key)
}

func keyMapper(strategy string) (func(string) string, error) {
	switch strategy {
	case "", models.KEY_STRATEGY_HASH:
		return HashKey, nil
	case models.KEY_STRATEGY_SANITIZE:
		return SanitizeKey, nil
	default:
		return nil, fmt.Errorf("unknown key strategy %q", strategy)
	}
}
