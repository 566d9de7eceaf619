package utils

import "hash/fnv"

// Fingerprint returns a deterministic 64-bit fingerprint of s, used to turn
// a resolved transfer URI into a cache id.
func Fingerprint(s string) uint64 {
	hash := fnv.New64a()
	hash.Write([]byte(s))
	return hash.Sum64()
}
