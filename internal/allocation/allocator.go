// Package allocation maps users onto variants deterministically.
//
// The bucket of a user is FNV-1a (32-bit) over the UTF-8 bytes of the
// identifier, modulo 100. It does not depend on process state, so the same
// user lands in the same bucket across restarts and across implementations.
package allocation

import (
	"hash/fnv"

	"github.com/headline-goat/splitgoat/internal/store"
)

// Buckets is the number of hash buckets. Traffic weights are percentages of it.
const Buckets = 100

// Bucket returns a stable value in [0, Buckets) for key.
func Bucket(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % Buckets)
}

// Assign returns the ID of the variant userID falls into.
//
// Variants are walked in list order accumulating TrafficWeight; the first
// variant whose cumulative weight reaches the user's position (bucket+1) wins.
// When rounding leaves the position uncovered, the control variant (or the
// first variant) is returned. An empty list yields "".
func Assign(variants []store.Variant, userID string) string {
	if len(variants) == 0 {
		return ""
	}

	// 1-based so a weight of w covers exactly w whole buckets.
	position := float64(Bucket(userID) + 1)
	cumulative := 0.0
	for _, v := range variants {
		if v.TrafficWeight <= 0 {
			continue
		}
		cumulative += v.TrafficWeight
		if cumulative >= position {
			return v.ID
		}
	}

	return fallback(variants)
}

func fallback(variants []store.Variant) string {
	for _, v := range variants {
		if v.IsControl {
			return v.ID
		}
	}
	return variants[0].ID
}

// InTraffic reports whether userID falls inside the first percent of buckets
// for the given salt. Gates use their own salt so they stay independent of
// the variant bucket.
func InTraffic(salt, userID string, percent float64) bool {
	if percent >= Buckets {
		return true
	}
	if percent <= 0 {
		return false
	}
	return float64(Bucket(salt+":"+userID)) < percent
}
