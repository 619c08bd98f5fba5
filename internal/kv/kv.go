// Package kv provides bounded synchronous key-value storage for stream
// state. The contract models browser local storage: string keys and
// values, a hard byte ceiling, and quota errors surfaced on write.
package kv

import "errors"

var (
	ErrNotFound      = errors.New("kv: key not found")
	ErrQuotaExceeded = errors.New("kv: storage quota exceeded")
)

type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
}

// EstimateBytes approximates the storage cost of an entry at two bytes
// per UTF-16 code unit, matching how browser storage accounts strings.
func EstimateBytes(key, value string) int64 {
	return utf16Units(key)*2 + utf16Units(value)*2
}

func utf16Units(s string) int64 {
	var units int64
	for _, r := range s {
		if r > 0xFFFF {
			units += 2
			continue
		}
		units++
	}
	return units
}
