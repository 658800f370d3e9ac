// Package storage defines the hierarchical, TTL-aware key-value contract
// that every flow and credential in the issuer is built on, along with
// adapters for several backends.
//
// Keys are sequences of string segments. Adapters join segments with a
// non-printable separator so that prefix scans are unambiguous across
// backends: scanning ["oauth:refresh", "sub"] can never match a key whose
// first segment merely starts with "oauth:refresh".
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Separator joins key segments. It is the ASCII unit separator, chosen
// because it cannot appear in URLs, emails, or UUIDs.
const Separator = "\x1f"

// ErrNoScan is returned by adapters that cannot enumerate keys by prefix.
var ErrNoScan = errors.New("storage: adapter does not support prefix scans")

// Entry is a single key-value pair yielded by Scan.
type Entry struct {
	Key   []string
	Value json.RawMessage
}

// Adapter is the storage contract. Get, Set, Remove and Scan are each
// individually atomic; the issuer never requires cross-key transactions.
// Expired values must be invisible to Get and Scan; adapters may delete
// them lazily.
type Adapter interface {
	// Get returns the value stored at key, or ok=false if absent or expired.
	Get(ctx context.Context, key []string) (value json.RawMessage, ok bool, err error)

	// Set stores value at key. A zero ttl means the entry does not expire.
	Set(ctx context.Context, key []string, value json.RawMessage, ttl time.Duration) error

	// Remove deletes the entry at key. Removing an absent key is not an error.
	Remove(ctx context.Context, key []string) error

	// Scan returns all live entries whose key begins with prefix,
	// segment-wise. Order is unspecified.
	Scan(ctx context.Context, prefix []string) ([]Entry, error)
}

// JoinKey encodes segments into a single string key. Segments containing
// the separator are silently stripped of it, so a hostile segment cannot
// smuggle itself into a different key family.
func JoinKey(segments []string) string {
	cleaned := make([]string, len(segments))
	for i, s := range segments {
		cleaned[i] = strings.ReplaceAll(s, Separator, "")
	}
	return strings.Join(cleaned, Separator)
}

// SplitKey is the inverse of JoinKey.
func SplitKey(key string) []string {
	return strings.Split(key, Separator)
}

// GetJSON fetches key and unmarshals it into out. Returns ok=false when
// the key is absent.
func GetJSON(ctx context.Context, a Adapter, key []string, out any) (bool, error) {
	raw, ok, err := a.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals value and stores it at key.
func SetJSON(ctx context.Context, a Adapter, key []string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return a.Set(ctx, key, raw, ttl)
}
