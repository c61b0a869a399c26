// Package keyspace resolves keys against the registered collection-key
// vocabulary.
package keyspace

import (
	"fmt"
	"sort"
	"strings"
)

// LookupError is returned when a key belongs to no registered collection.
type LookupError struct {
	Key string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("statekv: key %q does not belong to a registered collection", e.Key)
}

// Space is an immutable set of collection keys.
type Space struct {
	keys  map[string]struct{}
	byLen []string // longest first
}

func New(collectionKeys []string) *Space {
	s := &Space{keys: make(map[string]struct{}, len(collectionKeys))}
	for _, k := range collectionKeys {
		if k == "" {
			continue
		}
		if _, dup := s.keys[k]; dup {
			continue
		}
		s.keys[k] = struct{}{}
		s.byLen = append(s.byLen, k)
	}
	sort.Slice(s.byLen, func(i, j int) bool {
		if len(s.byLen[i]) != len(s.byLen[j]) {
			return len(s.byLen[i]) > len(s.byLen[j])
		}
		return s.byLen[i] < s.byLen[j]
	})
	return s
}

// IsCollectionKey reports whether key is itself a registered collection key.
func (s *Space) IsCollectionKey(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// IsMember reports whether key is a member of collectionKey.
func IsMember(collectionKey, key string) bool {
	return len(key) > len(collectionKey) && strings.HasPrefix(key, collectionKey)
}

// CollectionOf returns the longest registered collection key that prefixes
// key. A collection key resolves to itself.
func (s *Space) CollectionOf(key string) (string, error) {
	if ck, ok := s.Lookup(key); ok {
		return ck, nil
	}
	return "", &LookupError{Key: key}
}

// Lookup is CollectionOf without the error.
func (s *Space) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	for _, ck := range s.byLen {
		if strings.HasPrefix(key, ck) {
			return ck, true
		}
	}
	return "", false
}
