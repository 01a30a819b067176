// ichigyo/ichigyo_store.go
// Implements the sharded per-document state store shared by all LSP handlers.
package ichigyo

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ============================================================================
// Document State Store
// ============================================================================

// DocumentEntry is an immutable snapshot of everything known about one document.
//
// Text and Messages always travel together: Messages were produced by linting
// Text, and fix ranges inside Messages index into Text. Live is the newest
// buffer content reported by the client and may be ahead of Text between an
// edit and the next lint. Quick fixes are computed against Text, so a fix
// offered after an unsaved edit applies at the position the linter saw.
//
// Session identifies one open/close lifetime of the URI. A lint started in an
// earlier session can never commit into a reopened document.
type DocumentEntry struct {
	URI         DocumentURI
	Session     uint64
	Text        string
	Messages    []LinterMessage
	LintVersion int
	Linted      bool
	Live        string
	Version     int
}

type storeShard struct {
	mu      sync.RWMutex
	entries map[DocumentURI]*DocumentEntry
}

// DocumentStore is a concurrent map of DocumentURI to DocumentEntry.
// Keys are spread over independently locked shards so that unrelated
// documents never contend; operations on one key are serialized by its shard.
type DocumentStore struct {
	shards   []*storeShard
	sessions atomic.Uint64
}

// NewDocumentStore creates a store with the given number of shards.
func NewDocumentStore(shards int) *DocumentStore {
	if shards <= 0 {
		shards = defaultStoreShards
	}
	s := &DocumentStore{shards: make([]*storeShard, shards)}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[DocumentURI]*DocumentEntry)}
	}
	return s
}

func (s *DocumentStore) shardFor(uri DocumentURI) *storeShard {
	return s.shards[xxhash.Sum64String(string(uri))%uint64(len(s.shards))]
}

// Upsert commits a lint result: the text that was linted and the messages it
// produced. A result for an older version than the last committed lint is
// refused and false is returned. Live only moves forward, so a slow lint never
// rolls back a newer edit.
func (s *DocumentStore) Upsert(uri DocumentURI, version int, text string, messages []LinterMessage) bool {
	shard := s.shardFor(uri)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	next := DocumentEntry{URI: uri, Session: s.sessions.Add(1), Live: text, Version: version}
	if cur, ok := shard.entries[uri]; ok {
		if cur.Linted && version < cur.LintVersion {
			return false
		}
		next = *cur
		if version >= cur.Version {
			next.Live = text
			next.Version = version
		}
	}
	next.Text = text
	next.Messages = messages
	next.LintVersion = version
	next.Linted = true
	shard.entries[uri] = &next
	return true
}

// CommitLint stores a lint result for a document that is still open in the
// given session. Unlike Upsert it never creates an entry and never touches
// Live or Version: text is whatever the linter actually read. It returns false
// when the document was closed or reopened since the lint started, or when a
// newer version has already been committed.
func (s *DocumentStore) CommitLint(uri DocumentURI, session uint64, version int, text string, messages []LinterMessage) bool {
	shard := s.shardFor(uri)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	cur, ok := shard.entries[uri]
	if !ok || cur.Session != session {
		return false
	}
	if cur.Linted && version < cur.LintVersion {
		return false
	}
	next := *cur
	next.Text = text
	next.Messages = messages
	next.LintVersion = version
	next.Linted = true
	shard.entries[uri] = &next
	return true
}

// Get returns the current snapshot for uri. Absence means "no fixes available".
func (s *DocumentStore) Get(uri DocumentURI) (DocumentEntry, bool) {
	shard := s.shardFor(uri)
	shard.mu.RLock()
	entry, ok := shard.entries[uri]
	shard.mu.RUnlock()
	if !ok {
		return DocumentEntry{}, false
	}
	return *entry, true
}

// UpdateText records new buffer content without linting it. Out-of-order
// versions are ignored and false is returned. The entry is created if absent.
func (s *DocumentStore) UpdateText(uri DocumentURI, version int, text string) bool {
	shard := s.shardFor(uri)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	next := DocumentEntry{URI: uri, Session: s.sessions.Add(1)}
	if cur, ok := shard.entries[uri]; ok {
		if version < cur.Version {
			return false
		}
		next = *cur
	}
	next.Live = text
	next.Version = version
	shard.entries[uri] = &next
	return true
}

// Remove forgets uri.
func (s *DocumentStore) Remove(uri DocumentURI) {
	shard := s.shardFor(uri)
	shard.mu.Lock()
	delete(shard.entries, uri)
	shard.mu.Unlock()
}

// Len returns the number of tracked documents.
func (s *DocumentStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.entries)
		shard.mu.RUnlock()
	}
	return n
}

// URIs returns the tracked document URIs in no particular order.
func (s *DocumentStore) URIs() []DocumentURI {
	var uris []DocumentURI
	for _, shard := range s.shards {
		shard.mu.RLock()
		for uri := range shard.entries {
			uris = append(uris, uri)
		}
		shard.mu.RUnlock()
	}
	return uris
}
