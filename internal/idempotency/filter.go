// Package idempotency implements the Idempotency Filter: it
// normalizes and hashes incoming messages and rejects duplicates by
// message-id or by content-hash, inside a single store transaction.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/stoik/email-assistant/internal/ports"
)

// allowedChars keeps [letters, digits, space, newline, .,!?@-]; everything
// else is stripped during normalization. \p{L}/\p{N} (not ASCII \w) so
// umlauts and ß in German message bodies survive and don't collapse two
// distinct messages onto the same hash.
var allowedChars = regexp.MustCompile(`[^\p{L}\p{N}\s.,!?@-]`)
var whitespaceRun = regexp.MustCompile(`\s+`)
var crlfRun = regexp.MustCompile(`\r\n|\r|\n`)

// normalize lower-cases, normalizes line endings to LF, collapses every
// whitespace run (line breaks included) to a single space, strips
// disallowed characters, and trims.
func normalize(body string) string {
	s := strings.ToLower(body)
	s = crlfRun.ReplaceAllString(s, "\n")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = allowedChars.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// TextHash computes the content hash: SHA-256 over
// "${message_id}:${normalized_body}".
func TextHash(messageID, body string) string {
	sum := sha256.Sum256([]byte(messageID + ":" + normalize(body)))
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of Filter.Process.
type Result struct {
	ID          int64
	IsDuplicate bool
}

// Inserter creates the email row inside the active transaction. Callers
// supply the already-computed text hash via the InsertEmail argument's
// TextHash field.
type Inserter func(ctx context.Context, tx ports.Tx, textHash string) (int64, error)

// Filter implements duplicate detection and transactional insertion.
type Filter struct {
	store ports.Store
}

// New creates an idempotency Filter backed by store.
func New(store ports.Store) *Filter {
	return &Filter{store: store}
}

// Process checks messageID/body for duplication and, if new, calls
// inserter inside a transaction that also stores the text hash. Returns
// {id, false} for a freshly inserted row, or {id, true} if a duplicate by
// message-id or text-hash was found.
func (f *Filter) Process(ctx context.Context, messageID, body string, inserter Inserter) (Result, error) {
	hash := TextHash(messageID, body)
	var result Result

	err := f.store.Transaction(ctx, func(tx ports.Tx) error {
		if existing, err := tx.FindEmailByMessageID(ctx, messageID); err != nil {
			return fmt.Errorf("lookup by message id: %w", err)
		} else if existing != nil {
			result = Result{ID: existing.ID, IsDuplicate: true}
			return nil
		}

		if existing, err := tx.FindEmailByTextHash(ctx, hash); err != nil {
			return fmt.Errorf("lookup by text hash: %w", err)
		} else if existing != nil {
			result = Result{ID: existing.ID, IsDuplicate: true}
			return nil
		}

		id, err := inserter(ctx, tx, hash)
		if err != nil {
			return fmt.Errorf("insert email: %w", err)
		}
		result = Result{ID: id, IsDuplicate: false}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// BatchItem is one message submitted to ProcessBatch.
type BatchItem struct {
	MessageID string
	Body      string
	Insert    Inserter
}

// BatchResult pairs a BatchItem's outcome with its original index.
type BatchResult struct {
	Index  int
	Result Result
}

// ProcessBatch runs Process for each item, additionally rejecting
// in-batch repeats (same message-id or same normalized text hash
// appearing twice within the batch) using an in-memory set.
func (f *Filter) ProcessBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	seenMessageIDs := make(map[string]bool, len(items))
	seenHashes := make(map[string]bool, len(items))
	var mu sync.Mutex

	results := make([]BatchResult, len(items))
	for i, item := range items {
		hash := TextHash(item.MessageID, item.Body)

		mu.Lock()
		dup := seenMessageIDs[item.MessageID] || seenHashes[hash]
		if !dup {
			seenMessageIDs[item.MessageID] = true
			seenHashes[hash] = true
		}
		mu.Unlock()

		if dup {
			results[i] = BatchResult{Index: i, Result: Result{IsDuplicate: true}}
			continue
		}

		res, err := f.Process(ctx, item.MessageID, item.Body, item.Insert)
		if err != nil {
			return nil, fmt.Errorf("process batch item %d: %w", i, err)
		}
		results[i] = BatchResult{Index: i, Result: res}
	}
	return results, nil
}
