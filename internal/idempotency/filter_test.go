package idempotency

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoik/email-assistant/internal/domain"
	"github.com/stoik/email-assistant/internal/ports"
	"github.com/stoik/email-assistant/internal/storage/sqlite"
)

func openTestStore(t *testing.T) ports.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "assistant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertInserter(messageID, body string) Inserter {
	return func(ctx context.Context, tx ports.Tx, textHash string) (int64, error) {
		return tx.InsertEmail(ctx, &domain.Email{
			MessageID:  messageID,
			From:       "patient@example.com",
			Subject:    "Anfrage",
			BodyText:   body,
			TextHash:   textHash,
			ReceivedAt: time.Now().UTC(),
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		})
	}
}

func TestFilter_ProcessRejectsDuplicateMessageID(t *testing.T) {
	store := openTestStore(t)
	f := New(store)

	first, err := f.Process(context.Background(), "x", "Ich brauche ein Rezept", insertInserter("x", "Ich brauche ein Rezept"))
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)

	second, err := f.Process(context.Background(), "x", "Ich brauche ein Rezept", insertInserter("x", "Ich brauche ein Rezept"))
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.ID, second.ID)
}

func TestFilter_ProcessRejectsDuplicateContentUnderDifferentMessageID(t *testing.T) {
	store := openTestStore(t)
	f := New(store)

	first, err := f.Process(context.Background(), "m1", "Kann ich einen Termin bekommen?", insertInserter("m1", "Kann ich einen Termin bekommen?"))
	require.NoError(t, err)
	require.False(t, first.IsDuplicate)

	second, err := f.Process(context.Background(), "m2", "Kann ich einen Termin bekommen?", insertInserter("m2", "Kann ich einen Termin bekommen?"))
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate, "same normalized content under a new message id is still a duplicate by text hash")
}

func TestFilter_ProcessNormalizesWhitespaceBeforeHashing(t *testing.T) {
	hashA := TextHash("m1", "Kann ich   einen Termin\r\nbekommen?")
	hashB := TextHash("m1", "kann ich einen termin bekommen?")
	assert.Equal(t, hashA, hashB)
}

func TestFilter_ProcessPreservesUmlautsInsteadOfStrippingThem(t *testing.T) {
	hashA := TextHash("m1", "Müller könnte öäüß brauchen")
	hashB := TextHash("m1", "Schmidt könnte öäüß brauchen")
	assert.NotEqual(t, hashA, hashB, "distinct German text differing only by name must not collide after normalization")

	same := TextHash("m1", "müller könnte öäüß brauchen")
	assert.Equal(t, hashA, same, "casing-only difference in umlaut text still hashes identically")
}

func TestFilter_ProcessBatchRejectsInBatchRepeats(t *testing.T) {
	store := openTestStore(t)
	f := New(store)

	items := []BatchItem{
		{MessageID: "a", Body: "Termin bitte", Insert: insertInserter("a", "Termin bitte")},
		{MessageID: "b", Body: "Termin bitte", Insert: insertInserter("b", "Termin bitte")},
	}

	results, err := f.ProcessBatch(context.Background(), items)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Result.IsDuplicate)
	assert.True(t, results[1].Result.IsDuplicate, "identical content appearing twice in one batch must be rejected without a second store round trip")
}
