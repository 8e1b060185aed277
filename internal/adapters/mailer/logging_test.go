package mailer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingSender_SendIsIdempotentByCorrelationID(t *testing.T) {
	s := New()

	first, err := s.Send(context.Background(), "patient@example.com", "Re: Termin", "body", "corr-1")
	require.NoError(t, err)
	assert.True(t, first.OK)

	second, err := s.Send(context.Background(), "patient@example.com", "Re: Termin", "body", "corr-1")
	require.NoError(t, err)
	assert.Equal(t, first.ProviderID, second.ProviderID, "a repeated correlationID must report the same provider id, not send again")
}

func TestLoggingSender_DistinctCorrelationIDsGetDistinctProviderIDs(t *testing.T) {
	s := New()

	first, err := s.Send(context.Background(), "a@example.com", "subj", "body", "corr-a")
	require.NoError(t, err)
	second, err := s.Send(context.Background(), "b@example.com", "subj", "body", "corr-b")
	require.NoError(t, err)

	assert.NotEqual(t, first.ProviderID, second.ProviderID)
}
