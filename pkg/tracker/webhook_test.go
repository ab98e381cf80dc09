package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("shared-secret")
	body := []byte(`{"issue_id":"REL-42","state":"approved"}`)
	sig := Sign(secret, body)

	t.Run("valid signature passes", func(t *testing.T) {
		assert.NoError(t, VerifySignature(secret, body, sig))
	})

	t.Run("wrong secret fails", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature([]byte("other"), body, sig), ErrBadSignature)
	})

	t.Run("tampered body fails", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(secret, []byte(`{"issue_id":"REL-43","state":"approved"}`), sig), ErrBadSignature)
	})

	t.Run("missing prefix fails", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(secret, body, "deadbeef"), ErrBadSignature)
	})

	t.Run("empty signature fails", func(t *testing.T) {
		assert.ErrorIs(t, VerifySignature(secret, body, ""), ErrBadSignature)
	})
}

func TestParseWebhook(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		p, err := ParseWebhook([]byte(`{"issue_id":"REL-42","state":"approved","actor":"alice"}`))
		require.NoError(t, err)
		assert.Equal(t, "REL-42", p.IssueID)
		assert.Equal(t, "approved", p.State)
		assert.Equal(t, "alice", p.Actor)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseWebhook([]byte(`{`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing issue id", func(t *testing.T) {
		_, err := ParseWebhook([]byte(`{"state":"approved"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("missing state", func(t *testing.T) {
		_, err := ParseWebhook([]byte(`{"issue_id":"REL-42"}`))
		assert.ErrorIs(t, err, ErrMalformed)
	})
}
