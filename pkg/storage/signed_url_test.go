package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndParse(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("msg-41", "attachments/msg-41/homework.pdf")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	messageID, path, parsedExpiry, err := signer.Parse(token, false)
	require.NoError(t, err)
	require.Equal(t, "msg-41", messageID)
	require.Equal(t, "attachments/msg-41/homework.pdf", path)
	require.WithinDuration(t, expiresAt, parsedExpiry, time.Second)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Millisecond*10)
	token, _, err := signer.Generate("conv-7", "exports/conv-7/transcript.csv")
	require.NoError(t, err)
	time.Sleep(time.Millisecond * 20)

	_, _, _, err = signer.Parse(token, false)
	require.Error(t, err)

	conversationID, path, _, err := signer.Parse(token, true)
	require.NoError(t, err)
	require.Equal(t, "conv-7", conversationID)
	require.Equal(t, "exports/conv-7/transcript.csv", path)
}

func TestSignedURLSignerRejectsTamperedPath(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Generate("msg-41", "attachments/msg-41/homework.pdf")
	require.NoError(t, err)
	other, _, err := signer.Generate("msg-41", "attachments/msg-99/secret.pdf")
	require.NoError(t, err)

	// Splice the foreign path segment into the original token.
	parts := strings.Split(token, ".")
	parts[2] = strings.Split(other, ".")[2]
	_, _, _, err = signer.Parse(strings.Join(parts, "."), false)
	require.Error(t, err)
}
