package iqua

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestFileTokenStoreRoundTrip(t *testing.T) {
	store := &FileTokenStore{Path: filepath.Join(t.TempDir(), "token.json")}

	token := &oauth2.Token{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-def",
		TokenType:    "Bearer",
		Expiry:       time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC),
	}

	require.NoError(t, store.Save(token))

	restored, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, restored)

	assert.Equal(t, token.AccessToken, restored.AccessToken)
	assert.Equal(t, token.RefreshToken, restored.RefreshToken)
	assert.Equal(t, token.TokenType, restored.TokenType)
	assert.True(t, token.Expiry.Equal(restored.Expiry))
}

func TestFileTokenStoreMissingFile(t *testing.T) {
	store := &FileTokenStore{Path: filepath.Join(t.TempDir(), "does-not-exist.json")}

	token, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, token)
}
