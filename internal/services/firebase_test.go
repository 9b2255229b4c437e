package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthClientWithoutCredentials(t *testing.T) {
	client, err := NewAuthClient(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewAuthClientMissingCredentialsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service-account.json")

	client, err := NewAuthClient(context.Background(), path)
	require.Error(t, err)
	assert.Nil(t, client)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), path)
}
