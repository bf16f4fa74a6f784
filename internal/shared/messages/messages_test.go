package messages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	msgs, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), msgs)
}

func TestLoad_OverridesPerField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.json")
	body := `{"relink_required": {"title": "Action needed: {institution}"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	msgs, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Action needed: {institution}", msgs.RelinkRequired.Title)
	assert.Equal(t, Default().RelinkRequired.Body, msgs.RelinkRequired.Body)
	assert.Equal(t, Default().SyncComplete, msgs.SyncComplete)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestMessageText_Render(t *testing.T) {
	got := Default().SyncComplete.Render("First Platypus Bank", 12)
	assert.Equal(t, "First Platypus Bank is up to date", got.Title)
	assert.Equal(t, "12 new transactions were imported.", got.Body)
}
