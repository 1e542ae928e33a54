package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPlainURL(t *testing.T) {
	out, err := Expand("https://example.com/resolve", map[string]string{"iscc_id": "ISCC:MAIWGQRD43YZQUAA"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/resolve/ISCC:MAIWGQRD43YZQUAA", out)

	// Trailing slash is collapsed.
	out, err = Expand("https://example.com/resolve/", map[string]string{"iscc_id": "ISCC:MAIWGQRD43YZQUAA"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/resolve/ISCC:MAIWGQRD43YZQUAA", out)
}

func TestExpandTemplate(t *testing.T) {
	out, err := Expand("https://example.com/{iscc_id}?hash={datahash}", map[string]string{
		"iscc_id":  "ISCC:MAIWGQRD43YZQUAA",
		"datahash": "1e20ab",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/ISCC%3AMAIWGQRD43YZQUAA?hash=1e20ab", out)
}

func TestExpandEmptyVariable(t *testing.T) {
	out, err := Expand("https://example.com/{controller}", map[string]string{
		"iscc_id":    "x",
		"controller": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", out)
}

func TestExpandInvalidTemplate(t *testing.T) {
	_, err := Expand("https://example.com/{", nil)
	assert.Error(t, err)
}
