package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir_Creates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	result, err := EnsureDir(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, result)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestGetDataPath_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NANOBOT_HOME", dir)
	assert.Equal(t, dir, GetDataPath())
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"hello", "hello"},
		{`a<b>c:d"e`, "a_b_c_d_e"},
		{"file/with\\slash", "file_with_slash"},
		{"feishu_oc_1|x", "feishu_oc_1_x"},
		{"  spaces  ", "spaces"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeFilename(tt.input), "input: %q", tt.input)
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10, "..."))
	assert.Equal(t, "hello w...", TruncateString("hello world!", 10, "..."))
	assert.Equal(t, "继续继", TruncateString("继续继续继续", 3, ""))
}

func TestParseSessionKey(t *testing.T) {
	ch, chat, err := ParseSessionKey("feishu:oc_abc:def")
	require.NoError(t, err)
	assert.Equal(t, "feishu", ch)
	assert.Equal(t, "oc_abc:def", chat)

	_, _, err = ParseSessionKey("nocolon")
	var target *InvalidSessionKeyError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "nocolon", target.Key)

	_, _, err = ParseSessionKey("feishu:")
	assert.Error(t, err)
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "feishu:oc_1", SessionKey("feishu", "oc_1"))
}
