package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutputCarriesSubsystem(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SetOutput(&buf, "info", "json"))
	defer Setup("info", "console")

	Info("reconcile", "created %d edges", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "reconcile", line["subsystem"])
	assert.Equal(t, "created 3 edges", line["message"])
	assert.Equal(t, "info", line["level"])
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	t.Setenv("DEBUG", "")
	var buf bytes.Buffer
	require.NoError(t, SetOutput(&buf, "info", "json"))
	defer Setup("info", "console")

	Debug("crystal", "hidden")
	assert.Empty(t, buf.String())

	Error("crystal", errors.New("boom"), "visible")
	assert.Contains(t, buf.String(), "boom")
}

func TestInvalidLevel(t *testing.T) {
	assert.Error(t, SetOutput(&bytes.Buffer{}, "loud", "json"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a b", Truncate("a\nb", 10))
	assert.Equal(t, "abcde...", Truncate("abcdefghij", 5))
}
