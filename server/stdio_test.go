package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeStdio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalPrincipal = LocalPrincipalConfig{ID: "alice", Email: "alice@example.com", Tier: "pro"}

	in := strings.NewReader(initializeMsg + "\n" + initializedMsg + "\n" + whoamiMsg + "\n")
	var out bytes.Buffer
	require.NoError(t, ServeStdio(context.Background(), cfg, in, &out, discardLogger()))

	scanner := bufio.NewScanner(&out)
	var lines []map[string]any
	for scanner.Scan() {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		lines = append(lines, msg)
	}
	// The notification gets no reply.
	require.Len(t, lines, 2)

	assert.EqualValues(t, 1, lines[0]["id"])
	assert.EqualValues(t, 2, lines[1]["id"])
	content := lines[1]["result"].(map[string]any)["content"].([]any)
	require.NotEmpty(t, content)
	text := content[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, `"id":"alice"`)
	assert.Contains(t, text, `"tier":"pro"`)
}
