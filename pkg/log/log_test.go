package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, JSONOutput: true, Output: &buf})
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

// Child logger helpers must support chaining an event off the return
// value directly, the way every call site uses them.
func TestWithComponentChainsDirectly(t *testing.T) {
	buf := capture(t, InfoLevel)

	WithComponent("store").Info().Str("op", "insert").Msg("row written")

	entry := lastEntry(t, buf)
	assert.Equal(t, "store", entry["component"])
	assert.Equal(t, "insert", entry["op"])
	assert.Equal(t, "row written", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestWithContainerIDChainsDirectly(t *testing.T) {
	buf := capture(t, InfoLevel)

	WithContainerID("c1").Warn().Msg("slow stop")

	entry := lastEntry(t, buf)
	assert.Equal(t, "c1", entry["container_id"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithUserUUIDChainsDirectly(t *testing.T) {
	buf := capture(t, InfoLevel)

	WithUserUUID("u1").Error().Msg("deploy failed")

	entry := lastEntry(t, buf)
	assert.Equal(t, "u1", entry["user_uuid"])
	assert.Equal(t, "error", entry["level"])
}

func TestChildLoggerReusableAcrossEvents(t *testing.T) {
	buf := capture(t, DebugLevel)

	logger := WithComponent("janitor")
	logger.Debug().Msg("first")
	logger.Info().Msg("second")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t, WarnLevel)

	WithComponent("api").Info().Msg("suppressed")
	WithComponent("api").Warn().Msg("emitted")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	entry := lastEntry(t, buf)
	assert.Equal(t, "emitted", entry["message"])
}
