package util

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	columns := []TableColumn{{Header: "ADDRESS", Key: "address"}, {Header: "STATE", Key: "state"}}
	rows := []map[string]interface{}{
		{"address": "127.0.0.1:28096", "state": color.New(color.FgGreen).Sprint("ready")},
		{"address": "lens-2", "state": "disconnected"},
	}
	RenderTable(&buf, columns, rows)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ADDRESS         STATE", lines[0])
	assert.Equal(t, "--------------- ------------", lines[1])
	assert.True(t, strings.HasPrefix(lines[3], "lens-2          disconnected"))

	buf.Reset()
	RenderTable(&buf, columns, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}

func TestStdLoggerForwards(t *testing.T) {
	var buf bytes.Buffer
	InitLoggerTo(&buf, false)
	defer InitLogger(false)

	NewStdLogger("http", slog.LevelWarn).Println("tls handshake error")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), `msg="tls handshake error"`)
	assert.Contains(t, buf.String(), "component=http")

	buf.Reset()
	GetLogger().Debug("hidden")
	assert.Empty(t, buf.String())
}
