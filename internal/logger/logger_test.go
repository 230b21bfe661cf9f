package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	assert.Equal(t, "", Redact("  "))
	assert.Equal(t, "****", Redact("short"))
	assert.Equal(t, "****7890", Redact("sk-or-1234567890"))
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	defer SetLevel("info")

	SetLevel("info")
	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	SetLevel("DEBUG")
	assert.Equal(t, "debug", Level())
	Debugf("visible %d", 2)
	assert.Contains(t, buf.String(), "visible 2")

	SetLevel("bogus")
	assert.Equal(t, "info", Level())
}
