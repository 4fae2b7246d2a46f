package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitJSONAndComponentField(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(false, buf)
	defer Init(false, nil)

	Component("rules").Info("loaded rules")
	Log().Debug("hidden at info level")

	out := buf.String()
	assert.Contains(t, out, `"component":"rules"`)
	assert.Contains(t, out, "loaded rules")
	assert.NotContains(t, out, "hidden at info level")
}

func TestInitDebugText(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(true, buf)
	defer Init(false, nil)

	WithFields(map[string]interface{}{"host": "example.com"}).Debug("evaluated")

	out := buf.String()
	assert.True(t, strings.Contains(out, "host=example.com"), out)
	assert.NotNil(t, Gorm())
}
