package util

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestPrintBanner(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	PrintBanner(&buf, "dftw", "cyan")
	assert.NotEmpty(t, buf.String())
	assert.Greater(t, bytes.Count(buf.Bytes(), []byte("\n")), 1)
}
