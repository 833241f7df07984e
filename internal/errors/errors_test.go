package errors

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{name: "config error", code: "T101", wantMsg: "Configuration file not found", wantCat: CategoryConfig},
		{name: "runtime error", code: "T121", wantMsg: "Ran out of client ids", wantCat: CategoryRuntime},
		{name: "cli error", code: "T142", wantMsg: "Protocol version rejected", wantCat: CategoryCLI},
		{name: "unknown error code", code: "T999", wantMsg: "Unknown error", wantCat: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.wantMsg, err.Message)
			assert.Equal(t, tt.wantCat, err.Category)
		})
	}
}

func TestRegistryComplete(t *testing.T) {
	for code, tmpl := range registry {
		assert.True(t, strings.HasPrefix(code, "T"), code)
		assert.NotEmpty(t, tmpl.Message, code)
		assert.NotEmpty(t, tmpl.Detail, code)
		assert.Equal(t, "https://tether.dev/docs/errors/"+code, tmpl.DocURL)
	}
}

func TestErrorString(t *testing.T) {
	cause := stderrors.New("open tether.yaml: no such file or directory")
	err := New("T101").WithDetail("tether.yaml").Wrap(cause)

	assert.Equal(t, "T101: Configuration file not found: tether.yaml: open tether.yaml: no such file or directory", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "T101: Configuration file not found", err.FormatCompact())
}

func TestNewf(t *testing.T) {
	err := Newf(CategoryCLI, "flag %q is required", "addr")
	assert.Equal(t, `flag "addr" is required`, err.Error())
	assert.Equal(t, CategoryCLI, err.Category)
	assert.Empty(t, err.Code)
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil, "T120"))

	te := New("T103")
	assert.Same(t, te, FromError(te, "T120"))

	cause := stderrors.New("address already in use")
	wrapped := FromError(cause, "T120")
	assert.Equal(t, "T120", wrapped.Code)
	assert.ErrorIs(t, wrapped, cause)

	var target *TetherError
	assert.True(t, stderrors.As(error(wrapped), &target))
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	err := New("T103").
		WithDetailf("listen address %q has no port", "localhost").
		WithSuggestion(`Use host:port, e.g. ":2022"`)
	out := err.Format()

	assert.Contains(t, out, "ERROR T103: Invalid listen address")
	assert.Contains(t, out, `listen address "localhost" has no port`)
	assert.Contains(t, out, `Hint: Use host:port, e.g. ":2022"`)
	assert.Contains(t, out, "Learn more: https://tether.dev/docs/errors/T103")
	assert.NotContains(t, out, "\033[")
}

func TestFormatFallsBackToRegisteredDetail(t *testing.T) {
	DisableColors()
	defer EnableColors()

	out := New("T121").Format()
	assert.Contains(t, out, "Every id in the configured space is live or retired.")
}

func TestFormatJSON(t *testing.T) {
	err := New("T107").WithDetail("TETHER_HANDSHAKE_TIMEOUT").Wrap(stderrors.New("bad duration"))

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(err.FormatJSON()), &got))
	assert.Equal(t, "T107", got["code"])
	assert.Equal(t, "config", got["category"])
	assert.Equal(t, "TETHER_HANDSHAKE_TIMEOUT", got["detail"])
	assert.Equal(t, "bad duration", got["cause"])
}

func TestFprint(t *testing.T) {
	DisableColors()
	defer EnableColors()

	var buf bytes.Buffer
	Fprint(&buf, stderrors.New("plain failure"))
	assert.Contains(t, buf.String(), "ERROR: plain failure")

	buf.Reset()
	Fprint(&buf, New("T140"))
	assert.Contains(t, buf.String(), "ERROR T140: Connection failed")

	buf.Reset()
	Fprint(&buf, fmt.Errorf("probe: %w", New("T143")))
	assert.Contains(t, buf.String(), "ERROR T143: Session not recovered")
}

func TestWrapText(t *testing.T) {
	assert.Nil(t, wrapText("", 10))
	assert.Equal(t, []string{"short"}, wrapText("short", 10))

	lines := wrapText("the quick brown fox jumps over the lazy dog", 10)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 10)
	}
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", strings.Join(lines, " "))
}
