package swarming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractOutputLocation(t *testing.T) {
	text := "some test output\n[run_isolated_out_hack]" +
		`{"storage":"https://s/","namespace":"n","hash":"abc"}` +
		"[/run_isolated_out_hack]\nmore output\n"
	loc, ok := ExtractOutputLocation(text)
	assert.True(t, ok)
	assert.Equal(t, "https://s/", loc.Storage)
	assert.Equal(t, "n", loc.Namespace)
	assert.Equal(t, "abc", loc.Hash)
}

func TestExtractOutputLocationAbsent(t *testing.T) {
	_, ok := ExtractOutputLocation("no marker here")
	assert.False(t, ok)
}

func TestExtractOutputLocationMalformedJSON(t *testing.T) {
	_, ok := ExtractOutputLocation("[run_isolated_out_hack]not json[/run_isolated_out_hack]")
	assert.False(t, ok)
}

func TestExtractOutputLocationRelativeURLRejected(t *testing.T) {
	_, ok := ExtractOutputLocation(`[run_isolated_out_hack]{"storage":"/relative","namespace":"n","hash":"abc"}[/run_isolated_out_hack]`)
	assert.False(t, ok)
}

func TestExtractOutputLocationMissingField(t *testing.T) {
	_, ok := ExtractOutputLocation(`[run_isolated_out_hack]{"storage":"https://s/","namespace":"n"}[/run_isolated_out_hack]`)
	assert.False(t, ok)
}
