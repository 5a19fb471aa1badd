package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/strangers/internal/config"
)

func TestRun_Check(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &config.Config{}, []string{"check", "hello", "badword"}, &out)
	require.NoError(t, err)

	var res checkResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "hello badword", res.Text)
	assert.True(t, res.Accepted)
	assert.Nil(t, res.Violation)
}

func TestRun_CheckWithPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("banned_terms: [badword]\n"), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), &config.Config{}, []string{"check", "-policy", path, "hello", "badword"}, &out)
	require.NoError(t, err)

	var res checkResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.False(t, res.Accepted)
	assert.Equal(t, "hello ***", res.Sanitized)
	assert.Equal(t, "Message contains inappropriate content", res.Reason)
}

func TestRun_ClassifyNeedsKey(t *testing.T) {
	err := run(context.Background(), &config.Config{}, []string{"check", "-classify", "hi"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"bogus"}, {"check"}, {"unban"}, {"appeals"}} {
		err := run(context.Background(), &config.Config{}, args, &bytes.Buffer{})
		assert.True(t, errors.Is(err, errUsage), "args %v: %v", args, err)
	}
}
