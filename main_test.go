package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestNotifyID(t *testing.T) {
	out, err := execute(t, "notify-id", "42")
	require.NoError(t, err)
	assert.Equal(t, "1662", out)
}

func TestFireTime(t *testing.T) {
	out, err := execute(t, "fire-time", "2025-03-10", "9:30 AM", "--tz", "UTC")
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10T09:30:00Z", out)

	_, err = execute(t, "fire-time", "2025-03-10", "later", "--tz", "UTC")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "rtcore vdev", out)
}
