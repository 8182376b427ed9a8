package main

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

func TestVerifyHelpNamesCloseReason(t *testing.T) {
	cmd := newVerifyCmd(&rootOptions{})
	assert.Contains(t, cmd.Long, "with reason "+string(domain.CloseReasonPhantom)+",")
	assert.NotContains(t, cmd.Long, "PHANTOM_POSITION")
}

func TestCloseAllRequiresConfirmation(t *testing.T) {
	cmd := newCloseAllCmd(&rootOptions{})
	cmd.SetArgs([]string{})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}
