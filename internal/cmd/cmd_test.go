package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunID_IsStableForSameOutputRoot(t *testing.T) {
	assert.Equal(t, runID("/out/batch-1"), runID("/out/batch-1"))
}

func TestRunID_DiffersAcrossOutputRoots(t *testing.T) {
	assert.NotEqual(t, runID("/out/batch-1"), runID("/out/batch-2"))
}
