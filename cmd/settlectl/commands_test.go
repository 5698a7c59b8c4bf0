package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"migrate", "schedule", "run", "payout"}, names)

	payout, _, err := root.Find([]string{"payout", "retry"})
	require.NoError(t, err)
	assert.Equal(t, "retry", payout.Name())
}

func TestRunCommand_RejectsUnknownJob(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "everything"})
	err := root.Execute()
	assert.Error(t, err)
}

func TestJobAliases(t *testing.T) {
	run, _, err := newRootCmd().Find([]string{"run"})
	require.NoError(t, err)
	for _, alias := range run.ValidArgs {
		assert.Contains(t, jobAliases, alias)
	}
}
