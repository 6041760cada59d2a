package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loanengine/internal/config"
)

func TestRootCommandListsSubcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "migrate")
}

func TestMigrateNeedsDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"migrate"})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")
}

func TestServeRejectsBadConfig(t *testing.T) {
	t.Setenv("MAX_RENEWALS", "lots")

	root := newRootCommand()
	root.SetArgs([]string{"serve"})

	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RENEWALS")
}

func TestBuildSinksWithoutBackends(t *testing.T) {
	sinks, reader, closeSinks, err := buildSinks(context.Background(), &config.Config{}, zap.NewNop())
	require.NoError(t, err)
	defer closeSinks()

	assert.Empty(t, sinks)
	assert.Nil(t, reader)
}
