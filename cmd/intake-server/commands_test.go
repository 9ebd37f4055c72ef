package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Equal(t, "Version: dev\n", out.String())
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-abcdefghijklmnop")
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config"})
	require.NoError(t, root.Execute())

	require.NotContains(t, out.String(), "sk-abcdefghijklmnop")
	var dumped map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &dumped))
	require.Equal(t, "intake", dumped["service_name"])
	enrichment := dumped["enrichment"].(map[string]any)
	require.Equal(t, "sk-a...mnop", enrichment["api_key"])
	broker := dumped["broker"].(map[string]any)
	require.Equal(t, "localhost", broker["host"])
	require.Equal(t, 3, broker["connect_retries"])
}

func TestConfigCommandRejectsMissingFile(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"config", "--config", "/nonexistent/intake.yaml"})
	require.ErrorContains(t, root.Execute(), "read config")
}
