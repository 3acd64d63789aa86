package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptions_Defaults(t *testing.T) {
	options, err := LoadOptions("", nil)
	require.NoError(t, err)

	assert.Equal(t, 2525, options.Port)
	assert.Equal(t, "info", options.LogLevel)
	assert.Equal(t, "*", options.IPWhitelist)
	assert.Equal(t, "mb.pid", options.PidFile)
	assert.Equal(t, "memory", options.ImpostersRepository)
	assert.False(t, options.AllowInjection)
}

func TestLoadOptions_RCFile(t *testing.T) {
	rc := writeFile(t, ".mbrc", `
# local settings
--port 3535
allowInjection
loglevel debug
ipWhitelist 127.0.0.1|10.0.0.*
`)

	options, err := LoadOptions(rc, nil)
	require.NoError(t, err)

	assert.Equal(t, 3535, options.Port)
	assert.True(t, options.AllowInjection)
	assert.Equal(t, "debug", options.LogLevel)
	assert.Equal(t, []string{"127.0.0.1", "10.0.0.*"}, options.Whitelist())
}

func TestLoadOptions_JSONRCFile(t *testing.T) {
	rc := writeFile(t, "mbrc.json", `{"port": 4000, "datadir": "/tmp/mb"}`)

	options, err := LoadOptions(rc, nil)
	require.NoError(t, err)
	assert.Equal(t, 4000, options.Port)
	assert.Equal(t, "/tmp/mb", options.DataDir)
	assert.Equal(t, "file", options.ImpostersRepository)
}

func TestLoadOptions_FlagsOverrideRCFile(t *testing.T) {
	rc := writeFile(t, ".mbrc", "port 3535\n")

	options, err := LoadOptions(rc, map[string]interface{}{"port": 6000, "localOnly": true})
	require.NoError(t, err)
	assert.Equal(t, 6000, options.Port)
	assert.Equal(t, []string{"127.0.0.1", "::1", "localhost"}, options.Whitelist())
}

func TestLoadOptions_Invalid(t *testing.T) {
	tests := map[string]map[string]interface{}{
		"log level":  {"loglevel": "verbose"},
		"port":       {"port": 70000},
		"repository": {"impostersRepository": "redis"},
	}
	for name, flags := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadOptions("", flags)
			assert.ErrorContains(t, err, "invalid options")
		})
	}
}

func TestParseRCFile(t *testing.T) {
	rc := writeFile(t, ".mbrc", "--mock\n\nport  2600\n# comment\n")

	values, err := ParseRCFile(rc)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"mock": "true", "port": "2600"}, values)
}
