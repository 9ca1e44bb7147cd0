package cmd

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/metal-toolbox/oltprov/internal/configuration"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/metal-toolbox/oltprov/internal/vault"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireSharedBackends(t *testing.T) {
	cases := []struct {
		name      string
		driver    string
		queueKind string
		needQueue bool
		wantErr   string
	}{
		{"memory database", "memory", configuration.QueueJetStream, false, "database.driver is memory"},
		{"unset database", "", configuration.QueueJetStream, false, "database.driver is memory"},
		{"memory queue for producer", "postgres", configuration.QueueMemory, true, "queue.kind is memory"},
		{"memory queue for read only command", "postgres", configuration.QueueMemory, false, ""},
		{"shared backends", "mysql", configuration.QueueJetStream, true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := configuration.New()
			config.Database.Driver = tc.driver
			config.Queue.Kind = tc.queueKind

			err := requireSharedBackends(config, "enqueue", tc.needQueue)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			assert.True(t, errors.Is(err, model.ErrConfig))
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.Contains(t, err.Error(), "enqueue")
		})
	}
}

func TestGenKeyPrintsUsableKey(t *testing.T) {
	var out bytes.Buffer

	genKeyCmd.SetOut(&out)
	defer genKeyCmd.SetOut(nil)

	require.NoError(t, genKeyCmd.RunE(genKeyCmd, nil))

	v, err := vault.New(mustDecode(t, strings.TrimSpace(out.String())))
	require.NoError(t, err)

	sealed, err := v.Encrypt("hunter2")
	require.NoError(t, err)

	plain, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func mustDecode(t *testing.T, s string) []byte {
	t.Helper()

	key, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)

	return key
}
