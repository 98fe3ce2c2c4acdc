package odb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danlg/zato/common"
	"github.com/danlg/zato/server"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "odb.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `{
		"server": {
			"name": "server1",
			"cluster_name": "cluster1",
			"broker_host": "10.0.0.5",
			"broker_base_port": 5100,
			"last_join_status": "accepted"
		},
		"url_security": {
			"/customer": {"url_type": "soap", "service": "crm.customer",
				"sec_type": "basic_auth", "name": "u", "password": "h", "salt": "s"}
		}
	}`)

	m, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "server1", m.Server.Name)
	assert.Equal(t, "10.0.0.5", m.Server.BrokerHost)
	assert.Equal(t, 5100, m.Server.BrokerBasePort)
	assert.Equal(t, common.JoinStatusAccepted, m.Server.LastJoinStatus)

	record, err := m.FetchServer()
	require.NoError(t, err)
	table, err := m.GetURLSecurity(record)
	require.NoError(t, err)
	require.Len(t, table, 1)
	assert.Equal(t, common.URLTypeSOAP, table["/customer"].URLType)
	assert.Equal(t, server.SchemeBasicAuth, table["/customer"].Policy.Scheme)
}

func TestLoadFileWithoutSecurity(t *testing.T) {
	path := writeFile(t, `{"server": {"name": "server1"}}`)
	m, err := LoadFile(path)
	require.NoError(t, err)
	assert.Empty(t, m.Table)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "not json"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, `{"server": {}}`))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, `{
		"server": {"name": "s"},
		"url_security": {"/x": {"url_type": "plain_http", "sec_type": "bogus"}}
	}`))
	assert.Error(t, err)
}
