package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v2"
)

func TestDendriteVerifyRequiresServerName(t *testing.T) {
	var c Dendrite
	c.Defaults()

	var errs ConfigErrors
	c.Verify(&errs)

	assert.Contains(t, errs, `missing config key "global.server_name"`)
}

func TestDendriteVerifyRejectsUnknownDriver(t *testing.T) {
	var c Dendrite
	c.Defaults()
	c.Global.ServerName = "example.org"
	c.Global.Database.Driver = "mysql"

	var errs ConfigErrors
	c.Verify(&errs)

	assert.Contains(t, errs, `unsupported global.database.driver "mysql": want postgres, sqlite, or sqlite3`)
}

func TestDendriteVerifyRequiresTrustedKeyServersWhenPreferred(t *testing.T) {
	var c Dendrite
	c.Defaults()
	c.Global.ServerName = "example.org"
	c.Global.QueryTrustedKeyServersFirst = true

	var errs ConfigErrors
	c.Verify(&errs)

	assert.Contains(t, errs, "global.query_trusted_key_servers_first is set but global.trusted_key_servers is empty")
}

func TestDendriteYAMLUnmarshal(t *testing.T) {
	input := `
global:
  server_name: example.org
  key_id: ed25519:auto
  trusted_key_servers:
    - matrix.org
  database:
    driver: postgres
    connection_string: postgres://localhost/coreserver
federation_api:
  disable_tls_validation: false
sync_api:
  real_ip_header: X-Forwarded-For
`
	var c Dendrite
	err := yaml.Unmarshal([]byte(input), &c)
	assert.NoError(t, err)
	assert.Equal(t, "example.org", c.Global.ServerName)
	assert.Equal(t, []string{"matrix.org"}, c.Global.TrustedKeyServers)
	assert.Equal(t, "X-Forwarded-For", c.SyncAPI.RealIPHeader)
}
