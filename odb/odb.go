/*
Package odb provides the operational-database backends a server reads
its own record and URL security table from. The real cluster keeps
these in a relational database; this package ships an in-memory variant
plus a JSON file loader covering single-node and test deployments.
*/
package odb

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danlg/zato/common"
	"github.com/danlg/zato/server"
)

// InMemory serves a fixed server record and security table.
type InMemory struct {
	Server *server.ServerRecord
	Table  server.Table
}

var _ server.ODB = (*InMemory)(nil)

func (m *InMemory) FetchServer() (*server.ServerRecord, error) {
	return m.Server, nil
}

func (m *InMemory) GetURLSecurity(*server.ServerRecord) (server.Table, error) {
	return m.Table, nil
}

// fileConfig is the on-disk shape read by LoadFile.
type fileConfig struct {
	Server struct {
		Name           string `json:"name"`
		ClusterName    string `json:"cluster_name"`
		BrokerHost     string `json:"broker_host"`
		BrokerBasePort int    `json:"broker_base_port"`
		BrokerToken    string `json:"broker_token"`
		LastJoinStatus string `json:"last_join_status"`
	} `json:"server"`
	URLSecurity json.RawMessage `json:"url_security"`
}

// LoadFile reads a JSON ODB snapshot from path. The url_security object
// uses the same wire format as CONFIG_UPDATE payloads.
func LoadFile(path string) (*InMemory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.ConfigurationError{Msg: fmt.Sprintf("could not read ODB file: %v", err)}
	}

	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &common.ConfigurationError{Msg: fmt.Sprintf("malformed ODB file %s: %v", path, err)}
	}
	if cfg.Server.Name == "" {
		return nil, &common.ConfigurationError{Msg: fmt.Sprintf("ODB file %s has no server record", path)}
	}

	table := server.Table{}
	if len(cfg.URLSecurity) > 0 {
		table, err = server.ParseTable(cfg.URLSecurity)
		if err != nil {
			return nil, err
		}
	}

	return &InMemory{
		Server: &server.ServerRecord{
			Name:           cfg.Server.Name,
			ClusterName:    cfg.Server.ClusterName,
			BrokerHost:     cfg.Server.BrokerHost,
			BrokerBasePort: cfg.Server.BrokerBasePort,
			BrokerToken:    cfg.Server.BrokerToken,
			LastJoinStatus: cfg.Server.LastJoinStatus,
		},
		Table: table,
	}, nil
}
