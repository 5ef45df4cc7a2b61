// Package config loads node configuration from the environment (spec §6).
// It follows the same env-var names the distilled source used even though
// this node has nothing to do with Flask; FLASK_PORT is kept verbatim so
// existing deployment scripts for this cluster don't need to change.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/viper"
)

// Config is every piece of environment-provided node configuration.
type Config struct {
	NodeID    string            // NODE_ID
	NodeHost  string            // NODE_HOST
	Port      int               // FLASK_PORT
	RedisHost string            // REDIS_HOST
	RedisPort int               // REDIS_PORT
	Peers     map[string]string // PEERS_JSON: node_id -> base URL, decoded below
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("NODE_HOST", "0.0.0.0")
	v.SetDefault("FLASK_PORT", 8080)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("PEERS_JSON", "{}")

	nodeID := v.GetString("NODE_ID")
	if nodeID == "" {
		return Config{}, fmt.Errorf("config: NODE_ID is required")
	}

	var peers map[string]string
	if err := json.Unmarshal([]byte(v.GetString("PEERS_JSON")), &peers); err != nil {
		return Config{}, fmt.Errorf("config: invalid PEERS_JSON: %w", err)
	}
	delete(peers, nodeID) // a node never treats itself as a peer

	return Config{
		NodeID:    nodeID,
		NodeHost:  v.GetString("NODE_HOST"),
		Port:      v.GetInt("FLASK_PORT"),
		RedisHost: v.GetString("REDIS_HOST"),
		RedisPort: v.GetInt("REDIS_PORT"),
		Peers:     peers,
	}, nil
}

// NodeIDs returns every node id in the cluster, self included, for building
// the queue's consistent-hash ring.
func (c Config) NodeIDs() []string {
	ids := make([]string, 0, len(c.Peers)+1)
	ids = append(ids, c.NodeID)
	for id := range c.Peers {
		ids = append(ids, id)
	}
	return ids
}
