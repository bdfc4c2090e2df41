/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each node.
The generated configuration file particularly contains the ED25519 keys signing network
messages and the BLS key each validator votes with.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/sign"
	"github.com/spf13/viper"
)

// consensusKeys are copied from the template to every node file when present.
var consensusKeys = []string{
	"chain_id", "max_pool", "log_level", "packing_interval", "vote_timeout", "tick_interval",
	"capacity_coefficient", "byzantine_rate", "round_cache_size", "result_buffer",
}

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	viperRead.SetDefault("start_delay", 60)
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	// deal with cluster as a string map
	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	clusterMapString := make(map[string]string, len(clusterMapInterface))
	clusterName := make([]string, 0, len(clusterMapInterface))
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster in the config file cannot be decoded correctly")
		}
		clusterMapString[name] = addrAsString
		clusterName = append(clusterName, name)
	}
	sort.Strings(clusterName)
	nodeNumber := len(clusterName)

	// deal with p2p_listen_port as a string map
	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("p2p_listen_port does not match with cluster")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for _, name := range clusterName {
		portAsInt, ok := p2pPortMapInterface[name].(int)
		if !ok {
			panic("p2p_listen_port contains a non-int value or misses " + name)
		}
		p2pPortMap[name] = portAsInt
	}

	// create the ED25519 and BLS keys
	privKeysED25519 := make(map[string]string, nodeNumber)
	pubKeysED25519 := make(map[string]string, nodeNumber)
	blsKeys := make(map[string]string, nodeNumber)
	packingAddr := make(map[string]string, nodeNumber)
	seedAgents := make(map[string]string, nodeNumber)
	for _, name := range clusterName {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		pubKeysED25519[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)

		blsPriv, blsPub := sign.GenBLSKeys()
		address := chain.AddressFromPubKey(blsPub)
		blsKeys[name] = hex.EncodeToString(blsPriv)
		packingAddr[name] = string(address)
		seedAgents[string(address)] = hex.EncodeToString(blsPub)
	}

	genesisTime := time.Now().Unix() + viperRead.GetInt64("start_delay")
	fmt.Println("genesis time:", genesisTime)

	// write to configure files
	for _, name := range clusterName {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(fmt.Sprintf("%s.yaml", name))
		for _, key := range consensusKeys {
			if viperRead.IsSet(key) {
				viperWrite.Set(key, viperRead.Get(key))
			}
		}
		viperWrite.Set("name", name)
		viperWrite.Set("genesis_time", genesisTime)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("blskey", blsKeys[name])
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("cluster_pubkeyed", pubKeysED25519)
		viperWrite.Set("cluster_address", packingAddr)
		viperWrite.Set("seed_agents", seedAgents)
		if addr := viperRead.GetString("metrics_addr"); addr != "" {
			viperWrite.Set("metrics_addr", addr)
		}
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}
}
