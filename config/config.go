/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/spf13/viper"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name                 string
	ChainID              uint16
	MaxPool              int
	ClusterAddr          map[string]string        // map from name to address
	ClusterPort          map[string]int           // map from name to port
	ClusterAddrWithPorts map[string]string        // map from addr:port to name
	ClusterPackingAddr   map[string]chain.Address // map from name to packing address
	PublicKeyMap         map[string]ed25519.PublicKey
	PrivateKey           ed25519.PrivateKey
	BLSKey               []byte
	LogLevel             int
	MetricsAddr          string

	Consensus Consensus
}

// Consensus holds the parameters every validator of a chain must agree on.
type Consensus struct {
	PackingInterval     int64 // seconds per slot
	VoteTimeout         time.Duration
	TickInterval        time.Duration
	CapacityCoefficient int64 // trailing rounds used for credit
	ByzantineRate       int   // percent
	RoundCacheSize      int
	ResultBuffer        int
	GenesisTime         int64 // unix seconds of the height 0 header
	SeedAgents          []chain.Agent
}

// DefaultConsensus returns the consensus parameters used when a key is absent.
func DefaultConsensus() Consensus {
	return Consensus{
		PackingInterval:     10,
		VoteTimeout:         3000 * time.Millisecond,
		TickInterval:        time.Second,
		CapacityCoefficient: 10,
		ByzantineRate:       67,
		RoundCacheSize:      10,
		ResultBuffer:        32,
	}
}

// Quorum is the number of agreeing signatures needed among memberCount validators.
func (c Consensus) Quorum(memberCount int) int {
	q := memberCount*c.ByzantineRate/100 + 1
	if q > memberCount {
		q = memberCount
	}
	return q
}

// Validate rejects parameters that would break the slot arithmetic.
func (c Consensus) Validate() error {
	switch {
	case c.PackingInterval <= 0:
		return errors.New("packing_interval must be positive")
	case c.VoteTimeout <= 0:
		return errors.New("vote_timeout must be positive")
	case c.CapacityCoefficient <= 0:
		return errors.New("capacity_coefficient must be positive")
	case c.ByzantineRate < 50 || c.ByzantineRate > 100:
		return fmt.Errorf("byzantine_rate %d outside [50, 100]", c.ByzantineRate)
	case c.RoundCacheSize <= 0:
		return errors.New("round_cache_size must be positive")
	case c.GenesisTime < 0:
		return errors.New("genesis_time must not be negative")
	}
	return nil
}

// New creates a new variable of type Config for test.
func New(name string, chainID uint16, clusterAddr map[string]string, clusterPort map[string]int,
	packingAddr map[string]chain.Address, publicKeyMap map[string]ed25519.PublicKey,
	privateKey ed25519.PrivateKey, blsKey []byte, logLevel int, consensus Consensus) *Config {
	c := &Config{
		Name:                 name,
		ChainID:              chainID,
		MaxPool:              10,
		ClusterAddr:          clusterAddr,
		ClusterPort:          clusterPort,
		ClusterAddrWithPorts: make(map[string]string, len(clusterAddr)),
		ClusterPackingAddr:   packingAddr,
		PublicKeyMap:         publicKeyMap,
		PrivateKey:           privateKey,
		BLSKey:               blsKey,
		LogLevel:             logLevel,
		Consensus:            consensus,
	}
	for n, addr := range clusterAddr {
		c.ClusterAddrWithPorts[addr+":"+strconv.Itoa(clusterPort[n])] = n
	}
	return c
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	viperConfig.AddConfigPath("./config")

	def := DefaultConsensus()
	viperConfig.SetDefault("max_pool", 10)
	viperConfig.SetDefault("chain_id", 1)
	viperConfig.SetDefault("packing_interval", def.PackingInterval)
	viperConfig.SetDefault("vote_timeout", def.VoteTimeout.Milliseconds())
	viperConfig.SetDefault("tick_interval", def.TickInterval.Milliseconds())
	viperConfig.SetDefault("capacity_coefficient", def.CapacityCoefficient)
	viperConfig.SetDefault("byzantine_rate", def.ByzantineRate)
	viperConfig.SetDefault("round_cache_size", def.RoundCacheSize)
	viperConfig.SetDefault("result_buffer", def.ResultBuffer)

	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, err
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("privkeyed"))
	if err != nil {
		return nil, err
	}
	blsKey, err := hex.DecodeString(viperConfig.GetString("blskey"))
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:        viperConfig.GetString("name"),
		ChainID:     uint16(viperConfig.GetUint("chain_id")),
		MaxPool:     viperConfig.GetInt("max_pool"),
		PrivateKey:  privKeyED,
		BLSKey:      blsKey,
		LogLevel:    viperConfig.GetInt("log_level"),
		MetricsAddr: viperConfig.GetString("metrics_addr"),
		Consensus: Consensus{
			PackingInterval:     viperConfig.GetInt64("packing_interval"),
			VoteTimeout:         time.Duration(viperConfig.GetInt64("vote_timeout")) * time.Millisecond,
			TickInterval:        time.Duration(viperConfig.GetInt64("tick_interval")) * time.Millisecond,
			CapacityCoefficient: viperConfig.GetInt64("capacity_coefficient"),
			ByzantineRate:       viperConfig.GetInt("byzantine_rate"),
			RoundCacheSize:      viperConfig.GetInt("round_cache_size"),
			ResultBuffer:        viperConfig.GetInt("result_buffer"),
			GenesisTime:         viperConfig.GetInt64("genesis_time"),
		},
	}

	seeds, err := loadSeedAgents(viperConfig.GetStringMapString("seed_agents"))
	if err != nil {
		return nil, err
	}
	conf.Consensus.SeedAgents = seeds
	if err := conf.Consensus.Validate(); err != nil {
		return nil, err
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	packingMapString := viperConfig.GetStringMapString("cluster_address")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	clusterAddrWithPorts := make(map[string]string, len(pubKeyMapString))
	packingAddr := make(map[string]chain.Address, len(packingMapString))
	for name, pkAsInterface := range pubKeyMapString {
		port, ok := peersP2PPortMapString[name].(int)
		if !ok {
			return nil, fmt.Errorf("p2p port of %s is missing or not an int", name)
		}
		ip, ok := peersIPsMapString[name].(string)
		if !ok {
			return nil, fmt.Errorf("ip of %s is missing", name)
		}
		clusterPort[name] = port
		clusterAddr[name] = ip
		if pkAsString, ok := pkAsInterface.(string); ok {
			pubKey, err := hex.DecodeString(pkAsString)
			if err != nil {
				return nil, err
			}
			pubKeyMap[name] = pubKey
		} else {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		clusterAddrWithPorts[ip+":"+strconv.Itoa(port)] = name
		if a, ok := packingMapString[name]; ok {
			packingAddr[name] = chain.Address(a)
		}
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.ClusterAddrWithPorts = clusterAddrWithPorts
	conf.ClusterPackingAddr = packingAddr
	return conf, nil
}

// loadSeedAgents parses the seed_agents map from packing address to hex BLS public key.
func loadSeedAgents(raw map[string]string) ([]chain.Agent, error) {
	seeds := make([]chain.Agent, 0, len(raw))
	for addr, pubHex := range raw {
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("seed agent %s: %w", addr, err)
		}
		packing := chain.AddressFromPubKey(pub)
		if packing != chain.Address(addr) {
			return nil, fmt.Errorf("seed agent %s does not match its public key", addr)
		}
		seeds = append(seeds, chain.Agent{
			PackingAddress: packing,
			AgentAddress:   packing,
			RewardAddress:  packing,
			PubKey:         pub,
		})
	}
	return seeds, nil
}
