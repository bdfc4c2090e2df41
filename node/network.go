package node

import (
	"crypto/ed25519"
	"errors"
	"sort"
	"sync"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/conn"
	"github.com/gitzhang10/pocbft/sign"
	"github.com/hashicorp/go-hclog"
)

var errNoTransport = errors.New("networkTransport has not been created")

// Network implements chain.Network on top of the TCP transport. Every outgoing
// message is signed with the node's ED25519 key.
type Network struct {
	name       string
	peers      map[string]string        // map from name to addr:port
	packing    map[string]chain.Address // map from name to packing address
	privateKey ed25519.PrivateKey
	publicKeys map[string]ed25519.PublicKey
	logger     hclog.Logger

	trans *conn.NetworkTransport

	lock    sync.RWMutex
	members map[uint16]map[chain.Address]struct{}
}

// NewNetwork creates the adapter; the transport is attached once it listens.
func NewNetwork(name string, clusterAddrWithPorts map[string]string, packing map[string]chain.Address,
	privateKey ed25519.PrivateKey, publicKeys map[string]ed25519.PublicKey, logger hclog.Logger) *Network {
	peers := make(map[string]string, len(clusterAddrWithPorts))
	for addr, peer := range clusterAddrWithPorts {
		peers[peer] = addr
	}
	return &Network{
		name:       name,
		peers:      peers,
		packing:    packing,
		privateKey: privateKey,
		publicKeys: publicKeys,
		logger:     logger,
		members:    make(map[uint16]map[chain.Address]struct{}),
	}
}

// Broadcast implements chain.Network. Peers known to be outside the chain's
// consensus membership are skipped.
func (n *Network) Broadcast(chainID uint16, msg interface{}, excludeNode string) bool {
	tag, ok := tagOf(msg)
	if !ok {
		n.logger.Error("refusing to broadcast unknown message type")
		return false
	}
	if n.trans == nil {
		return false
	}
	sig, err := n.signMsg(msg)
	if err != nil {
		n.logger.Error("failed to sign message", "error", err)
		return false
	}

	names := make([]string, 0, len(n.peers))
	for name := range n.peers {
		if name != n.name && name != excludeNode && n.isMember(chainID, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	sent := false
	for _, name := range names {
		if err := n.trans.Send(n.peers[name], tag, msg, n.name, sig); err != nil {
			n.logger.Debug("failed to send message", "receiver", name, "error", err)
			continue
		}
		sent = true
	}
	return sent
}

// SendTo signs msg and sends it to a single peer.
func (n *Network) SendTo(peer string, msg interface{}) error {
	tag, ok := tagOf(msg)
	if !ok {
		return errors.New("unknown message type")
	}
	addr, ok := n.peers[peer]
	if !ok {
		return errors.New("unknown peer " + peer)
	}
	if n.trans == nil {
		return errNoTransport
	}
	sig, err := n.signMsg(msg)
	if err != nil {
		return err
	}
	return n.trans.Send(addr, tag, msg, n.name, sig)
}

// UpdateConsensusMembership implements chain.Network.
func (n *Network) UpdateConsensusMembership(chainID uint16, addresses map[chain.Address]struct{}) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.members[chainID] = addresses
}

// RequestBlock implements chain.Network.
func (n *Network) RequestBlock(chainID uint16, node string, hash chain.Hash) {
	if err := n.SendTo(node, &BlockRequest{ChainID: chainID, Hash: hash}); err != nil {
		n.logger.Debug("failed to request block", "receiver", node, "hash", hash, "error", err)
	}
}

func (n *Network) isMember(chainID uint16, peer string) bool {
	n.lock.RLock()
	defer n.lock.RUnlock()
	set, ok := n.members[chainID]
	if !ok {
		return true
	}
	addr, ok := n.packing[peer]
	if !ok {
		return true
	}
	_, ok = set[addr]
	return ok
}

func (n *Network) signMsg(msg interface{}) ([]byte, error) {
	data, err := chain.Encode(msg)
	if err != nil {
		return nil, err
	}
	return sign.SignEd25519(n.privateKey, data), nil
}

// verify checks the ED25519 signature a peer attached to msg.
func (n *Network) verify(sender string, msg interface{}, sig []byte) bool {
	pub, ok := n.publicKeys[sender]
	if !ok {
		return false
	}
	data, err := chain.Encode(msg)
	if err != nil {
		return false
	}
	ok, err = sign.VerifySignEd25519(pub, data, sig)
	return err == nil && ok
}

// EstablishP2PConns dials every peer once so the pools are warm before consensus starts.
func (n *Network) EstablishP2PConns() error {
	if n.trans == nil {
		return errNoTransport
	}
	for peer, addr := range n.peers {
		if peer == n.name {
			continue
		}
		c, err := n.trans.GetConn(addr)
		if err != nil {
			return err
		}
		if err := n.trans.ReturnConn(c); err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", addr)
	}
	return nil
}
