// Package wgpeer wraps the kernel WireGuard interface the broker hands
// tunnels out on. The interface itself is provisioned out of band; this
// package only adds and removes peers on it.
package wgpeer

import (
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Controller is the peer lifecycle contract. After AddPeer returns nil,
// traffic from a client holding the matching private key and bearing the
// given inner IP is routed through the interface. After RemovePeer returns
// nil, no such routing exists; removing an unknown peer is not an error.
type Controller interface {
	AddPeer(publicKey wgtypes.Key, clientIP netip.Addr) error
	RemovePeer(publicKey wgtypes.Key) error
	// Peers lists the public keys currently installed on the interface.
	Peers() ([]wgtypes.Key, error)
	// ServerPublicKey returns the interface's own public key, which clients
	// put in the [Peer] section of their config.
	ServerPublicKey() (wgtypes.Key, error)
}

// GenerateKeyPair generates a fresh Curve25519 key pair for the client side
// of a tunnel.
func GenerateKeyPair() (private, public wgtypes.Key, err error) {
	private, err = wgtypes.GeneratePrivateKey()
	if err != nil {
		return wgtypes.Key{}, wgtypes.Key{}, err
	}
	return private, private.PublicKey(), nil
}
