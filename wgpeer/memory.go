package wgpeer

import (
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Memory is an in-process Controller used by tests and by deployments that
// run without a kernel interface (e.g. CI). It records installed peers and
// can be told to fail the next AddPeer.
type Memory struct {
	mu        sync.Mutex
	serverKey wgtypes.Key
	peers     map[wgtypes.Key]netip.Addr
	addErr    error
}

var _ Controller = (*Memory)(nil)

func NewMemory() (*Memory, error) {
	serverKey, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Memory{
		serverKey: serverKey,
		peers:     make(map[wgtypes.Key]netip.Addr),
	}, nil
}

// FailNextAdd makes the next AddPeer call return err. Pass nil to clear.
func (m *Memory) FailNextAdd(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addErr = err
}

// PeerIP reports the allowed IP installed for a public key.
func (m *Memory) PeerIP(publicKey wgtypes.Key) (netip.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, ok := m.peers[publicKey]
	return ip, ok
}

func (m *Memory) AddPeer(publicKey wgtypes.Key, clientIP netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		err := m.addErr
		m.addErr = nil
		return err
	}
	m.peers[publicKey] = clientIP
	return nil
}

func (m *Memory) RemovePeer(publicKey wgtypes.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, publicKey)
	return nil
}

func (m *Memory) Peers() ([]wgtypes.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]wgtypes.Key, 0, len(m.peers))
	for k := range m.peers {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) ServerPublicKey() (wgtypes.Key, error) {
	return m.serverKey.PublicKey(), nil
}
