package wgpeer

import (
	"net"
	"net/netip"
	"time"

	"golang.org/x/xerrors"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const persistentKeepalive = 25 * time.Second

// Kernel drives a configured kernel WireGuard interface through wgctrl. A
// netlink socket is opened per call rather than held open for the process
// lifetime.
type Kernel struct {
	iface string
}

var _ Controller = (*Kernel)(nil)

// NewKernel returns a controller for the named interface, e.g. "wg0".
func NewKernel(iface string) *Kernel {
	return &Kernel{iface: iface}
}

func (k *Kernel) AddPeer(publicKey wgtypes.Key, clientIP netip.Addr) error {
	keepalive := persistentKeepalive
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey: publicKey,
			AllowedIPs: []net.IPNet{{
				IP:   clientIP.AsSlice(),
				Mask: net.CIDRMask(32, 32),
			}},
			PersistentKeepaliveInterval: &keepalive,
			ReplaceAllowedIPs:           true,
		}},
	}
	err := k.configure(cfg)
	if err != nil {
		return xerrors.Errorf("add peer %s: %w", publicKey, err)
	}
	return nil
}

func (k *Kernel) RemovePeer(publicKey wgtypes.Key) error {
	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey: publicKey,
			Remove:    true,
		}},
	}
	err := k.configure(cfg)
	if err != nil {
		return xerrors.Errorf("remove peer %s: %w", publicKey, err)
	}
	return nil
}

func (k *Kernel) Peers() ([]wgtypes.Key, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, xerrors.Errorf("open wgctrl: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(k.iface)
	if err != nil {
		return nil, xerrors.Errorf("get device %q: %w", k.iface, err)
	}

	keys := make([]wgtypes.Key, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		keys = append(keys, p.PublicKey)
	}
	return keys, nil
}

func (k *Kernel) ServerPublicKey() (wgtypes.Key, error) {
	client, err := wgctrl.New()
	if err != nil {
		return wgtypes.Key{}, xerrors.Errorf("open wgctrl: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(k.iface)
	if err != nil {
		return wgtypes.Key{}, xerrors.Errorf("get device %q: %w", k.iface, err)
	}
	return dev.PublicKey, nil
}

func (k *Kernel) configure(cfg wgtypes.Config) error {
	client, err := wgctrl.New()
	if err != nil {
		return xerrors.Errorf("open wgctrl: %w", err)
	}
	defer client.Close()
	return client.ConfigureDevice(k.iface, cfg)
}
