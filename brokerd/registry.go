package brokerd

import (
	"crypto/rand"
	"encoding/hex"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/xerrors"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/keyroute/broker/brokersdk"
)

var (
	// ErrNotFound is returned for tunnel ids this broker has never issued.
	ErrNotFound = xerrors.New("tunnel not found")
	// ErrNotActive is returned when closing a tunnel that already reached a
	// terminal status.
	ErrNotActive = xerrors.New("tunnel is not active")
	// ErrSubnetExhausted is returned when every client IP in the subnet is
	// held by an active tunnel.
	ErrSubnetExhausted = xerrors.New("no client IPs available in subnet")
)

// Tunnel is the broker's record of one provisioned peer. Records are created
// by POST /v1/tunnel, transition exactly once to expired or closed, and stay
// resident for the process lifetime so status queries remain answerable.
type Tunnel struct {
	ID        string
	AgentID   string
	Region    string
	CreatedAt time.Time
	// ExpiresAt is immutable after creation except for one overwrite to the
	// close time on an early close.
	ExpiresAt time.Time

	// ClientPrivateKey is retained so the client config can be regenerated
	// on demand.
	ClientPrivateKey wgtypes.Key
	ClientPublicKey  wgtypes.Key
	ClientIP         netip.Addr

	Status brokersdk.TunnelStatus

	// LastBilledAt is the accrual cursor. It advances in whole-minute steps
	// during periodic accrual and jumps to the terminal time on expiry or
	// close. It never moves backward and never passes min(now, ExpiresAt).
	LastBilledAt time.Time
}

// accrual is a billable span cut from a tunnel by the registry. Seconds is
// always positive.
type accrual struct {
	tunnel  Tunnel
	seconds int64
	at      time.Time
}

// registry is the in-memory authoritative store of tunnel records, keyed by
// tunnel id. It owns the client IP allocator; every status transition and IP
// (de)allocation happens under its mutex. External calls (keeper, wgctrl) are
// never made while the mutex is held.
type registry struct {
	subnet netip.Prefix

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	// used tracks host-octet occupancy for active tunnels. Octets 0, 1 and
	// 255 are reserved (.1 is the server).
	used [256]bool
	next int
}

func newRegistry(subnet netip.Prefix) *registry {
	return &registry{
		subnet:  subnet,
		tunnels: make(map[string]*Tunnel),
		next:    2,
	}
}

// newTunnelID generates an opaque tunnel identifier: "tun_" plus 16 hex
// digits from a cryptographic RNG.
func newTunnelID() (string, error) {
	var buf [8]byte
	_, err := rand.Read(buf[:])
	if err != nil {
		return "", xerrors.Errorf("read random: %w", err)
	}
	return "tun_" + hex.EncodeToString(buf[:]), nil
}

// insert allocates a client IP for the record and stores it. The record must
// have Status active; its ClientIP field is populated on success.
func (r *registry) insert(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tunnels[t.ID]; ok {
		return xerrors.Errorf("tunnel id %q already exists", t.ID)
	}

	octet, err := r.allocateLocked()
	if err != nil {
		return err
	}

	base := r.subnet.Addr().As4()
	base[3] = byte(octet)
	t.ClientIP = netip.AddrFrom4(base)

	clone := *t
	r.tunnels[t.ID] = &clone
	return nil
}

// allocateLocked hands out the next free host octet in [2, 254]. The counter
// increments monotonically with wraparound, skipping octets held by active
// tunnels, so a freed address is not immediately re-issued.
func (r *registry) allocateLocked() (int, error) {
	for i := 0; i < 253; i++ {
		octet := r.next
		r.next++
		if r.next > 254 {
			r.next = 2
		}
		if !r.used[octet] {
			r.used[octet] = true
			return octet, nil
		}
	}
	return 0, ErrSubnetExhausted
}

// remove deletes a record entirely and releases its IP. Only used to roll
// back a create whose kernel peer failed to install; terminal records are
// never removed.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return
	}
	r.used[t.ClientIP.As4()[3]] = false
	delete(r.tunnels, id)
}

// get returns a copy of the record.
func (r *registry) get(id string) (Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return Tunnel{}, false
	}
	return *t, true
}

// close transitions an active tunnel to closed at now, overwrites ExpiresAt
// with the close time, advances the billing cursor to now, and releases the
// client IP. It returns the post-transition record and the seconds of
// unbilled time the caller must enqueue. On ErrNotActive the current record
// is still returned so callers can report its status.
func (r *registry) close(id string, now time.Time) (Tunnel, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return Tunnel{}, 0, ErrNotFound
	}
	if t.Status != brokersdk.TunnelStatusActive {
		return *t, 0, ErrNotActive
	}

	// The close time never passes the scheduled expiry, so a close racing
	// the lifecycle scan cannot bill beyond the tunnel's lifetime.
	closedAt := now
	if t.ExpiresAt.Before(closedAt) {
		closedAt = t.ExpiresAt
	}
	unbilled := wholeSeconds(t.LastBilledAt, closedAt)
	t.Status = brokersdk.TunnelStatusClosed
	t.ExpiresAt = closedAt
	t.LastBilledAt = closedAt
	r.used[t.ClientIP.As4()[3]] = false
	return *t, unbilled, nil
}

// expireIfDue transitions a single overdue active tunnel to expired,
// advancing the cursor to the expiry time and releasing the IP. It reports
// whether a transition happened and the unbilled seconds to enqueue.
func (r *registry) expireIfDue(id string, now time.Time) (Tunnel, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok || t.Status != brokersdk.TunnelStatusActive || !t.ExpiresAt.Before(now) {
		return Tunnel{}, 0, false
	}
	seconds := wholeSecondsExpired(t)
	return r.expireLocked(t), seconds, true
}

// expireDue scans for overdue active tunnels and transitions them all.
func (r *registry) expireDue(now time.Time) []accrual {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []accrual
	for _, t := range r.tunnels {
		if t.Status != brokersdk.TunnelStatusActive || !t.ExpiresAt.Before(now) {
			continue
		}
		seconds := wholeSecondsExpired(t)
		expired := r.expireLocked(t)
		out = append(out, accrual{tunnel: expired, seconds: seconds, at: expired.ExpiresAt})
	}
	return out
}

// expireLocked flips an active record to expired at its own ExpiresAt and
// frees its IP. Callers compute the unbilled span before invoking it.
func (r *registry) expireLocked(t *Tunnel) Tunnel {
	t.Status = brokersdk.TunnelStatusExpired
	t.LastBilledAt = t.ExpiresAt
	r.used[t.ClientIP.As4()[3]] = false
	return *t
}

// accrueDue cuts whole-minute billing spans from every active tunnel whose
// cursor lags now by at least one minute. Sub-minute remainders stay on the
// cursor until the next tick or the terminal transition.
func (r *registry) accrueDue(now time.Time) []accrual {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []accrual
	for _, t := range r.tunnels {
		if t.Status != brokersdk.TunnelStatusActive {
			continue
		}
		// Never bill past the expiry time; the lifecycle scan owns the
		// remainder.
		limit := now
		if t.ExpiresAt.Before(limit) {
			limit = t.ExpiresAt
		}
		delta := limit.Sub(t.LastBilledAt)
		if delta < time.Minute {
			continue
		}
		minutes := int64(delta / time.Minute)
		seconds := minutes * 60
		t.LastBilledAt = t.LastBilledAt.Add(time.Duration(seconds) * time.Second)
		out = append(out, accrual{tunnel: *t, seconds: seconds, at: t.LastBilledAt})
	}
	return out
}

// accrueAll closes out every active tunnel's unbilled time up to now,
// including partial minutes, without changing status. Used once at shutdown;
// a restarted broker will not know these tunnels, so this is the last chance
// to bill them.
func (r *registry) accrueAll(now time.Time) []accrual {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []accrual
	for _, t := range r.tunnels {
		if t.Status != brokersdk.TunnelStatusActive {
			continue
		}
		limit := now
		if t.ExpiresAt.Before(limit) {
			limit = t.ExpiresAt
		}
		seconds := wholeSeconds(t.LastBilledAt, limit)
		if seconds <= 0 {
			continue
		}
		t.LastBilledAt = limit
		out = append(out, accrual{tunnel: *t, seconds: seconds, at: limit})
	}
	return out
}

// byAgent returns copies of every record owned by the agent, any status.
func (r *registry) byAgent(agentID string) []Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Tunnel
	for _, t := range r.tunnels {
		if t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	return out
}

// activeCount reports the number of active tunnels.
func (r *registry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tunnels {
		if t.Status == brokersdk.TunnelStatusActive {
			n++
		}
	}
	return n
}

func wholeSeconds(from, to time.Time) int64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

func wholeSecondsExpired(t *Tunnel) int64 {
	return wholeSeconds(t.LastBilledAt, t.ExpiresAt)
}
