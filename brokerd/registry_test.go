package brokerd

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyroute/broker/brokersdk"
)

var testSubnet = netip.MustParsePrefix("10.100.0.0/24")

func insertTestTunnel(t *testing.T, r *registry, id string, created time.Time, lifetime time.Duration) Tunnel {
	t.Helper()

	tun := &Tunnel{
		ID:           id,
		AgentID:      "agent_test",
		Region:       "us-east",
		CreatedAt:    created,
		ExpiresAt:    created.Add(lifetime),
		Status:       brokersdk.TunnelStatusActive,
		LastBilledAt: created,
	}
	require.NoError(t, r.insert(tun))

	got, ok := r.get(id)
	require.True(t, ok)
	return got
}

func TestRegistryAllocation(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Sequential", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		first := insertTestTunnel(t, r, "tun_1", now, time.Hour)
		second := insertTestTunnel(t, r, "tun_2", now, time.Hour)

		require.Equal(t, "10.100.0.2", first.ClientIP.String())
		require.Equal(t, "10.100.0.3", second.ClientIP.String())
	})

	t.Run("SkipsFreedOctet", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, time.Hour)
		second := insertTestTunnel(t, r, "tun_2", now, time.Hour)
		insertTestTunnel(t, r, "tun_3", now, time.Hour)

		_, _, err := r.close(second.ID, now.Add(time.Minute))
		require.NoError(t, err)

		// The counter keeps moving forward, so the freed .3 is not handed
		// out again until it wraps around.
		fourth := insertTestTunnel(t, r, "tun_4", now, time.Hour)
		require.Equal(t, "10.100.0.5", fourth.ClientIP.String())
	})

	t.Run("Exhaustion", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		for i := 0; i < 253; i++ {
			insertTestTunnel(t, r, fmt.Sprintf("tun_%d", i), now, time.Hour)
		}

		err := r.insert(&Tunnel{
			ID:           "tun_overflow",
			Status:       brokersdk.TunnelStatusActive,
			CreatedAt:    now,
			ExpiresAt:    now.Add(time.Hour),
			LastBilledAt: now,
		})
		require.ErrorIs(t, err, ErrSubnetExhausted)

		// A terminal transition releases its IP and unblocks creates.
		closed, _, err := r.close("tun_17", now.Add(time.Minute))
		require.NoError(t, err)
		reused := insertTestTunnel(t, r, "tun_again", now, time.Hour)
		require.Equal(t, closed.ClientIP, reused.ClientIP)
	})

	t.Run("Rollback", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		first := insertTestTunnel(t, r, "tun_1", now, time.Hour)
		r.remove(first.ID)

		_, ok := r.get(first.ID)
		require.False(t, ok)
		require.False(t, r.used[2])
	})
}

func TestRegistryClose(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("OK", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, 5*time.Minute)

		closedAt := now.Add(90 * time.Second)
		closed, unbilled, err := r.close("tun_1", closedAt)
		require.NoError(t, err)
		require.EqualValues(t, 90, unbilled)
		require.Equal(t, brokersdk.TunnelStatusClosed, closed.Status)
		require.Equal(t, closedAt, closed.ExpiresAt)
		require.Equal(t, closedAt, closed.LastBilledAt)
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		_, _, err := r.close("tun_missing", now)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("AlreadyClosed", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, 5*time.Minute)
		_, _, err := r.close("tun_1", now.Add(time.Minute))
		require.NoError(t, err)

		record, unbilled, err := r.close("tun_1", now.Add(2*time.Minute))
		require.ErrorIs(t, err, ErrNotActive)
		require.Zero(t, unbilled)
		require.Equal(t, brokersdk.TunnelStatusClosed, record.Status)
	})

	t.Run("ClampedToExpiry", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, time.Minute)

		// Closing after the scheduled expiry never bills past it.
		closed, unbilled, err := r.close("tun_1", now.Add(10*time.Minute))
		require.NoError(t, err)
		require.EqualValues(t, 60, unbilled)
		require.Equal(t, now.Add(time.Minute), closed.ExpiresAt)
		require.Equal(t, now.Add(time.Minute), closed.LastBilledAt)
	})
}

func TestRegistryExpire(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("NotDue", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, 5*time.Minute)

		require.Empty(t, r.expireDue(now.Add(time.Minute)))
		_, _, did := r.expireIfDue("tun_1", now.Add(time.Minute))
		require.False(t, did)
	})

	t.Run("Due", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, 5*time.Minute)
		insertTestTunnel(t, r, "tun_2", now, time.Hour)

		due := r.expireDue(now.Add(6 * time.Minute))
		require.Len(t, due, 1)
		require.Equal(t, "tun_1", due[0].tunnel.ID)
		require.EqualValues(t, 300, due[0].seconds)
		require.Equal(t, brokersdk.TunnelStatusExpired, due[0].tunnel.Status)
		require.Equal(t, now.Add(5*time.Minute), due[0].tunnel.LastBilledAt)
		require.False(t, r.used[2])
		require.True(t, r.used[3])
	})

	t.Run("SingleWithPriorAccrual", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, 150*time.Second)

		// Two whole minutes are billed periodically; expiry settles only
		// the 30s remainder.
		accruals := r.accrueDue(now.Add(125 * time.Second))
		require.Len(t, accruals, 1)
		require.EqualValues(t, 120, accruals[0].seconds)

		expired, seconds, did := r.expireIfDue("tun_1", now.Add(200*time.Second))
		require.True(t, did)
		require.EqualValues(t, 30, seconds)
		require.Equal(t, brokersdk.TunnelStatusExpired, expired.Status)
	})
}

func TestRegistryAccrue(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("WholeMinutesOnly", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, time.Hour)

		require.Empty(t, r.accrueDue(now.Add(59*time.Second)))

		accruals := r.accrueDue(now.Add(125 * time.Second))
		require.Len(t, accruals, 1)
		require.EqualValues(t, 120, accruals[0].seconds)
		require.Equal(t, now.Add(120*time.Second), accruals[0].tunnel.LastBilledAt)

		// The 5s remainder stays on the cursor.
		require.Empty(t, r.accrueDue(now.Add(125*time.Second)))
	})

	t.Run("ClampedToExpiry", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, 150*time.Second)

		accruals := r.accrueDue(now.Add(time.Hour))
		require.Len(t, accruals, 1)
		require.EqualValues(t, 120, accruals[0].seconds)

		// Cursor sits at 120s, expiry at 150s: the sub-minute tail is left
		// for the lifecycle scan.
		require.Empty(t, r.accrueDue(now.Add(2*time.Hour)))
	})

	t.Run("AccrueAllTakesRemainder", func(t *testing.T) {
		t.Parallel()

		r := newRegistry(testSubnet)
		insertTestTunnel(t, r, "tun_1", now, time.Hour)

		accruals := r.accrueAll(now.Add(95 * time.Second))
		require.Len(t, accruals, 1)
		require.EqualValues(t, 95, accruals[0].seconds)

		got, ok := r.get("tun_1")
		require.True(t, ok)
		assert.Equal(t, brokersdk.TunnelStatusActive, got.Status)
		assert.Equal(t, now.Add(95*time.Second), got.LastBilledAt)

		require.Empty(t, r.accrueAll(now.Add(95*time.Second)))
	})
}
