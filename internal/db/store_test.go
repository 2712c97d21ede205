package db

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rviscarra/remotedesk/internal/logger"
	"github.com/rviscarra/remotedesk/internal/models"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		return s
	})
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("REMOTEDESK_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("REMOTEDESK_TEST_POSTGRES_URL not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), PostgresConfig{URL: url}, logger.NewTestLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		return s
	})
}

// newCode returns a device code unlikely to collide across suite runs that
// share one Postgres database.
func newCode(t *testing.T) models.DeviceCode {
	t.Helper()

	code, err := models.NewDeviceCode()
	require.NoError(t, err)

	return code
}

func registerDevice(t *testing.T, s Store, owner string) models.DeviceCode {
	t.Helper()

	ctx := context.Background()
	code := newCode(t)

	require.NoError(t, s.RegisterDevice(ctx, &models.Device{
		Code:     code,
		Name:     "workstation",
		Type:     models.DeviceTypeAgent,
		Endpoint: "10.0.0.5:8888",
	}))

	if owner != "" {
		require.NoError(t, s.ClaimDevice(ctx, code, owner))
	}

	return code
}

func newPending(t *testing.T, s Store, code models.DeviceCode, at time.Time) *models.ConnectionRequest {
	t.Helper()

	req := &models.ConnectionRequest{
		ID:            uuid.NewString(),
		TargetCode:    code,
		RequesterID:   "controller-1",
		RequesterName: "laptop",
		RequesterIP:   "192.0.2.10",
		Status:        models.StatusPendingApproval,
		RequestedAt:   at,
	}
	require.NoError(t, s.CreateRequest(context.Background(), req))

	return req
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("DeviceLifecycle", func(t *testing.T) {
		s := open(t)
		code := registerDevice(t, s, "")

		d, err := s.GetDevice(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, "workstation", d.Name)
		assert.False(t, d.Online)
		assert.False(t, d.Claimed())
		assert.True(t, d.LastHeartbeat.IsZero())

		beat := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.Heartbeat(ctx, code, beat, ""))

		d, err = s.GetDevice(ctx, code)
		require.NoError(t, err)
		assert.True(t, d.Online)
		assert.WithinDuration(t, beat, d.LastHeartbeat, time.Millisecond)
		assert.Equal(t, "10.0.0.5:8888", d.Endpoint, "empty endpoint keeps the stored one")

		require.NoError(t, s.Heartbeat(ctx, code, beat, "10.0.0.6:8888"))
		require.NoError(t, s.SetOffline(ctx, code))

		d, err = s.GetDevice(ctx, code)
		require.NoError(t, err)
		assert.False(t, d.Online)
		assert.Equal(t, "10.0.0.6:8888", d.Endpoint)
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		s := open(t)
		code := newCode(t)

		_, err := s.GetDevice(ctx, code)
		assert.ErrorIs(t, err, models.ErrDeviceNotFound)
		assert.ErrorIs(t, s.Heartbeat(ctx, code, time.Now(), ""), models.ErrDeviceNotFound)
		assert.ErrorIs(t, s.ClaimDevice(ctx, code, "alice"), models.ErrDeviceNotFound)
	})

	t.Run("ClaimIsExactlyOnce", func(t *testing.T) {
		s := open(t)
		code := registerDevice(t, s, "")

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)

		for _, owner := range []string{"alice", "bob", "carol", "dave"} {
			wg.Add(1)

			go func(owner string) {
				defer wg.Done()

				err := s.ClaimDevice(ctx, code, owner)

				mu.Lock()
				defer mu.Unlock()

				switch {
				case err == nil:
					successes++
				case assert.ErrorIs(t, err, models.ErrAlreadyClaimed):
					conflicts++
				}
			}(owner)
		}

		wg.Wait()
		assert.Equal(t, 1, successes)
		assert.Equal(t, 3, conflicts)

		d, err := s.GetDevice(ctx, code)
		require.NoError(t, err)
		assert.True(t, d.Claimed())
	})

	t.Run("RegisterKeepsOwner", func(t *testing.T) {
		s := open(t)
		code := registerDevice(t, s, "alice")

		require.NoError(t, s.RegisterDevice(ctx, &models.Device{Code: code, Name: "renamed", Type: models.DeviceTypeAgent}))

		d, err := s.GetDevice(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, "alice", d.OwnerID)
		assert.Equal(t, "renamed", d.Name)
	})

	t.Run("Channels", func(t *testing.T) {
		s := open(t)
		identity := newCode(t).String()
		at := time.Now().UTC().Truncate(time.Millisecond)

		_, _, found, err := s.GetChannel(ctx, identity, models.RoleTarget)
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.SetChannel(ctx, identity, models.RoleTarget, "chan-a", at))
		require.NoError(t, s.SetChannel(ctx, identity, models.RoleRequester, "chan-b", at))

		ch, updated, found, err := s.GetChannel(ctx, identity, models.RoleTarget)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "chan-a", ch)
		assert.WithinDuration(t, at, updated, time.Millisecond)

		require.NoError(t, s.ClearChannel(ctx, identity, models.RoleTarget, "chan-other"))
		_, _, found, err = s.GetChannel(ctx, identity, models.RoleTarget)
		require.NoError(t, err)
		assert.True(t, found, "clear with a different channel id is a no-op")

		require.NoError(t, s.ClearChannel(ctx, identity, models.RoleTarget, ""))
		_, _, found, err = s.GetChannel(ctx, identity, models.RoleTarget)
		require.NoError(t, err)
		assert.False(t, found)

		ch, _, found, err = s.GetChannel(ctx, identity, models.RoleRequester)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "chan-b", ch)
	})

	t.Run("RequestTransitions", func(t *testing.T) {
		s := open(t)
		code := registerDevice(t, s, "alice")
		req := newPending(t, s, code, time.Now())

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPendingApproval, got.Status)
		assert.Nil(t, got.ApprovedAt)

		pending, err := s.PendingRequest(ctx, code)
		require.NoError(t, err)
		require.NotNil(t, pending)
		assert.Equal(t, req.ID, pending.ID)

		now := time.Now()
		approved, err := s.TransitionRequest(ctx, req.ID, models.Transition{
			From:         []models.Status{models.StatusPendingApproval},
			To:           models.StatusApproved,
			At:           now,
			StampApprove: true,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusApproved, approved.Status)
		require.NotNil(t, approved.ApprovedAt)

		_, err = s.TransitionRequest(ctx, req.ID, models.Transition{
			From:     []models.Status{models.StatusApproved},
			To:       models.StatusConnecting,
			At:       now,
			Endpoint: "10.0.0.5:8888",
		})
		require.NoError(t, err)

		_, err = s.TransitionRequest(ctx, req.ID, models.Transition{
			From:         []models.Status{models.StatusConnecting, models.StatusApproved},
			To:           models.StatusConnected,
			At:           now,
			StampConnect: true,
		})
		require.NoError(t, err)

		ended, err := s.TransitionRequest(ctx, req.ID, models.Transition{
			To:        models.StatusEnded,
			At:        now,
			EndReason: "user_closed",
			StampEnd:  true,
		})
		require.NoError(t, err)
		assert.Equal(t, models.StatusEnded, ended.Status)
		assert.Equal(t, "user_closed", ended.EndReason)
		assert.Equal(t, "10.0.0.5:8888", ended.Endpoint)
		assert.NotNil(t, ended.ConnectedAt)
		assert.NotNil(t, ended.EndedAt)

		stored, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, ended.Status, stored.Status)
		assert.Equal(t, ended.EndReason, stored.EndReason)

		pending, err = s.PendingRequest(ctx, code)
		require.NoError(t, err)
		assert.Nil(t, pending)
	})

	t.Run("GuardLeavesRecordUnchanged", func(t *testing.T) {
		s := open(t)
		code := registerDevice(t, s, "alice")
		req := newPending(t, s, code, time.Now())

		_, err := s.TransitionRequest(ctx, req.ID, models.Transition{
			From: []models.Status{models.StatusPendingApproval},
			To:   models.StatusRejected,
			At:   time.Now(),
		})
		require.NoError(t, err)

		for _, to := range []models.Status{models.StatusApproved, models.StatusRejected} {
			_, err = s.TransitionRequest(ctx, req.ID, models.Transition{
				From: []models.Status{models.StatusPendingApproval},
				To:   to,
				At:   time.Now(),
			})
			assert.ErrorIs(t, err, models.ErrInvalidStatus)
		}

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusRejected, got.Status)
		assert.Nil(t, got.ApprovedAt)
	})

	t.Run("ConcurrentApproveRejectFirstWins", func(t *testing.T) {
		s := open(t)
		code := registerDevice(t, s, "alice")
		req := newPending(t, s, code, time.Now())

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []models.Status
		)

		for _, to := range []models.Status{models.StatusApproved, models.StatusRejected, models.StatusApproved, models.StatusRejected} {
			wg.Add(1)

			go func(to models.Status) {
				defer wg.Done()

				_, err := s.TransitionRequest(ctx, req.ID, models.Transition{
					From: []models.Status{models.StatusPendingApproval},
					To:   to,
					At:   time.Now(),
				})

				mu.Lock()
				defer mu.Unlock()

				if err == nil {
					winners = append(winners, to)
				} else {
					assert.ErrorIs(t, err, models.ErrInvalidStatus)
				}
			}(to)
		}

		wg.Wait()
		require.Len(t, winners, 1)

		got, err := s.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, winners[0], got.Status)
	})

	t.Run("UnknownRequest", func(t *testing.T) {
		s := open(t)

		_, err := s.GetRequest(ctx, uuid.NewString())
		assert.ErrorIs(t, err, models.ErrRequestNotFound)

		_, err = s.TransitionRequest(ctx, uuid.NewString(), models.Transition{To: models.StatusEnded, At: time.Now()})
		assert.ErrorIs(t, err, models.ErrRequestNotFound)
	})

	t.Run("ListPendingBefore", func(t *testing.T) {
		s := open(t)
		code := registerDevice(t, s, "alice")
		now := time.Now().UTC()

		old := newPending(t, s, code, now.Add(-2*time.Minute))
		fresh := newPending(t, s, code, now)

		list, err := s.ListPendingBefore(ctx, now.Add(-time.Minute))
		require.NoError(t, err)

		ids := make([]string, 0, len(list))
		for _, r := range list {
			ids = append(ids, r.ID)
		}

		assert.Contains(t, ids, old.ID)
		assert.NotContains(t, ids, fresh.ID)
	})
}
