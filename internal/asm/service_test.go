package asm

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *database.SQLiteDBManager) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "asm.db"), 4, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.CreateTables(context.Background()))
	return NewService(db, nil), db
}

func TestService_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("should start from the initial state and persist transitions", func(t *testing.T) {
		svc, _ := newTestService(t)

		current, err := svc.Current(ctx, County, CountyKey(4))
		require.NoError(t, err)
		assert.Equal(t, CountyInitial, current)

		next, err := svc.Apply(ctx, County, CountyKey(4), AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)
		assert.Equal(t, CountyNoFiles, next)

		current, err = svc.Current(ctx, County, CountyKey(4))
		require.NoError(t, err)
		assert.Equal(t, CountyNoFiles, current)
	})

	t.Run("should keep machines of different entities apart", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, err := svc.Apply(ctx, County, CountyKey(1), AuthenticateCountyAdministrator, nil)
		require.NoError(t, err)

		current, err := svc.Current(ctx, County, CountyKey(2))

		require.NoError(t, err)
		assert.Equal(t, CountyInitial, current)
	})

	t.Run("should run the effect with the transition endpoints", func(t *testing.T) {
		svc, _ := newTestService(t)
		var from, to State

		_, err := svc.Apply(ctx, DoS, DoSKey, AuthenticateStateAdministrator,
			func(ctx context.Context, tx database.Tx, f, next State) error {
				from, to = f, next
				return nil
			})

		require.NoError(t, err)
		assert.Equal(t, DoSInitial, from)
		assert.Equal(t, DoSAuthenticated, to)
	})

	t.Run("should reject an illegal event without touching storage", func(t *testing.T) {
		svc, _ := newTestService(t)
		called := false

		_, err := svc.Apply(ctx, AuditBoard, AuditBoardKey(1, 1), RemoteMarkings,
			func(ctx context.Context, tx database.Tx, from, to State) error {
				called = true
				return nil
			})

		assert.ErrorIs(t, err, ErrIllegalTransition)
		assert.False(t, called)
		current, err := svc.Current(ctx, AuditBoard, AuditBoardKey(1, 1))
		require.NoError(t, err)
		assert.Equal(t, AuditInitial, current)
	})

	t.Run("should roll back the state and the effect writes when the effect fails", func(t *testing.T) {
		svc, db := newTestService(t)
		boom := errors.New("boom")

		_, err := svc.Apply(ctx, County, CountyKey(9), AuthenticateCountyAdministrator,
			func(ctx context.Context, tx database.Tx, from, to State) error {
				cdb := models.NewCountyDashboard(9)
				cdb.ImportStatus = models.ImportInProgress
				if err := tx.SaveCountyDashboard(ctx, cdb); err != nil {
					return err
				}
				return boom
			})

		assert.ErrorIs(t, err, boom)
		current, err := svc.Current(ctx, County, CountyKey(9))
		require.NoError(t, err)
		assert.Equal(t, CountyInitial, current)

		var cdb models.CountyDashboard
		require.NoError(t, db.WithTx(ctx, func(tx database.Tx) error {
			var err error
			cdb, err = tx.CountyDashboard(ctx, 9)
			return err
		}))
		assert.Equal(t, models.ImportNotAttempted, cdb.ImportStatus)
	})

	t.Run("should refuse an unknown stored state", func(t *testing.T) {
		svc, db := newTestService(t)
		require.NoError(t, db.WithTx(ctx, func(tx database.Tx) error {
			return tx.SaveMachineState(ctx, models.MachineState{Machine: MachineDoS, Key: DoSKey, State: "NOT_A_STATE"})
		}))

		_, err := svc.Apply(ctx, DoS, DoSKey, AuthenticateStateAdministrator, nil)

		assert.ErrorContains(t, err, "unknown stored state")
	})
}

func TestService_TryApply(t *testing.T) {
	ctx := context.Background()

	t.Run("should report a skipped event with the current state", func(t *testing.T) {
		svc, _ := newTestService(t)

		state, applied, err := svc.TryApply(ctx, County, CountyKey(1), CVRImportSuccess, nil)

		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, CountyInitial, state)
	})

	t.Run("should apply when the event is accepted", func(t *testing.T) {
		svc, _ := newTestService(t)

		state, applied, err := svc.TryApply(ctx, County, CountyKey(1), AuthenticateCountyAdministrator, nil)

		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, CountyNoFiles, state)
	})

	t.Run("should let exactly one of many racing callers win", func(t *testing.T) {
		svc, _ := newTestService(t)
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, applied, err := svc.TryApply(ctx, County, CountyKey(1), AuthenticateCountyAdministrator, nil)
				if err != nil && !errors.Is(err, database.ErrConflict) {
					t.Errorf("unexpected error: %v", err)
				}
				if applied {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
	})
}
