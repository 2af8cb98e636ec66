package asm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThiagoRGoveia/rla-audit/internal/database"
	"github.com/ThiagoRGoveia/rla-audit/internal/models"
)

// Effect performs the domain writes that accompany a transition. It runs inside the same
// transaction as the state write, so either both commit or neither does.
type Effect func(ctx context.Context, tx database.Tx, from, to State) error

// Service applies events to persisted machines. It keeps no per-entity state: every call
// rehydrates the machine from storage.
type Service struct {
	dbManager database.DBManager
	logger    *slog.Logger
}

func NewService(dbManager database.DBManager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{dbManager: dbManager, logger: logger}
}

// Load returns the stored state of the machine at key, or its initial state with version 0
// when nothing has been stored yet.
func Load(ctx context.Context, tx database.Tx, def *Definition, key string) (models.MachineState, error) {
	rec, err := tx.MachineState(ctx, def.Name, key)
	if errors.Is(err, database.ErrNotFound) {
		return models.MachineState{Machine: def.Name, Key: key, State: string(def.Initial)}, nil
	}
	if err != nil {
		return models.MachineState{}, fmt.Errorf("loading %s state for %s: %w", def.Name, key, err)
	}
	if !def.HasState(State(rec.State)) {
		return models.MachineState{}, fmt.Errorf("%s %s has unknown stored state %q", def.Name, key, rec.State)
	}
	return rec, nil
}

// ApplyTx applies event to the machine at key within tx.
func ApplyTx(ctx context.Context, tx database.Tx, def *Definition, key string, event Event, effect Effect) (State, error) {
	rec, err := Load(ctx, tx, def, key)
	if err != nil {
		return "", err
	}

	from := State(rec.State)
	to, err := def.Apply(from, event)
	if err != nil {
		return from, err
	}

	if effect != nil {
		if err := effect(ctx, tx, from, to); err != nil {
			return from, err
		}
	}

	rec.State = string(to)
	rec.UpdatedAt = time.Now().UTC()
	if err := tx.SaveMachineState(ctx, rec); err != nil {
		return from, fmt.Errorf("saving %s state for %s: %w", def.Name, key, err)
	}
	return to, nil
}

// Current returns the state of the machine at key.
func (s *Service) Current(ctx context.Context, def *Definition, key string) (State, error) {
	var state State
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		rec, err := Load(ctx, tx, def, key)
		state = State(rec.State)
		return err
	})
	return state, err
}

// Apply transitions the machine at key and commits effect atomically with the new state.
// An undefined transition returns an IllegalTransitionError and leaves storage untouched.
func (s *Service) Apply(ctx context.Context, def *Definition, key string, event Event, effect Effect) (State, error) {
	var next State
	err := s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		var err error
		next, err = ApplyTx(ctx, tx, def, key, event, effect)
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("state transition applied", "machine", def.Name, "key", key, "event", event, "state", next)
	return next, nil
}

// TryApply is Apply for callers racing another unit of work. When the current state is not one
// from which event is accepted it returns the current state and applied=false without error.
func (s *Service) TryApply(ctx context.Context, def *Definition, key string, event Event, effect Effect) (state State, applied bool, err error) {
	sources := def.Sources(event)
	err = s.dbManager.WithTx(ctx, func(tx database.Tx) error {
		rec, err := Load(ctx, tx, def, key)
		if err != nil {
			return err
		}
		if !sources[State(rec.State)] {
			state = State(rec.State)
			return nil
		}

		state, err = ApplyTx(ctx, tx, def, key, event, effect)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	if applied {
		s.logger.Info("state transition applied", "machine", def.Name, "key", key, "event", event, "state", state)
	}
	return state, applied, nil
}
