package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// UnlockFlagKey is the local storage key mirroring the unlocked state.
const UnlockFlagKey = "unlock_session"

var ErrRejected = errors.New("incorrect password")

// Checker verifies a candidate password, locally or with a server round-trip.
type Checker func(ctx context.Context, password string) (bool, error)

// Check adapts the allow-list to a Checker.
func (a *AllowList) Check(_ context.Context, password string) (bool, error) {
	return a.Match(password), nil
}

type FlagStore interface {
	Set(key, value string) error
	Remove(key string) error
}

// Gate blocks interaction until a password is accepted. Once unlocked it
// stays unlocked until Lock. Attempts are not counted or throttled.
type Gate struct {
	check Checker
	flags FlagStore

	mu       sync.Mutex
	unlocked bool
}

func New(check Checker, flags FlagStore) *Gate {
	return &Gate{check: check, flags: flags}
}

func (g *Gate) Unlock(ctx context.Context, candidate string) error {
	ok, err := g.check(ctx, candidate)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return ErrRejected
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked = true
	if g.flags != nil {
		if err := g.flags.Set(UnlockFlagKey, "true"); err != nil {
			return fmt.Errorf("persist unlock flag: %w", err)
		}
	}
	return nil
}

func (g *Gate) Unlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlocked
}

// Lock ends the unlocked session and clears the persisted flag.
func (g *Gate) Lock() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked = false
	if g.flags != nil {
		return g.flags.Remove(UnlockFlagKey)
	}
	return nil
}
