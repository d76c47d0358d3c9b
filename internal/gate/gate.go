// Package gate decides whether a candidate password unlocks access.
package gate

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrEmptyAllowList = errors.New("allow-list is empty")

// AllowList holds bcrypt hashes of every accepted password. Plaintext entries
// are hashed once at construction so they are not kept in memory.
type AllowList struct {
	hashes [][]byte
}

// NewAllowList accepts plaintext passwords or bcrypt hashes ("$2a$", "$2b$",
// "$2y$").
func NewAllowList(entries []string) (*AllowList, error) {
	return newAllowList(entries, bcrypt.DefaultCost)
}

func newAllowList(entries []string, cost int) (*AllowList, error) {
	a := &AllowList{}
	for i, e := range entries {
		if e == "" {
			continue
		}
		if isBcryptHash(e) {
			if _, err := bcrypt.Cost([]byte(e)); err != nil {
				return nil, fmt.Errorf("entry %d: invalid bcrypt hash: %w", i, err)
			}
			a.hashes = append(a.hashes, []byte(e))
			continue
		}
		h, err := bcrypt.GenerateFromPassword([]byte(e), cost)
		if err != nil {
			return nil, fmt.Errorf("entry %d: hash password: %w", i, err)
		}
		a.hashes = append(a.hashes, h)
	}
	if len(a.hashes) == 0 {
		return nil, ErrEmptyAllowList
	}
	return a, nil
}

// Match reports whether candidate equals any allow-listed password. Every
// entry is checked so the time taken does not reveal which one matched.
func (a *AllowList) Match(candidate string) bool {
	if a == nil || candidate == "" {
		return false
	}
	matched := false
	for _, h := range a.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(candidate)) == nil {
			matched = true
		}
	}
	return matched
}

func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.hashes)
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}
