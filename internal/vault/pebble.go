package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"chatgate/internal/crypto"
)

const pebblePrefix = "vault/"

type pebbleRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint"`
	Kind         string    `json:"kind,omitempty"`
	Model        string    `json:"model,omitempty"`
	SealedSecret string    `json:"sealedSecret"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PebbleStore keeps entries in an embedded pebble database. Secrets are
// sealed with the keyring, bound to the entry id.
type PebbleStore struct {
	db      *pebble.DB
	keyring *crypto.Keyring
}

var (
	_ Store    = (*PebbleStore)(nil)
	_ Resealer = (*PebbleStore)(nil)
)

func OpenPebble(dir string, keyring *crypto.Keyring) (*PebbleStore, error) {
	return openPebble(dir, &pebble.Options{}, keyring)
}

// OpenPebbleInMemory is used by tests.
func OpenPebbleInMemory(keyring *crypto.Keyring) (*PebbleStore, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()}, keyring)
}

func openPebble(dir string, opts *pebble.Options, keyring *crypto.Keyring) (*PebbleStore, error) {
	if keyring == nil {
		return nil, errors.New("pebble vault requires a keyring")
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", dir, err)
	}
	return &PebbleStore{db: db, keyring: keyring}, nil
}

func pebbleKey(id string) []byte {
	return []byte(pebblePrefix + id)
}

func (p *PebbleStore) List(_ context.Context) ([]Entry, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebblePrefix),
		UpperBound: []byte("vault0"),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	out := make([]Entry, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := p.decode(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	return out, nil
}

func (p *PebbleStore) Get(_ context.Context, id string) (Entry, error) {
	val, closer, err := p.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return p.decode(val)
}

func (p *PebbleStore) Put(_ context.Context, e Entry) error {
	sealed, err := p.keyring.Seal(e.ID, e.SecretKey)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	raw, err := json.Marshal(pebbleRecord{
		ID:           e.ID,
		Name:         e.Name,
		Endpoint:     e.Endpoint,
		Kind:         e.Kind,
		Model:        e.Model,
		SealedSecret: sealed,
		UpdatedAt:    e.UpdatedAt,
	})
	if err != nil {
		return err
	}
	return p.db.Set(pebbleKey(e.ID), raw, pebble.Sync)
}

func (p *PebbleStore) Delete(_ context.Context, id string) error {
	_, closer, err := p.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("pebble get: %w", err)
	}
	closer.Close()
	return p.db.Delete(pebbleKey(id), pebble.Sync)
}

// Reseal rewrites records whose secret was sealed with a non-current key.
func (p *PebbleStore) Reseal(_ context.Context) (int, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebblePrefix),
		UpperBound: []byte("vault0"),
	})
	if err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}
	stale := make([]pebbleRecord, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Close()
			return 0, fmt.Errorf("decode vault record: %w", err)
		}
		if p.keyring.NeedsRotation(rec.SealedSecret) {
			stale = append(stale, rec)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("pebble iter: %w", err)
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, rec := range stale {
		sealed, err := p.keyring.Reseal(rec.ID, rec.SealedSecret)
		if err != nil {
			return 0, fmt.Errorf("reseal %q: %w", rec.ID, err)
		}
		rec.SealedSecret = sealed
		raw, err := json.Marshal(rec)
		if err != nil {
			return 0, err
		}
		if err := batch.Set(pebbleKey(rec.ID), raw, nil); err != nil {
			return 0, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit reseal: %w", err)
	}
	return len(stale), nil
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

// decode copies out of val, which pebble only lends until the closer runs.
func (p *PebbleStore) decode(val []byte) (Entry, error) {
	var rec pebbleRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return Entry{}, fmt.Errorf("decode vault record: %w", err)
	}
	secret, err := p.keyring.Open(rec.ID, rec.SealedSecret)
	if err != nil {
		return Entry{}, fmt.Errorf("open secret for %q: %w", rec.ID, err)
	}
	return Entry{
		ID:        rec.ID,
		Name:      rec.Name,
		Endpoint:  rec.Endpoint,
		SecretKey: secret,
		Kind:      rec.Kind,
		Model:     rec.Model,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}
