package chatstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/localstore"
)

type memStorage struct {
	data   map[string]string
	writes int
}

func newMemStorage() *memStorage { return &memStorage{data: map[string]string{}} }

func (m *memStorage) Get(key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStorage) Set(key, value string) error {
	m.data[key] = value
	m.writes++
	return nil
}

func load(t *testing.T, st Storage) *Store {
	t.Helper()
	s, err := Load(st, zerolog.Nop())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestLoadCreatesInitialChat(t *testing.T) {
	st := newMemStorage()
	s := load(t, st)
	chats := s.List()
	if len(chats) != 1 {
		t.Fatalf("expected one chat, got %d", len(chats))
	}
	if s.Active().ID != chats[0].ID || chats[0].Title != "New Chat 1" {
		t.Fatalf("unexpected initial chat %#v", chats[0])
	}
	if _, ok := st.data[HistoryKey]; !ok {
		t.Fatalf("history should be persisted on load")
	}
}

func TestCreateDistinctIDs(t *testing.T) {
	s := load(t, newMemStorage())
	const n = 25
	seen := map[string]bool{s.Active().ID: true}
	for i := 0; i < n; i++ {
		c, err := s.Create()
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[c.ID] {
			t.Fatalf("duplicate id %s", c.ID)
		}
		seen[c.ID] = true
		if s.Active().ID != c.ID {
			t.Fatalf("new chat should become active")
		}
	}
	if got := len(s.List()); got != n+1 {
		t.Fatalf("expected %d chats, got %d", n+1, got)
	}
}

func TestEveryMutationPersistsWholeMap(t *testing.T) {
	st := newMemStorage()
	s := load(t, st)
	id := s.Active().ID

	before := st.writes
	if err := s.Append(id, Message{Role: RoleUser, Text: "hello"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if st.writes == before {
		t.Fatalf("append did not persist")
	}
	if err := s.Rename(id, "  Renamed  "); err != nil {
		t.Fatalf("rename: %v", err)
	}

	var stored map[string]Chat
	if err := json.Unmarshal([]byte(st.data[HistoryKey]), &stored); err != nil {
		t.Fatalf("decode stored history: %v", err)
	}
	c := stored[id]
	if c.Title != "Renamed" || len(c.History) != 1 || c.History[0].Text != "hello" || c.History[0].Timestamp == 0 {
		t.Fatalf("unexpected stored chat %#v", c)
	}

	reloaded := load(t, st)
	if reloaded.Active().ID != id || reloaded.Active().Title != "Renamed" {
		t.Fatalf("reload lost state: %#v", reloaded.Active())
	}
}

func TestDeleteActive(t *testing.T) {
	s := load(t, newMemStorage())
	first := s.Active()
	second, _ := s.Create()
	third, _ := s.Create()
	if _, err := s.Switch(first.ID); err != nil {
		t.Fatalf("switch: %v", err)
	}

	deleted, err := s.Delete(first.ID, func(Chat) bool { return false })
	if err != nil || deleted {
		t.Fatalf("declined confirmation must not delete: deleted=%v err=%v", deleted, err)
	}

	if _, err := s.Delete(first.ID, func(c Chat) bool { return c.ID == first.ID }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.Active().ID != third.ID {
		t.Fatalf("expected newest remaining chat to be active")
	}

	for _, id := range []string{third.ID, second.ID} {
		if _, err := s.Delete(id, nil); err != nil {
			t.Fatalf("delete %s: %v", id, err)
		}
		chats := s.List()
		if len(chats) == 0 {
			t.Fatalf("store must never be left without a chat")
		}
		active := s.Active()
		if active.ID == "" || active.ID == id {
			t.Fatalf("expected a different active chat after deleting %s", id)
		}
	}
	if len(s.List()) != 1 {
		t.Fatalf("expected a single auto-created chat, got %d", len(s.List()))
	}

	if _, err := s.Delete("missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadUpload(t *testing.T) {
	s := load(t, newMemStorage())
	id := s.Active().ID
	_ = s.Append(id, Message{Role: RoleUser, Text: "q", Timestamp: 1})
	_ = s.Append(id, Message{Role: RoleModel, Text: "a", Timestamp: 2, ImageURL: "blob:x"})

	var buf bytes.Buffer
	if err := s.Download(id, &buf); err != nil {
		t.Fatalf("download: %v", err)
	}
	var history []Message
	if err := json.Unmarshal(buf.Bytes(), &history); err != nil {
		t.Fatalf("downloaded file is not a JSON array: %v", err)
	}
	if len(history) != 2 || history[1].ImageURL != "blob:x" {
		t.Fatalf("unexpected downloaded history %#v", history)
	}

	c, err := s.Upload(bytes.NewReader(buf.Bytes()), "backup.json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if c.Title != "Uploaded Chat: backup" || len(c.History) != 2 || s.Active().ID != c.ID {
		t.Fatalf("unexpected uploaded chat %#v", c)
	}
}

func TestUploadRejectsNonArray(t *testing.T) {
	st := newMemStorage()
	s := load(t, st)
	before := st.data[HistoryKey]
	count := len(s.List())
	active := s.Active().ID

	for _, payload := range []string{`{"role":"user"}`, `"text"`, `42`, `not json`, `[1, 2`, ``} {
		if _, err := s.Upload(strings.NewReader(payload), "bad.json"); !errors.Is(err, ErrNotArray) {
			t.Fatalf("payload %q: expected ErrNotArray, got %v", payload, err)
		}
	}
	if len(s.List()) != count || s.Active().ID != active || st.data[HistoryKey] != before {
		t.Fatalf("rejected uploads must not mutate the store")
	}
}

func TestUploadAcceptsAnyArray(t *testing.T) {
	s := load(t, newMemStorage())

	c, err := s.Upload(strings.NewReader(`[
		{"role":"user","text":"iso","timestamp":"2026-03-01T12:00:00Z"},
		{"role":"model","text":"numeric string","timestamp":"1700000000000"},
		{"role":"user","text":"float","timestamp":1700000000000.0},
		{"role":"model","text":"garbage","timestamp":{"x":1}}
	]`), "mixed.json")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := []int64{
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		1700000000000,
		1700000000000,
		0,
	}
	if len(c.History) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(c.History))
	}
	for i, ts := range want {
		if c.History[i].Timestamp != ts {
			t.Fatalf("message %d: expected timestamp %d, got %d", i, ts, c.History[i].Timestamp)
		}
	}

	c, err = s.Upload(strings.NewReader(`[1, 2, {"role":"user","text":"kept"}]`), "numbers.json")
	if err != nil {
		t.Fatalf("upload array of scalars: %v", err)
	}
	if len(c.History) != 1 || c.History[0].Text != "kept" {
		t.Fatalf("non-object entries should be skipped, got %#v", c.History)
	}
}

func TestFileName(t *testing.T) {
	if got := FileName("My Chat #1"); got != "my_chat__1.json" {
		t.Fatalf("unexpected file name %q", got)
	}
}

func TestWithLocalStore(t *testing.T) {
	ls, err := localstore.Open(filepath.Join(t.TempDir(), "local.json"))
	if err != nil {
		t.Fatalf("localstore: %v", err)
	}
	s := load(t, ls)
	id := s.Active().ID
	if err := s.Append(id, Message{Role: RoleUser, Text: "persisted"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	again := load(t, ls)
	c, err := again.Get(id)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if len(c.History) != 1 || c.History[0].Text != "persisted" {
		t.Fatalf("unexpected history %#v", c.History)
	}
}
