// Package chatstore keeps the CLI's conversations. The whole chat map is
// re-serialized to local storage after every mutation.
package chatstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HistoryKey = "chat_history"
	ActiveKey  = "chat_active"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

var (
	ErrNotFound = errors.New("chat not found")
	ErrNotArray = errors.New("file content is not a valid chat history array")
)

type Message struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	ImageURL  string `json:"imageUrl,omitempty"`
}

// UnmarshalJSON accepts the timestamp as epoch milliseconds, a numeric
// string or an RFC 3339 string. Anything else decodes as zero.
func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Role      string          `json:"role"`
		Text      string          `json:"text"`
		Timestamp json.RawMessage `json:"timestamp"`
		ImageURL  string          `json:"imageUrl"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Message{Role: raw.Role, Text: raw.Text, ImageURL: raw.ImageURL, Timestamp: parseTimestamp(raw.Timestamp)}
	return nil
}

func parseTimestamp(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int64(n)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0
	}
	str = strings.TrimSpace(str)
	if v, err := strconv.ParseInt(str, 10, 64); err == nil {
		return v
	}
	if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
		return t.UnixMilli()
	}
	return 0
}

type Chat struct {
	ID      string    `json:"-"`
	Title   string    `json:"title"`
	History []Message `json:"history"`
	// Order is the creation sequence; larger is newer.
	Order int64 `json:"order"`
}

// Storage is the local storage backing the store.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

type Store struct {
	storage Storage
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	chats  map[string]*Chat
	active string
	order  int64
}

// Load restores chats from storage. Unreadable history is discarded. The
// returned store always has an active chat.
func Load(storage Storage, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		storage: storage,
		logger:  logger,
		now:     time.Now,
		chats:   map[string]*Chat{},
	}

	raw, ok, err := storage.Get(HistoryKey)
	if err != nil {
		return nil, fmt.Errorf("read chat history: %w", err)
	}
	if ok && raw != "" {
		stored := map[string]*Chat{}
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			logger.Error().Err(err).Msg("chat history is unreadable, starting fresh")
		} else {
			for id, c := range stored {
				if c == nil {
					continue
				}
				c.ID = id
				if c.History == nil {
					c.History = []Message{}
				}
				s.chats[id] = c
				if c.Order > s.order {
					s.order = c.Order
				}
			}
			logger.Info().Int("chats", len(s.chats)).Msg("chat history loaded")
		}
	}

	if active, ok, err := storage.Get(ActiveKey); err == nil && ok {
		if _, exists := s.chats[active]; exists {
			s.active = active
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		if newest := s.newestLocked(); newest != nil {
			s.active = newest.ID
		} else {
			s.createLocked()
		}
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Create adds an empty chat and makes it active.
func (s *Store) Create() (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.createLocked()
	return c.clone(), s.persistLocked()
}

func (s *Store) Switch(id string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, ErrNotFound
	}
	s.active = id
	return c.clone(), s.persistLocked()
}

// Rename sets a chat title. A blank title leaves the chat unchanged.
func (s *Store) Rename(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return ErrNotFound
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	c.Title = title
	return s.persistLocked()
}

// Delete removes a chat once confirm approves it. When the active chat goes,
// the newest remaining chat becomes active, or a fresh one is created.
func (s *Store) Delete(id string, confirm func(Chat) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return false, ErrNotFound
	}
	if confirm != nil && !confirm(c.clone()) {
		return false, nil
	}
	delete(s.chats, id)
	if s.active == id {
		s.active = ""
		if newest := s.newestLocked(); newest != nil {
			s.active = newest.ID
		} else {
			s.createLocked()
		}
	}
	return true, s.persistLocked()
}

// Append adds m to a chat. A zero timestamp is filled with the current time.
func (s *Store) Append(id string, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return ErrNotFound
	}
	if m.Timestamp == 0 {
		m.Timestamp = s.now().UnixMilli()
	}
	c.History = append(c.History, m)
	return s.persistLocked()
}

func (s *Store) Active() Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[s.active].clone()
}

func (s *Store) Get(id string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return c.clone(), nil
}

// List returns chats oldest first.
func (s *Store) List() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Download writes a chat's history as an indented JSON array.
func (s *Store) Download(id string, w io.Writer) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c.History)
}

// Upload installs a JSON array of messages as a new active chat. Anything
// other than an array is rejected and the store is left untouched.
func (s *Store) Upload(r io.Reader, fileName string) (Chat, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Chat{}, fmt.Errorf("read upload: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		return Chat{}, ErrNotArray
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
		return Chat{}, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	history := make([]Message, 0, len(items))
	skipped := 0
	for _, item := range items {
		var m Message
		if !strings.HasPrefix(strings.TrimSpace(string(item)), "{") || json.Unmarshal(item, &m) != nil {
			skipped++
			continue
		}
		history = append(history, m)
	}
	if skipped > 0 {
		s.logger.Warn().Int("skipped", skipped).Str("file", fileName).Msg("upload had entries that are not messages")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.createLocked()
	c.Title = "Uploaded Chat: " + strings.TrimSuffix(fileName, ".json")
	c.History = history
	return c.clone(), s.persistLocked()
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9]`)

// FileName is the download file name for a chat title.
func FileName(title string) string {
	return unsafeFileChars.ReplaceAllString(strings.ToLower(title), "_") + ".json"
}

func (s *Store) createLocked() *Chat {
	s.order++
	c := &Chat{
		ID:      uuid.NewString(),
		Title:   fmt.Sprintf("New Chat %d", len(s.chats)+1),
		History: []Message{},
		Order:   s.order,
	}
	s.chats[c.ID] = c
	s.active = c.ID
	return c
}

func (s *Store) newestLocked() *Chat {
	var newest *Chat
	for _, c := range s.chats {
		if newest == nil || c.Order > newest.Order {
			newest = c
		}
	}
	return newest
}

func (s *Store) persistLocked() error {
	raw, err := json.Marshal(s.chats)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}
	if err := s.storage.Set(HistoryKey, string(raw)); err != nil {
		s.logger.Error().Err(err).Msg("saving chat history failed")
		return fmt.Errorf("save chat history: %w", err)
	}
	if err := s.storage.Set(ActiveKey, s.active); err != nil {
		return fmt.Errorf("save active chat: %w", err)
	}
	return nil
}

func (c *Chat) clone() Chat {
	if c == nil {
		return Chat{}
	}
	out := *c
	out.History = make([]Message, len(c.History))
	copy(out.History, c.History)
	return out
}
