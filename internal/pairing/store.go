// Package pairing persists the local display name and the history of
// peers this endpoint has connected to.
package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/andres-erbsen/clock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	KeyDeviceName     = "deviceName"
	KeyRecentPairings = "recentPairings"

	MaxPairings = 10
)

var (
	ErrNotFound    = errors.New("pairing not found")
	ErrInvalidName = errors.New("display name must not be empty")
)

// Record remembers one previously connected remote endpoint.
type Record struct {
	RemoteName      string `json:"remoteName"`
	RendezvousID    string `json:"rendezvousId"`
	LastConnectedAt int64  `json:"lastConnectedAt"`
	ConnectCount    int    `json:"connectCount"`
}

type Store struct {
	mu    sync.Mutex
	db    *gorm.DB
	clock clock.Clock
}

func NewStore(db *gorm.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{db: db, clock: clk}
}

// Open opens the database at path and wraps it in a Store.
func Open(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	return NewStore(db, nil), nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DisplayName returns the stored name, generating and saving one on first
// use.
func (s *Store) DisplayName() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name, ok, err := s.get(KeyDeviceName)
	if err != nil {
		return "", err
	}
	if ok && name != "" {
		return name, nil
	}

	name = GenerateName()
	if err := s.put(KeyDeviceName, name); err != nil {
		return "", err
	}
	return name, nil
}

func (s *Store) SetDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(KeyDeviceName, name)
}

// RecordConnection creates or refreshes the record for remoteName and
// moves it to the front. Only the MaxPairings most recent are kept.
func (s *Store) RecordConnection(remoteName, rendezvousID string) (Record, error) {
	if strings.TrimSpace(remoteName) == "" {
		return Record{}, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return Record{}, err
	}

	rec := Record{RemoteName: remoteName}
	for i, r := range records {
		if r.RemoteName == remoteName {
			rec = r
			records = append(records[:i], records[i+1:]...)
			break
		}
	}
	rec.RendezvousID = rendezvousID
	rec.LastConnectedAt = s.clock.Now().UnixMilli()
	rec.ConnectCount++

	records = append([]Record{rec}, records...)
	if len(records) > MaxPairings {
		records = records[:MaxPairings]
	}

	if err := s.save(records); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Pairings returns the records, most recently used first.
func (s *Store) Pairings() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) Names() ([]string, error) {
	records, err := s.Pairings()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.RemoteName)
	}
	return names, nil
}

func (s *Store) Find(remoteName string) (Record, error) {
	records, err := s.Pairings()
	if err != nil {
		return Record{}, err
	}
	for _, r := range records {
		if r.RemoteName == remoteName {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *Store) Remove(remoteName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	for i, r := range records {
		if r.RemoteName == remoteName {
			return s.save(append(records[:i], records[i+1:]...))
		}
	}
	return ErrNotFound
}

func (s *Store) load() ([]Record, error) {
	raw, ok, err := s.get(KeyRecentPairings)
	if err != nil || !ok || raw == "" {
		return []Record{}, err
	}

	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", KeyRecentPairings, err)
	}
	return records, nil
}

func (s *Store) save(records []Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", KeyRecentPairings, err)
	}
	return s.put(KeyRecentPairings, string(raw))
}

func (s *Store) get(key string) (string, bool, error) {
	var setting Setting
	err := s.db.Where(&Setting{Key: key}).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return setting.Value, true, nil
}

func (s *Store) put(key, value string) error {
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&Setting{Key: key, Value: value}).Error
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
