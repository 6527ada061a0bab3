package presence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements Store on a local SQLite file. Change notifications
// are produced locally on every mutation, standing in for the hosted
// store's change feed.
type SQLite struct {
	db   *sql.DB
	path string

	mu        sync.Mutex
	listeners []chan Event
}

// OpenSQLite opens or creates the presence database at dir/presence.db.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "presence.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent reader/writer access from session goroutines.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			slug       TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create rooms table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS participants (
			room       TEXT NOT NULL REFERENCES rooms(slug) ON DELETE CASCADE,
			peer_id    TEXT NOT NULL,
			nickname   TEXT NOT NULL DEFAULT '',
			muted      INTEGER NOT NULL DEFAULT 0,
			video_off  INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room, peer_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create participants table: %w", err)
	}

	return &SQLite{db: db, path: dbPath}, nil
}

func (s *SQLite) RoomBySlug(ctx context.Context, slug string) (Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT slug, name, created_at FROM rooms WHERE slug = ?`, slug).
		Scan(&r.Slug, &r.Name, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, slug)
	}
	if err != nil {
		return Room{}, err
	}
	return r, nil
}

func (s *SQLite) EnsureRoom(ctx context.Context, slug, name string) (Room, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (slug, name) VALUES (?, ?)
		 ON CONFLICT(slug) DO NOTHING`, slug, name); err != nil {
		return Room{}, err
	}
	return s.RoomBySlug(ctx, slug)
}

func (s *SQLite) UpsertParticipant(ctx context.Context, room, peerID, nickname string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (room, peer_id, nickname, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(room, peer_id) DO UPDATE SET
			nickname = excluded.nickname,
			updated_at = CURRENT_TIMESTAMP`,
		room, peerID, nickname)
	if err != nil {
		return err
	}
	s.notify(Event{Type: "upsert", Participant: &Participant{
		Room: room, PeerID: peerID, Nickname: nickname, UpdatedAt: time.Now(),
	}})
	return nil
}

func (s *SQLite) SetParticipantFlags(ctx context.Context, room, peerID string, muted, videoOff bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET muted = ?, video_off = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE room = ? AND peer_id = ?`,
		boolInt(muted), boolInt(videoOff), room, peerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // participant already gone; flags are display-only
	}
	s.notify(Event{Type: "upsert", Participant: &Participant{
		Room: room, PeerID: peerID, Muted: muted, VideoOff: videoOff, UpdatedAt: time.Now(),
	}})
	return nil
}

func (s *SQLite) DeleteParticipant(ctx context.Context, room, peerID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM participants WHERE room = ? AND peer_id = ?`, room, peerID); err != nil {
		return err
	}
	s.notify(Event{Type: "delete", Participant: &Participant{Room: room, PeerID: peerID}})
	return nil
}

func (s *SQLite) Participants(ctx context.Context, room string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room, peer_id, nickname, muted, video_off, updated_at
		 FROM participants WHERE room = ? ORDER BY updated_at`, room)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		var muted, videoOff int
		if err := rows.Scan(&p.Room, &p.PeerID, &p.Nickname, &muted, &videoOff, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Muted = muted != 0
		p.VideoOff = videoOff != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) Subscribe() chan Event {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

func (s *SQLite) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	for _, ch := range s.listeners {
		close(ch)
	}
	s.listeners = nil
	s.mu.Unlock()
	return s.db.Close()
}

func (s *SQLite) notify(evt Event) {
	s.mu.Lock()
	for _, ch := range s.listeners {
		select {
		case ch <- evt:
		default:
			log.Printf("PRESENCE: listener lagging, event dropped")
		}
	}
	s.mu.Unlock()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
