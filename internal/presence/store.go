// Package presence mirrors call membership into the external store so
// the participant list UI can render it. This is best-effort display
// state only — it plays no part in signaling correctness, and store
// errors never take down a session.
package presence

import (
	"context"
	"errors"
	"time"
)

var ErrRoomNotFound = errors.New("presence: room not found")

type Room struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Participant struct {
	Room      string    `json:"room"`
	PeerID    string    `json:"peer_id"`
	Nickname  string    `json:"nickname,omitempty"`
	Muted     bool      `json:"muted"`
	VideoOff  bool      `json:"video_off"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is one change-notification on the participants table.
type Event struct {
	Type        string       `json:"type"` // "upsert" or "delete"
	Participant *Participant `json:"participant,omitempty"`
}

// Store is the surface the call layer needs from the external store.
type Store interface {
	RoomBySlug(ctx context.Context, slug string) (Room, error)
	EnsureRoom(ctx context.Context, slug, name string) (Room, error)

	UpsertParticipant(ctx context.Context, room, peerID, nickname string) error
	SetParticipantFlags(ctx context.Context, room, peerID string, muted, videoOff bool) error
	DeleteParticipant(ctx context.Context, room, peerID string) error
	Participants(ctx context.Context, room string) ([]Participant, error)

	Subscribe() chan Event
	Unsubscribe(ch chan Event)

	Close() error
}

// Nop satisfies Store with no backing storage, for deployments whose
// relay has no participant table.
type Nop struct{}

func (Nop) RoomBySlug(_ context.Context, slug string) (Room, error) {
	return Room{Slug: slug}, nil
}
func (Nop) EnsureRoom(_ context.Context, slug, name string) (Room, error) {
	return Room{Slug: slug, Name: name}, nil
}
func (Nop) UpsertParticipant(context.Context, string, string, string) error       { return nil }
func (Nop) SetParticipantFlags(context.Context, string, string, bool, bool) error { return nil }
func (Nop) DeleteParticipant(context.Context, string, string) error               { return nil }
func (Nop) Participants(context.Context, string) ([]Participant, error)           { return nil, nil }
func (Nop) Subscribe() chan Event                                                 { return make(chan Event) }
func (Nop) Unsubscribe(chan Event)                                                {}
func (Nop) Close() error                                                          { return nil }
