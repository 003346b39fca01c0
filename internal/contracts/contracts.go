package contracts

import "time"

// Change event types carried to other live devices of the same owner.
const (
	ChangeCreated  = "created"
	ChangeUpdated  = "updated"
	ChangeDeleted  = "deleted"
	ChangeRestored = "restored"
)

// TodoRecord is the authoritative server-side shape of a todo, shared by the
// sync response, the REST surface and the change feed.
type TodoRecord struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Text           string     `json:"text"`
	Completed      bool       `json:"completed"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	OriginClientID string     `json:"origin_client_id,omitempty"`
}

// ChangeEvent is published by sync-api for every accepted mutation and fanned
// out by change-streamer to the owner's other live connections.
type ChangeEvent struct {
	EventID        string     `json:"event_id"`
	Type           string     `json:"type"`
	OwnerID        string     `json:"owner_id"`
	OriginClientID string     `json:"origin_client_id,omitempty"`
	Record         TodoRecord `json:"record"`
	OccurredAt     time.Time  `json:"occurred_at"`
	ShardID        int        `json:"shard_id"`
}
