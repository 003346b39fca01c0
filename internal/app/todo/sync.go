package todo

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nuid"
	"github.com/todo-sync/backend/internal/contracts"
	"github.com/todo-sync/backend/internal/platform/metrics"
	"github.com/todo-sync/backend/internal/sharding"
)

// DefaultMaxBatch bounds the work a single sync request may demand.
const DefaultMaxBatch = 100

// casRetries bounds the get/resolve/put loop when a concurrent writer keeps
// changing a record between our read and our compare-and-swap write.
const casRetries = 3

var ErrBatchTooLarge = errors.New("sync batch exceeds size limit")

var syncItemsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "sync_items_total",
	Help: "Sync batch items by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(syncItemsTotal)
}

// Store is the Item Store contract consumed by the coordinator. Put must be
// atomic per record and reject with ErrVersionChanged when the stored
// version no longer matches expectedVersion.
type Store interface {
	Get(ctx context.Context, id string) (contracts.TodoRecord, error)
	Put(ctx context.Context, rec contracts.TodoRecord, expectedVersion int64) error
	ListUpdatedSince(ctx context.Context, ownerID string, since time.Time, excludeIDs []string) ([]contracts.TodoRecord, error)
	ListActive(ctx context.Context, ownerID string, opts ListOptions) ([]contracts.TodoRecord, error)
}

type PublishFunc func(subject string, payload []byte) error

// Service is the Sync Coordinator: it applies client batches through the
// resolver, persists accepted records and hands them to the broadcaster,
// then computes the server-side changes the client has not seen.
type Service struct {
	Store    Store
	Publish  PublishFunc
	Now      func() time.Time
	NewID    func() string
	MaxBatch int
}

func NewService(store Store, publish PublishFunc) *Service {
	return &Service{
		Store:    store,
		Publish:  publish,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    nuid.Next,
		MaxBatch: DefaultMaxBatch,
	}
}

type Conflict struct {
	ID            string               `json:"id"`
	ClientVersion int64                `json:"client_version"`
	ServerVersion int64                `json:"server_version"`
	Server        contracts.TodoRecord `json:"server_record"`
}

type ItemFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type SyncResult struct {
	ServerChanges []contracts.TodoRecord `json:"server_changes"`
	Applied       []string               `json:"applied"`
	Conflicts     []Conflict             `json:"conflicts"`
	Failed        []ItemFailure          `json:"failed,omitempty"`
	SyncTimestamp time.Time              `json:"sync_timestamp"`
}

// Sync runs one batch exchange. Items are processed independently and in
// order: a conflict or storage failure on one item never aborts the rest.
// The batch is not a transaction; partial application is the expected
// outcome when the client disconnects mid-batch.
func (s *Service) Sync(ctx context.Context, ownerID string, batch []Change, lastSync time.Time) (SyncResult, error) {
	maxBatch := s.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if len(batch) > maxBatch {
		return SyncResult{}, ErrBatchTooLarge
	}

	// Captured before the apply loop so anything mutated during this very
	// sync is still above the client's next watermark.
	syncStamp := s.Now()

	result := SyncResult{
		ServerChanges: []contracts.TodoRecord{},
		Applied:       []string{},
		Conflicts:     []Conflict{},
		SyncTimestamp: syncStamp,
	}

	for _, change := range batch {
		rec, err := s.Apply(ctx, ownerID, change)
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				syncItemsTotal.WithLabelValues("conflict").Inc()
				result.Conflicts = append(result.Conflicts, Conflict{
					ID:            conflict.Server.ID,
					ClientVersion: conflict.ClientVersion,
					ServerVersion: conflict.Server.Version,
					Server:        conflict.Server,
				})
				continue
			}
			syncItemsTotal.WithLabelValues("failed").Inc()
			result.Failed = append(result.Failed, ItemFailure{ID: change.ID, Error: err.Error()})
			continue
		}
		syncItemsTotal.WithLabelValues("applied").Inc()
		result.Applied = append(result.Applied, rec.ID)
	}

	changes, err := s.Store.ListUpdatedSince(ctx, ownerID, lastSync, result.Applied)
	if err != nil {
		return SyncResult{}, err
	}
	result.ServerChanges = changes
	return result, nil
}

// Apply resolves and persists a single change. On *ConflictError the server
// record inside is authoritative. A compare-and-swap failure from the store
// re-resolves against fresh state rather than overwriting the concurrent
// writer.
func (s *Service) Apply(ctx context.Context, ownerID string, change Change) (contracts.TodoRecord, error) {
	var lastSeen contracts.TodoRecord
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := s.currentRecord(ctx, change.ID)
		if err != nil {
			return contracts.TodoRecord{}, err
		}

		res, err := Resolve(ownerID, change, current, s.Now(), s.NewID)
		if err != nil {
			return contracts.TodoRecord{}, err
		}

		err = s.Store.Put(ctx, res.Record, res.ExpectedVersion)
		if errors.Is(err, ErrVersionChanged) {
			lastSeen = res.Record
			continue
		}
		if err != nil {
			return contracts.TodoRecord{}, err
		}

		s.publishChange(res.EventType, res.Record)
		return res.Record, nil
	}

	// The record kept moving under us; report the freshest state we can get.
	server, err := s.Store.Get(ctx, change.ID)
	if err != nil {
		server = lastSeen
	}
	return contracts.TodoRecord{}, &ConflictError{ClientVersion: change.Version, Server: server}
}

// Create inserts a fresh record at version 1.
func (s *Service) Create(ctx context.Context, ownerID, text string, completed bool, clientID string) (contracts.TodoRecord, error) {
	return s.Apply(ctx, ownerID, Change{
		Text:      &text,
		Completed: &completed,
		ClientID:  clientID,
	})
}

// Delete soft-deletes a record, subject to the same version check as any
// other mutation.
func (s *Service) Delete(ctx context.Context, ownerID, id string, version int64, clientID string) (contracts.TodoRecord, error) {
	deleted := true
	return s.Apply(ctx, ownerID, Change{
		ID:       id,
		Version:  version,
		Deleted:  &deleted,
		ClientID: clientID,
	})
}

// Restore clears the soft-delete marker, incrementing the version again.
func (s *Service) Restore(ctx context.Context, ownerID, id string, version int64, clientID string) (contracts.TodoRecord, error) {
	deleted := false
	return s.Apply(ctx, ownerID, Change{
		ID:       id,
		Version:  version,
		Deleted:  &deleted,
		ClientID: clientID,
	})
}

// Get fetches one record for its owner; soft-deleted records are not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (contracts.TodoRecord, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return contracts.TodoRecord{}, err
	}
	if rec.OwnerID != ownerID {
		return contracts.TodoRecord{}, ErrNotOwner
	}
	if rec.DeletedAt != nil {
		return contracts.TodoRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

// List is the normal listing surface, soft-deleted records excluded.
func (s *Service) List(ctx context.Context, ownerID string, opts ListOptions) ([]contracts.TodoRecord, error) {
	return s.Store.ListActive(ctx, ownerID, opts)
}

func (s *Service) currentRecord(ctx context.Context, id string) (*contracts.TodoRecord, error) {
	if id == "" {
		return nil, nil
	}
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// publishChange hands an accepted mutation to the broadcaster. Delivery is
// best-effort: the sync response never waits on fan-out, and a lost event is
// recovered by the next sync.
func (s *Service) publishChange(eventType string, rec contracts.TodoRecord) {
	if s.Publish == nil {
		return
	}
	event := contracts.ChangeEvent{
		EventID:        s.NewID(),
		Type:           eventType,
		OwnerID:        rec.OwnerID,
		OriginClientID: rec.OriginClientID,
		Record:         rec,
		OccurredAt:     rec.UpdatedAt,
		ShardID:        sharding.GetShardID(rec.OwnerID),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal change event for %s: %v", rec.ID, err)
		return
	}
	if err := s.Publish(sharding.ChangeSubject(rec.OwnerID), payload); err != nil {
		log.Printf("publish change event for %s: %v", rec.ID, err)
	}
}
