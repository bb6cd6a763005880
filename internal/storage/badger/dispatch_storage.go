package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	"github.com/ternarybob/meta/internal/queue/state"
	"github.com/timshannon/badgerhold/v4"
)

// Key layout:
//
//	dispatch:seq             -> highest position ever assigned (uint64, big endian)
//	dispatch:pos:{%020d}     -> QueueEntry JSON, one per pending or in-flight job
//	dispatch:job:{jobID}     -> position of the job's live entry
//
// Positions are zero padded so lexical key order equals numeric order.
const (
	dispatchSeqKey    = "dispatch:seq"
	dispatchPosPrefix = "dispatch:pos:"
	dispatchJobPrefix = "dispatch:job:"
)

// DispatchStorage implements the DispatchStorage interface on raw Badger
// transactions. Sub-job state records are read and written through the
// badgerhold store inside the same transaction.
type DispatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewDispatchStorage creates a new DispatchStorage instance
func NewDispatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DispatchStorage {
	return &DispatchStorage{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue appends a QUEUED sub-job at position max+1. Re-enqueueing a job that
// already holds a live entry returns its existing position.
func (s *DispatchStorage) Enqueue(ctx context.Context, jobType models.JobType, jobID string) (uint64, error) {
	store := s.db.Store()
	var position uint64

	err := s.db.Update(func(txn *badger.Txn) error {
		var st models.SubJobState
		if err := store.TxGet(txn, jobID, &st); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("sub-job %s: %w", jobID, models.ErrNotFound)
			}
			return err
		}
		if st.Status != models.JobStatusQueued {
			return fmt.Errorf("%w: cannot enqueue job %s in status %s", models.ErrInvalidTransition, jobID, st.Status)
		}

		if existing, err := getPosition(txn, jobID); err == nil {
			position = existing
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		seq, err := getSeq(txn)
		if err != nil {
			return err
		}
		position = seq + 1

		now := s.now()
		entry := models.QueueEntry{
			Position:  position,
			JobType:   jobType,
			JobID:     jobID,
			UserJobID: st.UserJobID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := putEntry(txn, &entry); err != nil {
			return err
		}
		if err := txn.Set([]byte(dispatchJobPrefix+jobID), encodeUint64(position)); err != nil {
			return err
		}
		if err := txn.Set([]byte(dispatchSeqKey), encodeUint64(position)); err != nil {
			return err
		}

		st.QueuePosition = position
		st.UpdatedAt = now
		return store.TxUpsert(txn, jobID, &st)
	})
	if err != nil {
		return 0, wrapQueueError("enqueue", err)
	}
	return position, nil
}

// ClaimNext moves the lowest-position QUEUED entry to PROCESSING.
// Entries whose job already left QUEUED (cancelled elsewhere) are dropped.
func (s *DispatchStorage) ClaimNext(ctx context.Context) (*models.QueueEntry, error) {
	store := s.db.Store()
	var claimed *models.QueueEntry

	err := s.db.Update(func(txn *badger.Txn) error {
		claimed = nil
		pending, err := scanEntries(txn, true)
		if err != nil {
			return err
		}

		var stale []*models.QueueEntry
		for _, entry := range pending {
			var st models.SubJobState
			if err := store.TxGet(txn, entry.JobID, &st); err != nil {
				if errors.Is(err, badgerhold.ErrNotFound) {
					stale = append(stale, entry)
					continue
				}
				return err
			}
			if st.Status != models.JobStatusQueued {
				stale = append(stale, entry)
				continue
			}

			now := s.now()
			if err := state.Apply(&st, models.JobStatusProcessing, now); err != nil {
				return err
			}
			if err := store.TxUpsert(txn, st.ID, &st); err != nil {
				return err
			}

			entry.Claimed = true
			entry.StartedAt = st.StartedAt
			entry.UpdatedAt = now
			claimed = entry
			break
		}

		for _, e := range stale {
			if err := deleteEntry(txn, e.Position, e.JobID); err != nil {
				return err
			}
		}
		if claimed != nil {
			return putEntry(txn, claimed)
		}
		return nil
	})
	if err != nil {
		return nil, wrapQueueError("claim", err)
	}
	if claimed == nil {
		return nil, models.ErrQueueEmpty
	}
	return claimed, nil
}

// Cancel moves a QUEUED or PROCESSING job to CANCELLED and drops its entry.
// Other positions are untouched. Jobs never enqueued are cancelled in place.
func (s *DispatchStorage) Cancel(ctx context.Context, jobID string) (*models.SubJobState, error) {
	store := s.db.Store()
	var st models.SubJobState

	err := s.db.Update(func(txn *badger.Txn) error {
		st = models.SubJobState{}
		if err := store.TxGet(txn, jobID, &st); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("sub-job %s: %w", jobID, models.ErrNotFound)
			}
			return err
		}
		if err := state.Apply(&st, models.JobStatusCancelled, s.now()); err != nil {
			return err
		}
		if err := store.TxUpsert(txn, jobID, &st); err != nil {
			return err
		}
		return removeJob(txn, jobID)
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		return nil, wrapQueueError("cancel", err)
	}
	return &st, nil
}

// Remove drops the live entry of a job that reached a terminal status
func (s *DispatchStorage) Remove(ctx context.Context, jobID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return removeJob(txn, jobID)
	})
	if err != nil {
		return wrapQueueError("remove", err)
	}
	return nil
}

// List returns live entries in position order
func (s *DispatchStorage) List(ctx context.Context) ([]*models.QueueEntry, error) {
	var entries []*models.QueueEntry

	err := s.db.Badger().View(func(txn *badger.Txn) error {
		var err error
		entries, err = scanEntries(txn, false)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch queue: %w", err)
	}
	return entries, nil
}

// MaxPosition returns the highest position ever assigned
func (s *DispatchStorage) MaxPosition(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.Badger().View(func(txn *badger.Txn) error {
		var err error
		seq, err = getSeq(txn)
		return err
	})
	return seq, err
}

// Helpers

func wrapQueueError(op string, err error) error {
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", models.ErrQueueWrite, op, err)
}

func positionKey(position uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", dispatchPosPrefix, position))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid counter length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func getSeq(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get([]byte(dispatchSeqKey))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		var derr error
		seq, derr = decodeUint64(val)
		return derr
	})
	return seq, err
}

func getPosition(txn *badger.Txn, jobID string) (uint64, error) {
	item, err := txn.Get([]byte(dispatchJobPrefix + jobID))
	if err != nil {
		return 0, err
	}
	var pos uint64
	err = item.Value(func(val []byte) error {
		var derr error
		pos, derr = decodeUint64(val)
		return derr
	})
	return pos, err
}

// scanEntries reads live entries in position order. The iterator is closed
// before returning so callers may write in the same transaction.
func scanEntries(txn *badger.Txn, unclaimedOnly bool) ([]*models.QueueEntry, error) {
	prefix := []byte(dispatchPosPrefix)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var entries []*models.QueueEntry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var entry *models.QueueEntry
		if err := it.Item().Value(func(val []byte) error {
			var err error
			entry, err = models.Unmarshal[models.QueueEntry](val)
			return err
		}); err != nil {
			return nil, err
		}
		if unclaimedOnly && entry.Claimed {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func putEntry(txn *badger.Txn, entry *models.QueueEntry) error {
	data, err := models.Marshal(entry)
	if err != nil {
		return err
	}
	return txn.Set(positionKey(entry.Position), data)
}

func deleteEntry(txn *badger.Txn, position uint64, jobID string) error {
	if err := txn.Delete(positionKey(position)); err != nil {
		return err
	}
	return txn.Delete([]byte(dispatchJobPrefix + jobID))
}

func removeJob(txn *badger.Txn, jobID string) error {
	pos, err := getPosition(txn, jobID)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return deleteEntry(txn, pos, jobID)
}
