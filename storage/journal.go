package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrNoCheckpoint is returned when a target or run has no record.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Journal persists run checkpoints so an interrupted run can be resumed by a
// later process.
type Journal struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// OpenJournal opens or creates a journal directory.
func OpenJournal(path string, log logrus.FieldLogger) (*Journal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = true
	return openJournal(opts, log)
}

// NewInMemoryJournal keeps checkpoints for the lifetime of the process only.
func NewInMemoryJournal(log logrus.FieldLogger) (*Journal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openJournal(opts, log)
}

func openJournal(opts badger.Options, log logrus.FieldLogger) (*Journal, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

// Put stores c, replacing any earlier record of the same run.
func (j *Journal) Put(c Checkpoint) error {
	err := j.db.Update(func(txn *badger.Txn) error {
		return StoreCheckpoint(txn, c)
	})
	if err != nil {
		return err
	}
	j.log.WithFields(logrus.Fields{
		"run":           c.RunID,
		"target":        c.Target,
		"status":        c.Status.String(),
		"finished":      c.Finished,
		"resume_offset": c.ResumeOffset,
	}).Debug("Checkpoint stored")
	return nil
}

// Get loads a run by id.
func (j *Journal) Get(runID string) (Checkpoint, error) {
	var c Checkpoint
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = LoadCheckpoint(txn, runID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return c, fmt.Errorf("%w: run %s", ErrNoCheckpoint, runID)
	}
	return c, err
}

// Latest loads the most recent run against target.
func (j *Journal) Latest(target string) (Checkpoint, error) {
	var c Checkpoint
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = LoadLatest(txn, target)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return c, fmt.Errorf("%w: target %s", ErrNoCheckpoint, target)
	}
	return c, err
}

// List returns every run ordered by last update, newest first.
func (j *Journal) List() ([]Checkpoint, error) {
	var out []Checkpoint
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(RunPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read checkpoint: %w", err)
			}
			c, err := unmarshalCheckpoint(data)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].UpdatedAt.After(out[b].UpdatedAt)
	})
	return out, nil
}

// Delete removes a run. The latest pointer of its target is dropped when it
// still refers to this run.
func (j *Journal) Delete(runID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		c, err := LoadCheckpoint(txn, runID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: run %s", ErrNoCheckpoint, runID)
		}
		if err != nil {
			return err
		}
		if latest, err := LoadLatest(txn, c.Target); err == nil && latest.RunID == runID {
			if err := txn.Delete([]byte(LatestPrefix + c.Target)); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(RunPrefix + runID))
	})
}

func (j *Journal) Close() error {
	return j.db.Close()
}
