package storage

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-disktest/internal/types"
)

const (
	// Key prefixes for different record types in BadgerDB
	RunPrefix    = "run:"
	LatestPrefix = "latest:"
)

// Checkpoint is the persisted state of one run, rewritten as the run progresses.
type Checkpoint struct {
	RunID           string
	Target          string
	Mode            types.Mode
	Phase           types.Mode // Phase the run was in when last recorded
	Status          types.Status
	Finished        bool // False while the run is still in progress or was killed
	Interrupted     bool // Finished before covering the whole range, e.g. cancelled after a mismatch
	Algorithm       string
	StreamVersion   uint32
	Round           uint64
	Invert          bool
	SeedFingerprint string
	Start           uint64
	Length          uint64
	ResumeOffset    uint64
	BytesProcessed  uint64
	MismatchCount   uint64
	UpdatedAt       time.Time
}

// Resumable reports whether the run stopped early with a usable resume offset.
// The final status does not matter: a run cancelled after finding mismatches
// still has an unverified tail.
func (c Checkpoint) Resumable() bool {
	return !c.Finished || c.Interrupted
}

type KVWriter interface {
	Set(key, val []byte) error
}

// field numbers of the checkpoint wire record
const (
	fieldRunID protowire.Number = iota + 1
	fieldTarget
	fieldMode
	fieldStatus
	fieldFinished
	fieldAlgorithm
	fieldStreamVersion
	fieldRound
	fieldInvert
	fieldSeedFingerprint
	fieldStart
	fieldLength
	fieldResumeOffset
	fieldBytesProcessed
	fieldMismatchCount
	fieldUpdatedAt
	fieldPhase
	fieldInterrupted
)

func marshalCheckpoint(c Checkpoint) []byte {
	var b []byte
	appendString := func(n protowire.Number, s string) {
		if s == "" {
			return
		}
		b = protowire.AppendTag(b, n, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	appendVarint := func(n protowire.Number, v uint64) {
		if v == 0 {
			return
		}
		b = protowire.AppendTag(b, n, protowire.VarintType)
		b = protowire.AppendVarint(b, v)
	}

	appendString(fieldRunID, c.RunID)
	appendString(fieldTarget, c.Target)
	appendVarint(fieldMode, uint64(c.Mode))
	appendVarint(fieldStatus, uint64(c.Status))
	appendVarint(fieldFinished, protowire.EncodeBool(c.Finished))
	appendString(fieldAlgorithm, c.Algorithm)
	appendVarint(fieldStreamVersion, uint64(c.StreamVersion))
	appendVarint(fieldRound, c.Round)
	appendVarint(fieldInvert, protowire.EncodeBool(c.Invert))
	appendString(fieldSeedFingerprint, c.SeedFingerprint)
	appendVarint(fieldStart, c.Start)
	appendVarint(fieldLength, c.Length)
	appendVarint(fieldResumeOffset, c.ResumeOffset)
	appendVarint(fieldBytesProcessed, c.BytesProcessed)
	appendVarint(fieldMismatchCount, c.MismatchCount)
	if !c.UpdatedAt.IsZero() {
		appendVarint(fieldUpdatedAt, uint64(c.UpdatedAt.UnixNano()))
	}
	appendVarint(fieldPhase, uint64(c.Phase))
	appendVarint(fieldInterrupted, protowire.EncodeBool(c.Interrupted))
	return b
}

func unmarshalCheckpoint(b []byte) (Checkpoint, error) {
	var c Checkpoint
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return c, fmt.Errorf("failed to decode checkpoint tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return c, fmt.Errorf("failed to decode checkpoint field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldRunID:
				c.RunID = s
			case fieldTarget:
				c.Target = s
			case fieldAlgorithm:
				c.Algorithm = s
			case fieldSeedFingerprint:
				c.SeedFingerprint = s
			}

		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return c, fmt.Errorf("failed to decode checkpoint field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldMode:
				c.Mode = types.Mode(v)
			case fieldStatus:
				c.Status = types.Status(v)
			case fieldFinished:
				c.Finished = protowire.DecodeBool(v)
			case fieldStreamVersion:
				c.StreamVersion = uint32(v)
			case fieldRound:
				c.Round = v
			case fieldInvert:
				c.Invert = protowire.DecodeBool(v)
			case fieldStart:
				c.Start = v
			case fieldLength:
				c.Length = v
			case fieldResumeOffset:
				c.ResumeOffset = v
			case fieldBytesProcessed:
				c.BytesProcessed = v
			case fieldMismatchCount:
				c.MismatchCount = v
			case fieldUpdatedAt:
				c.UpdatedAt = time.Unix(0, int64(v))
			case fieldPhase:
				c.Phase = types.Mode(v)
			case fieldInterrupted:
				c.Interrupted = protowire.DecodeBool(v)
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return c, fmt.Errorf("failed to skip checkpoint field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return c, nil
}

// StoreCheckpoint writes the run record and points the target's latest entry at it.
func StoreCheckpoint(w KVWriter, c Checkpoint) error {
	if c.RunID == "" {
		return fmt.Errorf("checkpoint without run id")
	}
	if err := w.Set([]byte(RunPrefix+c.RunID), marshalCheckpoint(c)); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	if err := w.Set([]byte(LatestPrefix+c.Target), []byte(c.RunID)); err != nil {
		return fmt.Errorf("failed to store latest run pointer: %w", err)
	}
	return nil
}

// LoadCheckpoint reads a run record. A missing record returns badger.ErrKeyNotFound.
func LoadCheckpoint(txn *badger.Txn, runID string) (Checkpoint, error) {
	item, err := txn.Get([]byte(RunPrefix + runID))
	if err != nil {
		return Checkpoint{}, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint %s: %w", runID, err)
	}
	return unmarshalCheckpoint(data)
}

// LoadLatest reads the most recent run record for target.
func LoadLatest(txn *badger.Txn, target string) (Checkpoint, error) {
	item, err := txn.Get([]byte(LatestPrefix + target))
	if err != nil {
		return Checkpoint{}, err
	}
	runID, err := item.ValueCopy(nil)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read latest run of %s: %w", target, err)
	}
	return LoadCheckpoint(txn, string(runID))
}
