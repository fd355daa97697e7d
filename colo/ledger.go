package colo

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/NealSCarffery/qemu-colo/log"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// Ledger is a local, durable, append-only record of every checkpoint
// round and every migration-status transition this side of COLO has
// gone through. It is not part of the replicated VM state (spec.md
// explicitly scopes bit-exact VM serialization out); it exists purely
// for operational visibility, the way an operator would otherwise have
// to grep logs to answer "when did we last checkpoint, and how big was
// it." Grounded on paxos/logstorage/database.go's pebble wiring.
type Ledger struct {
	db *pebble.DB

	roundSeq      uint64
	transitionSeq uint64
}

const (
	ledgerRoundPrefix      = byte(1)
	ledgerTransitionPrefix = byte(2)
)

// OpenLedger opens (creating if absent) a pebble store at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open ledger at %s", path)
	}
	l := &Ledger{db: db}
	if seq, err := l.maxSeq(ledgerRoundPrefix); err == nil {
		l.roundSeq = seq
	}
	if seq, err := l.maxSeq(ledgerTransitionPrefix); err == nil {
		l.transitionSeq = seq
	}
	return l, nil
}

// Close closes the underlying pebble database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	if err := l.db.Close(); err != nil {
		return errors.Wrap(err, "close ledger")
	}
	return nil
}

// RoundRecord is one completed or aborted checkpoint round.
type RoundRecord struct {
	Role        Role
	RoundIndex  uint64
	TimestampMs uint64
	DurationMs  int64
	PayloadLen  int
	Digest      uint64
	Err         string
}

// RecordRound appends rec to the ledger.
func (l *Ledger) RecordRound(rec RoundRecord) error {
	seq := atomic.AddUint64(&l.roundSeq, 1)
	key := ledgerKey(ledgerRoundPrefix, seq)
	value := encodeRoundRecord(rec)
	if err := l.db.Set(key, value, &pebble.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "ledger: record round")
	}
	log.Debug("ledger: round recorded",
		log.String("role", rec.Role.String()),
		log.Uint64("round_index", rec.RoundIndex),
		log.Int("payload_len", rec.PayloadLen))
	return nil
}

// TransitionRecord is one migration-status transition.
type TransitionRecord struct {
	From        MigrationState
	To          MigrationState
	TimestampMs uint64
	Reason      string
}

// RecordTransition appends rec to the ledger.
func (l *Ledger) RecordTransition(rec TransitionRecord) error {
	seq := atomic.AddUint64(&l.transitionSeq, 1)
	key := ledgerKey(ledgerTransitionPrefix, seq)
	value := encodeTransitionRecord(rec)
	if err := l.db.Set(key, value, &pebble.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "ledger: record transition")
	}
	log.Info("ledger: migration status transition",
		log.String("from", rec.From.String()),
		log.String("to", rec.To.String()),
		log.String("reason", rec.Reason))
	return nil
}

// Rounds returns every round record in insertion order.
func (l *Ledger) Rounds() ([]RoundRecord, error) {
	var out []RoundRecord
	it := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{ledgerRoundPrefix},
		UpperBound: []byte{ledgerRoundPrefix + 1},
	})
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		rec, err := decodeRoundRecord(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Ledger) maxSeq(prefix byte) (uint64, error) {
	it := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	defer it.Close()
	if !it.Last() {
		return 0, pebble.ErrNotFound
	}
	key := it.Key()
	if len(key) != 9 {
		return 0, errors.New("ledger: malformed key")
	}
	return binary.BigEndian.Uint64(key[1:]), nil
}

func ledgerKey(prefix byte, seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func encodeRoundRecord(rec RoundRecord) []byte {
	errBytes := []byte(rec.Err)
	buf := make([]byte, 0, 8+8+8+8+8+8+len(errBytes))
	buf = appendUint64(buf, uint64(rec.Role))
	buf = appendUint64(buf, rec.RoundIndex)
	buf = appendUint64(buf, rec.TimestampMs)
	buf = appendUint64(buf, uint64(rec.DurationMs))
	buf = appendUint64(buf, uint64(rec.PayloadLen))
	buf = appendUint64(buf, rec.Digest)
	buf = append(buf, errBytes...)
	return buf
}

func decodeRoundRecord(b []byte) (RoundRecord, error) {
	if len(b) < 48 {
		return RoundRecord{}, errors.New("ledger: truncated round record")
	}
	rec := RoundRecord{
		Role:        Role(binary.BigEndian.Uint64(b[0:8])),
		RoundIndex:  binary.BigEndian.Uint64(b[8:16]),
		TimestampMs: binary.BigEndian.Uint64(b[16:24]),
		DurationMs:  int64(binary.BigEndian.Uint64(b[24:32])),
		PayloadLen:  int(binary.BigEndian.Uint64(b[32:40])),
		Digest:      binary.BigEndian.Uint64(b[40:48]),
		Err:         string(b[48:]),
	}
	return rec, nil
}

func encodeTransitionRecord(rec TransitionRecord) []byte {
	reasonBytes := []byte(rec.Reason)
	buf := make([]byte, 0, 8+8+8+len(reasonBytes))
	buf = appendUint64(buf, uint64(rec.From))
	buf = appendUint64(buf, uint64(rec.To))
	buf = appendUint64(buf, rec.TimestampMs)
	buf = append(buf, reasonBytes...)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
