package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"oeecast/internal/model"
)

var errKeyNotFound = errors.New("key not found")

type kvPair struct {
	key, val []byte
}

// kvBackend is the ordered key/value surface shared by Pebble and Badger.
// scan passes slices that are only valid during the callback; returning
// false stops the scan.
type kvBackend interface {
	get(key []byte) ([]byte, error)
	scan(prefix []byte, reverse bool, fn func(key, val []byte) (bool, error)) error
	write(pairs []kvPair) error
	close() error
}

// Key layout:
//
//	meta/seq                              last assigned sequence
//	rec/<seq>                             record JSON, insertion order
//	rix/<machine>\x00<date>               -> <seq> of the record
//	mac/<seq>                             machine JSON
//	mix/<id>                              -> <seq> of the machine
//	prd/<machine>\x00<date>\x00<seq>      prediction JSON
//	mnt/<date>\x00<seq>                   maintenance log JSON
const (
	seqKey          = "meta/seq"
	recordPrefix    = "rec/"
	recordIdxPrefix = "rix/"
	machinePrefix   = "mac/"
	machineIdxPref  = "mix/"
	predPrefix      = "prd/"
	maintPrefix     = "mnt/"
)

func seqPart(seq uint64) string { return fmt.Sprintf("%020d", seq) }

func recordIdxKey(machineID, date string) []byte {
	return []byte(recordIdxPrefix + machineID + "\x00" + date)
}

func predKeyPrefix(machineID string) []byte {
	return []byte(predPrefix + machineID + "\x00")
}

// KVStore implements Store over an ordered key/value backend. Writers are
// serialized in-process and each write is one atomic batch.
type KVStore struct {
	mu  sync.Mutex
	db  kvBackend
	seq uint64
}

var _ Store = (*KVStore)(nil)

func newKVStore(db kvBackend) (*KVStore, error) {
	s := &KVStore{db: db}
	v, err := db.get([]byte(seqKey))
	switch {
	case errors.Is(err, errKeyNotFound):
	case err != nil:
		_ = db.close()
		return nil, fmt.Errorf("read sequence: %w", err)
	case len(v) != 8:
		_ = db.close()
		return nil, fmt.Errorf("corrupt sequence value (%d bytes)", len(v))
	default:
		s.seq = binary.BigEndian.Uint64(v)
	}
	return s, nil
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func (s *KVStore) exists(key []byte) (bool, error) {
	_, err := s.db.get(key)
	if errors.Is(err, errKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *KVStore) InsertRecord(_ context.Context, r model.ProductionRecord) error {
	val, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := recordIdxKey(r.MachineID, r.Date)
	dup, err := s.exists(idx)
	if err != nil {
		return err
	}
	if dup {
		return duplicateRecord(r.MachineID, r.Date)
	}
	seq := s.seq + 1
	part := seqPart(seq)
	if err := s.db.write([]kvPair{
		{[]byte(recordPrefix + part), val},
		{idx, []byte(part)},
		{[]byte(seqKey), encodeSeq(seq)},
	}); err != nil {
		return err
	}
	s.seq = seq
	return nil
}

func (s *KVStore) HasRecord(_ context.Context, machineID, date string) (bool, error) {
	return s.exists(recordIdxKey(machineID, date))
}

func (s *KVStore) FindRecords(_ context.Context, q Query) ([]model.ProductionRecord, error) {
	out := []model.ProductionRecord{}
	err := s.db.scan([]byte(recordPrefix), false, func(_, val []byte) (bool, error) {
		var r model.ProductionRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return false, fmt.Errorf("decode record: %w", err)
		}
		if q.match(r) {
			out = append(out, r)
		}
		return q.Limit <= 0 || len(out) < q.Limit, nil
	})
	return out, err
}

func (s *KVStore) FindRecent(_ context.Context, machineID string, limit int) ([]model.ProductionRecord, error) {
	var parts []string
	err := s.db.scan([]byte(recordIdxPrefix+machineID+"\x00"), true, func(_, val []byte) (bool, error) {
		parts = append(parts, string(val))
		return limit <= 0 || len(parts) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.ProductionRecord, 0, len(parts))
	for _, p := range parts {
		val, err := s.db.get([]byte(recordPrefix + p))
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", p, err)
		}
		var r model.ProductionRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *KVStore) InsertMachine(_ context.Context, m model.Machine) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode machine: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := []byte(machineIdxPref + m.ID)
	dup, err := s.exists(idx)
	if err != nil {
		return err
	}
	if dup {
		return duplicateMachine(m.ID)
	}
	seq := s.seq + 1
	part := seqPart(seq)
	if err := s.db.write([]kvPair{
		{[]byte(machinePrefix + part), val},
		{idx, []byte(part)},
		{[]byte(seqKey), encodeSeq(seq)},
	}); err != nil {
		return err
	}
	s.seq = seq
	return nil
}

func (s *KVStore) GetMachine(_ context.Context, id string) (model.Machine, error) {
	part, err := s.db.get([]byte(machineIdxPref + id))
	if errors.Is(err, errKeyNotFound) {
		return model.Machine{}, machineNotFound(id)
	}
	if err != nil {
		return model.Machine{}, err
	}
	val, err := s.db.get([]byte(machinePrefix + string(part)))
	if err != nil {
		return model.Machine{}, fmt.Errorf("machine %s: %w", id, err)
	}
	var m model.Machine
	if err := json.Unmarshal(val, &m); err != nil {
		return model.Machine{}, fmt.Errorf("decode machine: %w", err)
	}
	return m, nil
}

func (s *KVStore) ListMachines(_ context.Context) ([]model.Machine, error) {
	out := []model.Machine{}
	err := s.db.scan([]byte(machinePrefix), false, func(_, val []byte) (bool, error) {
		var m model.Machine
		if err := json.Unmarshal(val, &m); err != nil {
			return false, fmt.Errorf("decode machine: %w", err)
		}
		out = append(out, m)
		return true, nil
	})
	return out, err
}

func (s *KVStore) CountMachines(_ context.Context) (int, error) {
	n := 0
	err := s.db.scan([]byte(machinePrefix), false, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func (s *KVStore) InsertPredictions(_ context.Context, ps []model.Prediction) error {
	if len(ps) == 0 {
		return nil
	}
	pairs := make([]kvPair, 0, len(ps)+1)
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq
	for _, p := range ps {
		val, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode prediction: %w", err)
		}
		seq++
		key := string(predKeyPrefix(p.MachineID)) + p.Date + "\x00" + seqPart(seq)
		pairs = append(pairs, kvPair{[]byte(key), val})
	}
	pairs = append(pairs, kvPair{[]byte(seqKey), encodeSeq(seq)})
	if err := s.db.write(pairs); err != nil {
		return err
	}
	s.seq = seq
	return nil
}

func (s *KVStore) FindPredictions(_ context.Context, machineID string, limit int) ([]model.Prediction, error) {
	out := []model.Prediction{}
	err := s.db.scan(predKeyPrefix(machineID), false, func(_, val []byte) (bool, error) {
		var p model.Prediction
		if err := json.Unmarshal(val, &p); err != nil {
			return false, fmt.Errorf("decode prediction: %w", err)
		}
		out = append(out, p)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

func (s *KVStore) InsertMaintenance(_ context.Context, l model.MaintenanceLog) error {
	val, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode maintenance log: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq + 1
	if err := s.db.write([]kvPair{
		{[]byte(maintPrefix + l.Date + "\x00" + seqPart(seq)), val},
		{[]byte(seqKey), encodeSeq(seq)},
	}); err != nil {
		return err
	}
	s.seq = seq
	return nil
}

func (s *KVStore) FindMaintenance(_ context.Context, limit int) ([]model.MaintenanceLog, error) {
	out := []model.MaintenanceLog{}
	err := s.db.scan([]byte(maintPrefix), true, func(_, val []byte) (bool, error) {
		var l model.MaintenanceLog
		if err := json.Unmarshal(val, &l); err != nil {
			return false, fmt.Errorf("decode maintenance log: %w", err)
		}
		out = append(out, l)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

func (s *KVStore) Close() error { return s.db.close() }

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
