package core

import "sync"

const stateFile = "state.json"

// stateSnapshot is the persisted shape of State.
type stateSnapshot struct {
	Cursors    map[string]int64 `json:"last_ts"`
	ReadNonces []string         `json:"read_nonces"`
}

// State holds the cross-component cursors and the bounded read-nonce
// dedup set, the single-writer fields documented in §5's shared-resource
// policy.
type State struct {
	store *Store
	mu    sync.Mutex

	cursors    map[string]int64
	readNonces []string
	readSet    map[string]struct{}
}

// NewState loads (or initializes) state.json.
func NewState(store *Store) (*State, error) {
	s := &State{store: store, cursors: map[string]int64{}, readSet: map[string]struct{}{}}
	var snap stateSnapshot
	if err := store.SnapshotLoad(stateFile, &snap); err != nil {
		return nil, err
	}
	if snap.Cursors != nil {
		s.cursors = snap.Cursors
	}
	s.readNonces = snap.ReadNonces
	for _, n := range s.readNonces {
		s.readSet[n] = struct{}{}
	}
	return s, nil
}

func (s *State) save() error {
	return s.store.SnapshotSave(stateFile, stateSnapshot{Cursors: s.cursors, ReadNonces: s.readNonces})
}

// Cursor returns the stored last_ts for key, or 0 if unset.
func (s *State) Cursor(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[key]
}

// SetCursor updates the stored last_ts for key and persists it.
func (s *State) SetCursor(key string, ts int64) error {
	s.mu.Lock()
	s.cursors[key] = ts
	s.mu.Unlock()
	return s.saveLocked()
}

func (s *State) saveLocked() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// IsNonceRead reports whether nonce has already been marked read.
func (s *State) IsNonceRead(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.readSet[nonce]
	return ok
}

// MarkNonceRead marks nonce as read, capping the bounded set to the most
// recent maxReadNonces entries (older nonces may reappear; acceptable per
// §9's Design Notes).
func (s *State) MarkNonceRead(nonce string) error {
	s.mu.Lock()
	if _, ok := s.readSet[nonce]; !ok {
		s.readNonces = append(s.readNonces, nonce)
		s.readSet[nonce] = struct{}{}
		if len(s.readNonces) > maxReadNonces {
			evicted := s.readNonces[:len(s.readNonces)-maxReadNonces]
			s.readNonces = s.readNonces[len(s.readNonces)-maxReadNonces:]
			for _, e := range evicted {
				delete(s.readSet, e)
			}
		}
	}
	err := s.save()
	s.mu.Unlock()
	return err
}
