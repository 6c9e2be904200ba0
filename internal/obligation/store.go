package obligation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Store holds live and settled obligations with a per-provider index. It is
// owned by the engine goroutine and needs no locking.
type Store struct {
	byID       map[uuid.UUID]*Obligation
	byProvider map[uuid.UUID]map[uuid.UUID]struct{}
}

func NewStore() *Store {
	return &Store{
		byID:       make(map[uuid.UUID]*Obligation),
		byProvider: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Add registers a validated obligation and indexes its counterparties.
func (s *Store) Add(o *Obligation) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if _, exists := s.byID[o.ID]; exists {
		return fmt.Errorf("obligation %s already exists", o.ID)
	}

	s.byID[o.ID] = o
	for _, share := range o.Backing {
		s.index(share.ProviderID, o.ID)
	}
	return nil
}

func (s *Store) index(providerID, obligationID uuid.UUID) {
	set, ok := s.byProvider[providerID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		s.byProvider[providerID] = set
	}
	set[obligationID] = struct{}{}
}

// Get returns an obligation by ID.
func (s *Store) Get(id uuid.UUID) (*Obligation, bool) {
	o, ok := s.byID[id]
	return o, ok
}

// Settle transitions an active obligation to a terminal status and drops it
// from the provider index. The record itself stays for audit queries.
func (s *Store) Settle(id uuid.UUID, next Status) (*Obligation, error) {
	o, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("obligation %s not found", id)
	}
	if !o.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("obligation %s cannot move %s -> %s", id, o.Status, next)
	}

	o.Status = next
	for _, share := range o.Backing {
		if set, ok := s.byProvider[share.ProviderID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byProvider, share.ProviderID)
			}
		}
	}
	return o, nil
}

// Reindex rebuilds a single obligation's provider index entries after its
// backing set changed (liquidation transfer).
func (s *Store) Reindex(id uuid.UUID) {
	o, ok := s.byID[id]
	if !ok {
		return
	}
	for providerID, set := range s.byProvider {
		if _, has := set[id]; has && o.ProviderShare(providerID) == 0 {
			delete(set, id)
			if len(set) == 0 {
				delete(s.byProvider, providerID)
			}
		}
	}
	for _, share := range o.Backing {
		s.index(share.ProviderID, o.ID)
	}
}

// ActiveByProvider returns a provider's active obligations in deterministic
// (ID) order.
func (s *Store) ActiveByProvider(providerID uuid.UUID) []*Obligation {
	set := s.byProvider[providerID]
	out := make([]*Obligation, 0, len(set))
	for id := range set {
		if o := s.byID[id]; o.Status == StatusActive {
			out = append(out, o)
		}
	}
	sortByID(out)
	return out
}

// Active returns all active obligations in deterministic (ID) order.
func (s *Store) Active() []*Obligation {
	out := make([]*Obligation, 0, len(s.byID))
	for _, o := range s.byID {
		if o.Status == StatusActive {
			out = append(out, o)
		}
	}
	sortByID(out)
	return out
}

// ExpiredBy returns active obligations whose end time has passed, in
// deterministic order, for the deadline sweep.
func (s *Store) ExpiredBy(now time.Time) []*Obligation {
	out := make([]*Obligation, 0)
	for _, o := range s.byID {
		if o.Status == StatusActive && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	sortByID(out)
	return out
}

// Len returns the total number of obligations, settled included.
func (s *Store) Len() int {
	return len(s.byID)
}

func sortByID(obs []*Obligation) {
	sort.Slice(obs, func(i, j int) bool {
		a, b := obs[i].ID, obs[j].ID
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}
