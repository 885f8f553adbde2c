package state

import (
	"sync"
	"time"
)

// ChainHeadState tracks where the scanner currently stands relative to
// the best chain.
type ChainHeadState struct {
	TipHeight int64
	Synced    bool
	UpdatedAt time.Time
}

type State struct {
	EventBus *EventBus

	headMu    sync.RWMutex
	chainHead ChainHeadState
}

func InitializeState() *State {
	return &State{
		EventBus: NewEventBus(),
	}
}

func (s *State) GetChainHead() ChainHeadState {
	s.headMu.RLock()
	defer s.headMu.RUnlock()
	return s.chainHead
}

// UpdateTipHeight records a new best height and announces it to
// subscribers.
func (s *State) UpdateTipHeight(height int64) {
	s.headMu.Lock()
	s.chainHead.TipHeight = height
	s.chainHead.UpdatedAt = time.Now()
	s.headMu.Unlock()

	s.EventBus.Publish(EventTipAdvanced, height)
}

// MarkSynced flips the synced flag. The initial transition to true
// announces sync completion.
func (s *State) MarkSynced(synced bool) {
	s.headMu.Lock()
	wasSynced := s.chainHead.Synced
	s.chainHead.Synced = synced
	s.chainHead.UpdatedAt = time.Now()
	s.headMu.Unlock()

	if synced && !wasSynced {
		s.EventBus.Publish(EventSyncComplete, nil)
	}
}

// NotifyTxVerified announces that a tracked transaction reached its
// first confirmation.
func (s *State) NotifyTxVerified(txid string) {
	s.EventBus.Publish(EventTxVerified, txid)
}
