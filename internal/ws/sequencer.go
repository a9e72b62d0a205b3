package ws

import "sync"

// Sequencer serialises work per room. Rooms that nobody is using hold no lock.
type Sequencer struct {
	mu    sync.Mutex
	rooms map[int64]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func NewSequencer() *Sequencer {
	return &Sequencer{rooms: make(map[int64]*roomLock)}
}

// Do runs fn while holding roomID's lock.
func (s *Sequencer) Do(roomID int64, fn func()) {
	s.mu.Lock()
	l, ok := s.rooms[roomID]
	if !ok {
		l = &roomLock{}
		s.rooms[roomID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.rooms, roomID)
		}
		s.mu.Unlock()
	}()
	fn()
}

func (s *Sequencer) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
