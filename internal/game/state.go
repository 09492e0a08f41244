// Package game implements the application state machine: a pure function
// of the decided command sequence, producing phase, roles, alive set, and
// vote tallies. Every peer that applies the same sequence of commands must
// end up byte-identical.
package game

import "sort"

// Phase is one of the four game phases.
type Phase int

const (
	Lobby Phase = iota
	Night
	Day
	GameOver
)

func (p Phase) String() string {
	switch p {
	case Lobby:
		return "Lobby"
	case Night:
		return "Night"
	case Day:
		return "Day"
	case GameOver:
		return "GameOver"
	default:
		return "Unknown"
	}
}

// VoteKind distinguishes the two kinds of elimination vote.
type VoteKind int

const (
	WolfKill VoteKind = iota
	VillagerLynch
)

func (k VoteKind) String() string {
	if k == WolfKill {
		return "WolfKill"
	}
	return "VillagerLynch"
}

// Session holds the ballots and eligible voters for one round of
// elimination.
type Session struct {
	Kind           VoteKind
	Ballots        map[int]int // voter -> target
	EligibleVoters map[int]bool
}

func newSession(kind VoteKind, eligible map[int]bool) *Session {
	elig := make(map[int]bool, len(eligible))
	for k, v := range eligible {
		elig[k] = v
	}
	return &Session{Kind: kind, Ballots: make(map[int]int), EligibleVoters: elig}
}

// State is the full, pure application state: a function of nothing but the
// decided command sequence applied to it so far.
type State struct {
	Phase      Phase
	Roles      map[int]Role
	Alive      map[int]bool
	LobbyReady map[int]bool
	Session    *Session

	// KnownPlayers is the full peer set (plus self) known at lobby time;
	// it seeds Alive when START_GAME assigns roles and again whenever
	// RESET_GAME repopulates it.
	KnownPlayers map[int]bool

	// LastEliminated records the outcome of the most recent vote
	// finalization, for observability only (not consulted by any rule).
	LastEliminated   int
	LastEliminatedOK bool
	Winner           string // "", "Villagers", or "Werewolves"
}

// New creates an empty Lobby-phase state over the given known player set
// (self plus currently connected peers at construction time).
func New(knownPlayers []int) *State {
	known := make(map[int]bool, len(knownPlayers))
	for _, p := range knownPlayers {
		known[p] = true
	}
	return &State{
		Phase:        Lobby,
		Roles:        make(map[int]Role),
		Alive:        make(map[int]bool),
		LobbyReady:   make(map[int]bool),
		KnownPlayers: known,
	}
}

// AliveIDs returns the sorted list of currently alive player ids.
func (s *State) AliveIDs() []int {
	ids := make([]int, 0, len(s.Alive))
	for id, alive := range s.Alive {
		if alive {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (s *State) aliveWolves() int {
	n := 0
	for id, alive := range s.Alive {
		if alive && s.Roles[id] == Werewolf {
			n++
		}
	}
	return n
}

func (s *State) aliveVillagers() int {
	n := 0
	for id, alive := range s.Alive {
		if alive && s.Roles[id] == Villager {
			n++
		}
	}
	return n
}

// minKnownPlayer returns the smallest id in KnownPlayers.
func (s *State) minKnownPlayer() (int, bool) {
	min := 0
	found := false
	for id := range s.KnownPlayers {
		if !found || id < min {
			min = id
			found = true
		}
	}
	return min, found
}
