package game

import (
	"fmt"
	"strconv"
	"strings"
)

// Apply consumes one decided command and mutates s accordingly. It never
// panics: a malformed command is a parse error, logged by the caller via
// the returned error, and otherwise ignored. Unknown command prefixes are
// silently ignored, per the command grammar's stated policy.
func (s *State) Apply(cmd string) error {
	switch {
	case strings.HasPrefix(cmd, "VOTE_START:"):
		return s.applyVoteStart(cmd)
	case cmd == "START_GAME":
		return s.applyStartGame()
	case strings.HasPrefix(cmd, "VOTE:"):
		return s.applyVote(cmd)
	case strings.HasPrefix(cmd, "RESET_GAME"):
		return s.applyReset(cmd)
	default:
		return nil
	}
}

func (s *State) applyVoteStart(cmd string) error {
	idStr := strings.TrimPrefix(cmd, "VOTE_START:")
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return fmt.Errorf("game: malformed VOTE_START command %q: %w", cmd, err)
	}
	if s.Phase != Lobby {
		return nil
	}
	s.LobbyReady[id] = true
	return nil
}

// ReadyToStart reports whether every known player has signaled lobby-ready
// and selfID is the distinguished proposer (the lowest known player id) —
// the only node that should submit START_GAME.
func (s *State) ReadyToStart(selfID int) bool {
	if s.Phase != Lobby {
		return false
	}
	if len(s.KnownPlayers) == 0 || len(s.LobbyReady) != len(s.KnownPlayers) {
		return false
	}
	for id := range s.KnownPlayers {
		if !s.LobbyReady[id] {
			return false
		}
	}
	min, ok := s.minKnownPlayer()
	return ok && min == selfID
}

func (s *State) applyStartGame() error {
	if s.Phase != Lobby {
		return nil
	}
	s.Alive = make(map[int]bool, len(s.KnownPlayers))
	for id := range s.KnownPlayers {
		s.Alive[id] = true
	}
	s.Roles = AssignRoles(s.AliveIDs())
	s.Phase = Night
	s.Session = newSession(WolfKill, s.eligibleVoters(Werewolf))
	return nil
}

// eligibleVoters returns the alive players allowed to cast a ballot for the
// given session: only Werewolves vote during WolfKill, and every alive
// player votes during VillagerLynch.
func (s *State) eligibleVoters(onlyRole Role) map[int]bool {
	elig := make(map[int]bool)
	for id, alive := range s.Alive {
		if !alive {
			continue
		}
		if onlyRole == Villager || s.Roles[id] == onlyRole {
			elig[id] = true
		}
	}
	return elig
}

func (s *State) applyVote(cmd string) error {
	parts := strings.Split(cmd, ":")
	if len(parts) != 4 {
		return fmt.Errorf("game: malformed VOTE command %q: expected 4 fields", cmd)
	}
	voter, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("game: malformed VOTE voter %q: %w", cmd, err)
	}
	target, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("game: malformed VOTE target %q: %w", cmd, err)
	}
	var kind VoteKind
	switch parts[3] {
	case "WolfKill":
		kind = WolfKill
	case "VillagerLynch":
		kind = VillagerLynch
	default:
		return fmt.Errorf("game: malformed VOTE kind %q", cmd)
	}

	if s.Session == nil || s.Session.Kind != kind {
		return nil
	}
	if !s.Session.EligibleVoters[voter] {
		return nil
	}
	if _, already := s.Session.Ballots[voter]; already {
		return nil
	}
	s.Session.Ballots[voter] = target

	if len(s.Session.Ballots) >= len(s.Session.EligibleVoters) {
		s.finalizeVote()
	}
	return nil
}

// finalizeVote tallies the active session's ballots, eliminates the unique
// plurality winner (a tie eliminates nobody), evaluates win conditions, and
// if the game continues, opens the next session.
func (s *State) finalizeVote() {
	sess := s.Session
	tally := make(map[int]int)
	for _, target := range sess.Ballots {
		tally[target]++
	}

	victim, ok := plurality(tally)
	s.LastEliminatedOK = ok
	if ok {
		s.LastEliminated = victim
		s.Alive[victim] = false
	}

	if s.evaluateWin() {
		s.Session = nil
		return
	}

	switch sess.Kind {
	case WolfKill:
		s.Phase = Day
		s.Session = newSession(VillagerLynch, s.eligibleVoters(Villager))
	case VillagerLynch:
		s.Phase = Night
		s.Session = newSession(WolfKill, s.eligibleVoters(Werewolf))
	}
}

// plurality returns the unique strict-maximum key in tally, or ok=false if
// no candidate or more than one share the maximum count.
func plurality(tally map[int]int) (victim int, ok bool) {
	best := -1
	bestCount := -1
	tie := false
	for candidate, count := range tally {
		switch {
		case count > bestCount:
			best, bestCount, tie = candidate, count, false
		case count == bestCount:
			tie = true
		}
	}
	if best == -1 || tie {
		return 0, false
	}
	return best, true
}

// evaluateWin checks the win conditions and, if met, transitions to
// GameOver.
func (s *State) evaluateWin() bool {
	wolves := s.aliveWolves()
	villagers := s.aliveVillagers()

	switch {
	case wolves == 0:
		s.Phase = GameOver
		s.Winner = "Villagers"
		return true
	case wolves >= villagers:
		s.Phase = GameOver
		s.Winner = "Werewolves"
		return true
	default:
		return false
	}
}

// applyReset handles RESET_GAME[:<comma-separated node ids>]. The player
// set to repopulate Alive from travels inside the command itself — not
// read from local transport state — so every peer applying the same
// decided command ends up with the same KnownPlayers and Alive, preserving
// the pure-function invariant. A bare "RESET_GAME" with no ids keeps
// whatever KnownPlayers the state already had.
func (s *State) applyReset(cmd string) error {
	if idx := strings.Index(cmd, ":"); idx >= 0 {
		idsPart := cmd[idx+1:]
		known := make(map[int]bool)
		if idsPart != "" {
			for _, tok := range strings.Split(idsPart, ",") {
				id, err := strconv.Atoi(tok)
				if err != nil {
					return fmt.Errorf("game: malformed RESET_GAME command %q: %w", cmd, err)
				}
				known[id] = true
			}
		}
		s.KnownPlayers = known
	}

	s.Phase = Lobby
	s.Roles = make(map[int]Role)
	s.LobbyReady = make(map[int]bool)
	s.Session = nil
	s.LastEliminatedOK = false
	s.Winner = ""
	s.Alive = make(map[int]bool, len(s.KnownPlayers))
	for id := range s.KnownPlayers {
		s.Alive[id] = true
	}
	return nil
}
