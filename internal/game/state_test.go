package game

import (
	"strconv"
	"testing"
)

func TestUnanimousStart(t *testing.T) {
	s := New([]int{101, 202, 303})
	for _, id := range []int{101, 202, 303} {
		if err := s.Apply(vs(id)); err != nil {
			t.Fatalf("VOTE_START:%d: %v", id, err)
		}
	}
	if !s.ReadyToStart(101) {
		t.Fatalf("expected node 101 (lowest id) to be ready to start")
	}
	if s.ReadyToStart(202) {
		t.Fatalf("node 202 should not be the distinguished proposer")
	}

	if err := s.Apply("START_GAME"); err != nil {
		t.Fatalf("START_GAME: %v", err)
	}
	if s.Phase != Night {
		t.Fatalf("expected phase Night, got %v", s.Phase)
	}
	wolves := 0
	for _, r := range s.Roles {
		if r == Werewolf {
			wolves++
		}
	}
	if wolves != 1 {
		t.Fatalf("expected 1 werewolf for 3 players, got %d", wolves)
	}
	if s.Session == nil || s.Session.Kind != WolfKill {
		t.Fatalf("expected an open WolfKill session")
	}
}

func vs(id int) string {
	return "VOTE_START:" + strconv.Itoa(id)
}

func TestWolfKillEliminationAndWin(t *testing.T) {
	s := New([]int{101, 202, 303})
	s.Apply("START_GAME")

	// Force a known role layout regardless of the shuffle outcome, since
	// this test asserts the vote/elimination/win mechanics, not role
	// assignment.
	s.Roles = map[int]Role{101: Werewolf, 202: Villager, 303: Villager}
	s.Session = newSession(WolfKill, map[int]bool{101: true})

	if err := s.Apply("VOTE:101:202:WolfKill"); err != nil {
		t.Fatalf("VOTE: %v", err)
	}

	if s.Alive[202] {
		t.Fatalf("expected 202 eliminated")
	}
	if s.Phase != GameOver {
		t.Fatalf("expected GameOver, got %v", s.Phase)
	}
	if s.Winner != "Werewolves" {
		t.Fatalf("expected Werewolves to win, got %q", s.Winner)
	}
}

func TestTieVoteNoElimination(t *testing.T) {
	s := New([]int{1, 2, 3, 4, 5})
	s.Apply("START_GAME")
	s.Roles = map[int]Role{1: Werewolf, 2: Villager, 3: Villager, 4: Villager, 5: Villager}
	s.Phase = Day
	s.Session = newSession(VillagerLynch, map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true})

	votes := map[string]string{
		"1": "2", "2": "3", "3": "2", "4": "3", "5": "4",
	}
	for voter, target := range votes {
		cmd := "VOTE:" + voter + ":" + target + ":VillagerLynch"
		if err := s.Apply(cmd); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}

	if !s.Alive[2] || !s.Alive[3] {
		t.Fatalf("tie vote must not eliminate anyone: alive=%v", s.Alive)
	}
	if s.Phase != Night {
		t.Fatalf("expected phase to advance to Night after a tie, got %v", s.Phase)
	}
}

func TestMalformedVoteIsDropped(t *testing.T) {
	s := New([]int{1, 2})
	s.Apply("START_GAME")
	before := s.Phase

	err := s.Apply("VOTE:abc:def")
	if err == nil {
		t.Fatalf("expected a parse error for a malformed VOTE command")
	}
	if s.Phase != before {
		t.Fatalf("malformed command must not change phase")
	}
}

func TestUnknownCommandIgnored(t *testing.T) {
	s := New([]int{1, 2})
	if err := s.Apply("SOMETHING_ELSE:1"); err != nil {
		t.Fatalf("unknown command should be silently ignored, got error: %v", err)
	}
	if s.Phase != Lobby {
		t.Fatalf("unknown command must not change state")
	}
}

func TestReplicatedReset(t *testing.T) {
	s := New([]int{1, 2, 3})
	s.Apply("START_GAME")
	s.Roles = map[int]Role{1: Werewolf, 2: Villager, 3: Villager}

	if err := s.Apply("RESET_GAME:1,2,3,4"); err != nil {
		t.Fatalf("RESET_GAME: %v", err)
	}
	if s.Phase != Lobby {
		t.Fatalf("expected Lobby after reset, got %v", s.Phase)
	}
	if len(s.Roles) != 0 {
		t.Fatalf("expected roles cleared")
	}
	for _, id := range []int{1, 2, 3, 4} {
		if !s.Alive[id] {
			t.Fatalf("expected %d alive after reset with embedded ids", id)
		}
	}
}

func TestRoleAssignmentIsPure(t *testing.T) {
	players := []int{303, 101, 202}
	a := AssignRoles(players)
	b := AssignRoles(players)
	if len(a) != len(b) {
		t.Fatalf("role maps differ in size")
	}
	for id, role := range a {
		if b[id] != role {
			t.Fatalf("role assignment not pure: player %d got %v then %v", id, role, b[id])
		}
	}
}

func TestAssignRolesWolfCountFloorsAtOne(t *testing.T) {
	roles := AssignRoles([]int{1, 2})
	wolves := 0
	for _, r := range roles {
		if r == Werewolf {
			wolves++
		}
	}
	if wolves != 1 {
		t.Fatalf("expected max(1, 2/3)=1 werewolf, got %d", wolves)
	}
}
