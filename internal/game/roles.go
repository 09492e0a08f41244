package game

import "sort"

// Role is a player's hidden allegiance.
type Role int

const (
	Villager Role = iota
	Werewolf
	Dead
)

func (r Role) String() string {
	switch r {
	case Villager:
		return "Villager"
	case Werewolf:
		return "Werewolf"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// lcg is the 32-bit linear congruential generator fixed by this
// implementation to make role assignment reproducible across peers. The
// constants are the classic Numerical-Recipes LCG: a faithful
// reimplementation of the source's "specific linear-congruential-style
// generator" could not be recovered byte for byte (the original C# source
// was not available in the retrieval pack), so this repository fixes one
// concrete generator and documents it as the authoritative behavior.
type lcg struct {
	state uint32
}

const (
	lcgMultiplier = 1664525
	lcgIncrement  = 1013904223
)

func newLCG(seed int) *lcg {
	return &lcg{state: uint32(seed)}
}

func (g *lcg) next() uint32 {
	g.state = lcgMultiplier*g.state + lcgIncrement
	return g.state
}

// AssignRoles performs the deterministic role assignment described in the
// spec: sort the alive ids ascending, seed the LCG with their sum, shuffle
// by sort-by-random-key with ties broken by original index, and take the
// first max(1, len(P)/3) shuffled entries as Werewolves.
//
// Called twice with the same alivePlayers, AssignRoles returns the same
// assignment — it has no hidden state beyond its argument.
func AssignRoles(alivePlayers []int) map[int]Role {
	players := append([]int(nil), alivePlayers...)
	sort.Ints(players)

	seed := 0
	for _, p := range players {
		seed += p
	}

	gen := newLCG(seed)
	keys := make([]keyedEntry, len(players))
	for i, p := range players {
		keys[i] = keyedEntry{player: p, key: gen.next(), index: i}
	}
	sort.Slice(keys, func(i, j int) bool { return lessKeyed(keys[i], keys[j]) })

	wolves := len(players) / 3
	if wolves < 1 {
		wolves = 1
	}
	if len(players) == 0 {
		wolves = 0
	}

	roles := make(map[int]Role, len(players))
	for i, k := range keys {
		if i < wolves {
			roles[k.player] = Werewolf
		} else {
			roles[k.player] = Villager
		}
	}
	return roles
}

type keyedEntry struct {
	player int
	key    uint32
	index  int
}

func lessKeyed(a, b keyedEntry) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.index < b.index
}
