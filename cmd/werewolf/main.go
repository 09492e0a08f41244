// Command werewolf runs one peer of a Paxos-replicated werewolf game.
package main

import "github.com/koneko096/were-wolves/cmd"

func main() {
	cmd.Execute()
}
