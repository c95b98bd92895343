// Package name generates worker display names.
package name

import (
	"math/rand/v2"
	"strings"
)

var adjectives = []string{
	"bold", "brave", "bright", "calm", "clever",
	"cool", "eager", "fair", "fast", "fierce",
	"gentle", "happy", "jolly", "keen", "kind",
	"lively", "lucky", "merry", "mighty", "noble",
	"proud", "quick", "quiet", "sharp", "sleek",
	"smart", "snappy", "speedy", "steady", "swift",
	"tough", "vivid", "warm", "wild", "wise",
	"agile", "alert", "cosmic", "daring", "grand",
}

var animals = []string{
	"badger", "bear", "beaver", "bison", "cat",
	"cheetah", "coyote", "crane", "crow", "deer",
	"dolphin", "dove", "eagle", "falcon", "ferret",
	"finch", "fox", "gopher", "hawk", "heron",
	"jaguar", "koala", "lemur", "lion", "lynx",
	"moose", "narwhal", "otter", "owl", "panda",
	"puma", "quail", "rabbit", "raven", "seal",
	"swan", "tiger", "walrus", "whale", "wolf",
}

const letters = "abcdefghijklmnopqrstuvwxyz"

// Generate returns a random name in adjective-animal format.
func Generate() string {
	return adjectives[rand.IntN(len(adjectives))] + "-" + animals[rand.IntN(len(animals))]
}

// Agent returns a display name for a worker owned by cloud, in the form
// <cloud>.<adjective>-<animal>-<4 letters>. Callers that need global
// uniqueness check the result against their inventory.
func Agent(cloud string) string {
	var b strings.Builder
	b.WriteString(cloud)
	b.WriteByte('.')
	b.WriteString(Generate())
	b.WriteByte('-')
	for i := 0; i < 4; i++ {
		b.WriteByte(letters[rand.IntN(len(letters))])
	}
	return b.String()
}
