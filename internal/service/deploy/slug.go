package deploy

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var (
	slugAdjectives = []string{
		"brave", "calm", "clever", "eager", "fancy", "gentle", "happy", "jolly",
		"kind", "lively", "lucky", "mighty", "nimble", "proud", "quick", "quiet",
		"rapid", "shiny", "silly", "smart", "sunny", "swift", "tidy", "witty",
	}
	slugColors = []string{
		"amber", "azure", "black", "blue", "coral", "crimson", "cyan", "gold",
		"green", "indigo", "ivory", "jade", "lime", "magenta", "olive", "orange",
		"pink", "purple", "red", "ruby", "silver", "teal", "violet", "white",
	}
	slugNouns = []string{
		"badger", "beacon", "canyon", "comet", "falcon", "forest", "harbor", "island",
		"koala", "lantern", "meadow", "otter", "panda", "pebble", "puffin", "rocket",
		"river", "summit", "thunder", "tiger", "valley", "walrus", "willow", "zebra",
	}
)

// generateSlug returns a random three word subdomain such as "brave-teal-otter".
func generateSlug() string {
	return strings.Join([]string{
		slugAdjectives[rand.IntN(len(slugAdjectives))],
		slugColors[rand.IntN(len(slugColors))],
		slugNouns[rand.IntN(len(slugNouns))],
	}, "-")
}
