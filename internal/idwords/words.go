// Package idwords: short human-readable labels for GUIDs (logs, user agent).
package idwords

import (
	"strings"

	"dev.c0redev.fwpush/internal/guid"
)

// 64 words, 6 bits each.
var wordlist = [64]string{
	"amber", "anvil", "arrow", "aspen", "badger", "basil", "birch", "bison",
	"cedar", "clove", "cobalt", "comet", "coral", "crane", "delta", "dune",
	"ember", "falcon", "fern", "flint", "fox", "garnet", "glade", "granite",
	"hazel", "heron", "indigo", "iris", "jade", "juniper", "kelp", "kestrel",
	"lark", "lilac", "linen", "lotus", "maple", "marsh", "meadow", "mint",
	"nectar", "nova", "oak", "onyx", "opal", "orchid", "otter", "pebble",
	"pine", "plume", "quartz", "raven", "reed", "ridge", "sage", "slate",
	"sparrow", "spruce", "thistle", "tide", "umber", "violet", "willow", "wren",
}

// Words per label.
const Words = 4

// ForGUID returns the label for g, word1-word2-word3-word4 from its first 3 bytes.
func ForGUID(g guid.GUID) string {
	bits := uint32(g[0])<<16 | uint32(g[1])<<8 | uint32(g[2])
	parts := make([]string, Words)
	for i := 0; i < Words; i++ {
		parts[i] = wordlist[(bits>>(18-6*i))&0x3f]
	}
	return strings.Join(parts, "-")
}

// Valid true if s is Words words from the list, "-" joined.
func Valid(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != Words {
		return false
	}
	for _, p := range parts {
		if index(p) < 0 {
			return false
		}
	}
	return true
}

func index(w string) int {
	for i, x := range wordlist {
		if x == w {
			return i
		}
	}
	return -1
}
