package conversation

import "regexp"

var commandPattern = regexp.MustCompile(`![a-zA-Z][a-zA-Z0-9_]*`)

// ContainsCommand reports whether message carries a "!command". A peer
// whose message contains one is taken to be busy running it.
func ContainsCommand(message string) bool {
	return commandPattern.MatchString(message)
}
