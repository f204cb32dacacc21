package stepflow

import "strings"

const eventNameSeparator = "/"

// MatchEventName reports whether an event name matches a trigger pattern.
// Patterns are segmented on "/": "*" matches exactly one segment, "#"
// matches zero or more. A pattern without wildcards must match exactly.
func MatchEventName(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.ContainsAny(pattern, "*#") {
		return false
	}
	return matchSegments(
		strings.Split(pattern, eventNameSeparator),
		strings.Split(name, eventNameSeparator),
	)
}

func matchSegments(patternParts, nameParts []string) bool {
	pLen, nLen := len(patternParts), len(nameParts)

	dp := make([]bool, nLen+1)
	prev := make([]bool, nLen+1)

	prev[0] = true

	for i := 1; i <= pLen; i++ {
		pPart := patternParts[i-1]
		// dp[0] true -> pattern up to now can match an empty name,
		// only possible while the pattern consists of "#"s
		if pPart == "#" {
			dp[0] = prev[0]
		} else {
			dp[0] = false
		}

		for j := 1; j <= nLen; j++ {
			switch pPart {
			case "#":
				dp[j] = prev[j] || dp[j-1]
			case "*":
				dp[j] = prev[j-1]
			default:
				dp[j] = prev[j-1] && pPart == nameParts[j-1]
			}
		}
		copy(prev, dp)
	}

	return prev[nLen]
}
