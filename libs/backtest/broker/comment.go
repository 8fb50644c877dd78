package broker

import "strings"

// MaxCommentLength is the hard ceiling imposed by the trade comment grammar:
// STRATEGY[|RANGE][|DIRECTION][|CONFIRMATIONS].
const MaxCommentLength = 31

// Comment is the parsed form of a position's comment field.
type Comment struct {
	Strategy      string
	Range         string
	Direction     string
	Confirmations string
}

// ParseComment splits a comment on '|' into its grammar segments. Comments
// that predate the grammar (no '|' separators) are tolerated: the whole
// string becomes the Strategy segment, matching the documented legacy
// fallback of a prefix match.
func ParseComment(comment string) Comment {
	parts := strings.SplitN(comment, "|", 4)
	c := Comment{Strategy: parts[0]}
	if len(parts) > 1 {
		c.Range = parts[1]
	}
	if len(parts) > 2 {
		c.Direction = parts[2]
	}
	if len(parts) > 3 {
		c.Confirmations = parts[3]
	}
	return c
}

// StrategyTag derives the strategy attribution key from a comment, used by
// the broker's duplicate-position check. There is no dedicated strategy-id
// field on a Position; this string is the only attribution available.
func StrategyTag(comment string) string {
	return ParseComment(comment).Strategy
}
