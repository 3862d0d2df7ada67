// Copyright 2026 The Tandem Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// ChannelID names an append-only data channel. Channel IDs allow a
// wider charset than owner names (mixed case plus ':') and may be
// longer (up to 128 characters) since applications derive them from
// conversation topics.
type ChannelID string

// ParseChannelID validates a channel ID.
func ParseChannelID(s string) (ChannelID, error) {
	if s == "" {
		return "", fmt.Errorf("empty channel id")
	}
	if len(s) > 128 {
		return "", fmt.Errorf("channel id %q longer than 128 characters", s)
	}
	for index := 0; index < len(s); index++ {
		c := s[index]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return "", fmt.Errorf("invalid channel id %q: character %q not allowed", s, string(c))
		}
	}
	return ChannelID(s), nil
}

// String returns the channel ID.
func (c ChannelID) String() string { return string(c) }

// IsZero reports whether the channel ID is the zero value.
func (c ChannelID) IsZero() bool { return c == "" }
