package store

import (
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	defaultSearchResults = 20
	snippetContext       = 50
)

// SearchMatch is a single search hit.
type SearchMatch struct {
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id"`
	Author    string    `json:"author"`
	MatchType string    `json:"match_type"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is the response for searching loaded history.
type SearchResult struct {
	Query        string        `json:"query"`
	TotalMatches int           `json:"total_matches"`
	Results      []SearchMatch `json:"results"`
}

// Search performs a case-insensitive search across author names and
// message content of everything currently loaded. channelID narrows
// the search to one channel. Author matches come first, then content
// matches; within each phase newer messages come first.
func (s *Snapshot) Search(query, channelID string, maxResults int) SearchResult {
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}

	result := SearchResult{Query: query, Results: []SearchMatch{}}

	needle := foldRunes(query)
	if len(needle) == 0 {
		return result
	}

	candidates := s.searchCandidates(channelID)
	seen := make(map[string]bool)

	// Phase 1: author matches.
	for _, m := range candidates {
		if len(result.Results) >= maxResults {
			break
		}

		name := m.Author.User.Name()
		if runeIndex(foldRunes(name), needle) < 0 && runeIndex(foldRunes(m.Author.User.Username), needle) < 0 {
			continue
		}

		result.Results = append(result.Results, newMatch(m, "author", truncateRunes(m.Content, 2*snippetContext)))
		seen[m.ChannelID+"/"+m.ID] = true
	}

	// Phase 2: content matches.
	for _, m := range candidates {
		if len(result.Results) >= maxResults {
			break
		}

		if seen[m.ChannelID+"/"+m.ID] {
			continue
		}

		content := []rune(norm.NFC.String(m.Content))

		idx := runeIndex(foldSlice(content), needle)
		if idx < 0 {
			continue
		}

		result.Results = append(result.Results, newMatch(m, "content", buildSnippet(content, idx, len(needle))))
	}

	result.TotalMatches = len(result.Results)

	return result
}

// Search runs Snapshot.Search on the latest snapshot.
func (s *Store) Search(query, channelID string, maxResults int) SearchResult {
	return s.Snapshot().Search(query, channelID, maxResults)
}

// searchCandidates returns the messages in scope, newest first. Pending
// sends are skipped; they are not history yet.
func (s *Snapshot) searchCandidates(channelID string) []models.Message {
	var out []models.Message

	for id, msgs := range s.messages {
		if channelID != "" && id != channelID {
			continue
		}

		for _, m := range msgs {
			if m.Status == models.StatusSent {
				out = append(out, m)
			}
		}
	}

	slices.SortFunc(out, func(a, b models.Message) int {
		return -models.CompareMessages(&a, &b)
	})

	return out
}

func newMatch(m models.Message, matchType, snippet string) SearchMatch {
	return SearchMatch{
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Author:    m.Author.User.Name(),
		MatchType: matchType,
		Snippet:   snippet,
		CreatedAt: m.CreatedAt,
	}
}

// foldRunes lowercases rune by rune so indices line up with the
// original text.
func foldRunes(s string) []rune {
	return foldSlice([]rune(norm.NFC.String(s)))
}

func foldSlice(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}

	return out
}

func runeIndex(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return i
		}
	}

	return -1
}

// buildSnippet creates a context snippet around a match, bolding the
// match. start and n are rune offsets.
func buildSnippet(line []rune, start, n int) string {
	from := max(0, start-snippetContext)
	to := min(len(line), start+n+snippetContext)

	var b strings.Builder

	if from > 0 {
		b.WriteString("...")
	}

	b.WriteString(string(line[from:start]))
	b.WriteString("**")
	b.WriteString(string(line[start : start+n]))
	b.WriteString("**")
	b.WriteString(string(line[start+n : to]))

	if to < len(line) {
		b.WriteString("...")
	}

	return b.String()
}

// truncateRunes shortens s to maxLen runes, adding ellipsis.
func truncateRunes(s string, maxLen int) string {
	rs := []rune(s)
	if len(rs) <= maxLen {
		return s
	}

	return string(rs[:maxLen]) + "..."
}
