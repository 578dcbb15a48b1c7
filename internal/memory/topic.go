package memory

import (
	"sort"
	"strings"
)

// topicWordCount is how many of the most frequent qualifying words make
// up a conversation's topic summary.
const topicWordCount = 3

var stopWords = map[string]struct{}{
	"that": {}, "this": {}, "with": {}, "from": {}, "have": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "your": {}, "will": {}, "been": {},
	"were": {}, "they": {}, "them": {}, "then": {}, "than": {}, "there": {},
	"their": {}, "would": {}, "could": {}, "should": {}, "about": {},
	"after": {}, "before": {}, "because": {}, "these": {}, "those": {},
	"some": {}, "such": {}, "very": {}, "just": {}, "like": {}, "also": {},
	"into": {}, "over": {}, "under": {}, "only": {}, "most": {}, "more": {},
	"much": {}, "many": {}, "each": {}, "other": {}, "does": {}, "doing": {},
	"want": {}, "need": {}, "here": {}, "know": {}, "think": {}, "thanks": {},
	"please": {}, "okay": {}, "yeah": {}, "sure": {}, "well": {},
}

// TopicSummary derives a short topic label from a conversation: the most
// frequent words of length four or more, stop words removed, that appear
// at least twice. Falls back to "conversation" when nothing qualifies.
func TopicSummary(messages []Message) string {
	freq := make(map[string]int)
	for _, msg := range messages {
		for _, tok := range strings.Fields(strings.ToLower(msg.Content)) {
			tok = strings.Trim(tok, ".,!?;:\"'()[]{}`")
			if len(tok) < 4 {
				continue
			}
			if _, stop := stopWords[tok]; stop {
				continue
			}
			freq[tok]++
		}
	}

	type wordCount struct {
		word  string
		count int
	}
	counts := make([]wordCount, 0, len(freq))
	for word, count := range freq {
		if count >= 2 {
			counts = append(counts, wordCount{word, count})
		}
	}
	if len(counts) == 0 {
		return "conversation"
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].word < counts[j].word
	})

	n := topicWordCount
	if len(counts) < n {
		n = len(counts)
	}
	words := make([]string, n)
	for i := 0; i < n; i++ {
		words[i] = counts[i].word
	}
	return strings.Join(words, " ")
}
