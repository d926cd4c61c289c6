package council

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// finalRankingHeader introduces the machine-readable part of a stage 2 evaluation
const finalRankingHeader = "FINAL RANKING:"

var (
	numberedLabelPattern = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	labelPattern         = regexp.MustCompile(`Response [A-Z]`)
)

// HasDuplicateInstances reports whether two labels point at the same model.
// Instance numbers are ignored.
func HasDuplicateInstances(labels LabelMap) bool {
	seen := make(map[string]bool, labels.Len())
	for _, e := range labels.entries {
		if seen[e.Ref.Model] {
			return true
		}
		seen[e.Ref.Model] = true
	}
	return false
}

// StageOneHasDuplicates reports whether the same model answered more than once.
func StageOneHasDuplicates(responses []StageOneResponse) bool {
	seen := make(map[string]bool, len(responses))
	for _, r := range responses {
		if seen[r.Model] {
			return true
		}
		seen[r.Model] = true
	}
	return false
}

// ResolveLabel returns the model instance behind an anonymous label.
func ResolveLabel(labels LabelMap, label string) (ModelRef, bool) {
	ref, ok := labels.Get(label)
	if !ok {
		return ModelRef{}, false
	}
	ref.Instance = ref.InstanceNumber()
	return ref, true
}

// ShortModelName drops the provider prefix: "acme/foo" -> "foo".
func ShortModelName(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		return model[i+1:]
	}
	return model
}

// FormatDisplayName renders a model instance for people. The instance suffix is
// only added when asked for and known.
func FormatDisplayName(ref ModelRef, showInstance bool) string {
	name := ShortModelName(ref.Model)
	if showInstance && ref.Instance > 0 {
		return fmt.Sprintf("%s (%d)", name, ref.Instance)
	}
	return name
}

// StageOneDisplayName names the author of a stage 1 response. A response without an
// instance never gets a suffix.
func StageOneDisplayName(r StageOneResponse, showInstance bool) string {
	return FormatDisplayName(ModelRef{Model: r.Model, Instance: r.Instance}, showInstance)
}

// StageTwoDisplayName names the evaluator of a stage 2 ranking.
func StageTwoDisplayName(r StageTwoRanking, showInstance bool) string {
	return FormatDisplayName(ModelRef{Model: r.Model, Instance: r.Instance}, showInstance)
}

// DeAnonymize replaces every literal occurrence of each label in text with the bolded
// display name of its model. Instance suffixes are shown when the map has duplicates.
//
// Substitution is a single left-to-right pass over the original text; at each
// position the longest matching label wins and replaced text is never rescanned,
// so a display name that happens to contain another label is left alone.
func DeAnonymize(text string, labels LabelMap) string {
	if labels.Len() == 0 || text == "" {
		return text
	}

	showInstance := HasDuplicateInstances(labels)

	entries := make([]LabelEntry, 0, labels.Len())
	for _, e := range labels.entries {
		if e.Label != "" {
			entries = append(entries, e)
		}
	}
	// Longest first so "Response AB" is preferred over "Response A"; ties keep map order.
	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].Label) > len(entries[j].Label)
	})

	replacements := make([]string, len(entries))
	for i, e := range entries {
		replacements[i] = "**" + FormatDisplayName(ModelRef{Model: e.Ref.Model, Instance: e.Ref.InstanceNumber()}, showInstance) + "**"
	}

	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		matched := false
		for j, e := range entries {
			if strings.HasPrefix(text[i:], e.Label) {
				b.WriteString(replacements[j])
				i += len(e.Label)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// ParseRankingFromText extracts the ranked labels from an evaluation.
// Looks for a "FINAL RANKING:" section and its numbered entries (e.g., "1. Response A"),
// falling back to any "Response X" mentions.
func ParseRankingFromText(rankingText string) []string {
	if _, section, ok := strings.Cut(rankingText, finalRankingHeader); ok {
		if numbered := numberedLabelPattern.FindAllString(section, -1); len(numbered) > 0 {
			results := make([]string, 0, len(numbered))
			for _, match := range numbered {
				if label := labelPattern.FindString(match); label != "" {
					results = append(results, label)
				}
			}
			return results
		}

		return nonNil(labelPattern.FindAllString(section, -1))
	}

	return nonNil(labelPattern.FindAllString(rankingText, -1))
}

// CalculateAggregateRankings averages each model instance's 1-based position over
// the evaluators that ranked it. Labels missing from the map are skipped, but still
// occupy their position. The result is sorted by average rank (lower is better),
// ties kept in first-seen order.
func CalculateAggregateRankings(rankings []StageTwoRanking, labels LabelMap) []AggregateRanking {
	type totals struct {
		ref   ModelRef
		sum   int
		count int
	}

	var order []*totals
	byRef := make(map[ModelRef]*totals)

	for _, ranking := range rankings {
		for position, label := range ranking.ParsedRanking {
			ref, ok := ResolveLabel(labels, label)
			if !ok {
				continue
			}
			t, ok := byRef[ref]
			if !ok {
				t = &totals{ref: ref}
				byRef[ref] = t
				order = append(order, t)
			}
			t.sum += position + 1
			t.count++
		}
	}

	aggregate := make([]AggregateRanking, 0, len(order))
	for _, t := range order {
		aggregate = append(aggregate, AggregateRanking{
			Model:         t.ref.Model,
			Instance:      t.ref.Instance,
			AverageRank:   float64(t.sum) / float64(t.count),
			RankingsCount: t.count,
		})
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		return aggregate[i].AverageRank < aggregate[j].AverageRank
	})

	return aggregate
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
