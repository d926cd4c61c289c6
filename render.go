package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"llm-council-client/council"
)

// boldPattern matches the **name** markers left by council.DeAnonymize
var boldPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)

type styles struct {
	title    lipgloss.Style
	stage    lipgloss.Style
	model    lipgloss.Style
	user     lipgloss.Style
	body     lipgloss.Style
	muted    lipgloss.Style
	chairman lipgloss.Style
	errText  lipgloss.Style
}

func newStyles() styles {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	gray := lipgloss.Color("#8a8f98")
	red := lipgloss.Color("#ff5555")

	return styles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(pink).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		stage:    lipgloss.NewStyle().Bold(true).Foreground(blue).MarginTop(1),
		model:    lipgloss.NewStyle().Bold(true).Foreground(mint),
		user:     lipgloss.NewStyle().Bold(true).Foreground(pink),
		body:     lipgloss.NewStyle().PaddingLeft(2),
		muted:    lipgloss.NewStyle().Foreground(gray).Italic(true),
		chairman: lipgloss.NewStyle().Bold(true).Foreground(mint).Underline(true),
		errText:  lipgloss.NewStyle().Bold(true).Foreground(red),
	}
}

var theme = newStyles()

// RenderConversation renders a whole conversation for the terminal.
func RenderConversation(conv council.Conversation) string {
	title := conv.Title
	if title == "" {
		title = "New Conversation"
	}

	parts := []string{theme.title.Render(title)}
	for _, msg := range conv.Messages {
		parts = append(parts, RenderMessage(msg))
	}
	return strings.Join(parts, "\n\n")
}

// RenderMessage renders one message: a user question, a deliberation, or a follow-up.
func RenderMessage(msg council.Message) string {
	switch {
	case msg.Role == council.RoleUser:
		return theme.user.Render("You") + "\n" + theme.body.Render(msg.Content)
	case msg.IsFollowUp():
		return renderFollowUp(msg)
	default:
		return renderDeliberation(msg)
	}
}

func renderFollowUp(msg council.Message) string {
	if msg.Response == nil {
		return theme.muted.Render("Chairman is answering...")
	}
	name := council.ShortModelName(msg.Response.Model)
	return theme.chairman.Render("Chairman: "+name) + "\n" + theme.body.Render(msg.Response.Response)
}

func renderDeliberation(msg council.Message) string {
	var labels council.LabelMap
	var aggregates []council.AggregateRanking
	if msg.Metadata != nil {
		labels = msg.Metadata.LabelToModel
		aggregates = msg.Metadata.AggregateRankings
	}

	var b strings.Builder

	// Stage 1
	b.WriteString(theme.stage.Render("Stage 1: Individual Responses"))
	b.WriteString("\n")
	switch {
	case msg.Loading.Stage1:
		b.WriteString(theme.muted.Render("Collecting individual responses..."))
		b.WriteString("\n")
	case len(msg.Stage1) == 0 && msg.Pending:
		b.WriteString(theme.muted.Render("Waiting for the council..."))
		b.WriteString("\n")
	}
	showInstance := council.StageOneHasDuplicates(msg.Stage1)
	for _, r := range msg.Stage1 {
		b.WriteString(theme.model.Render(council.StageOneDisplayName(r, showInstance)))
		b.WriteString("\n")
		b.WriteString(theme.body.Render(r.Response))
		b.WriteString("\n")
	}

	// Stage 2
	if msg.Loading.Stage2 || len(msg.Stage2) > 0 {
		b.WriteString(theme.stage.Render("Stage 2: Peer Rankings"))
		b.WriteString("\n")
	}
	if msg.Loading.Stage2 {
		b.WriteString(theme.muted.Render("Collecting peer rankings..."))
		b.WriteString("\n")
	}
	showEvaluatorInstance := showInstance || council.HasDuplicateInstances(labels)
	for _, r := range msg.Stage2 {
		b.WriteString(theme.model.Render(council.StageTwoDisplayName(r, showEvaluatorInstance)))
		b.WriteString("\n")
		b.WriteString(theme.body.Render(highlightNames(council.DeAnonymize(r.Ranking, labels))))
		b.WriteString("\n")
		if len(r.ParsedRanking) > 0 {
			b.WriteString(theme.body.Render(theme.muted.Render("Parsed: " + parsedRanking(r.ParsedRanking, labels))))
			b.WriteString("\n")
		}
	}

	if len(aggregates) > 0 {
		b.WriteString(theme.stage.Render("Aggregate Rankings (Street Cred)"))
		b.WriteString("\n")
		b.WriteString(renderAggregates(aggregates, council.HasDuplicateInstances(labels)))
		b.WriteString("\n")
	}

	// Stage 3
	if msg.Loading.Stage3 {
		b.WriteString(theme.stage.Render("Stage 3: Final Council Answer"))
		b.WriteString("\n")
		b.WriteString(theme.muted.Render("Chairman is synthesizing..."))
		b.WriteString("\n")
	} else if msg.Stage3 != nil {
		b.WriteString(theme.stage.Render("Stage 3: Final Council Answer"))
		b.WriteString("\n")
		b.WriteString(theme.chairman.Render("Chairman: " + council.ShortModelName(msg.Stage3.Model)))
		b.WriteString("\n")
		b.WriteString(theme.body.Render(msg.Stage3.Response))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// parsedRanking lists the ranked labels by model name. Unknown labels are kept as is.
func parsedRanking(ranked []string, labels council.LabelMap) string {
	showInstance := council.HasDuplicateInstances(labels)
	names := make([]string, len(ranked))
	for i, label := range ranked {
		name := label
		if ref, ok := council.ResolveLabel(labels, label); ok {
			name = council.FormatDisplayName(ref, showInstance)
		}
		names[i] = fmt.Sprintf("%d. %s", i+1, name)
	}
	return strings.Join(names, ", ")
}

func renderAggregates(aggregates []council.AggregateRanking, showInstance bool) string {
	names := make([]string, len(aggregates))
	width := 0
	for i, agg := range aggregates {
		names[i] = council.FormatDisplayName(council.ModelRef{Model: agg.Model, Instance: agg.Instance}, showInstance)
		width = max(width, lipgloss.Width(names[i]))
	}

	lines := make([]string, len(aggregates))
	for i, agg := range aggregates {
		votes := "votes"
		if agg.RankingsCount == 1 {
			votes = "vote"
		}
		lines[i] = fmt.Sprintf("#%d %-*s  avg %.2f  (%d %s)", i+1, width, names[i], agg.AverageRank, agg.RankingsCount, votes)
	}
	return theme.body.Render(strings.Join(lines, "\n"))
}

// highlightNames styles the **name** markers of de-anonymized text.
func highlightNames(text string) string {
	return boldPattern.ReplaceAllStringFunc(text, func(m string) string {
		return theme.model.Render(m[2 : len(m)-2])
	})
}

// RenderProgress describes a stream event as one status line. Unknown events render empty.
func RenderProgress(ev council.Event) string {
	switch ev.Type {
	case council.EventStage1Start:
		return theme.muted.Render("Stage 1: collecting individual responses...")
	case council.EventStage1Complete:
		return theme.model.Render(fmt.Sprintf("Stage 1 complete: %d responses", len(ev.Stage1)))
	case council.EventStage2Start:
		return theme.muted.Render("Stage 2: collecting peer rankings...")
	case council.EventStage2Complete:
		return theme.model.Render(fmt.Sprintf("Stage 2 complete: %d rankings", len(ev.Stage2)))
	case council.EventStage3Start:
		return theme.muted.Render("Stage 3: chairman is synthesizing...")
	case council.EventStage3Complete:
		return theme.model.Render("Stage 3 complete")
	case council.EventTitleComplete:
		return theme.muted.Render("Title: " + ev.Title)
	case council.EventComplete:
		return theme.model.Render("Done")
	case council.EventError:
		return theme.errText.Render("Error: " + ev.Message)
	}
	return ""
}

// RenderSummaries renders the conversation list.
func RenderSummaries(summaries []council.ConversationSummary) string {
	if len(summaries) == 0 {
		return theme.muted.Render("No conversations yet.")
	}

	lines := make([]string, len(summaries))
	for i, s := range summaries {
		title := s.Title
		if title == "" {
			title = "New Conversation"
		}
		messages := "messages"
		if s.MessageCount == 1 {
			messages = "message"
		}
		lines[i] = fmt.Sprintf("%s  %s  %s",
			theme.muted.Render(s.ID),
			theme.model.Render(title),
			theme.muted.Render(fmt.Sprintf("%d %s, %s", s.MessageCount, messages, s.CreatedAt.Local().Format("2006-01-02 15:04"))),
		)
	}
	return strings.Join(lines, "\n")
}
