package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"llm-council-client/council"
)

// maxLabels is how many responses the single-letter "Response X" labels can name
const maxLabels = 26

// errMockFailure is returned by the stage configured to fail
var errMockFailure = errors.New("mock council failure")

// Deliberation is the result of a full three-stage council run.
type Deliberation struct {
	Stage1   []council.StageOneResponse
	Stage2   []council.StageTwoRanking
	Stage3   *council.StageThreeResponse
	Metadata council.Metadata
}

// Council is a deterministic stand-in for the model-backed council. The same question
// and member list always produce the same answers and rankings.
type Council struct {
	cfg    CouncilConfig
	logger *slog.Logger
}

// NewCouncil creates a mock council.
func NewCouncil(cfg CouncilConfig, logger *slog.Logger) *Council {
	if logger == nil {
		logger = slog.Default()
	}
	return &Council{cfg: cfg, logger: logger.With(slog.String("module", "mock-council"))}
}

// Models returns the configured council members.
func (c *Council) Models() []string {
	return append([]string(nil), c.cfg.Models...)
}

// Members expands the council with a second instance of every duplicated model.
// Duplicates that are not council members are ignored.
func (c *Council) Members(duplicateModels []string) []council.ModelRef {
	dup := make(map[string]bool, len(duplicateModels))
	for _, m := range duplicateModels {
		dup[m] = true
	}

	members := make([]council.ModelRef, 0, len(c.cfg.Models)+len(duplicateModels))
	for _, model := range c.cfg.Models {
		members = append(members, council.ModelRef{Model: model, Instance: 1})
		if dup[model] {
			members = append(members, council.ModelRef{Model: model, Instance: 2})
		}
	}
	return members
}

// Stage1CollectResponses asks every member instance the question in parallel.
// Results keep member order.
func (c *Council) Stage1CollectResponses(ctx context.Context, userQuery string, duplicateModels []string) ([]council.StageOneResponse, error) {
	if c.cfg.FailStage == 1 {
		return nil, errMockFailure
	}

	members := c.Members(duplicateModels)
	if len(members) > maxLabels {
		return nil, fmt.Errorf("too many council instances to label: %d", len(members))
	}

	results := make([]council.StageOneResponse, len(members))
	g, ctx := errgroup.WithContext(ctx)
	for i, member := range members {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = council.StageOneResponse{
				Model:    member.Model,
				Instance: member.Instance,
				Response: answer(member, userQuery),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	return results, nil
}

// Stage2CollectRankings has every member instance rank the anonymized stage 1
// responses. Returns the rankings and the label map used to anonymize them.
func (c *Council) Stage2CollectRankings(ctx context.Context, stage1Results []council.StageOneResponse) ([]council.StageTwoRanking, council.LabelMap, error) {
	if c.cfg.FailStage == 2 {
		return nil, council.LabelMap{}, errMockFailure
	}

	labels := make([]string, len(stage1Results))
	var labelToModel council.LabelMap
	for i, result := range stage1Results {
		labels[i] = fmt.Sprintf("Response %c", rune('A'+i))
		labelToModel.Set(labels[i], council.ModelRef{Model: result.Model, Instance: result.Instance})
	}

	rankings := make([]council.StageTwoRanking, len(stage1Results))
	g, ctx := errgroup.WithContext(ctx)
	for i, evaluator := range stage1Results {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			text := evaluation(labels, i)
			rankings[i] = council.StageTwoRanking{
				Model:         evaluator.Model,
				Instance:      evaluator.Instance,
				Ranking:       text,
				ParsedRanking: council.ParseRankingFromText(text),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, council.LabelMap{}, fmt.Errorf("failed to query models for rankings: %w", err)
	}

	return rankings, labelToModel, nil
}

// Stage3SynthesizeFinal produces the chairman's answer from the stage 1 responses
// and the aggregate ranking.
func (c *Council) Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1Results []council.StageOneResponse, aggregate []council.AggregateRanking) (*council.StageThreeResponse, error) {
	if c.cfg.FailStage == 3 {
		return nil, errMockFailure
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The council considered %q and heard %d responses.", userQuery, len(stage1Results))
	if len(aggregate) > 0 {
		best := aggregate[0]
		fmt.Fprintf(&b, " Peers ranked %s highest with an average position of %.2f.",
			council.FormatDisplayName(council.ModelRef{Model: best.Model, Instance: best.Instance}, council.StageOneHasDuplicates(stage1Results)),
			best.AverageRank)
	}
	b.WriteString("\n\n")
	b.WriteString(summarize(userQuery))

	return &council.StageThreeResponse{
		Model:    c.cfg.Chairman,
		Response: b.String(),
	}, nil
}

// RunFullCouncil runs all three stages.
func (c *Council) RunFullCouncil(ctx context.Context, userQuery string, duplicateModels []string) (*Deliberation, error) {
	stage1Results, err := c.Stage1CollectResponses(ctx, userQuery, duplicateModels)
	if err != nil {
		return nil, fmt.Errorf("stage 1 failed: %w", err)
	}
	if len(stage1Results) == 0 {
		return nil, fmt.Errorf("all council models failed to respond")
	}

	stage2Results, labelToModel, err := c.Stage2CollectRankings(ctx, stage1Results)
	if err != nil {
		return nil, fmt.Errorf("stage 2 failed: %w", err)
	}
	aggregate := council.CalculateAggregateRankings(stage2Results, labelToModel)

	stage3Result, err := c.Stage3SynthesizeFinal(ctx, userQuery, stage1Results, aggregate)
	if err != nil {
		return nil, fmt.Errorf("stage 3 failed: %w", err)
	}

	return &Deliberation{
		Stage1: stage1Results,
		Stage2: stage2Results,
		Stage3: stage3Result,
		Metadata: council.Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregate,
		},
	}, nil
}

// ChairmanFollowUp answers a follow-up question using the most recent deliberation
// in history as context.
func (c *Council) ChairmanFollowUp(ctx context.Context, followUpQuery string, history []council.Message) (*council.StageThreeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var originalQuery string
	var previous *council.Message
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role == council.RoleAssistant && len(msg.Stage1) > 0 {
			previous = &history[i]
			if i > 0 && history[i-1].Role == council.RoleUser {
				originalQuery = history[i-1].Content
			}
			break
		}
	}

	var b strings.Builder
	if previous != nil {
		fmt.Fprintf(&b, "Following up on %q with %d council responses in mind.\n\n", originalQuery, len(previous.Stage1))
	}
	b.WriteString(summarize(followUpQuery))

	return &council.StageThreeResponse{
		Model:    c.cfg.Chairman,
		Response: b.String(),
	}, nil
}

// GenerateConversationTitle takes the first words of the question as its title.
func (c *Council) GenerateConversationTitle(userQuery string) string {
	words := strings.FieldsFunc(userQuery, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '-' && r != '\'')
	})
	if len(words) == 0 {
		return "New Conversation"
	}
	if len(words) > c.cfg.TitleWords {
		words = words[:c.cfg.TitleWords]
	}

	title := strings.Trim(strings.Join(words, " "), "\"'")
	if len(title) > 50 {
		title = title[:47] + "..."
	}
	return title
}

// answer is a member's deterministic stage 1 response.
func answer(member council.ModelRef, userQuery string) string {
	name := council.FormatDisplayName(member, member.Instance > 1)
	return fmt.Sprintf("%s on %q:\n\n%s", name, userQuery, summarize(userQuery))
}

// evaluation is the stage 2 text of the evaluator at index. Each evaluator rotates
// the label order by its own position, so rankings disagree in a predictable way.
func evaluation(labels []string, evaluator int) string {
	n := len(labels)
	var b strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&b, "%s addresses the question.\n", label)
	}
	b.WriteString("\nFINAL RANKING:\n")
	for pos := 0; pos < n; pos++ {
		fmt.Fprintf(&b, "%d. %s\n", pos+1, labels[(evaluator+1+pos)%n])
	}
	return b.String()
}

// summarize restates the question as a short paragraph.
func summarize(query string) string {
	words := strings.Fields(query)
	return fmt.Sprintf("A %d-word question deserves a direct answer. %s", len(words), strings.TrimSpace(query))
}
