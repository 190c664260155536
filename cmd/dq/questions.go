package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"decisiondesk/internal/app"
	"decisiondesk/internal/domain"
	"decisiondesk/internal/render"
)

const textWidth = 80

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "Manage your profile"}
	p.AddCommand(profileSetCmd())
	p.AddCommand(profileShowCmd())
	return p
}

func profileSetCmd() *cobra.Command {
	var id, name, role string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, s runEnv) error {
				if id == "" {
					id = s.Config.Backend.ActorID
				}
				p, err := s.Client.SaveProfile(ctx, domain.ProfileInput{ID: id, DisplayName: name, Role: role})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "profile id (defaults to the configured actor)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", "", "maho (drafter) or kel (reviewer)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func profileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show your profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, s runEnv) error {
				res := s.Client.Profile(ctx)
				if res.Error != nil {
					return res.Error
				}
				return printJSONOrTable(res.Data)
			})
		},
	}
}

func questionCmd() *cobra.Command {
	q := &cobra.Command{Use: "question", Short: "Draft and manage questions"}
	q.AddCommand(questionCreateCmd())
	q.AddCommand(questionListCmd())
	q.AddCommand(questionShowCmd())
	q.AddCommand(questionUpdateCmd())
	q.AddCommand(questionVerbCmd("ready", "Send a draft for review", func(m app.Mutations) questionVerb { return m.MarkReady.MutateAsync }))
	q.AddCommand(questionVerbCmd("archive", "Archive a question", func(m app.Mutations) questionVerb { return m.Archive.MutateAsync }))
	q.AddCommand(questionVerbCmd("restore", "Restore an archived question to draft", func(m app.Mutations) questionVerb { return m.Restore.MutateAsync }))
	return q
}

func questionCreateCmd() *cobra.Command {
	var in domain.QuestionInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft question",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				q, err := s.Client.Mutation.CreateQuestion.MutateAsync(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "question title")
	cmd.Flags().StringVar(&in.Category, "category", "", "one of "+strings.Join(domain.Categories, ", "))
	cmd.Flags().StringVar(&in.Description, "description", "", "context for the reviewer")
	cmd.Flags().StringVar(&in.Recommendation, "recommendation", "", "what you recommend (markdown)")
	cmd.Flags().StringVar(&in.Rationale, "rationale", "", "why (markdown)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func questionListCmd() *cobra.Command {
	var f domain.QuestionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				res := s.Client.Questions(ctx, f)
				if res.Error != nil {
					return res.Error
				}
				if viper.GetBool("json") {
					return printJSON(res.Data)
				}
				printQuestionTable(res.Data, "")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "author filter")
	cmd.Flags().BoolVar(&f.Archived, "archived", false, "list archived questions only")
	cmd.Flags().BoolVar(&f.OldestFirst, "oldest-first", false, "sort oldest first")
	return cmd
}

func printQuestionTable(items []domain.Question, expanded string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"", "ID", "Title", "Category", "Status", "Created"})
	for _, q := range items {
		marker := ""
		if q.ID == expanded {
			marker = ">"
		}
		tw.AppendRow(table.Row{marker, q.ID, render.Truncate(q.Title, 48), q.Category, q.Status, q.CreatedAt})
	}
	tw.Render()
}

func questionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a question with its evidence and decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				return showQuestion(ctx, s, args[0])
			})
		},
	}
}

// showQuestion prints one card. Showing a card to the reviewer counts as
// viewing it.
func showQuestion(ctx context.Context, s runEnv, id string) error {
	res := s.Client.Question(ctx, id)
	if res.Error != nil {
		return res.Error
	}
	q := res.Data
	s.Client.Observe(ctx, q)
	evs := s.Client.Evidence(ctx, id)
	if evs.Error != nil {
		return evs.Error
	}
	dec := s.Client.DecisionByQuestion(ctx, id)
	if dec.Error != nil {
		return dec.Error
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"question": q, "evidence": evs.Data, "decision": dec.Data})
	}
	fmt.Printf("%s  [%s] %s\n", q.Title, q.Category, q.Status)
	if q.Description != "" {
		fmt.Println(render.Wrap(q.Description, textWidth))
	}
	if q.Recommendation != "" {
		fmt.Println("\nRecommendation:")
		fmt.Println(render.Markdown(q.Recommendation, textWidth))
	}
	if q.Rationale != "" {
		fmt.Println("\nRationale:")
		fmt.Println(render.Markdown(q.Rationale, textWidth))
	}
	if len(evs.Data) > 0 {
		fmt.Println("\nEvidence:")
		for _, ev := range evs.Data {
			fmt.Printf("- %s <%s> (%s)\n", ev.Title, ev.URL, ev.ID)
			if ev.Excerpt != "" {
				fmt.Println(render.Wrap(ev.Excerpt, textWidth-2))
			}
		}
	}
	if d := dec.Data; d != nil {
		fmt.Printf("\nDecision: %s by %s at %s\n", d.DecisionType, d.CreatedBy, d.CreatedAt)
		for _, c := range d.Constraints {
			fmt.Printf("- %s: %s\n", c.Type, c.Context)
		}
		if d.ConstraintContext != "" {
			fmt.Println(render.Wrap(d.ConstraintContext, textWidth))
		}
		if d.Reasoning != "" {
			fmt.Println(render.Wrap(d.Reasoning, textWidth))
		}
		if d.IncorporatedAt != nil {
			fmt.Printf("Incorporated at %s\n", *d.IncorporatedAt)
		}
	}
	return nil
}

func questionUpdateCmd() *cobra.Command {
	var title, category, description, recommendation, rationale, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := domain.QuestionPatch{
				Title:          optionalString(cmd, "title", title),
				Category:       optionalString(cmd, "category", category),
				Description:    optionalString(cmd, "description", description),
				Recommendation: optionalString(cmd, "recommendation", recommendation),
				Rationale:      optionalString(cmd, "rationale", rationale),
				Status:         optionalString(cmd, "status", status),
			}
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				q, err := s.Client.Mutation.UpdateQuestion.MutateAsync(ctx, app.QuestionUpdate{ID: args[0], Patch: patch})
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&recommendation, "recommendation", "", "recommendation")
	cmd.Flags().StringVar(&rationale, "rationale", "", "rationale")
	cmd.Flags().StringVar(&status, "status", "", "status")
	return cmd
}

type questionVerb func(context.Context, domain.Question) (domain.Question, error)

func questionVerbCmd(use, short string, pick func(app.Mutations) questionVerb) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				res := s.Client.Question(ctx, args[0])
				if res.Error != nil {
					return res.Error
				}
				q, err := pick(s.Client.Mutation)(ctx, res.Data)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
}

func evidenceCmd() *cobra.Command {
	e := &cobra.Command{Use: "evidence", Short: "Attach supporting links to a question"}
	e.AddCommand(evidenceAddCmd())
	e.AddCommand(evidenceListCmd())
	e.AddCommand(evidenceUpdateCmd())
	e.AddCommand(evidenceDeleteCmd())
	return e
}

func evidenceAddCmd() *cobra.Command {
	var in domain.EvidenceInput
	cmd := &cobra.Command{
		Use:   "add <question-id>",
		Short: "Attach evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.QuestionID = args[0]
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				ev, err := s.Client.Mutation.AddEvidence.MutateAsync(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.URL, "url", "", "link")
	cmd.Flags().StringVar(&in.Section, "section", "", "section of the linked document")
	cmd.Flags().StringVar(&in.Excerpt, "excerpt", "", "quoted excerpt")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func evidenceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <question-id>",
		Short: "List evidence for a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				res := s.Client.Evidence(ctx, args[0])
				if res.Error != nil {
					return res.Error
				}
				if viper.GetBool("json") {
					return printJSON(res.Data)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "URL", "Section"})
				for _, ev := range res.Data {
					tw.AppendRow(table.Row{ev.ID, render.Truncate(ev.Title, 40), ev.URL, render.Truncate(ev.Section, 24)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// findEvidence looks the row up in its question's list, which is what the
// optimistic update and delete patch.
func findEvidence(ctx context.Context, s runEnv, questionID, id string) (domain.Evidence, error) {
	res := s.Client.Evidence(ctx, questionID)
	if res.Error != nil {
		return domain.Evidence{}, res.Error
	}
	for _, ev := range res.Data {
		if ev.ID == id {
			return ev, nil
		}
	}
	ev, err := s.Client.Gateway.Evidence.Get(ctx, id)
	if err != nil {
		return domain.Evidence{}, err
	}
	return ev, nil
}

func evidenceUpdateCmd() *cobra.Command {
	var questionID, title, url, section, excerpt string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := domain.EvidencePatch{
				Title:   optionalString(cmd, "title", title),
				URL:     optionalString(cmd, "url", url),
				Section: optionalString(cmd, "section", section),
				Excerpt: optionalString(cmd, "excerpt", excerpt),
			}
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				prev, err := findEvidence(ctx, s, questionID, args[0])
				if err != nil {
					return err
				}
				ev, err := s.Client.Mutation.UpdateEvidence.MutateAsync(ctx, app.EvidenceUpdate{Prev: prev, Patch: patch})
				if err != nil {
					return err
				}
				return printJSONOrTable(ev)
			})
		},
	}
	cmd.Flags().StringVar(&questionID, "question", "", "question the evidence belongs to")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&url, "url", "", "link")
	cmd.Flags().StringVar(&section, "section", "", "section")
	cmd.Flags().StringVar(&excerpt, "excerpt", "", "excerpt")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func evidenceDeleteCmd() *cobra.Command {
	var questionID string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				ev, err := findEvidence(ctx, s, questionID, args[0])
				if err != nil {
					return err
				}
				_, err = s.Client.Mutation.DeleteEvidence.MutateAsync(ctx, ev)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&questionID, "question", "", "question the evidence belongs to")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}
