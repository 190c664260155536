package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/queue"
	"decisiondesk/internal/render"
	"decisiondesk/internal/review"
)

var countdownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

func queueCmd() *cobra.Command {
	var open string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Questions waiting for your review, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				res := s.Client.PendingQueue(ctx)
				if res.Error != nil {
					return res.Error
				}
				if _, err := s.Client.LoadDrafts(s.draftsDir()); err != nil {
					s.Log.Warn("drafts not loaded", zap.Error(err))
				}
				if open != "" {
					s.Client.Store.Toggle(open)
				}
				if viper.GetBool("json") {
					return printJSON(res.Data)
				}
				expanded := s.Client.Store.ExpandedCardID()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "ID", "Title", "Category", "Waiting since", "Draft"})
				for _, q := range res.Data {
					marker := ""
					if q.ID == expanded {
						marker = ">"
					}
					draft := ""
					if d, ok := s.Client.Store.Draft(q.ID); ok {
						draft = d.DecisionType
						if draft == "" {
							draft = "started"
						}
					}
					tw.AppendRow(table.Row{marker, q.ID, render.Truncate(q.Title, 48), q.Category, q.CreatedAt, draft})
				}
				tw.Render()
				if expanded == "" {
					return nil
				}
				fmt.Println()
				return showQuestion(ctx, s, expanded)
			})
		},
	}
	cmd.Flags().StringVar(&open, "open", "", "expand one question card")
	return cmd
}

func draftCmd() *cobra.Command {
	d := &cobra.Command{Use: "draft", Short: "Work on a decision before submitting it"}
	d.AddCommand(draftSetCmd())
	d.AddCommand(draftShowCmd())
	d.AddCommand(draftDiscardCmd())
	return d
}

type draftFlags struct {
	decisionType string
	constraints  []string
	context      string
	reasoning    string
}

func (f *draftFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.decisionType, "type", "", "approved, approved_with_constraint or exploring_alternatives")
	cmd.Flags().StringArrayVar(&f.constraints, "constraint", nil, "constraint as type or type:context (repeatable)")
	cmd.Flags().StringVar(&f.context, "context", "", "notes on the constraints")
	cmd.Flags().StringVar(&f.reasoning, "reasoning", "", "why alternatives should be explored")
}

func (f *draftFlags) patch(cmd *cobra.Command) (queue.DraftPatch, bool, error) {
	var p queue.DraftPatch
	changed := false
	if cmd.Flags().Changed("type") {
		if !domain.Contains(domain.DecisionTypes, f.decisionType) {
			return p, false, fmt.Errorf("decision type %q: want one of %s", f.decisionType, strings.Join(domain.DecisionTypes, ", "))
		}
		p.DecisionType = &f.decisionType
		changed = true
	}
	if cmd.Flags().Changed("constraint") {
		list, err := parseConstraints(f.constraints)
		if err != nil {
			return p, false, err
		}
		p.Constraints = &list
		changed = true
	}
	if cmd.Flags().Changed("context") {
		p.ConstraintContext = &f.context
		changed = true
	}
	if cmd.Flags().Changed("reasoning") {
		p.Reasoning = &f.reasoning
		changed = true
	}
	return p, changed, nil
}

func draftSetCmd() *cobra.Command {
	var flags draftFlags
	cmd := &cobra.Command{
		Use:   "set <question-id>",
		Short: "Update the draft for a question; it stays on this machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, changed, err := flags.patch(cmd)
			if err != nil {
				return err
			}
			if !changed {
				return errors.New("nothing to set; pass --type, --constraint, --context or --reasoning")
			}
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				if _, err := s.Client.LoadDrafts(s.draftsDir()); err != nil {
					return err
				}
				d := s.Client.Store.SetDraft(args[0], p)
				if err := s.Client.SaveDrafts(s.draftsDir()); err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	flags.bind(cmd)
	return cmd
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "List saved drafts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				if _, err := s.Client.LoadDrafts(s.draftsDir()); err != nil {
					return err
				}
				drafts := s.Client.Store.Snapshot().Drafts
				if viper.GetBool("json") {
					return printJSON(drafts)
				}
				ids := make([]string, 0, len(drafts))
				for id := range drafts {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Question", "Type", "Constraints", "Notes"})
				for _, id := range ids {
					d := drafts[id]
					types := make([]string, 0, len(d.Constraints))
					for _, c := range d.Constraints {
						types = append(types, c.Type)
					}
					notes := d.ConstraintContext
					if d.DecisionType == domain.DecisionExploringAlternatives {
						notes = d.Reasoning
					}
					tw.AppendRow(table.Row{id, d.DecisionType, strings.Join(types, ","), render.Truncate(notes, 40)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func draftDiscardCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "discard [question-id]",
		Short: "Throw away a draft, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass a question id or --all")
			}
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				if all {
					return s.Client.DiscardDrafts(s.draftsDir())
				}
				if _, err := s.Client.LoadDrafts(s.draftsDir()); err != nil {
					return err
				}
				s.Client.Store.ClearDraft(args[0])
				return s.Client.SaveDrafts(s.draftsDir())
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "discard every draft")
	return cmd
}

func decideCmd() *cobra.Command {
	var flags draftFlags
	var noWait bool
	cmd := &cobra.Command{
		Use:   "decide <question-id>",
		Short: "Submit the draft for a question, then offer a short undo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, changed, err := flags.patch(cmd)
			if err != nil {
				return err
			}
			qid := args[0]
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				if _, err := s.Client.LoadDrafts(s.draftsDir()); err != nil {
					return err
				}
				if changed {
					s.Client.Store.SetDraft(qid, p)
				}
				dec, toast, err := s.Client.SubmitDecision(ctx, qid)
				if err != nil {
					// keep whatever was typed so the reviewer can fix it
					if saveErr := s.Client.SaveDrafts(s.draftsDir()); saveErr != nil {
						s.Log.Warn("drafts not saved", zap.Error(saveErr))
					}
					return err
				}
				if err := s.Client.SaveDrafts(s.draftsDir()); err != nil {
					s.Log.Warn("drafts not saved", zap.Error(err))
				}
				if viper.GetBool("json") {
					if err := printJSON(dec); err != nil {
						return err
					}
				}
				if toast == nil || noWait {
					return nil
				}
				return waitForUndo(ctx, s, toast)
			})
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return at once instead of offering undo")
	return cmd
}

// waitForUndo shows the countdown until the toast resolves. On a terminal a
// single u keypress undoes; any of q, d or enter dismisses.
func waitForUndo(ctx context.Context, s runEnv, toast *review.Toast) error {
	keys, restore := readKeys()
	defer restore()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	wipe := func() { fmt.Fprint(os.Stderr, "\r\033[K") }
	for {
		select {
		case <-ctx.Done():
			wipe()
			toast.Dismiss()
			return nil
		case <-toast.Done():
			wipe()
			return nil
		case k, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			switch k {
			case 'u', 'U':
				wipe()
				restore()
				return undo(ctx, s, toast)
			case 'q', 'Q', 'd', 'D', '\r', '\n':
				wipe()
				toast.Dismiss()
				return nil
			case 3: // ctrl-c arrives as a byte in raw mode
				wipe()
				toast.Dismiss()
				return context.Canceled
			}
		case <-tick.C:
			secs := int((toast.Remaining() + time.Second - 1) / time.Second)
			hint := fmt.Sprintf("%s: press u to undo (%ds)", toast.Request().Message, secs)
			if keys == nil {
				hint = fmt.Sprintf("%s: undo window closes in %ds", toast.Request().Message, secs)
			}
			fmt.Fprint(os.Stderr, "\r"+countdownStyle.Render(hint))
		}
	}
}

func undo(ctx context.Context, s runEnv, toast *review.Toast) error {
	err := toast.Undo(ctx)
	if err == nil || errors.Is(err, review.ErrUndoUnavailable) {
		return err
	}
	last, ok := s.Toasts.Last()
	if !ok || last.Action == nil || !term.IsTerminal(int(os.Stdin.Fd())) {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s? [y/N] ", last.Action.Label)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(line), "y") {
		return toast.RetryUndo(ctx)
	}
	return err
}

// readKeys switches the terminal to raw mode and streams keypresses. Off a
// terminal it returns a nil channel.
func readKeys() (<-chan byte, func()) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, func() {}
	}
	var once sync.Once
	restore := func() { once.Do(func() { _ = term.Restore(fd, state) }) }
	keys := make(chan byte, 8)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			if n == 1 {
				keys <- buf[0]
			}
		}
	}()
	return keys, restore
}

func decisionCmd() *cobra.Command {
	d := &cobra.Command{Use: "decision", Short: "Look at and follow up on decisions"}
	d.AddCommand(decisionShowCmd())
	d.AddCommand(decisionConstraintsCmd())
	d.AddCommand(decisionIncorporateCmd())
	return d
}

func decisionFor(ctx context.Context, s runEnv, questionID string) (domain.Decision, error) {
	res := s.Client.DecisionByQuestion(ctx, questionID)
	if res.Error != nil {
		return domain.Decision{}, res.Error
	}
	if res.Data == nil {
		return domain.Decision{}, fmt.Errorf("question %s has no decision yet", questionID)
	}
	return *res.Data, nil
}

func decisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <question-id>",
		Short: "Show the decision on a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				d, err := decisionFor(ctx, s, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func decisionConstraintsCmd() *cobra.Command {
	var constraints []string
	var note string
	cmd := &cobra.Command{
		Use:   "constraints <question-id>",
		Short: "Replace the constraints on a constrained approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := parseConstraints(constraints)
			if err != nil {
				return err
			}
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				d, err := decisionFor(ctx, s, args[0])
				if err != nil {
					return err
				}
				out, err := s.Client.UpdateConstraints(ctx, d, list, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringArrayVar(&constraints, "constraint", nil, "constraint as type or type:context (repeatable)")
	cmd.Flags().StringVar(&note, "context", "", "notes on the constraints")
	_ = cmd.MarkFlagRequired("constraint")
	return cmd
}

func decisionIncorporateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incorporate <question-id>",
		Short: "Mark the decision on a question as incorporated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSignedIn(cmd.Context(), func(ctx context.Context, s runEnv) error {
				d, err := decisionFor(ctx, s, args[0])
				if err != nil {
					return err
				}
				out, err := s.Client.MarkIncorporated(ctx, d)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}
