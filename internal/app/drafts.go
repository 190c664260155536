package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"decisiondesk/internal/domain"
	"decisiondesk/internal/queue"
)

// Drafts only ever touch the local disk. They are never sent to a backend
// before the reviewer submits.

type draftRecord struct {
	QuestionID        string              `yaml:"question_id"`
	DecisionType      string              `yaml:"decision_type,omitempty"`
	Constraints       []domain.Constraint `yaml:"constraints,omitempty"`
	ConstraintContext string              `yaml:"constraint_context,omitempty"`
	Reasoning         string              `yaml:"reasoning,omitempty"`
}

func (c *Client) draftPath(dir string) string {
	user := "anonymous"
	if s, ok := c.Session.Cached(); ok && s.UserID != "" {
		user = s.UserID
	}
	return filepath.Join(dir, user+".yml")
}

// SaveDrafts writes every draft to dir. An empty store removes the file.
func (c *Client) SaveDrafts(dir string) error {
	drafts := c.Store.Snapshot().Drafts
	path := c.draftPath(dir)
	if len(drafts) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	records := make([]draftRecord, 0, len(drafts))
	for id, d := range drafts {
		records = append(records, draftRecord{
			QuestionID:        id,
			DecisionType:      d.DecisionType,
			Constraints:       d.Constraints,
			ConstraintContext: d.ConstraintContext,
			Reasoning:         d.Reasoning,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].QuestionID < records[j].QuestionID })
	data, err := yaml.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadDrafts merges drafts saved in dir into the store.
func (c *Client) LoadDrafts(dir string) (int, error) {
	data, err := os.ReadFile(c.draftPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var records []draftRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return 0, fmt.Errorf("drafts file: %w", err)
	}
	for _, r := range records {
		if r.QuestionID == "" {
			continue
		}
		r := r
		c.Store.SetDraft(r.QuestionID, queue.DraftPatch{
			DecisionType:      &r.DecisionType,
			Constraints:       &r.Constraints,
			ConstraintContext: &r.ConstraintContext,
			Reasoning:         &r.Reasoning,
		})
	}
	return len(records), nil
}

// DiscardDrafts deletes the saved drafts of the current user.
func (c *Client) DiscardDrafts(dir string) error {
	if err := os.Remove(c.draftPath(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
