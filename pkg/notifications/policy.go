package notifications

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// Group is a coarse preference toggle covering one or more categories.
type Group string

const (
	GroupSocial       Group = "social"
	GroupBroadcasts   Group = "broadcasts"
	GroupChallenges   Group = "challenges"
	GroupAchievements Group = "achievements"
	GroupSystem       Group = "system"
)

// Groups returns every preference group.
func Groups() []Group {
	return []Group{GroupSocial, GroupBroadcasts, GroupChallenges, GroupAchievements, GroupSystem}
}

func (g Group) Valid() bool {
	switch g {
	case GroupSocial, GroupBroadcasts, GroupChallenges, GroupAchievements, GroupSystem:
		return true
	}
	return false
}

// CategoryGroups maps each category to the preference group that gates it.
var CategoryGroups = map[Category]Group{
	CategoryReaction:          GroupSocial,
	CategoryComment:           GroupSocial,
	CategoryMention:           GroupSocial,
	CategoryFollow:            GroupSocial,
	CategoryBroadcastLive:     GroupBroadcasts,
	CategoryChallengeReminder: GroupChallenges,
	CategoryChallengeWon:      GroupChallenges,
	CategoryAchievement:       GroupAchievements,
	CategorySystem:            GroupSystem,
}

// Policy describes how one category is delivered. Title and Message build
// the summary record of a flushed batch.
type Policy struct {
	ShouldBatch  bool
	BatchWindow  time.Duration
	MaxBatchSize int
	Title        func(count int) string
	Message      func(items []Draft) string
}

// PolicyOverride changes the batching knobs of one category. Nil fields keep the default.
type PolicyOverride struct {
	ShouldBatch  *bool          `yaml:"batch"`
	BatchWindow  *time.Duration `yaml:"window"`
	MaxBatchSize *int           `yaml:"max_batch_size"`
}

type policyFile struct {
	Policies map[Category]PolicyOverride `yaml:"policies"`
}

// PolicyTable is the immutable per-category delivery configuration.
type PolicyTable struct {
	policies map[Category]Policy
}

var printer = message.NewPrinter(language.English)

// DefaultPolicies returns the built-in policy for every category.
func DefaultPolicies() map[Category]Policy {
	policies := make(map[Category]Policy, len(CategoryGroups))
	for _, c := range Categories() {
		policies[c] = Policy{}
	}

	policies[CategoryReaction] = Policy{
		ShouldBatch:  true,
		BatchWindow:  60 * time.Second,
		MaxBatchSize: 10,
		Title:        countTitle("person reacted to your post", "people reacted to your post"),
		Message:      latestAndMore,
	}
	policies[CategoryComment] = Policy{
		ShouldBatch:  true,
		BatchWindow:  120 * time.Second,
		MaxBatchSize: 5,
		Title:        countTitle("new comment on your post", "new comments on your post"),
		Message:      latestAndMore,
	}
	policies[CategoryFollow] = Policy{
		ShouldBatch:  true,
		BatchWindow:  300 * time.Second,
		MaxBatchSize: 20,
		Title:        countTitle("new follower", "new followers"),
		Message:      latestAndMore,
	}

	return policies
}

// DefaultPolicyTable returns the table built from DefaultPolicies.
func DefaultPolicyTable() *PolicyTable {
	t, err := NewPolicyTable(DefaultPolicies(), nil)
	if err != nil {
		panic(err)
	}
	return t
}

// NewPolicyTable validates policies, applies overrides and fills in summary
// builders for batching categories that lack them. Every category must have
// both a policy and a group.
func NewPolicyTable(policies map[Category]Policy, overrides map[Category]PolicyOverride) (*PolicyTable, error) {
	table := make(map[Category]Policy, len(policies))
	for c, p := range policies {
		if _, ok := CategoryGroups[c]; !ok {
			return nil, fmt.Errorf("%w: category %q has no group", ErrInvalidPolicy, c)
		}
		table[c] = p
	}
	for c := range CategoryGroups {
		if _, ok := table[c]; !ok {
			return nil, fmt.Errorf("%w: category %q has no policy", ErrInvalidPolicy, c)
		}
	}

	for c, o := range overrides {
		p, ok := table[c]
		if !ok {
			return nil, fmt.Errorf("%w: override for unknown category %q", ErrInvalidPolicy, c)
		}
		if o.ShouldBatch != nil {
			p.ShouldBatch = *o.ShouldBatch
		}
		if o.BatchWindow != nil {
			p.BatchWindow = *o.BatchWindow
		}
		if o.MaxBatchSize != nil {
			p.MaxBatchSize = *o.MaxBatchSize
		}
		table[c] = p
	}

	for c, p := range table {
		if !p.ShouldBatch {
			continue
		}
		if p.BatchWindow <= 0 {
			return nil, fmt.Errorf("%w: %s batch window must be positive", ErrInvalidPolicy, c)
		}
		if p.MaxBatchSize < 1 {
			return nil, fmt.Errorf("%w: %s max batch size must be at least 1", ErrInvalidPolicy, c)
		}
		if p.Title == nil {
			p.Title = countTitle("new "+string(c)+" notification", "new "+string(c)+" notifications")
		}
		if p.Message == nil {
			p.Message = latestAndMore
		}
		table[c] = p
	}

	return &PolicyTable{policies: table}, nil
}

// Policy returns the policy of c.
func (t *PolicyTable) Policy(c Category) (Policy, bool) {
	p, ok := t.policies[c]
	return p, ok
}

// LoadPolicyOverrides reads a YAML overrides file:
//
//	policies:
//	  reaction:
//	    window: 90s
//	    max_batch_size: 25
//	  mention:
//	    batch: true
//	    window: 30s
//	    max_batch_size: 5
func LoadPolicyOverrides(path string) (map[Category]PolicyOverride, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Join(ErrInvalidPolicy, err)
	}
	defer f.Close()
	return ParsePolicyOverrides(f)
}

// ParsePolicyOverrides decodes the overrides document from r.
func ParsePolicyOverrides(r io.Reader) (map[Category]PolicyOverride, error) {
	var doc policyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Join(ErrInvalidPolicy, err)
	}
	for c := range doc.Policies {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidPolicy, c)
		}
	}
	return doc.Policies, nil
}

func countTitle(one, many string) func(int) string {
	return func(n int) string {
		if n == 1 {
			return printer.Sprintf("%d %s", n, one)
		}
		return printer.Sprintf("%d %s", n, many)
	}
}

// latestAndMore shows the newest item's message followed by the number of
// other items.
func latestAndMore(items []Draft) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0].Message
	default:
		return printer.Sprintf("%s and %d more", items[len(items)-1].Message, len(items)-1)
	}
}
