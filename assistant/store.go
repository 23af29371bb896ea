package assistant

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// CompletionDateLayout is the layout used to render the date a suggestion
// was completed.
const CompletionDateLayout = "January 02, 2006"

const (
	CategoryFood Category = iota + 1
	CategoryHangout
)

var (
	ErrInvalidCategory = errors.New("invalid category")
	ErrEmptySet        = errors.New("no suggestions to pick from")
	ErrNotSuggested    = errors.New("not suggested")
)

var categoryLabels = map[Category]string{
	CategoryFood:    "food",
	CategoryHangout: "hangout",
}

// Category groups suggestions. The set is closed: a label only resolves
// if it matches one of the members exactly.
type Category int

func (c Category) String() string {
	if label, ok := categoryLabels[c]; ok {
		return label
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

func (c Category) valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Categories returns every known Category, in declaration order.
func Categories() []Category {
	return []Category{CategoryFood, CategoryHangout}
}

// CategoryLabels returns the labels of every known Category, in
// declaration order.
func CategoryLabels() []string {
	cats := Categories()
	labels := make([]string, len(cats))
	for i, c := range cats {
		labels[i] = c.String()
	}
	return labels
}

// ParseCategory resolves a user-supplied label to a Category.
func ParseCategory(label string) (Category, error) {
	for _, c := range Categories() {
		if c.String() == label {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCategory, label)
}

// CompletionRecord is a permanent entry in a category's history.
type CompletionRecord struct {
	Name string `json:"name"`
	Date string `json:"date"`
}

func newCompletionRecord(name string, completedAt time.Time) CompletionRecord {
	return CompletionRecord{Name: name, Date: completedAt.Format(CompletionDateLayout)}
}

func (r CompletionRecord) String() string {
	return r.Name + " - " + r.Date
}

func (r CompletionRecord) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", r.Name),
		slog.String("date", r.Date),
	)
}

// suggestionSet is a set of names which iterates in insertion order.
type suggestionSet struct {
	index map[string]int
	names []string
}

func (s *suggestionSet) contains(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *suggestionSet) add(name string) {
	if s.contains(name) {
		return
	}
	if s.index == nil {
		s.index = map[string]int{}
	}
	s.index[name] = len(s.names)
	s.names = append(s.names, name)
}

func (s *suggestionSet) remove(name string) {
	pos, ok := s.index[name]
	if !ok {
		return
	}
	s.names = append(s.names[:pos], s.names[pos+1:]...)
	delete(s.index, name)
	for i := pos; i < len(s.names); i++ {
		s.index[s.names[i]] = i
	}
}

func (s *suggestionSet) clear() {
	s.index = map[string]int{}
	s.names = nil
}

func (s *suggestionSet) len() int {
	return len(s.names)
}

func (s *suggestionSet) list() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// SuggestionStore holds the active suggestions and the completion history
// for every Category. It is purely in-memory, and does no locking of its
// own: callers must serialize access.
type SuggestionStore struct {
	active  map[Category]*suggestionSet
	history map[Category][]CompletionRecord

	// intN returns a value in [0, n). Replaced in tests.
	intN func(n int) int
}

// NewSuggestionStore returns an empty SuggestionStore.
func NewSuggestionStore() *SuggestionStore {
	s := &SuggestionStore{
		active:  make(map[Category]*suggestionSet, len(categoryLabels)),
		history: make(map[Category][]CompletionRecord, len(categoryLabels)),
		intN:    rand.IntN,
	}
	for _, c := range Categories() {
		s.active[c] = &suggestionSet{index: map[string]int{}}
	}
	return s
}

func (s *SuggestionStore) activeSet(c Category) (*suggestionSet, error) {
	if !c.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, c)
	}
	set, ok := s.active[c]
	if !ok {
		set = &suggestionSet{index: map[string]int{}}
		s.active[c] = set
	}
	return set, nil
}

// Add inserts name into the active suggestions for the category. Adding
// a name which is already active is a no-op.
func (s *SuggestionStore) Add(c Category, name string) error {
	set, err := s.activeSet(c)
	if err != nil {
		return err
	}
	set.add(name)
	return nil
}

// Remove deletes name from the active suggestions for the category, if
// present.
func (s *SuggestionStore) Remove(c Category, name string) error {
	set, err := s.activeSet(c)
	if err != nil {
		return err
	}
	set.remove(name)
	return nil
}

// Clear removes every active suggestion for the category. History is
// left alone.
func (s *SuggestionStore) Clear(c Category) error {
	set, err := s.activeSet(c)
	if err != nil {
		return err
	}
	set.clear()
	return nil
}

// PickRandom returns a uniformly random active suggestion for the
// category, or ErrEmptySet if there are none.
func (s *SuggestionStore) PickRandom(c Category) (string, error) {
	set, err := s.activeSet(c)
	if err != nil {
		return "", err
	}
	if set.len() == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptySet, c)
	}
	return set.names[s.intN(set.len())], nil
}

// Complete marks an active suggestion as done: it's removed from the
// active suggestions and a CompletionRecord dated completedAt is put at
// the front of the category's history. If name isn't currently active,
// ErrNotSuggested is returned and nothing changes.
func (s *SuggestionStore) Complete(
	c Category,
	name string,
	completedAt time.Time,
) (CompletionRecord, error) {
	set, err := s.activeSet(c)
	if err != nil {
		return CompletionRecord{}, err
	}
	if !set.contains(name) {
		return CompletionRecord{}, fmt.Errorf("%w: %q", ErrNotSuggested, name)
	}

	rec := newCompletionRecord(name, completedAt)
	set.remove(name)

	h := s.history[c]
	updated := make([]CompletionRecord, 0, len(h)+1)
	updated = append(updated, rec)
	s.history[c] = append(updated, h...)
	return rec, nil
}

// History returns up to limit of the most recent completions for the
// category, newest first.
func (s *SuggestionStore) History(c Category, limit int) ([]CompletionRecord, error) {
	if !c.valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, c)
	}
	if limit <= 0 {
		return []CompletionRecord{}, nil
	}
	h := s.history[c]
	if limit > len(h) {
		limit = len(h)
	}
	out := make([]CompletionRecord, limit)
	copy(out, h[:limit])
	return out, nil
}

// Active returns the active suggestions for the category, in the order
// they were suggested.
func (s *SuggestionStore) Active(c Category) ([]string, error) {
	set, err := s.activeSet(c)
	if err != nil {
		return nil, err
	}
	return set.list(), nil
}
