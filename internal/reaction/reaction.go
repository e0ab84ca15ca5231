// Package reaction maintains per-message emoji reaction state.
package reaction

import "errors"

// Outcome describes how Apply changed the aggregate.
type Outcome string

const (
	OutcomeAdded   Outcome = "added"
	OutcomeRemoved Outcome = "removed"
	OutcomeChanged Outcome = "changed"
)

var ErrEmojiNotAllowed = errors.New("emoji not allowed")

var allowedEmoji = map[string]struct{}{
	"👍": {},
	"❤️": {},
	"😂": {},
	"😮": {},
	"😢": {},
	"👏": {},
	"🎉": {},
}

// IsAllowed reports whether the emoji belongs to the fixed reaction palette.
func IsAllowed(emoji string) bool {
	_, ok := allowedEmoji[emoji]
	return ok
}

// Aggregate holds the reaction state of one message: which emoji each user
// reacted with, the derived per-emoji counts, and the derived total.
// Counts and Total always follow from ByUser; a count of zero is expressed
// by absence of the key.
type Aggregate struct {
	ByUser map[string]string
	Counts map[string]int
	Total  int
}

func New() *Aggregate {
	return &Aggregate{
		ByUser: make(map[string]string),
		Counts: make(map[string]int),
	}
}

// Set records a persisted reaction row without toggle semantics. Used when
// rebuilding the aggregate from storage.
func (a *Aggregate) Set(userID, emoji string) {
	if previous, ok := a.ByUser[userID]; ok {
		a.decrement(previous)
	}
	a.ByUser[userID] = emoji
	a.increment(emoji)
}

// Apply transitions the aggregate for one user pressing one emoji:
// no reaction -> reaction adds it, same emoji removes it, different emoji
// replaces it.
func (a *Aggregate) Apply(userID, emoji string) (Outcome, error) {
	if !IsAllowed(emoji) {
		return "", ErrEmojiNotAllowed
	}

	previous, reacted := a.ByUser[userID]
	if !reacted {
		a.ByUser[userID] = emoji
		a.increment(emoji)
		return OutcomeAdded, nil
	}
	if previous == emoji {
		delete(a.ByUser, userID)
		a.decrement(emoji)
		return OutcomeRemoved, nil
	}
	a.ByUser[userID] = emoji
	a.decrement(previous)
	a.increment(emoji)
	return OutcomeChanged, nil
}

func (a *Aggregate) increment(emoji string) {
	a.Counts[emoji]++
	a.Total++
}

func (a *Aggregate) decrement(emoji string) {
	a.Counts[emoji]--
	a.Total--
	if a.Counts[emoji] <= 0 {
		delete(a.Counts, emoji)
	}
}
