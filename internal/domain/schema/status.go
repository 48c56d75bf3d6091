package schema

import "strings"

// Status is an order's position in the desk lifecycle.
type Status string

const (
	StatusPending           Status = "pending"
	StatusTaken             Status = "taken"
	StatusPartiallyExecuted Status = "partially_executed"
	StatusExecuted          Status = "executed"
	StatusUnderReview       Status = "under_review"
	StatusCancelled         Status = "cancelled"
)

// Statuses lists every defined status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusTaken,
	StatusPartiallyExecuted,
	StatusExecuted,
	StatusUnderReview,
	StatusCancelled,
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	for _, candidate := range Statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// ExecutedFamily reports whether s accepts execution data.
func (s Status) ExecutedFamily() bool {
	return s == StatusExecuted || s == StatusPartiallyExecuted
}

// ParseStatus accepts canonical names plus common spellings ("PartiallyExecuted", "under-review").
func ParseStatus(raw string) (Status, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	for _, candidate := range Statuses {
		if strings.ReplaceAll(string(candidate), "_", "") == key {
			return candidate, true
		}
	}
	if key == "canceled" {
		return StatusCancelled, true
	}
	return "", false
}

// Facet is one independently trackable unread dimension of an order.
type Facet string

const (
	FacetStatus      Facet = "status"
	FacetExecution   Facet = "execution"
	FacetObservation Facet = "observation"
)

// Valid reports whether f is a known facet.
func (f Facet) Valid() bool {
	return f == FacetStatus || f == FacetExecution || f == FacetObservation
}

// UnreadSummary is the denormalised unread state mirrored onto an order.
type UnreadSummary struct {
	OrderID      string   `json:"orderId,omitempty"`
	Count        int      `json:"count"`
	LastUpdate   Facet    `json:"lastUpdate,omitempty"`
	Status       bool     `json:"status"`
	Execution    bool     `json:"execution"`
	Observations []string `json:"observations,omitempty"`
}

// Empty reports whether nothing is unread.
func (u UnreadSummary) Empty() bool {
	return !u.Status && !u.Execution && len(u.Observations) == 0
}

// Clone returns a copy with its own observation slice.
func (u UnreadSummary) Clone() UnreadSummary {
	out := u
	if u.Observations != nil {
		out.Observations = append([]string(nil), u.Observations...)
	}
	return out
}
