// Package verify checks individual claims against a rate-limited
// verification worker. Each claim gets its own attempt chain with a
// staggered start and exponential backoff between failed attempts; at most
// one chain per claim is ever in flight.
package verify

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

type Status string

const (
	StatusPending        Status = "pending"
	StatusChecking       Status = "checking"
	StatusVerified       Status = "verified"
	StatusReliable       Status = "reliable"
	StatusUnreliable     Status = "unreliable"
	StatusUnableToVerify Status = "unable_to_verify"
)

// Settled reports whether s is an outcome rather than work in progress.
func (s Status) Settled() bool {
	switch s {
	case StatusVerified, StatusReliable, StatusUnreliable, StatusUnableToVerify:
		return true
	}
	return false
}

type Freshness string

const (
	FreshnessFresh Freshness = "fresh"
	FreshnessDated Freshness = "dated"
	FreshnessStale Freshness = "stale"
)

type Alignment string

const (
	AlignmentSupports           Alignment = "supports"
	AlignmentPotentialObjection Alignment = "potential_objection"
	AlignmentUndermines         Alignment = "undermines"
	AlignmentNeutral            Alignment = "neutral"
)

// Verification is the rendered state of one claim's check.
type Verification struct {
	Status          Status     `json:"status"`
	Confidence      int        `json:"confidence"`
	Summary         string     `json:"summary,omitempty"`
	Sources         []string   `json:"sources,omitempty"`
	Freshness       Freshness  `json:"freshness,omitempty"`
	FreshnessReason string     `json:"freshness_reason,omitempty"`
	DataDate        string     `json:"data_date,omitempty"`
	CheckedAt       *time.Time `json:"checked_at,omitempty"`
	Attempts        int        `json:"attempts"`
}

func (v *Verification) clone() *Verification {
	if v == nil {
		return nil
	}
	cp := *v
	if v.Sources != nil {
		cp.Sources = append([]string(nil), v.Sources...)
	}
	if v.CheckedAt != nil {
		t := *v.CheckedAt
		cp.CheckedAt = &t
	}
	return &cp
}

// Claim is a single statement extracted from a research result.
//
// Verification is owned by the Scheduler once the claim has been scheduled;
// read it through Scheduler.Snapshot or after Scheduler.Wait.
type Claim struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Text         string        `json:"text"`
	Edited       bool          `json:"edited,omitempty"`
	Approved     *bool         `json:"approved,omitempty"`
	Alignment    Alignment     `json:"alignment,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
}

// Edit replaces the claim's wording and marks it edited when anything
// actually changed.
func (c *Claim) Edit(title, text string) {
	if title == c.Title && text == c.Text {
		return
	}
	c.Title = title
	c.Text = text
	c.Edited = true
}

// SetApproval records the reviewer's decision. nil means undecided.
func (c *Claim) SetApproval(approved *bool) {
	if approved == nil {
		c.Approved = nil
		return
	}
	v := *approved
	c.Approved = &v
}

func (c *Claim) clone() Claim {
	cp := *c
	if c.Approved != nil {
		v := *c.Approved
		cp.Approved = &v
	}
	cp.Verification = c.Verification.clone()
	return cp
}

// Verdict is what a Worker reports for one claim.
type Verdict struct {
	Status          string   `json:"status"`
	Confidence      float64  `json:"confidence"`
	Summary         string   `json:"summary"`
	Sources         []string `json:"sources"`
	Freshness       string   `json:"freshness"`
	FreshnessReason string   `json:"freshness_reason"`
	DataDate        string   `json:"data_date,omitempty"`
}

// Worker checks one claim. Implementations talk to a rate-limited upstream.
type Worker interface {
	Verify(ctx context.Context, text, title string) (*Verdict, error)
}

type WorkerFunc func(ctx context.Context, text, title string) (*Verdict, error)

func (f WorkerFunc) Verify(ctx context.Context, text, title string) (*Verdict, error) {
	return f(ctx, text, title)
}

var (
	ErrInFlight  = errors.New("claim verification already in flight")
	ErrClosed    = errors.New("scheduler closed")
	ErrNoVerdict = errors.New("worker returned no verdict")
)

type claimIDKey struct{}

// ClaimID returns the ID of the claim an attempt context belongs to.
func ClaimID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(claimIDKey{}).(string)
	return id, ok
}

// normalize turns a worker verdict into a Verification, rounding and
// clamping confidence and mapping unknown labels.
func normalize(v *Verdict, attempts int, now time.Time) *Verification {
	out := &Verification{
		Status:          StatusUnableToVerify,
		Summary:         strings.TrimSpace(v.Summary),
		Freshness:       FreshnessDated,
		FreshnessReason: strings.TrimSpace(v.FreshnessReason),
		DataDate:        strings.TrimSpace(v.DataDate),
		CheckedAt:       &now,
		Attempts:        attempts,
	}
	switch s := Status(label(v.Status)); s {
	case StatusVerified, StatusReliable, StatusUnreliable, StatusUnableToVerify:
		out.Status = s
	}
	switch f := Freshness(label(v.Freshness)); f {
	case FreshnessFresh, FreshnessDated, FreshnessStale:
		out.Freshness = f
	}
	switch conf := math.Round(v.Confidence); {
	case math.IsNaN(conf) || conf < 0:
		out.Confidence = 0
	case conf > 100:
		out.Confidence = 100
	default:
		out.Confidence = int(conf)
	}
	for _, s := range v.Sources {
		if s = strings.TrimSpace(s); s != "" {
			out.Sources = append(out.Sources, s)
		}
	}
	return out
}

func label(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
