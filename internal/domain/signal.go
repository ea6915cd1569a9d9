package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// EventType is the kind of inbound signal.
type EventType string

const (
	EventLongEntry  EventType = "LONG_ENTRY"
	EventShortEntry EventType = "SHORT_ENTRY"
	EventTP1        EventType = "TP1_HIT"
	EventTP2        EventType = "TP2_HIT"
	EventTP3        EventType = "TP3_HIT"
	EventTP4        EventType = "TP4_HIT"
	EventTP5        EventType = "TP5_HIT"
	EventStop       EventType = "STOP"
	EventTimeGuard  EventType = "TIME_GUARD"
	EventMaxBars    EventType = "MAX_BARS"
	EventSwingTP    EventType = "SWING_TP"
	EventDynTP      EventType = "DYN_TP"
	EventClose      EventType = "CLOSE"
)

// EventKind groups event types by the transition they drive.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindEntry
	KindPartialExit
	KindFullExit
)

type eventInfo struct {
	kind   EventKind
	tier   int
	reason ExitReason
	action string
}

var events = map[EventType]eventInfo{
	EventLongEntry:  {kind: KindEntry, action: "entry"},
	EventShortEntry: {kind: KindEntry, action: "entry"},
	EventTP1:        {kind: KindPartialExit, tier: 1, reason: ReasonTP1, action: "partial_exit"},
	EventTP2:        {kind: KindPartialExit, tier: 2, reason: ReasonTP2, action: "partial_exit"},
	EventTP3:        {kind: KindPartialExit, tier: 3, reason: ReasonTP3, action: "partial_exit"},
	EventTP4:        {kind: KindPartialExit, tier: 4, reason: ReasonTP4, action: "partial_exit"},
	EventTP5:        {kind: KindFullExit, tier: 5, reason: ReasonTP5, action: "tp5_exit"},
	EventStop:       {kind: KindFullExit, reason: ReasonStop, action: "stop_loss"},
	EventTimeGuard:  {kind: KindFullExit, reason: ReasonTimeGuard, action: "time_guard_exit"},
	EventMaxBars:    {kind: KindFullExit, reason: ReasonMaxBars, action: "max_bars_exit"},
	EventSwingTP:    {kind: KindFullExit, reason: ReasonSwingTP, action: "swing_tp_exit"},
	EventDynTP:      {kind: KindFullExit, reason: ReasonDynTP, action: "dyn_tp_exit"},
	EventClose:      {kind: KindFullExit, reason: ReasonOther, action: "close"},
}

// Kind classifies the event type.
func (e EventType) Kind() EventKind { return events[e].kind }

// Tier is the take-profit tier (1-5) of the event, or 0.
func (e EventType) Tier() int { return events[e].tier }

// Reason is the bucket an exit event credits.
func (e EventType) Reason() ExitReason { return events[e].reason }

// Action is the outcome action name reported for the event.
func (e EventType) Action() string { return events[e].action }

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool { return e.Kind() != KindUnknown }

// EntrySide is the side opened by an entry event.
func (e EventType) EntrySide() Side {
	if e == EventShortEntry {
		return SideShort
	}
	return SideLong
}

// Default position tags.
const (
	DefaultSLType        = "base"
	DefaultEntryStrategy = "sfp"
)

// ValidSLTypes enumerates the accepted stop-loss type tags.
var ValidSLTypes = map[string]bool{
	"base":             true,
	"swing":            true,
	"sfp":              true,
	"body":             true,
	"atr_trail":        true,
	"structure_trail":  true,
	"chandelier_trail": true,
}

// SignalOptions are the optional fields of a signal. Zero values mean absent.
type SignalOptions struct {
	Side           string
	Quantity       float64
	Leverage       int
	OrderType      string
	MarginMode     string
	TPLevels       map[string]TPLevel
	TPPercentages  map[string]float64
	SLPrice        *float64
	SLType         string
	EntryStrategy  string
	AccountProfile []string
}

// Signal is a validated inbound trading instruction.
type Signal struct {
	EventID    string
	Type       EventType
	Symbol     string
	StrategyID string
	Options    SignalOptions
	ReceivedAt time.Time
}

// Validate checks required fields. It does not check the passphrase or
// duplicate state; those belong to the intake gate.
func (s *Signal) Validate() error {
	if strings.TrimSpace(s.EventID) == "" {
		return fmt.Errorf("%w: missing event_id", ErrInvalidSignal)
	}
	if s.Type == "" {
		return fmt.Errorf("%w: missing event_type", ErrInvalidSignal)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidSignal, s.Type)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidSignal)
	}
	if strings.TrimSpace(s.StrategyID) == "" {
		return fmt.Errorf("%w: missing strategy_id", ErrInvalidSignal)
	}
	if s.Options.SLType != "" && !ValidSLTypes[s.Options.SLType] {
		return fmt.Errorf("%w: unknown sl_type %q", ErrInvalidSignal, s.Options.SLType)
	}
	if !finite(s.Options.Quantity) {
		return fmt.Errorf("%w: quantity must be finite", ErrInvalidSignal)
	}
	if s.Options.SLPrice != nil && (!finite(*s.Options.SLPrice) || *s.Options.SLPrice < 0) {
		return fmt.Errorf("%w: sl_price must be a finite non-negative number", ErrInvalidSignal)
	}
	for name, f := range s.Options.TPPercentages {
		if !finite(f) || f < 0 {
			return fmt.Errorf("%w: tp_percentages[%s] must be a finite non-negative fraction", ErrInvalidSignal, name)
		}
	}
	for name, lvl := range s.Options.TPLevels {
		// Written as negated ranges so NaN fails too.
		if !(lvl.Price > 0) || math.IsInf(lvl.Price, 0) || !(lvl.Percent > 0 && lvl.Percent <= 1) {
			return fmt.Errorf("%w: tp_levels[%s] needs price > 0 and 0 < percent <= 1", ErrInvalidSignal, name)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TPFraction returns the close fraction for tier from the signal's override
// map, falling back to def.
func (s *Signal) TPFraction(tier int, def float64) float64 {
	if f, ok := s.Options.TPPercentages[fmt.Sprintf("TP%d", tier)]; ok && f > 0 {
		return f
	}
	return def
}

// ProcessedEvent records a signal identifier already applied.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   EventType `json:"event_type"`
	Symbol      string    `json:"symbol"`
	StrategyID  string    `json:"strategy_id"`
	ProcessedAt time.Time `json:"processed_at"`
}
