package slots

import (
	"fmt"
	"strings"
	"time"

	"BotProxy/internal/session"
)

const (
	City    = "city"
	Checkin = "checkin"
	Nights  = "nights"
	Guests  = "guests"
)

// Required lists the slots a search needs, in the order they are asked for.
var Required = []string{City, Checkin, Nights, Guests}

var labels = map[string]string{
	City:    "город",
	Checkin: "дата заезда",
	Nights:  "количество ночей",
	Guests:  "количество гостей",
}

// Extractor recognizes one slot in free text. Values are returned normalized.
type Extractor interface {
	Slot() string
	Extract(text string, now time.Time) (string, bool)
}

// Result is the outcome of one collection pass.
type Result struct {
	Slots     session.SlotSet
	Complete  bool
	Collected []string
	Missing   []string
	// Reply is the clarification returned to the user when incomplete.
	Reply string
	// Message is the user text plus the slot summary when complete.
	Message string
}

// Collector accumulates booking slots across the messages of a dialog.
type Collector struct {
	extractors []Extractor
	now        func() time.Time
}

// NewCollector returns a collector using the given extractors, or the defaults when none are given.
func NewCollector(extractors ...Extractor) *Collector {
	if len(extractors) == 0 {
		extractors = DefaultExtractors()
	}
	return &Collector{extractors: extractors, now: time.Now}
}

// Collect fills missing slots from text. Slots already present are never overwritten.
// When every required slot is known the returned Slots is empty and Message carries the summary.
func (c *Collector) Collect(current session.SlotSet, text string) Result {
	slots := current.Clone()
	now := c.now()
	for _, ex := range c.extractors {
		name := ex.Slot()
		if slots.Has(name) {
			continue
		}
		if v, ok := ex.Extract(text, now); ok {
			slots[name] = v
		}
	}

	var res Result
	for _, name := range Required {
		if slots.Has(name) {
			res.Collected = append(res.Collected, name)
		} else {
			res.Missing = append(res.Missing, name)
		}
	}

	if len(res.Missing) > 0 {
		res.Slots = slots
		res.Reply = clarification(slots, res.Collected, res.Missing)
		return res
	}

	res.Complete = true
	res.Message = strings.TrimSpace(text) + "\n\n" + Summary(slots)
	res.Slots = session.SlotSet{}
	return res
}

// Summary renders the required slots as the structured block appended to the user message.
func Summary(slots session.SlotSet) string {
	var b strings.Builder
	b.WriteString("Параметры поиска:")
	for _, name := range Required {
		fmt.Fprintf(&b, "\n%s: %s", name, slots[name])
	}
	return b.String()
}

func clarification(slots session.SlotSet, collected, missing []string) string {
	var b strings.Builder
	if len(collected) > 0 {
		parts := make([]string, 0, len(collected))
		for _, name := range collected {
			parts = append(parts, labels[name]+": "+slots[name])
		}
		b.WriteString("Уже знаю: ")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(". ")
	}
	b.WriteString("Чтобы подобрать варианты, уточните, пожалуйста: ")
	names := make([]string, 0, len(missing))
	for _, name := range missing {
		names = append(names, labels[name])
	}
	b.WriteString(strings.Join(names, ", "))
	b.WriteString(".")
	return b.String()
}
