package chat

import "time"

type ItemKind int

const (
	ItemDate ItemKind = iota
	ItemMessage
)

// Item is one row of the rendered timeline: a day separator or a message.
type Item struct {
	Kind    ItemKind
	Day     time.Time // midnight in the grouping location, set for ItemDate
	Message Message   // set for ItemMessage
}

// Group inserts a day separator before the first message of each calendar day in loc.
// Each message is compared with the previous one, never with a cached "today".
func Group(timeline []Message, loc *time.Location) []Item {
	if loc == nil {
		loc = time.Local
	}
	items := make([]Item, 0, len(timeline)+4)
	var prev time.Time
	for i, m := range timeline {
		day := startOfDay(m.CreatedAt, loc)
		if i == 0 || !day.Equal(prev) {
			items = append(items, Item{Kind: ItemDate, Day: day})
			prev = day
		}
		items = append(items, Item{Kind: ItemMessage, Message: m})
	}
	return items
}

// DayLabel renders a separator: "Today", "Yesterday", else dd/mm/yyyy.
func DayLabel(day, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	d := startOfDay(day, loc)
	today := startOfDay(now, loc)
	switch {
	case d.Equal(today):
		return "Today"
	case d.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return d.Format("02/01/2006")
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
