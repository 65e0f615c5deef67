package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupInsertsSeparatorPerDay(t *testing.T) {
	loc := time.UTC
	day1 := time.Date(2025, 3, 10, 23, 59, 0, 0, loc)
	day2 := time.Date(2025, 3, 11, 0, 1, 0, 0, loc)

	items := Group([]Message{
		{ID: "a", CreatedAt: day1.Add(-time.Hour)},
		{ID: "b", CreatedAt: day1},
		{ID: "c", CreatedAt: day2},
	}, loc)

	require.Len(t, items, 5)
	assert.Equal(t, ItemDate, items[0].Kind)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, loc), items[0].Day)
	assert.Equal(t, "a", items[1].Message.ID)
	assert.Equal(t, "b", items[2].Message.ID)
	assert.Equal(t, ItemDate, items[3].Kind)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, loc), items[3].Day)
	assert.Equal(t, "c", items[4].Message.ID)
}

func TestGroupUsesViewerCalendar(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 10:00 and 16:00 UTC share a UTC day but not a Tokyo day.
	items := Group([]Message{
		{ID: "a", CreatedAt: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)},
		{ID: "b", CreatedAt: time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)},
	}, tokyo)
	assert.Len(t, items, 4)
}

func TestGroupEmpty(t *testing.T) {
	assert.Empty(t, Group(nil, time.UTC))
}

func TestDayLabel(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 3, 11, 9, 0, 0, 0, loc)

	assert.Equal(t, "Today", DayLabel(time.Date(2025, 3, 11, 0, 0, 0, 0, loc), now, loc))
	assert.Equal(t, "Yesterday", DayLabel(time.Date(2025, 3, 10, 23, 0, 0, 0, loc), now, loc))
	assert.Equal(t, "09/03/2025", DayLabel(time.Date(2025, 3, 9, 12, 0, 0, 0, loc), now, loc))

	// A view left open across midnight relabels without regrouping.
	assert.Equal(t, "Yesterday", DayLabel(time.Date(2025, 3, 11, 0, 0, 0, 0, loc), now.Add(24*time.Hour), loc))
}
