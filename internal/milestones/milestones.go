// Package milestones turns a visit history into badge progress.
package milestones

import (
	"fmt"
	"time"

	"attendance/pkg/models"
)

// Milestone is one rung of a badge ladder
type Milestone struct {
	Limit    int    `json:"limit"`
	Label    string `json:"label"`
	Image    string `json:"image"`
	Subtitle string `json:"subtitle"`
}

// Visits ladder, counted in visits
var Visits = []Milestone{
	{Limit: 1, Label: "Srednjoškolac", Image: "visits_1", Subtitle: "Ide u srednju školu."},
	{Limit: 5, Label: "Gaijin", Image: "visits_5", Subtitle: "Još uvek stranac."},
	{Limit: 10, Label: "Street Racer", Image: "visits_10", Subtitle: "Dobro poznaje miris afalta."},
	{Limit: 25, Label: "Challenger", Image: "visits_25", Subtitle: "Ulice ga poznaju."},
	{Limit: 50, Label: "Han", Image: "visits_50", Subtitle: "Ima svoju garažu."},
	{Limit: 100, Label: "D.K. (Legend)", Image: "visits_100", Subtitle: "Gospodar planine."},
}

// Time ladder, counted in whole hours
var Time = []Milestone{
	{Limit: 1, Label: "Prijatelj", Image: "time_1", Subtitle: "Zna gde je WC."},
	{Limit: 25, Label: "Odomaćio se", Image: "time_25", Subtitle: "Zove te cimerom."},
	{Limit: 50, Label: "Inventar", Image: "time_50", Subtitle: "Zna gde se sedi."},
	{Limit: 100, Label: "Drugi dom", Image: "time_100", Subtitle: "Ključ mu još fali."},
	{Limit: 200, Label: "Živi ovde", Image: "time_200", Subtitle: "Ako nestane - zovite policiju."},
	{Limit: 400, Label: "Gazda", Image: "time_400", Subtitle: "Plaća porez na imovinu."},
}

// Stats aggregates a user's history for one event
type Stats struct {
	TotalVisits int `json:"total_visits"`
	TotalHours  int `json:"total_hours"`
}

// Badge is the position of a value on a ladder
type Badge struct {
	Current  Milestone `json:"current"`
	Next     Milestone `json:"next"`
	Progress float64   `json:"progress"`
	Unlocked bool      `json:"unlocked"`
}

// Compute aggregates history for event. models.GlobalEvent selects everything.
// Open sessions count as visits but add no time.
func Compute(history []models.HistoryItem, event string) Stats {
	var stats Stats
	var total time.Duration

	for _, item := range history {
		if event != models.GlobalEvent && item.Event != event {
			continue
		}
		stats.TotalVisits++

		if item.Checkout == nil {
			continue
		}
		in, err1 := parseTime(item.Checkin)
		out, err2 := parseTime(*item.Checkout)
		if err1 != nil || err2 != nil {
			continue
		}
		total += out.Sub(in)
	}

	stats.TotalHours = int(total / time.Hour)
	return stats
}

// Progress locates value on ladder. Below the first rung the first rung is
// reported as current and Unlocked is false.
func Progress(value int, ladder []Milestone) Badge {
	if len(ladder) == 0 {
		return Badge{}
	}

	current := ladder[0]
	next := ladder[0]
	if len(ladder) > 1 {
		next = ladder[1]
	}

	for i, m := range ladder {
		if value >= m.Limit {
			current = m
			next = m
			if i+1 < len(ladder) {
				next = ladder[i+1]
			}
		}
	}

	progress := 1.0
	if next.Limit > 0 {
		progress = float64(value) / float64(next.Limit)
	}
	if progress > 1 {
		progress = 1
	}

	return Badge{
		Current:  current,
		Next:     next,
		Progress: progress,
		Unlocked: value >= ladder[0].Limit,
	}
}

// FormatDuration renders the length of a visit
func FormatDuration(checkin string, checkout *string) string {
	if checkout == nil {
		return "Active Session"
	}

	in, err := parseTime(checkin)
	if err != nil {
		return "--:--:--"
	}
	out, err := parseTime(*checkout)
	if err != nil {
		return "--:--:--"
	}

	diff := out.Sub(in)
	if diff < 0 {
		return "0s"
	}

	secs := int(diff / time.Second)
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}

// FormatTimestamp renders a timestamp as dd.mm.yyyy hh:mm:ss in loc
func FormatTimestamp(value *string, loc *time.Location) string {
	if value == nil {
		return "--:--:--"
	}
	t, err := parseTime(*value)
	if err != nil {
		return "--:--:--"
	}
	return t.In(loc).Format("02.01.2006 15:04:05")
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
