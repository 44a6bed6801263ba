package report

import (
	"time"
)

// Cumulative thresholds, checked after each saved run. Badges are keyed by
// name in the runstore so an unlock happens at most once.
var taskBadges = []struct {
	Tasks int
	Badge string
}{
	{1, "first-task"},
	{10, "ten-tasks"},
	{50, "fifty-tasks"},
	{100, "hundred-tasks"},
	{500, "five-hundred-tasks"},
	{1000, "thousand-tasks"},
}

var focusBadges = []struct {
	Focus time.Duration
	Badge string
}{
	{time.Hour, "focus-1h"},
	{8 * time.Hour, "focus-8h"},
	{40 * time.Hour, "focus-40h"},
	{100 * time.Hour, "focus-100h"},
}

// unlockAchievements compares lifetime totals against the thresholds and
// returns the badges newly unlocked by this run.
func (r *Reporter) unlockAchievements() ([]string, error) {
	totalTasks, err := r.store.TotalCompletedTasks()
	if err != nil {
		return nil, err
	}
	totalFocus, err := r.store.TotalFocusTime()
	if err != nil {
		return nil, err
	}

	var unlocked []string
	for _, b := range taskBadges {
		if totalTasks >= b.Tasks {
			fresh, err := r.store.UnlockAchievement(b.Badge)
			if err != nil {
				return unlocked, err
			}
			if fresh {
				unlocked = append(unlocked, b.Badge)
			}
		}
	}
	for _, b := range focusBadges {
		if totalFocus >= b.Focus {
			fresh, err := r.store.UnlockAchievement(b.Badge)
			if err != nil {
				return unlocked, err
			}
			if fresh {
				unlocked = append(unlocked, b.Badge)
			}
		}
	}
	return unlocked, nil
}
