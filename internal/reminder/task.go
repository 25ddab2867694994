// Package reminder turns today's task records into timed reminders and runs
// the call-like overlay a reminder rings through.
package reminder

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Task is a normalized reminder.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	DreamLabel    string    `json:"dreamLabel,omitempty"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	Priority      string    `json:"priority,omitempty"`
	Category      string    `json:"category,omitempty"`
	DurationLabel string    `json:"durationLabel,omitempty"`
}

// Field aliases seen across backend versions, most preferred first.
var (
	idKeys       = []string{"id", "_id", "taskId"}
	titleKeys    = []string{"title", "name", "task_name"}
	dreamKeys    = []string{"dream", "dreamTitle", "dream_label"}
	dateKeys     = []string{"date", "scheduledDate", "day"}
	timeKeys     = []string{"startTime", "start_time", "time", "scheduledTime"}
	priorityKeys = []string{"priority"}
	categoryKeys = []string{"category", "type"}
	durationKeys = []string{"duration", "durationLabel", "estimated_duration"}
)

func first(v gjson.Result, keys []string) string {
	for _, k := range keys {
		if r := v.Get(gjson.Escape(k)); r.Exists() && r.Type != gjson.Null {
			if s := strings.TrimSpace(r.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// dreamLabel accepts either a plain label or a nested {title} object.
func dreamLabel(v gjson.Result) string {
	for _, k := range dreamKeys {
		r := v.Get(gjson.Escape(k))
		if r.IsObject() {
			if t := strings.TrimSpace(r.Get("title").String()); t != "" {
				return t
			}
			continue
		}
		if s := strings.TrimSpace(r.String()); s != "" {
			return s
		}
	}
	return ""
}

// Normalize parses a task listing. The body may be a bare array or an object
// wrapping one under "tasks" or "data". Records without an id or a parseable
// fire time are skipped and counted.
func Normalize(raw []byte, loc *time.Location) (tasks []Task, skipped int) {
	root := gjson.ParseBytes(raw)
	list := root
	if !root.IsArray() {
		list = root.Get("tasks")
		if !list.IsArray() {
			list = root.Get("data")
		}
	}
	if !list.IsArray() {
		return nil, 0
	}

	list.ForEach(func(_, v gjson.Result) bool {
		id := first(v, idKeys)
		at, ok := ParseFireTime(first(v, dateKeys), first(v, timeKeys), loc)
		if id == "" || !ok {
			skipped++
			return true
		}
		tasks = append(tasks, Task{
			ID:            id,
			Title:         first(v, titleKeys),
			DreamLabel:    dreamLabel(v),
			ScheduledAt:   at,
			Priority:      first(v, priorityKeys),
			Category:      first(v, categoryKeys),
			DurationLabel: first(v, durationKeys),
		})
		return true
	})
	return tasks, skipped
}
