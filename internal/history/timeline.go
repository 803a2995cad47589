package history

import (
	"time"

	"netkeep/internal/models"
)

// DefaultTimelinePoints controls how many buckets Buckets produces.
const DefaultTimelinePoints = 60

// Spans splits [start, end) into contiguous per-status periods.
func (r *Recorder) Spans(start, end time.Time) []models.TimelineSpan {
	return BuildSpans(r.Transitions(), start, end)
}

// Buckets reduces [start, end) into points fixed-width buckets.
func (r *Recorder) Buckets(start, end time.Time, points int) []models.TimelinePoint {
	return BuildTimeline(r.Transitions(), start, end, points)
}

// BuildSpans converts ordered transitions into spans clipped to the window.
// Time before the first transition is not covered.
func BuildSpans(transitions []models.StateTransition, start, end time.Time) []models.TimelineSpan {
	if !end.After(start) {
		return nil
	}
	spans := make([]models.TimelineSpan, 0, len(transitions))
	for i, tr := range transitions {
		spanStart := tr.At
		spanEnd := end
		if i+1 < len(transitions) {
			spanEnd = transitions[i+1].At
		}
		if spanStart.Before(start) {
			spanStart = start
		}
		if spanEnd.After(end) {
			spanEnd = end
		}
		if !spanEnd.After(spanStart) {
			continue
		}
		spans = append(spans, models.TimelineSpan{Status: tr.To, Start: spanStart, End: spanEnd})
	}
	return spans
}

// BuildTimeline buckets the window and classifies each bucket by the worst
// status seen in it.
func BuildTimeline(transitions []models.StateTransition, start, end time.Time, points int) []models.TimelinePoint {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}
	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Minute
	}

	spans := BuildSpans(transitions, start, end)
	out := make([]models.TimelinePoint, 0, points)
	cursor := 0
	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		if i == points-1 {
			bucketEnd = end
		}

		point := models.TimelinePoint{Start: bucketStart, End: bucketEnd}
		worst := -1
		for cursor < len(spans) && !spans[cursor].End.After(bucketStart) {
			cursor++
		}
		for j := cursor; j < len(spans) && spans[j].Start.Before(bucketEnd); j++ {
			if rank := severity(spans[j].Status); rank > worst {
				worst = rank
				point.Status = spans[j].Status
			}
		}
		for _, tr := range transitions {
			if !tr.At.Before(bucketStart) && tr.At.Before(bucketEnd) {
				point.Transitions++
			}
		}
		point.ClassName, point.Label = classify(point.Status, worst >= 0)
		out = append(out, point)
	}
	return out
}

func severity(s models.ConnectionStatus) int {
	switch s {
	case models.Connected:
		return 0
	case models.Connecting, models.Reconnecting:
		return 1
	case models.Disconnected:
		return 2
	default:
		return 3
	}
}

func classify(s models.ConnectionStatus, seen bool) (className, label string) {
	if !seen {
		return "state-missing", "No data"
	}
	switch s {
	case models.Connected:
		return "state-success", "Connected"
	case models.Connecting, models.Reconnecting:
		return "state-warning", "Reconnecting"
	case models.Disconnected:
		return "state-error", "Disconnected"
	default:
		return "state-error", "Error"
	}
}
