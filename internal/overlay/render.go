package overlay

import (
	"fmt"
	"strings"
	"time"

	"decoderd/internal/config"
	"decoderd/pkg/types"
)

// ASS \an anchor tags per corner.
var positionTags = map[string]string{
	"bottom-left":  `\an1`,
	"bottom-right": `\an3`,
	"top-left":     `\an7`,
	"top-right":    `\an9`,
}

// RenderMessage builds ASS markup for a free-form operator message shown in
// its own overlay slot.
func RenderMessage(text string, cfg config.OverlayConfig) string {
	posTag, ok := positionTags[cfg.Position]
	if !ok {
		posTag = `\an3`
	}
	return fmt.Sprintf(`{%s\fs%d\1c&HFFFFFF&\3c&H000000&\bord2}%s`,
		posTag, cfg.FontSizeTitle, text)
}

// FormatCountdown renders a second count as H:MM:SS, or MM:SS under one
// hour, with a leading minus when negative.
func FormatCountdown(totalSeconds float64) string {
	sign := ""
	if totalSeconds < 0 {
		sign = "-"
		totalSeconds = -totalSeconds
	}
	s := int(totalSeconds)
	h := s / 3600
	m := (s % 3600) / 60
	sec := s % 60
	if h > 0 {
		return fmt.Sprintf("%s%d:%02d:%02d", sign, h, m, sec)
	}
	return fmt.Sprintf("%s%02d:%02d", sign, m, sec)
}

// assAlpha converts 0.0-1.0 transparency to an ASS alpha component.
// Transparency 1.0 is fully opaque (alpha 00), 0.0 invisible (alpha FF).
func assAlpha(transparency float64) string {
	b := int((1.0 - transparency) * 255)
	if b < 0 {
		b = 0
	} else if b > 255 {
		b = 255
	}
	return fmt.Sprintf("&H%02X", b)
}

// formatScheduleStatus renders the slip line against the planned end:
// "Ends on time at HH:MM", "Ends Xm behind at HH:MM", "Ends Xm ahead at
// HH:MM", or OVERTIME once nothing remains.
func formatScheduleStatus(remaining float64, plannedEnd *time.Time, now time.Time, loc *time.Location) string {
	if remaining <= 0 {
		return "OVERTIME"
	}
	projected := now.Add(time.Duration(remaining * float64(time.Second)))
	endStr := projected.In(loc).Format("15:04")
	if plannedEnd == nil {
		return fmt.Sprintf("Ends at %s", endStr)
	}
	slip := projected.Sub(*plannedEnd).Seconds()
	slipMin := int(slip / 60)
	if slipMin < 0 {
		slipMin = -slipMin
	}
	switch {
	case slip > -60 && slip < 60:
		return fmt.Sprintf("Ends on time at %s", endStr)
	case slip > 0:
		return fmt.Sprintf("Ends %dm behind at %s", slipMin, endStr)
	default:
		return fmt.Sprintf("Ends %dm ahead at %s", slipMin, endStr)
	}
}

// Render builds the ASS events string for a live snapshot. Pure: all time
// comes from now, all styling from cfg.
func Render(status types.LiveStatus, cfg config.OverlayConfig, now time.Time) string {
	posTag, ok := positionTags[cfg.Position]
	if !ok {
		posTag = `\an3`
	}
	fs := cfg.FontSize
	fsTitle := cfg.FontSizeTitle
	fsInfo := cfg.FontSizeInfo
	bgAlpha := assAlpha(cfg.Transparency)

	if !status.IsLive {
		msg := status.Message
		if msg == "" {
			msg = "Waiting..."
		}
		var b strings.Builder
		fmt.Fprintf(&b, `{%s\fs%d\1c&HFFFFFF&\3c&H000000&\bord2}%s`, posTag, fsTitle, msg)
		if status.PlanTitle != "" {
			fmt.Fprintf(&b, `\N{\fs%d}%s`, fsInfo, status.PlanTitle)
		}
		return b.String()
	}

	if status.Finished {
		overtime := "FINISHED"
		if status.ServiceEndTime != nil {
			if delta := now.Sub(*status.ServiceEndTime).Seconds(); delta > 0 {
				overtime = "-" + FormatCountdown(delta)
			}
		}
		return fmt.Sprintf(
			`{%s\fs%d\b1\1c&H0000FF&\3c&H000000&\4c&H000000&\4a%s\bord3\shad0}%s`+
				`\N{\fs%d\b0}%s\N{\fs%d}OVERTIME`,
			posTag, fs, bgAlpha, overtime, fsTitle, status.PlanTitle, fsInfo)
	}

	var remaining float64
	var countdown, label string
	switch {
	case cfg.TimerMode == "item" && status.ItemEndTime != nil:
		remaining = status.ItemEndTime.Sub(now).Seconds()
		countdown = FormatCountdown(remaining)
		label = status.ItemTitle
		if label == "" {
			label = "Current Item"
		}
	case status.ItemEndTime != nil:
		// Service countdown recomputed every second between remote polls.
		itemRemaining := status.ItemEndTime.Sub(now).Seconds()
		switch {
		case itemRemaining >= 0:
			remaining = itemRemaining + status.RemainingItemsLength
		case status.RemainingItemsLength > 0:
			// Item overran with more items after it: freeze at the later
			// items' total so "Ends HH:MM" extends as now advances.
			remaining = status.RemainingItemsLength
		default:
			remaining = itemRemaining
		}
		countdown = FormatCountdown(remaining)
		label = status.PlanTitle
		if label == "" {
			label = "Service"
		}
	default:
		countdown = "--:--"
		label = status.PlanTitle
		if label == "" {
			label = "Service"
		}
	}

	color := `\1c&HFFFFFF&`
	if remaining < 0 {
		color = `\1c&H0000FF&` // red in BGR
	}

	var b strings.Builder
	fmt.Fprintf(&b, `{%s\fs%d\b1%s\3c&H000000&\4c&H000000&\4a%s\bord3\shad0}%s`,
		posTag, fs, color, bgAlpha, countdown)
	fmt.Fprintf(&b, `\N{\fs%d\b0}%s`, fsTitle, label)

	if cfg.ShowDescription && cfg.TimerMode == "item" && status.ItemDescription != "" {
		desc := status.ItemDescription
		if len(desc) > 50 {
			desc = desc[:50]
		}
		fmt.Fprintf(&b, `\N{\fs%d}%s`, fsInfo, desc)
	}

	if cfg.ShowServiceEnd && status.ItemEndTime != nil {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err == nil {
			svcRemaining := remaining
			if cfg.TimerMode == "item" {
				itemRemaining := status.ItemEndTime.Sub(now).Seconds()
				if itemRemaining < 0 {
					itemRemaining = 0
				}
				svcRemaining = itemRemaining + status.RemainingItemsLength
			}
			fmt.Fprintf(&b, `\N{\fs%d}%s`, fsInfo,
				formatScheduleStatus(svcRemaining, status.PlannedServiceEnd, now, loc))
		}
	}
	return b.String()
}
