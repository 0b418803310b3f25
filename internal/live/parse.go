package live

import (
	"encoding/json"
	"fmt"
	"time"

	"decoderd/pkg/types"
)

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

// extractServiceTimes returns (start, end) of the first PlanTime with
// time_type "service". Either may be nil.
func extractServiceTimes(planTimes []apiResource) (*time.Time, *time.Time) {
	for _, pt := range planTimes {
		if pt.Attributes.TimeType != "service" {
			continue
		}
		start := parseTime(pt.Attributes.StartsAt)
		if start == nil {
			continue
		}
		return start, parseTime(pt.Attributes.EndsAt)
	}
	return nil, nil
}

// planTimesFor filters planTimes to those referenced by the plan's
// plan_times relationship.
func planTimesFor(plan apiResource, planTimes []apiResource) []apiResource {
	refs := plan.Relationships["plan_times"].refs()
	if len(refs) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(refs))
	for _, r := range refs {
		wanted[r.ID] = true
	}
	var out []apiResource
	for _, pt := range planTimes {
		if wanted[pt.ID] {
			out = append(out, pt)
		}
	}
	return out
}

// duringItems filters the included resources down to non-header items with
// service_position "during". Pre/post-service items never count toward
// remaining time.
func duringItems(included []apiResource) []apiResource {
	var out []apiResource
	for _, o := range included {
		if o.Type != "Item" {
			continue
		}
		if o.Attributes.ItemType == "header" {
			continue
		}
		if o.Attributes.ServicePosition != "during" {
			continue
		}
		out = append(out, o)
	}
	return out
}

func sumLengths(items []apiResource) float64 {
	var total float64
	for _, it := range items {
		total += it.Attributes.Length
	}
	return total
}

func findResource(included []apiResource, typ, id string) *apiResource {
	for i := range included {
		if included[i].Type == typ && included[i].ID == id {
			return &included[i]
		}
	}
	return nil
}

// parseLive turns a plan's live document into a LiveStatus. seenActive is the
// caller's one-way latch: "finished" may only be reported once a
// during-service item was observed live at some point. The returned bool is
// the updated latch value. A document whose data member is not a resource
// object is a parse error, not a session state.
func parseLive(doc *apiDocument, serviceStart, plannedEnd *time.Time, seenActive bool, now time.Time) (types.LiveStatus, bool, error) {
	var data apiResource
	if err := json.Unmarshal(doc.Data, &data); err != nil {
		return types.LiveStatus{}, seenActive, ErrParse("live data: " + err.Error())
	}
	planTitle := data.Attributes.Title
	included := doc.Included

	citRef := data.Relationships["current_item_time"].ref()

	if citRef == nil {
		if seenActive {
			// Had active items before, so the session is over.
			return finishedStatus(planTitle, data.Attributes, duringItems(included), plannedEnd), seenActive, nil
		}
		return types.LiveStatus{PlanTitle: planTitle, Message: "Not live"}, seenActive, nil
	}

	items := duringItems(included)

	// Planned end: prefer the schedule's PlanTime, else synthesize from
	// service start plus the sum of during-item lengths.
	var plannedServiceEnd *time.Time
	switch {
	case plannedEnd != nil:
		plannedServiceEnd = plannedEnd
	case serviceStart != nil:
		t := serviceStart.Add(time.Duration(sumLengths(items) * float64(time.Second)))
		plannedServiceEnd = &t
	}

	cit := findResource(included, "ItemTime", citRef.ID)
	if cit == nil {
		return types.LiveStatus{IsLive: true, PlanTitle: planTitle, Message: "Live"}, seenActive, nil
	}

	itemRef := cit.Relationships["item"].ref()
	var currentItem *apiResource
	if itemRef != nil {
		for i := range included {
			if included[i].ID == itemRef.ID {
				currentItem = &included[i]
				break
			}
		}
	}

	// Current resolves to a non-Item resource: operator advanced past the
	// last item, the service is over.
	if currentItem != nil && currentItem.Type != "Item" {
		return finishedStatus(planTitle, data.Attributes, items, plannedServiceEnd), seenActive, nil
	}

	// ItemTime exists but no resolvable Item: pre-service countdown.
	if currentItem == nil {
		return types.LiveStatus{IsLive: true, PlanTitle: planTitle, Message: "Pre-service"}, seenActive, nil
	}

	status := activeItemStatus(planTitle, *currentItem, *cit, items, plannedServiceEnd, now)
	if currentItem.Attributes.ServicePosition == "during" {
		seenActive = true
	}
	return status, seenActive, nil
}

// finishedStatus builds the END OF SERVICE status: projected end is the
// live start plus the planned total, when known.
func finishedStatus(planTitle string, planAttrs apiAttributes, items []apiResource, plannedServiceEnd *time.Time) types.LiveStatus {
	var serviceEnd *time.Time
	if start := parseTime(planAttrs.LiveStartAt); start != nil {
		t := start.Add(time.Duration(sumLengths(items) * float64(time.Second)))
		serviceEnd = &t
	}
	return types.LiveStatus{
		IsLive:            true,
		Finished:          true,
		PlanTitle:         planTitle,
		ServiceEndTime:    serviceEnd,
		PlannedServiceEnd: plannedServiceEnd,
	}
}

// activeItemStatus derives per-item timing for the current item.
func activeItemStatus(planTitle string, item, itemTime apiResource, items []apiResource, plannedServiceEnd *time.Time, now time.Time) types.LiveStatus {
	attrs := item.Attributes

	// Pre-service item: the clock has not started, everything remains.
	if attrs.ServicePosition == "pre" {
		next := ""
		if len(items) > 0 {
			next = items[0].Attributes.Title
		}
		return types.LiveStatus{
			IsLive:               true,
			PlanTitle:            planTitle,
			ItemTitle:            attrs.Title,
			ItemDescription:      attrs.Description,
			ServiceEndTime:       plannedServiceEnd,
			RemainingItemsLength: sumLengths(items),
			NextItemTitle:        next,
			PlanIndex:            0,
			PlanLength:           len(items),
			PlannedServiceEnd:    plannedServiceEnd,
		}
	}

	// Post-service item: nothing remains.
	if attrs.ServicePosition == "post" {
		return types.LiveStatus{
			IsLive:            true,
			PlanTitle:         planTitle,
			ItemTitle:         attrs.Title,
			ItemDescription:   attrs.Description,
			PlanIndex:         len(items),
			PlanLength:        len(items),
			PlannedServiceEnd: plannedServiceEnd,
		}
	}

	// During-service item.
	var itemEnd *time.Time
	if start := parseTime(itemTime.Attributes.LiveStartAt); start != nil && attrs.Length > 0 {
		t := start.Add(time.Duration(attrs.Length * float64(time.Second)))
		itemEnd = &t
	}

	planIndex := 0
	var remaining float64
	nextTitle := ""
	found := false
	for i, it := range items {
		if it.ID == item.ID {
			planIndex = i + 1
			found = true
			continue
		}
		if found {
			remaining += it.Attributes.Length
			if nextTitle == "" {
				nextTitle = it.Attributes.Title
			}
		}
	}

	// Projected end slides forward while the item overruns, then re-anchors
	// once the operator advances: anchor on the later of item end and now.
	var serviceEnd *time.Time
	if itemEnd != nil {
		anchor := *itemEnd
		if now.After(anchor) {
			anchor = now
		}
		t := anchor.Add(time.Duration(remaining * float64(time.Second)))
		serviceEnd = &t
	}

	return types.LiveStatus{
		IsLive:               true,
		PlanTitle:            planTitle,
		ItemTitle:            attrs.Title,
		ItemDescription:      attrs.Description,
		ItemEndTime:          itemEnd,
		ServiceEndTime:       serviceEnd,
		RemainingItemsLength: remaining,
		NextItemTitle:        nextTitle,
		PlanIndex:            planIndex,
		PlanLength:           len(items),
		PlannedServiceEnd:    plannedServiceEnd,
	}
}

// upcomingStatus builds a "not yet live" status from a future plan.
func upcomingStatus(plan apiResource, serviceStart *time.Time, now time.Time) types.LiveStatus {
	title := plan.Attributes.Title
	if title == "" {
		title = plan.Attributes.Dates
	}
	if serviceStart == nil {
		serviceStart = parseTime(plan.Attributes.SortDate)
	}
	if serviceStart == nil {
		return types.LiveStatus{Message: "Next: " + title, PlanTitle: title}
	}
	if !now.Before(*serviceStart) {
		// Start time passed but the live session has not begun.
		return types.LiveStatus{Message: "Not live", PlanTitle: title}
	}
	delta := serviceStart.Sub(now)
	if delta > time.Hour {
		return types.LiveStatus{Message: "Next: " + title, PlanTitle: title}
	}
	return types.LiveStatus{
		Message:   fmt.Sprintf("Starts in %dm", int(delta.Minutes())),
		PlanTitle: title,
	}
}
