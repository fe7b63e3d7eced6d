package monitor

import "time"

// fundingHours are the UTC hours a funding settlement is about to happen in
var fundingHours = map[int]bool{4: true, 12: true, 20: true}

// FundingLead is how long before a funding settlement ticks are skipped
const FundingLead = 2 * time.Minute

// InFundingWindow reports whether t falls in the two minutes before one
// of the 05:00, 13:00 or 21:00 UTC funding settlements
func InFundingWindow(t time.Time) bool {
	t = t.UTC()
	return fundingHours[t.Hour()] && t.Minute() >= 60-int(FundingLead/time.Minute)
}
