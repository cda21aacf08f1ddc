// Package features derives per-subject feature vectors from weekly capacity
// snapshots and reads vectors from JSON, CSV and XLSX files.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/shortage-forecast/internal/model"
)

// Snapshot is one week of capacity and demand for a subject.
type Snapshot struct {
	Subject       string
	WeekEnding    time.Time
	Enrollments   int
	Sessions      int
	BookedHours   float64
	CapacityHours float64
	Tutors        int
}

// Utilization is booked over available hours, in percent. Zero capacity reads as 0.
func (s Snapshot) Utilization() float64 {
	if s.CapacityHours <= 0 {
		return 0
	}
	return s.BookedHours / s.CapacityHours * 100
}

// Rolling windows in weeks, with the day counts the per-day rates divide by.
var windows = []struct {
	name  string
	weeks int
	days  float64
}{
	{"short", 1, 7},
	{"medium", 2, 14},
	{"long", 4, 28},
}

const trendWeeks = 4

// Derive builds the feature vector for subject as of ref from its snapshots.
// Snapshots for other subjects or after ref are ignored. It returns false when
// no snapshot qualifies.
func Derive(subject string, snapshots []Snapshot, ref time.Time) (model.FeatureVector, bool) {
	ref = model.DateOnly(ref)
	var weeks []Snapshot
	for _, s := range snapshots {
		if s.Subject == subject && !model.DateOnly(s.WeekEnding).After(ref) {
			weeks = append(weeks, s)
		}
	}
	if len(weeks) == 0 {
		return model.FeatureVector{}, false
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i].WeekEnding.Before(weeks[j].WeekEnding) })

	f := map[string]float64{
		model.FeatureWeeksObserved: float64(len(weeks)),
	}
	latest := weeks[len(weeks)-1]

	for _, w := range windows {
		count := 0
		for _, s := range lastN(weeks, w.weeks) {
			count += s.Enrollments
		}
		f["enrollment_count_"+w.name] = float64(count)
		f["enrollment_rate_"+w.name] = float64(count) / w.days
	}
	f[model.FeatureEnrollmentVelocity] = velocity(weeks)

	f[model.FeatureTutorCount] = float64(latest.Tutors)
	f[model.FeatureTotalCapacityHours] = latest.CapacityHours
	f[model.FeatureAvgTutorUtilization] = latest.Utilization() / 100
	f[model.FeatureSessionCountShort] = float64(latest.Sessions)
	f[model.FeatureSessionRateShort] = float64(latest.Sessions) / 7

	utilizationFeatures(f, lastN(weeks, trendWeeks))
	seasonalFeatures(f, weeks, ref)

	return model.FeatureVector{Subject: subject, ReferenceDate: ref, Features: f}, true
}

// DeriveAll derives a vector for every subject present in snapshots, ordered
// by subject.
func DeriveAll(snapshots []Snapshot, ref time.Time) []model.FeatureVector {
	seen := make(map[string]bool)
	var subjects []string
	for _, s := range snapshots {
		if !seen[s.Subject] {
			seen[s.Subject] = true
			subjects = append(subjects, s.Subject)
		}
	}
	sort.Strings(subjects)

	var out []model.FeatureVector
	for _, subj := range subjects {
		if v, ok := Derive(subj, snapshots, ref); ok {
			out = append(out, v)
		}
	}
	return out
}

func lastN(weeks []Snapshot, n int) []Snapshot {
	if len(weeks) <= n {
		return weeks
	}
	return weeks[len(weeks)-n:]
}

// velocity is the week-over-week enrollment change. With no enrollments last
// week it is 1 when any arrived this week and 0 otherwise.
func velocity(weeks []Snapshot) float64 {
	if len(weeks) < 2 {
		return 0
	}
	this := float64(weeks[len(weeks)-1].Enrollments)
	last := float64(weeks[len(weeks)-2].Enrollments)
	if last > 0 {
		return (this - last) / last
	}
	if this == 0 {
		return 0
	}
	return 1
}

// utilizationFeatures sets the recent weekly utilizations, newest first, and
// the trend in percent points per week. The trend needs two weeks.
func utilizationFeatures(f map[string]float64, recent []Snapshot) {
	names := []string{
		model.FeatureUtilizationCurrentWeek,
		model.FeatureUtilizationLastWeek,
		model.FeatureUtilization2WeeksAgo,
		model.FeatureUtilization3WeeksAgo,
	}
	utils := make([]float64, len(recent))
	var sum float64
	for i, s := range recent {
		utils[i] = s.Utilization()
		sum += utils[i]
	}
	for i := range utils {
		f[names[i]] = utils[len(utils)-1-i]
	}
	f[model.FeatureUtilizationAvg4Weeks] = sum / float64(len(utils))
	if len(utils) >= 2 {
		f[model.FeatureUtilizationTrend] = Slope(utils)
	}
}

// Slope is the least-squares slope of ys against 0, 1, 2, ...
func Slope(ys []float64) float64 {
	n := float64(len(ys))
	if n < 2 {
		return 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range ys {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func seasonalFeatures(f map[string]float64, weeks []Snapshot, ref time.Time) {
	month := ref.Month()
	yearAgo := ref.AddDate(0, 0, -365)

	var yearly, thisMonth int
	for _, s := range weeks {
		if s.WeekEnding.Before(yearAgo) {
			continue
		}
		yearly += s.Enrollments
		if s.WeekEnding.Year() == ref.Year() && s.WeekEnding.Month() == month {
			thisMonth += s.Enrollments
		}
	}

	factor := 1.0
	if monthlyAvg := float64(yearly) / 12; monthlyAvg > 0 {
		factor = float64(thisMonth) / monthlyAvg
	}
	f[model.FeatureSeasonalFactor] = math.Round(factor*1000) / 1000
	f[model.FeatureMonthOfYear] = float64(month)

	mult, backToSchool, summer := 1.0, 0.0, 0.0
	switch month {
	case time.September, time.October:
		mult, backToSchool = 1.3, 1
	case time.June, time.July, time.August:
		mult, summer = 0.8, 1
	}
	f[model.FeatureKnownSeasonalMult] = mult
	f[model.FeatureBackToSchool] = backToSchool
	f[model.FeatureSummer] = summer
}
