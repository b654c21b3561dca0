package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/imdario/mergo"

	"github.com/splax/imageforge/internal/domain"
)

const (
	kib = int64(1024)
	mib = 1024 * kib
	gib = 1024 * mib
)

// Limit names the quota dimension a rejection was caused by.
type Limit string

const (
	LimitHourly      Limit = "builds_per_hour"
	LimitDaily       Limit = "builds_per_day"
	LimitMonthly     Limit = "builds_per_month"
	LimitConcurrent  Limit = "concurrent_builds"
	LimitContextSize Limit = "build_context_size"
	LimitServices    Limit = "services"
	LimitUnavailable Limit = "quota_unavailable"
)

// ErrRejected matches every RejectedError.
var ErrRejected = errors.New("quota: build rejected")

// RejectedError reports which limit stopped a build from starting.
type RejectedError struct {
	Limit  Limit
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("quota rejected (%s): %s", e.Limit, e.Reason)
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// FreeTier returns the limits applied when a tenant has no active plan.
func FreeTier() domain.BuildQuota {
	return domain.BuildQuota{
		MaxConcurrentBuilds:  1,
		MaxBuildDuration:     15 * time.Minute,
		MaxBuildContextBytes: 100 * mib,
		MaxBuildsPerHour:     5,
		MaxBuildsPerDay:      20,
		MaxBuildsPerMonth:    100,
		CPUMillicores:        1000,
		MemoryBytes:          2 * gib,
		DiskBytes:            5 * gib,
		MaxServices:          3,
		MaxLogBytes:          5 * mib,
		MaxArtifactBytes:     1 * gib,
		LogRetentionDays:     7,
	}
}

// Resolve picks the plan that applies to a tenant: an explicit override,
// then an active subscription plan, then the free tier. Unset plan limits
// inherit the free-tier value.
func Resolve(state domain.TenantQuotaState, now time.Time) domain.BuildQuota {
	free := FreeTier()
	var plan *domain.Plan
	switch {
	case state.Override != nil:
		plan = state.Override
	case state.Plan != nil && subscriptionActive(state.Subscription, now):
		plan = state.Plan
	default:
		return free
	}
	resolved := plan.Limits
	if err := mergo.Merge(&resolved, free); err != nil {
		return free
	}
	return resolved
}

func subscriptionActive(sub *domain.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if sub.Status != domain.SubscriptionActive && sub.Status != domain.SubscriptionTrialing {
		return false
	}
	return sub.CurrentPeriodEnd == nil || sub.CurrentPeriodEnd.After(now)
}

// Roll resets every counter whose calendar window has ended.
func Roll(u domain.UsageCounters, now time.Time) domain.UsageCounters {
	now = now.UTC()
	hour := now.Truncate(time.Hour)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if !u.HourWindowStart.Equal(hour) {
		u.BuildsThisHour = 0
		u.HourWindowStart = hour
	}
	if !u.DayWindowStart.Equal(day) {
		u.BuildsToday = 0
		u.DayWindowStart = day
	}
	if !u.MonthWindowStart.Equal(month) {
		u.BuildsThisMonth = 0
		u.MonthWindowStart = month
	}
	if u.ConcurrentBuilds < 0 {
		u.ConcurrentBuilds = 0
	}
	return u
}

// Check evaluates limits in a fixed order and reports the first violation.
func Check(q domain.BuildQuota, u domain.UsageCounters, contextBytes int64, serviceCount int) error {
	switch {
	case exceeded(q.MaxBuildsPerHour, u.BuildsThisHour):
		return &RejectedError{Limit: LimitHourly, Reason: fmt.Sprintf("hourly build limit of %d reached", q.MaxBuildsPerHour)}
	case exceeded(q.MaxBuildsPerDay, u.BuildsToday):
		return &RejectedError{Limit: LimitDaily, Reason: fmt.Sprintf("daily build limit of %d reached", q.MaxBuildsPerDay)}
	case exceeded(q.MaxBuildsPerMonth, u.BuildsThisMonth):
		return &RejectedError{Limit: LimitMonthly, Reason: fmt.Sprintf("monthly build limit of %d reached", q.MaxBuildsPerMonth)}
	case exceeded(q.MaxConcurrentBuilds, u.ConcurrentBuilds):
		return &RejectedError{Limit: LimitConcurrent, Reason: fmt.Sprintf("%d concurrent builds already running", u.ConcurrentBuilds)}
	case q.MaxBuildContextBytes > 0 && contextBytes > q.MaxBuildContextBytes:
		return &RejectedError{Limit: LimitContextSize, Reason: fmt.Sprintf("build context of %d bytes exceeds limit of %d bytes", contextBytes, q.MaxBuildContextBytes)}
	case q.MaxServices > 0 && serviceCount > q.MaxServices:
		return &RejectedError{Limit: LimitServices, Reason: fmt.Sprintf("%d services exceed limit of %d", serviceCount, q.MaxServices)}
	}
	return nil
}

func exceeded(limit, used int) bool {
	return limit > 0 && used >= limit
}

// RecordStart counts an admitted build in every window.
func RecordStart(u domain.UsageCounters) domain.UsageCounters {
	u.BuildsThisHour++
	u.BuildsToday++
	u.BuildsThisMonth++
	u.ConcurrentBuilds++
	return u
}

// RecordFinish releases a concurrency slot, never going below zero.
func RecordFinish(u domain.UsageCounters) domain.UsageCounters {
	if u.ConcurrentBuilds > 0 {
		u.ConcurrentBuilds--
	}
	return u
}
