package domain

import "time"

// BuildQuota is the resolved set of limits for one tenant. A negative limit
// means unlimited; zero means "inherit from the free tier" until resolved.
type BuildQuota struct {
	MaxConcurrentBuilds  int           `json:"max_concurrent_builds"`
	MaxBuildDuration     time.Duration `json:"max_build_duration"`
	MaxBuildContextBytes int64         `json:"max_build_context_bytes"`
	MaxBuildsPerHour     int           `json:"max_builds_per_hour"`
	MaxBuildsPerDay      int           `json:"max_builds_per_day"`
	MaxBuildsPerMonth    int           `json:"max_builds_per_month"`
	CPUMillicores        int64         `json:"cpu_millicores"`
	MemoryBytes          int64         `json:"memory_bytes"`
	DiskBytes            int64         `json:"disk_bytes"`
	MaxServices          int           `json:"max_services"`
	MaxLogBytes          int64         `json:"max_log_bytes"`
	MaxArtifactBytes     int64         `json:"max_artifact_bytes"`
	LogRetentionDays     int           `json:"log_retention_days"`
}

// Plan is a subscription tier and its limits.
type Plan struct {
	ID     string
	Name   string
	Limits BuildQuota
}

// Subscription links a tenant to a plan.
type Subscription struct {
	TenantID         string
	PlanID           string
	PlanOverrideID   *string
	Status           string
	CurrentPeriodEnd *time.Time
}

// Subscription statuses that grant plan limits.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
)

// UsageCounters tracks build activity per tenant in calendar windows (UTC).
type UsageCounters struct {
	BuildsThisHour   int       `json:"builds_this_hour"`
	HourWindowStart  time.Time `json:"hour_window_start"`
	BuildsToday      int       `json:"builds_today"`
	DayWindowStart   time.Time `json:"day_window_start"`
	BuildsThisMonth  int       `json:"builds_this_month"`
	MonthWindowStart time.Time `json:"month_window_start"`
	ConcurrentBuilds int       `json:"concurrent_builds"`
}

// TenantQuotaState is everything admission needs to know about a tenant.
type TenantQuotaState struct {
	TenantID     string
	Subscription *Subscription
	Plan         *Plan
	Override     *Plan
	Usage        UsageCounters
}
