package gate

import (
	"fmt"
	"strings"
	"time"
)

// Plan identifies a subscription tier.
type Plan string

const (
	PlanDaily   Plan = "daily"
	PlanWeekly  Plan = "weekly"
	PlanMonthly Plan = "monthly"
)

// ParsePlan validates a plan identifier from config or query parameters.
func ParsePlan(s string) (Plan, error) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case PlanDaily:
		return PlanDaily, nil
	case PlanWeekly:
		return PlanWeekly, nil
	case PlanMonthly:
		return PlanMonthly, nil
	default:
		return "", fmt.Errorf("unknown plan %q", s)
	}
}

// Entitlement records whether a visitor may reach the downstream app.
// It is an axis independent of authentication: a user may be logged in
// without an active entitlement.
type Entitlement struct {
	Active      bool
	Plan        Plan
	ActivatedAt time.Time
}

// paymentStatusSuccess is the marker the payment provider appends to the
// return navigation.
const paymentStatusSuccess = "success"

// EntitlementFromPaymentReturn interprets the payment-provider return
// parameters. Anything other than a successful status with a known plan
// leaves the entitlement untouched.
func EntitlementFromPaymentReturn(status, plan string, now time.Time) (Entitlement, bool) {
	if status != paymentStatusSuccess {
		return Entitlement{}, false
	}
	p, err := ParsePlan(plan)
	if err != nil {
		return Entitlement{}, false
	}
	return Entitlement{Active: true, Plan: p, ActivatedAt: now}, true
}
