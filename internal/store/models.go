package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusProvisioning Status = "Provisioning"
	StatusTrialing     Status = "Trialing"
	StatusActive       Status = "Active"
	StatusFree         Status = "Free"
	StatusGracePeriod  Status = "Grace Period"
	StatusDowngraded   Status = "Downgraded"
	StatusSetupFailed  Status = "Setup Failed"
	StatusCanceled     Status = "Canceled"
	StatusBanned       Status = "Banned"
	StatusDropped      Status = "Dropped"
)

// AllStatuses lists every status, used for metrics.
var AllStatuses = []Status{
	StatusPending, StatusProvisioning, StatusTrialing, StatusActive, StatusFree,
	StatusGracePeriod, StatusDowngraded, StatusSetupFailed, StatusCanceled,
	StatusBanned, StatusDropped,
}

// BillingCycle is the renewal period of a plan or add-on.
type BillingCycle string

const (
	CycleMonth BillingCycle = "Month"
	CycleYear  BillingCycle = "Year"
	CycleNone  BillingCycle = "None"
)

// Advance returns d moved forward by one cycle. A day past the end of the
// target month clamps to its last day, so Jan 31 renews on Feb 28.
// CycleNone returns d.
func (c BillingCycle) Advance(d time.Time) time.Time {
	switch c {
	case CycleMonth:
		return addMonthsClamped(d, 1)
	case CycleYear:
		return addMonthsClamped(d, 12)
	default:
		return d
	}
}

func addMonthsClamped(d time.Time, months int) time.Time {
	next := d.AddDate(0, months, 0)
	if next.Day() != d.Day() {
		// Overflowed into the following month; day 0 is the last day of the one before.
		next = time.Date(next.Year(), next.Month(), 0, d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), d.Location())
	}
	return next
}

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonth || c == CycleYear || c == CycleNone
}

// BillingType is how an add-on is charged.
type BillingType string

const (
	BillingOneTime   BillingType = "OneTime"
	BillingRecurring BillingType = "Recurring"
)

// Customer is the paying party behind one or more subscriptions.
type Customer struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Industry    string    `json:"industry"`
	Currency    string    `json:"currency"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// PaymentAuthorization is the saved reusable gateway authorization.
	// Encrypted at rest, never serialized.
	PaymentAuthorization string `json:"-"`
}

// HasSavedAuthorization reports whether the customer can be charged off-session.
func (c *Customer) HasSavedAuthorization() bool {
	return c != nil && c.PaymentAuthorization != ""
}

// Plan is a subscription offer.
type Plan struct {
	ID              string          `json:"id"`
	Cost            decimal.Decimal `json:"cost"`
	Currency        string          `json:"currency"`
	BillingCycle    BillingCycle    `json:"billing_cycle"`
	TrialPeriodDays int             `json:"trial_period_days"`
	Modules         []string        `json:"modules"`
	MaxCompanies    *int            `json:"max_companies,omitempty"`
}

// IsFree reports whether the plan costs nothing.
func (p *Plan) IsFree() bool {
	return p.Cost.IsZero()
}

// MaxCompaniesOrDefault returns the plan override or 1.
func (p *Plan) MaxCompaniesOrDefault() int {
	if p.MaxCompanies == nil {
		return 1
	}
	return *p.MaxCompanies
}

// AddOn is a purchasable capability.
type AddOn struct {
	ID            string          `json:"id"`
	Cost          decimal.Decimal `json:"cost"`
	BillingType   BillingType     `json:"billing_type"`
	BillingCycle  BillingCycle    `json:"billing_cycle"`
	EligiblePlans []string        `json:"eligible_plans"`
	DurationDays  int             `json:"duration_days"`
}

// EligibleFor reports whether the add-on may be bought on planID.
func (a *AddOn) EligibleFor(planID string) bool {
	if len(a.EligiblePlans) == 0 {
		return true
	}
	for _, p := range a.EligiblePlans {
		if p == planID {
			return true
		}
	}
	return false
}

// SubscriptionAddOn is one purchase of an add-on on a subscription.
type SubscriptionAddOn struct {
	SubscriptionID string     `json:"subscription_id"`
	AddOn          AddOn      `json:"add_on"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
}

// ActiveOn reports whether the purchase covers day.
func (sa *SubscriptionAddOn) ActiveOn(day time.Time) bool {
	day = Date(day)
	if day.Before(sa.StartDate) {
		return false
	}
	return sa.EndDate == nil || !day.After(*sa.EndDate)
}

// Subscription binds a customer to a plan for one tenant site.
type Subscription struct {
	ID                   string     `json:"id"`
	CustomerID           string     `json:"customer_id"`
	PlanID               string     `json:"plan_id"`
	PreviousPlanID       string     `json:"previous_plan_id,omitempty"`
	SiteName             string     `json:"site_name"`
	Status               Status     `json:"status"`
	TrialEndsOn          *time.Time `json:"trial_ends_on,omitempty"`
	NextBillingDate      *time.Time `json:"next_billing_date,omitempty"`
	StartDate            time.Time  `json:"subscription_start_date"`
	EmailVerifiedOn      *time.Time `json:"email_verified_on,omitempty"`
	PaymentRetryAttempt  int        `json:"payment_retry_attempt"`
	LastPaymentAttemptAt *time.Time `json:"last_payment_attempt_at,omitempty"`
	MigrationApproved    bool       `json:"migration_approved"`
	UserCount            int        `json:"user_count"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`

	// APISecret authenticates the tenant site. Encrypted at rest, never serialized.
	APISecret string `json:"-"`
}

// IsLive reports whether the subscription still owns its site name.
func (s *Subscription) IsLive() bool {
	return s.Status != StatusDropped
}

// SMTPOverride is a per-site outgoing mail server.
type SMTPOverride struct {
	SiteName  string
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
}

const dateLayout = "2006-01-02"

// Date truncates t to a UTC calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DatePtr returns a pointer to the calendar day of t.
func DatePtr(t time.Time) *time.Time {
	d := Date(t)
	return &d
}

// crockfordBase32 is the Crockford base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func generateID(prefix string) (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateCustomerID returns an ID of the form "CUST-" plus 10 Crockford characters.
func GenerateCustomerID() (string, error) {
	return generateID("CUST-")
}

// GenerateSubscriptionID returns an ID of the form "SUB-" plus 10 Crockford characters.
func GenerateSubscriptionID() (string, error) {
	return generateID("SUB-")
}
