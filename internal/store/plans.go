package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

// UpsertPlan inserts or replaces a plan.
func (s *Store) UpsertPlan(ctx context.Context, p *Plan) error {
	if p == nil || p.ID == "" {
		return rerrors.Validation("store.upsert_plan", "plan id is required")
	}
	if p.Cost.IsNegative() {
		return rerrors.Validation("store.upsert_plan", "plan %s cost must not be negative", p.ID)
	}
	if p.TrialPeriodDays < 0 {
		return rerrors.Validation("store.upsert_plan", "plan %s trial period must not be negative", p.ID)
	}
	if !p.BillingCycle.Valid() {
		return rerrors.Validation("store.upsert_plan", "plan %s has unknown billing cycle %q", p.ID, p.BillingCycle)
	}
	if !p.IsFree() && p.BillingCycle == CycleNone {
		return rerrors.Validation("store.upsert_plan", "paid plan %s needs a Month or Year billing cycle", p.ID)
	}
	modules, err := json.Marshal(nonNil(p.Modules))
	if err != nil {
		return fmt.Errorf("marshal plan modules: %w", err)
	}
	var maxCompanies any
	if p.MaxCompanies != nil {
		maxCompanies = *p.MaxCompanies
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO plans (id, cost, currency, billing_cycle, trial_period_days, modules, max_companies)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cost = excluded.cost, currency = excluded.currency, billing_cycle = excluded.billing_cycle,
			trial_period_days = excluded.trial_period_days, modules = excluded.modules,
			max_companies = excluded.max_companies`,
		p.ID, p.Cost.String(), p.Currency, string(p.BillingCycle), p.TrialPeriodDays, string(modules), maxCompanies,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID. It returns (nil, nil) when absent.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, cost, currency, billing_cycle, trial_period_days, modules, max_companies
		FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// ListPlans returns every plan ordered by ID.
func (s *Store) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, cost, currency, billing_cycle, trial_period_days, modules, max_companies
		FROM plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanPlan(sc scanner) (*Plan, error) {
	var p Plan
	var cost, cycle, modules string
	var maxCompanies sql.NullInt64
	if err := sc.Scan(&p.ID, &cost, &p.Currency, &cycle, &p.TrialPeriodDays, &modules, &maxCompanies); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan plan: %w", err)
	}
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("parse plan %s cost: %w", p.ID, err)
	}
	p.Cost = d
	p.BillingCycle = BillingCycle(cycle)
	if err := json.Unmarshal([]byte(modules), &p.Modules); err != nil {
		return nil, fmt.Errorf("parse plan %s modules: %w", p.ID, err)
	}
	if maxCompanies.Valid {
		v := int(maxCompanies.Int64)
		p.MaxCompanies = &v
	}
	return &p, nil
}

// UpsertAddOn inserts or replaces an add-on.
func (s *Store) UpsertAddOn(ctx context.Context, a *AddOn) error {
	if a == nil || a.ID == "" {
		return rerrors.Validation("store.upsert_addon", "add-on id is required")
	}
	if a.Cost.IsNegative() {
		return rerrors.Validation("store.upsert_addon", "add-on %s cost must not be negative", a.ID)
	}
	if !a.BillingCycle.Valid() {
		return rerrors.Validation("store.upsert_addon", "add-on %s has unknown billing cycle %q", a.ID, a.BillingCycle)
	}
	if a.BillingType != BillingOneTime && a.BillingType != BillingRecurring {
		return rerrors.Validation("store.upsert_addon", "add-on %s has unknown billing type %q", a.ID, a.BillingType)
	}
	eligible, err := json.Marshal(nonNil(a.EligiblePlans))
	if err != nil {
		return fmt.Errorf("marshal eligible plans: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO addons (id, cost, billing_type, billing_cycle, eligible_plans, duration_days)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cost = excluded.cost, billing_type = excluded.billing_type, billing_cycle = excluded.billing_cycle,
			eligible_plans = excluded.eligible_plans, duration_days = excluded.duration_days`,
		a.ID, a.Cost.String(), string(a.BillingType), string(a.BillingCycle), string(eligible), a.DurationDays,
	)
	if err != nil {
		return fmt.Errorf("upsert add-on: %w", err)
	}
	return nil
}

// GetAddOn retrieves an add-on by ID. It returns (nil, nil) when absent.
func (s *Store) GetAddOn(ctx context.Context, id string) (*AddOn, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, cost, billing_type, billing_cycle, eligible_plans, duration_days
		FROM addons WHERE id = ?`, id)
	return scanAddOn(row)
}

func scanAddOn(sc scanner) (*AddOn, error) {
	var a AddOn
	var cost, billingType, cycle, eligible string
	if err := sc.Scan(&a.ID, &cost, &billingType, &cycle, &eligible, &a.DurationDays); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan add-on: %w", err)
	}
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return nil, fmt.Errorf("parse add-on %s cost: %w", a.ID, err)
	}
	a.Cost = d
	a.BillingType = BillingType(billingType)
	a.BillingCycle = BillingCycle(cycle)
	if err := json.Unmarshal([]byte(eligible), &a.EligiblePlans); err != nil {
		return nil, fmt.Errorf("parse add-on %s eligible plans: %w", a.ID, err)
	}
	return &a, nil
}

// AddSubscriptionAddOn records the purchase of an add-on on a subscription.
// Recurring add-ons must share the plan's billing cycle and the add-on must be
// eligible for the plan.
func (s *Store) AddSubscriptionAddOn(ctx context.Context, subscriptionID, addOnID string, start time.Time) (*SubscriptionAddOn, error) {
	const op = "store.add_subscription_addon"
	var out *SubscriptionAddOn
	err := s.InTx(ctx, func(tx *Store) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return rerrors.NotFound(op, "subscription %s not found", subscriptionID)
		}
		addOn, err := tx.GetAddOn(ctx, addOnID)
		if err != nil {
			return err
		}
		if addOn == nil {
			return rerrors.NotFound(op, "add-on %s not found", addOnID)
		}
		plan, err := tx.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return rerrors.NotFound(op, "plan %s not found", sub.PlanID)
		}
		if !addOn.EligibleFor(plan.ID) {
			return rerrors.Validation(op, "add-on %s is not available on plan %s", addOn.ID, plan.ID)
		}
		if addOn.BillingType == BillingRecurring && addOn.BillingCycle != plan.BillingCycle {
			return rerrors.Validation(op, "recurring add-on %s bills every %s but plan %s bills every %s",
				addOn.ID, addOn.BillingCycle, plan.ID, plan.BillingCycle)
		}

		sa := &SubscriptionAddOn{SubscriptionID: sub.ID, AddOn: *addOn, StartDate: Date(start)}
		if addOn.DurationDays > 0 {
			end := sa.StartDate.AddDate(0, 0, addOn.DurationDays)
			sa.EndDate = &end
		}
		_, err = tx.q.ExecContext(ctx, `INSERT INTO subscription_addons (subscription_id, addon_id, start_date, end_date)
			VALUES (?, ?, ?, ?)`, sa.SubscriptionID, addOn.ID, sa.StartDate.Format(dateLayout), nullableDate(sa.EndDate))
		if isUniqueViolation(err) {
			return rerrors.Conflict(op, "add-on %s already purchased on %s for subscription %s",
				addOn.ID, sa.StartDate.Format(dateLayout), sub.ID)
		}
		if err != nil {
			return fmt.Errorf("insert subscription add-on: %w", err)
		}
		out = sa
		return nil
	})
	return out, err
}

// ListSubscriptionAddOns returns the add-on purchases of a subscription.
func (s *Store) ListSubscriptionAddOns(ctx context.Context, subscriptionID string) ([]*SubscriptionAddOn, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT a.id, a.cost, a.billing_type, a.billing_cycle, a.eligible_plans, a.duration_days,
			sa.start_date, sa.end_date
		FROM subscription_addons sa JOIN addons a ON a.id = sa.addon_id
		WHERE sa.subscription_id = ?
		ORDER BY sa.start_date, a.id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list subscription add-ons: %w", err)
	}
	defer rows.Close()

	var out []*SubscriptionAddOn
	for rows.Next() {
		var a AddOn
		var cost, billingType, cycle, eligible, start string
		var end sql.NullString
		if err := rows.Scan(&a.ID, &cost, &billingType, &cycle, &eligible, &a.DurationDays, &start, &end); err != nil {
			return nil, fmt.Errorf("scan subscription add-on: %w", err)
		}
		if a.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parse add-on %s cost: %w", a.ID, err)
		}
		a.BillingType = BillingType(billingType)
		a.BillingCycle = BillingCycle(cycle)
		if err := json.Unmarshal([]byte(eligible), &a.EligiblePlans); err != nil {
			return nil, fmt.Errorf("parse add-on %s eligible plans: %w", a.ID, err)
		}
		startDate, err := time.Parse(dateLayout, start)
		if err != nil {
			return nil, fmt.Errorf("parse add-on start date: %w", err)
		}
		endDate, err := dateFromNull(end)
		if err != nil {
			return nil, err
		}
		out = append(out, &SubscriptionAddOn{SubscriptionID: subscriptionID, AddOn: a, StartDate: startDate, EndDate: endDate})
	}
	return out, rows.Err()
}

// DefaultCatalog returns the plans every control plane starts with.
func DefaultCatalog(freePlanID string) []*Plan {
	return []*Plan{
		{ID: freePlanID, Cost: decimal.Zero, Currency: "USD", BillingCycle: CycleMonth, Modules: []string{}},
	}
}

// EnsureCatalog inserts any catalog plan that does not exist yet. Existing
// plans are left untouched.
func (s *Store) EnsureCatalog(ctx context.Context, plans []*Plan) error {
	for _, p := range plans {
		existing, err := s.GetPlan(ctx, p.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := s.UpsertPlan(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
