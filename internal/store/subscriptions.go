package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

const subscriptionColumns = `id, customer_id, plan_id, previous_plan_id, site_name, api_secret, status,
	trial_ends_on, next_billing_date, start_date, email_verified_on, payment_retry_attempt,
	last_payment_attempt_at, migration_approved, user_count, created_at, updated_at`

// CreateSubscription inserts a new subscription. A live subscription already
// holding the site name is a ConflictError.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	const op = "store.create_subscription"
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	if sub.APISecret == "" {
		return rerrors.Invariant(op, fmt.Errorf("api secret is required")).WithSubject(sub.SiteName)
	}
	if sub.ID == "" {
		id, err := GenerateSubscriptionID()
		if err != nil {
			return err
		}
		sub.ID = id
	}
	now := s.timestamp()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.StartDate.IsZero() {
		sub.StartDate = Date(now)
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	secret, err := s.encrypt(sub.APISecret)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.CustomerID, sub.PlanID, nullableString(sub.PreviousPlanID), sub.SiteName, secret, string(sub.Status),
		nullableDate(sub.TrialEndsOn), nullableDate(sub.NextBillingDate), Date(sub.StartDate).Format(dateLayout),
		nullableTimeUnix(sub.EmailVerifiedOn), sub.PaymentRetryAttempt,
		nullableTimeUnix(sub.LastPaymentAttemptAt), boolToInt(sub.MigrationApproved), sub.UserCount,
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return rerrors.Conflict(op, "site name %s is already in use", sub.SiteName)
	}
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID. It returns (nil, nil) when absent.
func (s *Store) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	return s.scanSubscription(row)
}

// GetSubscriptionBySite retrieves the subscription owning siteName. A live
// subscription wins over dropped ones; among dropped ones the newest wins.
func (s *Store) GetSubscriptionBySite(ctx context.Context, siteName string) (*Subscription, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE site_name = ?
		ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END, created_at DESC
		LIMIT 1`, strings.ToLower(strings.TrimSpace(siteName)), string(StatusDropped))
	return s.scanSubscription(row)
}

// SiteNameInUse reports whether a live subscription holds siteName.
func (s *Store) SiteNameInUse(ctx context.Context, siteName string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE site_name = ? AND status != ?`,
		siteName, string(StatusDropped)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check site name: %w", err)
	}
	return n > 0, nil
}

// ListSubscriptions returns every subscription ordered by ID.
func (s *Store) ListSubscriptions(ctx context.Context) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`)
}

// ListSubscriptionsByStatus returns subscriptions in any of statuses ordered by ID.
func (s *Store) ListSubscriptionsByStatus(ctx context.Context, statuses ...Status) ([]*Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN (`+placeholders+`) ORDER BY id`, args...)
}

// ListSubscriptionsByCustomer returns a customer's subscriptions ordered by ID.
func (s *Store) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE customer_id = ? ORDER BY id`, customerID)
}

// ListTrialEndingOn returns Trialing subscriptions whose trial ends on day.
func (s *Store) ListTrialEndingOn(ctx context.Context, day time.Time) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND trial_ends_on = ? ORDER BY id`,
		string(StatusTrialing), Date(day).Format(dateLayout))
}

// ListTrialExpired returns Trialing subscriptions whose trial ended on or before day.
func (s *Store) ListTrialExpired(ctx context.Context, day time.Time) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND trial_ends_on IS NOT NULL AND trial_ends_on <= ? ORDER BY id`,
		string(StatusTrialing), Date(day).Format(dateLayout))
}

// ListDueForRenewal returns subscriptions in status whose next billing date is on or before day.
func (s *Store) ListDueForRenewal(ctx context.Context, status Status, day time.Time) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND next_billing_date IS NOT NULL AND next_billing_date <= ? ORDER BY id`,
		string(status), Date(day).Format(dateLayout))
}

// ListGraceRetryDue returns Grace Period subscriptions whose last payment
// attempt happened at or before cutoff.
func (s *Store) ListGraceRetryDue(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ? AND COALESCE(last_payment_attempt_at, updated_at) <= ? ORDER BY id`,
		string(StatusGracePeriod), cutoff.Unix())
}

// ListUnverifiedStartedOnOrBefore returns subscriptions that can still be
// canceled, have no verified email and started on or before day.
func (s *Store) ListUnverifiedStartedOnOrBefore(ctx context.Context, day time.Time) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status NOT IN (?, ?, ?) AND email_verified_on IS NULL AND start_date <= ? ORDER BY id`,
		string(StatusCanceled), string(StatusDropped), string(StatusBanned), Date(day).Format(dateLayout))
}

// ListStuck returns Pending or Provisioning subscriptions not touched since cutoff.
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	return s.listSubscriptions(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN (?, ?) AND updated_at <= ? ORDER BY id`,
		string(StatusPending), string(StatusProvisioning), cutoff.Unix())
}

// CustomerHadTrial reports whether any subscription of the customer was on a
// plan with a trial period.
func (s *Store) CustomerHadTrial(ctx context.Context, customerID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions sub
		JOIN plans p ON p.id = sub.plan_id OR p.id = sub.previous_plan_id
		WHERE sub.customer_id = ? AND p.trial_period_days > 0`, customerID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check previous trial: %w", err)
	}
	return n > 0, nil
}

// CustomerHasLiveSubscription reports whether the customer owns a non-Dropped subscription.
func (s *Store) CustomerHasLiveSubscription(ctx context.Context, customerID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE customer_id = ? AND status != ?`,
		customerID, string(StatusDropped)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check live subscription: %w", err)
	}
	return n > 0, nil
}

// CountByStatus returns a map of status -> count.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// UpdateSubscription persists sub after checking the transition from the
// stored row.
func (s *Store) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	return s.InTx(ctx, func(tx *Store) error {
		prev, err := tx.GetSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		if prev == nil {
			return rerrors.NotFound("store.update_subscription", "subscription %s not found", sub.ID)
		}
		return tx.updateSubscription(ctx, prev, sub)
	})
}

// MutateSubscription loads a subscription, applies fn to a copy and persists
// the result in one transaction. fn may return an error to abort.
func (s *Store) MutateSubscription(ctx context.Context, id string, fn func(sub *Subscription) error) (*Subscription, error) {
	var out *Subscription
	err := s.InTx(ctx, func(tx *Store) error {
		prev, err := tx.GetSubscription(ctx, id)
		if err != nil {
			return err
		}
		if prev == nil {
			return rerrors.NotFound("store.mutate_subscription", "subscription %s not found", id)
		}
		next := *prev
		if err := fn(&next); err != nil {
			return err
		}
		if err := tx.updateSubscription(ctx, prev, &next); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) updateSubscription(ctx context.Context, prev, sub *Subscription) error {
	if err := CheckTransition(prev, sub); err != nil {
		return err
	}
	sub.UpdatedAt = s.timestamp()

	secret, err := s.encrypt(sub.APISecret)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE subscriptions SET
			customer_id = ?, plan_id = ?, previous_plan_id = ?, api_secret = ?, status = ?,
			trial_ends_on = ?, next_billing_date = ?, start_date = ?, email_verified_on = ?,
			payment_retry_attempt = ?, last_payment_attempt_at = ?, migration_approved = ?,
			user_count = ?, updated_at = ?
		WHERE id = ?`,
		sub.CustomerID, sub.PlanID, nullableString(sub.PreviousPlanID), secret, string(sub.Status),
		nullableDate(sub.TrialEndsOn), nullableDate(sub.NextBillingDate), Date(sub.StartDate).Format(dateLayout),
		nullableTimeUnix(sub.EmailVerifiedOn), sub.PaymentRetryAttempt, nullableTimeUnix(sub.LastPaymentAttemptAt),
		boolToInt(sub.MigrationApproved), sub.UserCount, sub.UpdatedAt.Unix(),
		sub.ID,
	)
	if isUniqueViolation(err) {
		return rerrors.Conflict("store.update_subscription", "site name %s is already in use", sub.SiteName)
	}
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return rerrors.NotFound("store.update_subscription", "subscription %s not found", sub.ID)
	}
	return nil
}

// DeleteSubscription removes a subscription row and its add-on purchases.
// Used when site creation fails before the site ever existed.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	return s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM subscription_addons WHERE subscription_id = ?`, id); err != nil {
			return fmt.Errorf("delete subscription add-ons: %w", err)
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM trial_reminders WHERE subscription_id = ?`, id); err != nil {
			return fmt.Errorf("delete trial reminders: %w", err)
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		return nil
	})
}

// RemoveFailedSignup deletes a subscription whose site was never created,
// and its customer when no other subscription references it. It reports
// whether the customer was removed.
func (s *Store) RemoveFailedSignup(ctx context.Context, id string) (customerRemoved bool, err error) {
	err = s.InTx(ctx, func(tx *Store) error {
		sub, err := tx.GetSubscription(ctx, id)
		if err != nil || sub == nil {
			return err
		}
		if err := tx.DeleteSubscription(ctx, id); err != nil {
			return err
		}
		others, err := tx.ListSubscriptionsByCustomer(ctx, sub.CustomerID)
		if err != nil {
			return err
		}
		if len(others) > 0 {
			return nil
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, sub.CustomerID); err != nil {
			return fmt.Errorf("delete customer: %w", err)
		}
		customerRemoved = true
		return nil
	})
	return customerRemoved, err
}

func (s *Store) listSubscriptions(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var previousPlan, trialEnds, nextBilling sql.NullString
	var secret, status, start string
	var verified, lastAttempt sql.NullInt64
	var migrationApproved int
	var createdAt, updatedAt int64

	err := sc.Scan(
		&sub.ID, &sub.CustomerID, &sub.PlanID, &previousPlan, &sub.SiteName, &secret, &status,
		&trialEnds, &nextBilling, &start, &verified, &sub.PaymentRetryAttempt,
		&lastAttempt, &migrationApproved, &sub.UserCount, &createdAt, &updatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	if sub.APISecret, err = s.decrypt(secret); err != nil {
		return nil, err
	}
	sub.PreviousPlanID = previousPlan.String
	sub.Status = Status(status)
	if sub.TrialEndsOn, err = dateFromNull(trialEnds); err != nil {
		return nil, err
	}
	if sub.NextBillingDate, err = dateFromNull(nextBilling); err != nil {
		return nil, err
	}
	startDate, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("parse start date: %w", err)
	}
	sub.StartDate = startDate
	sub.EmailVerifiedOn = timeFromNullUnix(verified)
	sub.LastPaymentAttemptAt = timeFromNullUnix(lastAttempt)
	sub.MigrationApproved = migrationApproved != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}
