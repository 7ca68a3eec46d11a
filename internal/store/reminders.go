package store

import (
	"context"
	"fmt"
	"time"
)

// MarkTrialReminderSent records that the trial-ending reminder for day was
// sent. It reports false when a reminder was already recorded, so a repeated
// reconcile run on the same day sends nothing.
func (s *Store) MarkTrialReminderSent(ctx context.Context, subscriptionID string, day time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `INSERT INTO trial_reminders (subscription_id, remind_on, sent_at)
		VALUES (?, ?, ?) ON CONFLICT(subscription_id, remind_on) DO NOTHING`,
		subscriptionID, Date(day).Format(dateLayout), s.timestamp().Unix())
	if err != nil {
		return false, fmt.Errorf("mark trial reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark trial reminder: %w", err)
	}
	return affected > 0, nil
}

// ForgetTrialReminder removes a reminder marker so it can be retried after a
// failed send.
func (s *Store) ForgetTrialReminder(ctx context.Context, subscriptionID string, day time.Time) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM trial_reminders WHERE subscription_id = ? AND remind_on = ?`,
		subscriptionID, Date(day).Format(dateLayout))
	if err != nil {
		return fmt.Errorf("forget trial reminder: %w", err)
	}
	return nil
}
