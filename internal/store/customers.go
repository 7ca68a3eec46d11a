package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
)

const customerColumns = `id, display_name, email, industry, currency, payment_authorization, created_at, updated_at`

// CreateCustomer inserts a new customer. A duplicate email is a ConflictError.
func (s *Store) CreateCustomer(ctx context.Context, c *Customer) error {
	if c == nil {
		return fmt.Errorf("customer is nil")
	}
	if c.ID == "" {
		id, err := GenerateCustomerID()
		if err != nil {
			return err
		}
		c.ID = id
	}
	now := s.timestamp()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Email = strings.TrimSpace(c.Email)

	auth, err := s.encrypt(c.PaymentAuthorization)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO customers (`+customerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DisplayName, c.Email, c.Industry, c.Currency, auth,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return rerrors.Conflict("store.create_customer", "a customer with email %s already exists", c.Email)
	}
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by ID. It returns (nil, nil) when absent.
func (s *Store) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	return s.scanCustomer(row)
}

// GetCustomerByEmail retrieves a customer by primary email (case-insensitive).
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email))
	return s.scanCustomer(row)
}

// GetCustomerByName retrieves a customer by display name (case-insensitive).
func (s *Store) GetCustomerByName(ctx context.Context, name string) (*Customer, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers
		WHERE display_name = ? COLLATE NOCASE ORDER BY created_at LIMIT 1`, strings.TrimSpace(name))
	return s.scanCustomer(row)
}

// EmailExists reports whether any customer uses email.
func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM customers WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check customer email: %w", err)
	}
	return n > 0, nil
}

// SavePaymentAuthorization stores the reusable gateway authorization for a customer.
func (s *Store) SavePaymentAuthorization(ctx context.Context, customerID, authorization string) error {
	enc, err := s.encrypt(authorization)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `UPDATE customers SET payment_authorization = ?, updated_at = ? WHERE id = ?`,
		enc, s.timestamp().Unix(), customerID)
	if err != nil {
		return fmt.Errorf("save payment authorization: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return rerrors.NotFound("store.save_payment_authorization", "customer %s not found", customerID)
	}
	return nil
}

// AuthorizationForEmail returns the saved authorization of the customer with
// the given email, or "" when none is saved.
func (s *Store) AuthorizationForEmail(ctx context.Context, email string) (string, error) {
	c, err := s.GetCustomerByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", nil
	}
	return c.PaymentAuthorization, nil
}

// DeleteCustomer removes a customer and cancels every live subscription it
// owns in the same transaction. It returns the subscriptions that moved to
// Canceled so the caller can schedule their site deletion.
func (s *Store) DeleteCustomer(ctx context.Context, id string) ([]*Subscription, error) {
	var canceled []*Subscription
	err := s.InTx(ctx, func(tx *Store) error {
		c, err := tx.GetCustomer(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return rerrors.NotFound("store.delete_customer", "customer %s not found", id)
		}
		subs, err := tx.ListSubscriptionsByCustomer(ctx, id)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			switch sub.Status {
			case StatusDropped, StatusCanceled, StatusBanned:
				continue
			}
			prev := *sub
			sub.Status = StatusCanceled
			sub.NextBillingDate = nil
			sub.PaymentRetryAttempt = 0
			sub.PreviousPlanID = ""
			if err := tx.updateSubscription(ctx, &prev, sub); err != nil {
				return err
			}
			canceled = append(canceled, sub)
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM customers WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete customer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return canceled, nil
}

func (s *Store) scanCustomer(sc scanner) (*Customer, error) {
	var c Customer
	var auth string
	var createdAt, updatedAt int64
	err := sc.Scan(&c.ID, &c.DisplayName, &c.Email, &c.Industry, &c.Currency, &auth, &createdAt, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	if c.PaymentAuthorization, err = s.decrypt(auth); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}
