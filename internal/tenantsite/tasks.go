package tenantsite

import (
	"context"

	"github.com/RendaniSinyage/rokct/internal/jobs"
)

// RegisterSchedules adds the daily site jobs to s on the cron spec.
func (s *Service) RegisterSchedules(sched *jobs.Scheduler, spec string) error {
	if err := sched.Add("disable_expired_support_users", spec, func(ctx context.Context) error {
		_, err := s.DisableExpiredSupportUsers(ctx)
		return err
	}); err != nil {
		return err
	}
	return sched.Add("report_active_user_count", spec, s.ReportActiveUserCount)
}
