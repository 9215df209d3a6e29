// Package dashboard aggregates the per-tenant overview shown on the home
// screen and caches it for a short time.
package dashboard

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"medstaff/internal/auth"
	"medstaff/internal/cache"
	"medstaff/internal/crm"
	"medstaff/internal/finance"
	"medstaff/internal/hr"
	"medstaff/internal/tenant"
	"medstaff/internal/validate"
	"medstaff/pkg/logger"
)

const (
	// DefaultTTL is how long an overview is served from cache.
	DefaultTTL = time.Minute
	// Window is the default look-ahead for expiring contracts and the
	// look-back for irregular time records.
	Window = 30 * 24 * time.Hour
)

// Config tunes the overview.
type Config struct {
	TTL            time.Duration
	ExpiringWithin time.Duration
}

// CRMSource is satisfied by *crm.Service.
type CRMSource interface {
	PipelineSummary(ctx context.Context) (*crm.PipelineSummary, error)
	CountContracts(ctx context.Context, status crm.ContractStatus) (int, error)
	ExpiringContracts(ctx context.Context, within time.Duration) ([]crm.Contract, error)
}

// HRSource is satisfied by *hr.Service.
type HRSource interface {
	Headcount(ctx context.Context) (*hr.Headcount, error)
}

// TimeSource is satisfied by *timetrack.Service.
type TimeSource interface {
	PendingCount(ctx context.Context) (int, error)
	IrregularSince(ctx context.Context, fromDate string) (int, error)
}

// FinanceSource is satisfied by *finance.Service.
type FinanceSource interface {
	CurrentMonth(ctx context.Context) (*finance.Statement, error)
}

// Sources feeds the overview. A nil source leaves its section empty.
type Sources struct {
	CRM     CRMSource
	HR      HRSource
	Time    TimeSource
	Finance FinanceSource
}

// ContractStats counts contracts.
type ContractStats struct {
	Active   int            `json:"active"`
	Expiring int            `json:"expiring"`
	Next     []crm.Contract `json:"next,omitempty"`
}

// TimeStats counts time records awaiting attention.
type TimeStats struct {
	PendingValidation int `json:"pending_validation"`
	IrregularLast30   int `json:"irregular_last_30_days"`
}

// FinanceStats is the DRE of the current competence month.
type FinanceStats struct {
	Competence string             `json:"competence"`
	Statement  *finance.Statement `json:"statement"`
}

// Overview is the home-screen summary of one tenant.
type Overview struct {
	TenantID    tenant.ID            `json:"tenant_id"`
	GeneratedAt int64                `json:"generated_at"`
	Pipeline    *crm.PipelineSummary `json:"pipeline,omitempty"`
	Contracts   *ContractStats       `json:"contracts,omitempty"`
	Headcount   *hr.Headcount        `json:"headcount,omitempty"`
	TimeTrack   *TimeStats           `json:"time_tracking,omitempty"`
	Finance     *FinanceStats        `json:"finance,omitempty"`
}

// Service builds and caches overviews.
type Service struct {
	sources  Sources
	cache    cache.Cache
	ttl      time.Duration
	expiring time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewService builds a Service. A nil cache disables caching; zero Config
// fields take DefaultTTL and Window.
func NewService(sources Sources, c cache.Cache, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ExpiringWithin <= 0 {
		cfg.ExpiringWithin = Window
	}
	return &Service{
		sources:  sources,
		cache:    c,
		ttl:      cfg.TTL,
		expiring: cfg.ExpiringWithin,
		now:      time.Now,
		logger:   logger.Named("dashboard"),
	}
}

func cacheKey(tenantID tenant.ID) string {
	return "dashboard:overview:" + string(tenantID)
}

// Overview returns the tenant's overview, from cache when fresh. Sections the
// caller has no read permission for are left out.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	ov, err := s.overview(ctx)
	if err != nil {
		return nil, err
	}
	return visibleTo(ov, auth.SubjectFromContext(ctx)), nil
}

func (s *Service) overview(ctx context.Context) (*Overview, error) {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		var cached Overview
		hit, err := s.cache.Get(ctx, cacheKey(tenantID), &cached)
		if err != nil {
			s.logger.Warn("read cached overview failed", "tenant_id", string(tenantID), "error", err)
		} else if hit {
			return &cached, nil
		}
	}
	ov, err := s.build(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey(tenantID), ov, s.ttl); err != nil {
			s.logger.Warn("cache overview failed", "tenant_id", string(tenantID), "error", err)
		}
	}
	return ov, nil
}

// Invalidate drops the cached overview of the tenant in ctx.
func (s *Service) Invalidate(ctx context.Context) error {
	tenantID, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, cacheKey(tenantID))
}

// visibleTo trims ov to what subject may read. A nil subject is an internal
// caller and sees everything.
func visibleTo(ov *Overview, subject *auth.Subject) *Overview {
	if subject == nil {
		return ov
	}
	out := *ov
	if !subject.HasPermission(auth.PermCRMRead) {
		out.Pipeline, out.Contracts = nil, nil
	}
	if !subject.HasPermission(auth.PermHRRead) {
		out.Headcount = nil
	}
	if !subject.HasPermission(auth.PermTimeValidate) {
		out.TimeTrack = nil
	}
	if !subject.HasPermission(auth.PermFinanceRead) {
		out.Finance = nil
	}
	return &out
}

func (s *Service) build(ctx context.Context, tenantID tenant.ID) (*Overview, error) {
	now := s.now()
	ov := &Overview{TenantID: tenantID, GeneratedAt: now.Unix()}
	g, gctx := errgroup.WithContext(ctx)

	if src := s.sources.CRM; src != nil {
		g.Go(func() error {
			summary, err := src.PipelineSummary(gctx)
			if err != nil {
				return err
			}
			ov.Pipeline = summary
			return nil
		})
		g.Go(func() error {
			active, err := src.CountContracts(gctx, crm.ContractAtivo)
			if err != nil {
				return err
			}
			expiring, err := src.ExpiringContracts(gctx, s.expiring)
			if err != nil {
				return err
			}
			stats := &ContractStats{Active: active, Expiring: len(expiring)}
			if len(expiring) > 5 {
				expiring = expiring[:5]
			}
			stats.Next = expiring
			ov.Contracts = stats
			return nil
		})
	}
	if src := s.sources.HR; src != nil {
		g.Go(func() error {
			headcount, err := src.Headcount(gctx)
			if err != nil {
				return err
			}
			ov.Headcount = headcount
			return nil
		})
	}
	if src := s.sources.Time; src != nil {
		g.Go(func() error {
			pending, err := src.PendingCount(gctx)
			if err != nil {
				return err
			}
			irregular, err := src.IrregularSince(gctx, now.Add(-Window).Format(validate.DateLayout))
			if err != nil {
				return err
			}
			ov.TimeTrack = &TimeStats{PendingValidation: pending, IrregularLast30: irregular}
			return nil
		})
	}
	if src := s.sources.Finance; src != nil {
		g.Go(func() error {
			statement, err := src.CurrentMonth(gctx)
			if err != nil {
				return err
			}
			ov.Finance = &FinanceStats{Competence: now.Format(validate.MonthLayout), Statement: statement}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ov, nil
}
