package datasource

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dbpool/pkg/config"
	"github.com/ajitpratap0/dbpool/pkg/observability"
	"github.com/ajitpratap0/dbpool/pkg/poolerrors"
	"github.com/ajitpratap0/dbpool/pkg/session"
	"github.com/ajitpratap0/dbpool/pkg/stmtcache"
)

// Opener opens native sessions. *native.Source implements it.
type Opener interface {
	Open(ctx context.Context) (session.Native, error)
}

// Factory creates, checks and destroys pooled sessions. It implements
// pool.Factory[*session.Session].
type Factory struct {
	opener   Opener
	cfg      *config.PoolConfig
	defaults session.Defaults
	policy   session.ReturnPolicy
	norm     stmtcache.Normalizer
	release  func(*session.Session) error
	tracer   *observability.PoolTracer
	logger   *zap.Logger
	now      func() time.Time
}

// NewFactory builds a factory for cfg. release is installed as every
// session's return hook.
func NewFactory(opener Opener, cfg *config.PoolConfig, release func(*session.Session) error,
	tracer *observability.PoolTracer, logger *zap.Logger) (*Factory, error) {
	iso, err := cfg.Defaults.IsolationLevel()
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid isolation level")
	}
	var norm stmtcache.Normalizer
	if cfg.Statements.Enabled {
		norm, err = stmtcache.NormalizerFor(cfg.Statements.Normalization)
		if err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "invalid statement normalization")
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = observability.NewPoolTracer(cfg.Name, nil)
	}
	return &Factory{
		opener: opener,
		cfg:    cfg,
		defaults: session.Defaults{
			AutoCommit: cfg.Defaults.AutoCommit,
			ReadOnly:   cfg.Defaults.ReadOnly,
			Isolation:  iso,
			Catalog:    cfg.Defaults.Catalog,
		},
		policy: session.ReturnPolicy{
			RollbackOnReturn:   cfg.Validation.RollbackOnReturn,
			AutoCommitOnReturn: cfg.Validation.AutoCommitOnReturn,
		},
		norm:    norm,
		release: release,
		tracer:  tracer,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Create opens a native session, layers the statement cache over it when
// enabled and runs the init commands. No validation query runs here.
func (f *Factory) Create(ctx context.Context) (*session.Session, error) {
	raw, err := f.opener.Open(ctx)
	if err != nil {
		var pe *poolerrors.Error
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeDriver, "open native session")
	}

	for _, cmd := range f.cfg.Validation.InitCommands {
		if _, err := raw.Exec(ctx, cmd); err != nil {
			initErr := poolerrors.Wrap(err, poolerrors.ErrorTypeDriver, "init command failed").
				WithDetail("command", cmd)
			return nil, poolerrors.Append(initErr, raw.Close())
		}
	}

	conn := raw
	if f.cfg.Statements.Enabled {
		conn = stmtcache.New(raw, stmtcache.Options{
			MaxTotal:   f.cfg.Statements.MaxOpenPerSession,
			Normalizer: f.norm,
			Logger:     f.logger,
		})
	}

	s := session.New(conn, session.Options{
		CacheState:    f.cfg.Validation.CacheState,
		CaptureOrigin: f.cfg.Abandoned.LogStackTraces,
		Release:       f.release,
		Logger:        f.logger,
	})
	f.logger.Debug("session created", zap.String("session", s.ID()))
	return s, nil
}

// Destroy physically closes s. Children that fail to close are logged; the
// native close error is returned so invalidation can report it.
func (f *Factory) Destroy(s *session.Session) error {
	err := s.ReallyClose()
	if err == nil {
		f.logger.Debug("session destroyed", zap.String("session", s.ID()))
		return nil
	}

	var driverErr error
	for _, e := range flatten(err) {
		if poolerrors.IsType(e, poolerrors.ErrorTypeCascadeClose) {
			f.logger.Warn("children failed to close while destroying session",
				zap.String("session", s.ID()), zap.Error(e))
			continue
		}
		driverErr = poolerrors.Append(driverErr, e)
	}
	return driverErr
}

func flatten(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		if _, isCascade := err.(*poolerrors.CascadeError); !isCascade {
			return joined.Unwrap()
		}
	}
	return []error{err}
}

// Validate fails sessions older than the max lifetime, then runs the
// validation query under its timeout.
func (f *Factory) Validate(ctx context.Context, s *session.Session) error {
	return f.tracer.Trace(ctx, "validate", func(ctx context.Context, span *observability.Span) error {
		span.SetAttribute("session", s.ID())
		if limit := f.cfg.Validation.MaxLifetime; limit > 0 {
			if age := f.now().Sub(s.CreatedAt()); age > limit {
				return poolerrors.Newf(poolerrors.ErrorTypeValidationFailed,
					"session %s exceeded max lifetime", s.ID()).
					WithDetail("age", age.String()).
					WithDetail("max_lifetime", limit.String())
			}
		}
		err := s.Validate(ctx, f.cfg.Validation.Query, f.cfg.Validation.Timeout)
		if err != nil {
			f.logger.Warn("session failed validation", zap.String("session", s.ID()), zap.Error(err))
		}
		return err
	})
}

// Activate reopens s for a borrower and re-applies the configured defaults.
func (f *Factory) Activate(ctx context.Context, s *session.Session) error {
	if err := s.Activate(); err != nil {
		return err
	}
	return s.ApplyDefaults(ctx, f.defaults)
}

// Passivate cleans up transaction state before s goes idle.
func (f *Factory) Passivate(ctx context.Context, s *session.Session) error {
	return s.Passivate(ctx, f.policy)
}
