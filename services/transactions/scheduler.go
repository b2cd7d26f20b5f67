package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepLockKey = "transactions:sweeper:tick"

// TickLocker garante um único tick em execução entre réplicas
type TickLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// RedisTickLocker implementa TickLocker com redsync
type RedisTickLocker struct {
	rs *redsync.Redsync
}

// NewRedisTickLocker cria uma nova instância de RedisTickLocker
func NewRedisTickLocker(client redis.UniversalClient) *RedisTickLocker {
	return &RedisTickLocker{rs: redsync.New(goredis.NewPool(client))}
}

// TryLock tenta uma única vez; lock ocupado retorna acquired=false sem erro
func (l *RedisTickLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		msg := err.Error()
		if errors.Is(err, redsync.ErrFailed) ||
			strings.Contains(msg, "lock already taken") ||
			strings.Contains(msg, "failed to acquire lock") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire tick lock %s: %w", key, err)
	}

	release := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("failed to release tick lock %s: %w", key, err)
		}
		if !ok {
			return fmt.Errorf("tick lock %s expired before release", key)
		}
		return nil
	}
	return release, true, nil
}

// Scheduler dispara o sweeper pelo cron, pulando ticks enquanto o anterior ainda roda
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	locker  TickLocker
	lockTTL time.Duration
	logger  *zap.Logger
}

// NewScheduler valida a expressão cron e registra o tick
func NewScheduler(schedule string, sweeper *Sweeper, locker TickLocker, lockTTL time.Duration, logger *zap.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger,
	}

	if _, err := s.cron.AddFunc(schedule, func() {
		if _, _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("❌ [SCHEDULER] tick failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("⏰ [SCHEDULER] started")
}

// Stop para o cron e espera o tick em andamento terminar
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executa um tick se conseguir o lock; ran=false quando outra réplica está varrendo
func (s *Scheduler) RunOnce(ctx context.Context) (report SweepReport, ran bool, err error) {
	if s.locker == nil {
		return s.sweeper.Tick(ctx), true, nil
	}

	release, acquired, err := s.locker.TryLock(ctx, sweepLockKey, s.lockTTL)
	if err != nil {
		return SweepReport{}, false, err
	}
	if !acquired {
		s.logger.Info("ℹ️ [SCHEDULER] tick skipped, another instance holds the lock")
		return SweepReport{}, false, nil
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("⚠️ [SCHEDULER] lock release failed", zap.Error(rerr))
		}
	}()

	return s.sweeper.Tick(ctx), true, nil
}

// cronLogger adapta o zap à interface de log do cron
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
