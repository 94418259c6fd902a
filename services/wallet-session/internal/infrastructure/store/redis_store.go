package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/redis"
	"github.com/quangdang46/Course-Marketplace/shared/timeout"
)

// RedisStore keeps session tokens and cached profiles in Redis
type RedisStore struct {
	redis      *redis.Redis
	profileTTL time.Duration
	timeouts   *timeout.TimeoutConfig
	metrics    *metrics.Metrics
	logger     *logging.Logger
}

type Options struct {
	ProfileTTL time.Duration
	Timeouts   *timeout.TimeoutConfig
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

func NewRedisStore(r *redis.Redis, opts Options) *RedisStore {
	s := &RedisStore{
		redis:      r,
		profileTTL: opts.ProfileTTL,
		timeouts:   opts.Timeouts,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if s.timeouts == nil {
		s.timeouts = timeout.DefaultTimeoutConfig()
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	return s
}

// LoadToken returns "" when no token is stored for address
func (s *RedisStore) LoadToken(ctx context.Context, address domain.Address) (string, error) {
	var token string
	err := s.run(ctx, "token_get", func(ctx context.Context) (bool, error) {
		v, err := s.redis.Get(ctx, redis.SessionTokenKey(address))
		if redis.IsMiss(err) {
			return false, nil
		}
		token = v
		return err == nil, err
	})
	return token, err
}

func (s *RedisStore) SaveToken(ctx context.Context, address domain.Address, token string, ttl time.Duration) error {
	return s.run(ctx, "token_set", func(ctx context.Context) (bool, error) {
		return true, s.redis.Set(ctx, redis.SessionTokenKey(address), token, ttl)
	})
}

func (s *RedisStore) DeleteToken(ctx context.Context, address domain.Address) error {
	return s.run(ctx, "token_delete", func(ctx context.Context) (bool, error) {
		return true, s.redis.Delete(ctx, redis.SessionTokenKey(address))
	})
}

// LoadProfile returns nil when no profile is cached for address
func (s *RedisStore) LoadProfile(ctx context.Context, address domain.Address) (*domain.Profile, error) {
	var profile *domain.Profile
	err := s.run(ctx, "profile_get", func(ctx context.Context) (bool, error) {
		fields, err := s.redis.HGetAll(ctx, redis.ProfileKey(address))
		if err != nil || len(fields) == 0 {
			return false, err
		}
		p, err := profileFromHash(address, fields)
		profile = p
		return err == nil, err
	})
	return profile, err
}

func (s *RedisStore) SaveProfile(ctx context.Context, profile *domain.Profile) error {
	fields, err := profileToHash(profile)
	if err != nil {
		return err
	}
	return s.run(ctx, "profile_set", func(ctx context.Context) (bool, error) {
		return true, s.redis.ReplaceHash(ctx, redis.ProfileKey(profile.Address), fields, s.profileTTL)
	})
}

func (s *RedisStore) DeleteProfile(ctx context.Context, address domain.Address) error {
	return s.run(ctx, "profile_delete", func(ctx context.Context) (bool, error) {
		return true, s.redis.Delete(ctx, redis.ProfileKey(address))
	})
}

// HealthCheck pings Redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return timeout.Run(ctx, s.timeouts.Redis, "redis_ping", s.redis.HealthCheck)
}

func (s *RedisStore) run(ctx context.Context, op string, fn func(context.Context) (bool, error)) error {
	var hit bool
	err := timeout.Run(ctx, s.timeouts.Redis, "redis_"+op, func(ctx context.Context) error {
		h, err := fn(ctx)
		hit = h
		return err
	})
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(op, hit, err)
	}
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("op", op).Warn("redis store operation failed")
	}
	return err
}

func profileToHash(p *domain.Profile) (map[string]string, error) {
	fields := map[string]string{
		"address":     p.Address,
		"username":    p.Username,
		"title":       p.Title,
		"description": p.Description,
		"avatarUrl":   p.AvatarURL,
	}
	if p.Avatar != nil {
		b, err := json.Marshal(p.Avatar)
		if err != nil {
			return nil, err
		}
		fields["avatar"] = string(b)
	}
	return fields, nil
}

func profileFromHash(address domain.Address, fields map[string]string) (*domain.Profile, error) {
	p := &domain.Profile{
		Address:     address,
		Username:    fields["username"],
		Title:       fields["title"],
		Description: fields["description"],
		AvatarURL:   fields["avatarUrl"],
	}
	if raw, ok := fields["avatar"]; ok && raw != "" {
		var avatar domain.FileInfo
		if err := json.Unmarshal([]byte(raw), &avatar); err != nil {
			return nil, err
		}
		p.Avatar = &avatar
	}
	return p, nil
}
