package store

import (
	"context"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/logging"
	"github.com/quangdang46/Course-Marketplace/shared/metrics"
	"github.com/quangdang46/Course-Marketplace/shared/redis"
	"github.com/quangdang46/Course-Marketplace/shared/testutil"
)

const (
	addrA = "0x52908400098527886e0f7030069857d2e4169ee7"
	addrB = "0x8617e340b3d01fa5f11f306f4090fd50e238070d"
)

type sessionStore interface {
	domain.TokenStore
	domain.ProfileCache
}

// storeContract runs the same expectations against every store implementation
type storeContract struct {
	suite.Suite
	store sessionStore
	ctx   context.Context
}

func (s *storeContract) TestTokenIsScopedPerAddress() {
	s.Require().NoError(s.store.SaveToken(s.ctx, addrA, "token-a", time.Hour))

	tok, err := s.store.LoadToken(s.ctx, addrA)
	s.NoError(err)
	s.Equal("token-a", tok)

	tok, err = s.store.LoadToken(s.ctx, addrB)
	s.NoError(err)
	s.Empty(tok)
}

func (s *storeContract) TestTokenKeyIgnoresCase() {
	s.Require().NoError(s.store.SaveToken(s.ctx, "0x52908400098527886E0F7030069857D2E4169EE7", "token-a", time.Hour))

	tok, err := s.store.LoadToken(s.ctx, addrA)

	s.NoError(err)
	s.Equal("token-a", tok)
}

func (s *storeContract) TestDeleteToken() {
	s.Require().NoError(s.store.SaveToken(s.ctx, addrA, "token-a", time.Hour))
	s.Require().NoError(s.store.DeleteToken(s.ctx, addrA))

	tok, err := s.store.LoadToken(s.ctx, addrA)

	s.NoError(err)
	s.Empty(tok)
	s.NoError(s.store.DeleteToken(s.ctx, addrB))
}

func (s *storeContract) TestProfileRoundTrip() {
	in := &domain.Profile{
		Address:     addrA,
		Username:    "alice",
		Title:       "Solidity dev",
		Description: "hello",
		Avatar:      &domain.FileInfo{ID: "f1", Size: 2048, Mimetype: "image/png", Title: "me.png"},
		AvatarURL:   "https://cdn.example.com/f1",
	}
	s.Require().NoError(s.store.SaveProfile(s.ctx, in))

	out, err := s.store.LoadProfile(s.ctx, addrA)

	s.Require().NoError(err)
	s.Equal(in, out)
}

func (s *storeContract) TestSavingProfileWithoutAvatarDropsOldAvatar() {
	s.Require().NoError(s.store.SaveProfile(s.ctx, &domain.Profile{
		Address: addrA, Username: "alice", Avatar: &domain.FileInfo{ID: "f1"},
	}))
	s.Require().NoError(s.store.SaveProfile(s.ctx, &domain.Profile{Address: addrA, Username: "alice"}))

	out, err := s.store.LoadProfile(s.ctx, addrA)

	s.Require().NoError(err)
	s.Nil(out.Avatar)
}

func (s *storeContract) TestMissingProfileIsNil() {
	out, err := s.store.LoadProfile(s.ctx, addrB)

	s.NoError(err)
	s.Nil(out)
}

func (s *storeContract) TestDeleteProfile() {
	s.Require().NoError(s.store.SaveProfile(s.ctx, &domain.Profile{Address: addrA, Username: "alice"}))
	s.Require().NoError(s.store.DeleteProfile(s.ctx, addrA))

	out, err := s.store.LoadProfile(s.ctx, addrA)

	s.NoError(err)
	s.Nil(out)
}

type MemoryStoreTestSuite struct {
	storeContract
	mem *MemoryStore
}

func (s *MemoryStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.mem = NewMemoryStore()
	s.store = s.mem
}

func (s *MemoryStoreTestSuite) TestTokenExpires() {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.mem.now = func() time.Time { return now }
	s.Require().NoError(s.mem.SaveToken(s.ctx, addrA, "token-a", time.Minute))

	now = now.Add(2 * time.Minute)
	tok, err := s.mem.LoadToken(s.ctx, addrA)

	s.NoError(err)
	s.Empty(tok)
}

func (s *MemoryStoreTestSuite) TestLoadedProfileIsACopy() {
	s.Require().NoError(s.mem.SaveProfile(s.ctx, &domain.Profile{Address: addrA, Avatar: &domain.FileInfo{ID: "f1"}}))

	p, _ := s.mem.LoadProfile(s.ctx, addrA)
	p.Avatar.ID = "mutated"
	again, _ := s.mem.LoadProfile(s.ctx, addrA)

	s.Equal("f1", again.Avatar.ID)
}

func TestMemoryStoreTestSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreTestSuite))
}

type RedisStoreTestSuite struct {
	storeContract
	redis *testutil.TestRedis
	m     *metrics.Metrics
}

func (s *RedisStoreTestSuite) SetupSuite() {
	s.redis = testutil.SetupTestRedis(s.T())
	s.m = metrics.NewMetrics("test", "store")
}

func (s *RedisStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.Require().NoError(s.redis.Client.GetClient().FlushDB(s.ctx).Err())
	s.store = NewRedisStore(s.redis.Client, Options{
		ProfileTTL: time.Hour,
		Metrics:    s.m,
		Logger:     logging.Nop(),
	})
}

func (s *RedisStoreTestSuite) TestTokenTTLIsApplied() {
	s.Require().NoError(s.store.SaveToken(s.ctx, addrA, "token-a", time.Minute))

	ttl, err := s.redis.Client.GetClient().TTL(s.ctx, "coursemp:dev:v1:session:token:"+addrA).Result()

	s.NoError(err)
	s.Greater(ttl, time.Duration(0))
	s.LessOrEqual(ttl, time.Minute)
}

// roundTrips counts what a client sends to Redis
type roundTrips struct {
	mu        sync.Mutex
	single    int
	pipelines int
	names     []string
}

func (h *roundTrips) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (h *roundTrips) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		h.mu.Lock()
		h.single++
		h.mu.Unlock()
		return next(ctx, cmd)
	}
}

func (h *roundTrips) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		h.mu.Lock()
		h.pipelines++
		for _, c := range cmds {
			h.names = append(h.names, c.Name())
		}
		h.mu.Unlock()
		return next(ctx, cmds)
	}
}

func (s *RedisStoreTestSuite) TestProfileSaveIsOneTransaction() {
	client, err := redis.NewRedisFromURL(s.redis.URL)
	s.Require().NoError(err)
	defer client.Close()
	s.Require().NoError(client.HealthCheck(s.ctx))
	hook := &roundTrips{}
	client.GetClient().AddHook(hook)
	st := NewRedisStore(client, Options{ProfileTTL: time.Hour, Logger: logging.Nop()})

	s.Require().NoError(st.SaveProfile(s.ctx, &domain.Profile{Address: addrA, Username: "alice", Title: "Teacher"}))

	hook.mu.Lock()
	defer hook.mu.Unlock()
	s.Zero(hook.single)
	s.Equal(1, hook.pipelines)
	s.Contains(hook.names, "del")
	s.Contains(hook.names, "hset")
	s.Contains(hook.names, "expire")

	ttl, err := s.redis.Client.GetClient().TTL(s.ctx, redis.ProfileKey(addrA)).Result()
	s.NoError(err)
	s.Greater(ttl, time.Duration(0))
}

func TestRedisStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreTestSuite))
}
