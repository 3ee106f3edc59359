package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisConfig configures a shared Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key. Defaults to "splitgoat".
	Prefix string
}

// RedisStore implements Store on Redis so several service instances can share
// assignments and counters. Check-then-write sequences run as Lua scripts.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// applyDeltaLua adds a decoded hashDelta to a variant's metrics hash and
// registers the variant under the test.
const applyDeltaLua = `
local function apply(variants, key, variant, d)
  redis.call('SADD', variants, variant)
  for field, v in pairs(d.int) do redis.call('HINCRBY', key, field, v) end
  for field, v in pairs(d.float) do redis.call('HINCRBYFLOAT', key, field, v) end
end
`

var createTestScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

var createAssignmentScript = redis.NewScript(applyDeltaLua + `
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
apply(KEYS[3], KEYS[4], ARGV[3], cjson.decode(ARGV[4]))
return 1
`)

var appendConversionScript = redis.NewScript(applyDeltaLua + `
local head = redis.call('GET', KEYS[1])
if not head then
  return -1
end
local variant = cjson.decode(head).variant_id
local key = ARGV[2] .. variant
redis.call('RPUSH', KEYS[3], ARGV[1])
local first = redis.call('SETNX', KEYS[2], '1')
apply(KEYS[4], key, variant, cjson.decode(ARGV[3]))
if first == 1 then
  apply(KEYS[4], key, variant, cjson.decode(ARGV[4]))
end
return first
`)

var incrementScript = redis.NewScript(applyDeltaLua + `
apply(KEYS[1], KEYS[2], ARGV[1], cjson.decode(ARGV[2]))
return 1
`)

// hashDelta is a MetricsDelta keyed by metrics hash field. Floats travel as
// strings so Lua does not truncate them to integers.
type hashDelta struct {
	Int   map[string]int64  `json:"int"`
	Float map[string]string `json:"float"`
}

func encodeDelta(d MetricsDelta) (string, error) {
	h := hashDelta{Int: map[string]int64{}, Float: map[string]string{}}
	for field, v := range map[string]int64{
		"impressions": d.Impressions,
		"conversions": d.Conversions,
		"bounces":     d.Bounces,
	} {
		if v != 0 {
			h.Int[field] = v
		}
	}
	floats := map[string]float64{
		"revenue":         d.Revenue,
		"engagement_time": d.EngagementTime,
	}
	for name, v := range d.Custom {
		floats[customFieldPrefix+name] = v
	}
	for field, v := range floats {
		if v != 0 {
			h.Float[field] = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", eris.Wrap(err, "redis: marshal metrics delta")
	}
	return string(b), nil
}

const customFieldPrefix = "custom:"

func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrapf(err, "redis: ping %s", cfg.Addr)
	}
	return NewRedisStore(client, cfg.Prefix), nil
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "splitgoat"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *RedisStore) CreateTest(ctx context.Context, test *Test) error {
	b, err := json.Marshal(test)
	if err != nil {
		return eris.Wrap(err, "redis: marshal test")
	}
	created, err := createTestScript.Run(ctx, s.client,
		[]string{s.key("test", test.ID), s.key("tests")},
		string(b), test.ID,
	).Int()
	if err != nil {
		return eris.Wrap(err, "redis: insert test")
	}
	if created == 0 {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) GetTest(ctx context.Context, id string) (*Test, error) {
	b, err := s.client.Get(ctx, s.key("test", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "redis: get test %s", id)
	}
	var t Test
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, eris.Wrap(err, "redis: unmarshal test")
	}
	return &t, nil
}

func (s *RedisStore) ListTests(ctx context.Context) ([]*Test, error) {
	ids, err := s.client.SMembers(ctx, s.key("tests")).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: list tests")
	}
	tests := make([]*Test, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	sortTests(tests)
	return tests, nil
}

func (s *RedisStore) UpdateTest(ctx context.Context, test *Test) error {
	b, err := json.Marshal(test)
	if err != nil {
		return eris.Wrap(err, "redis: marshal test")
	}
	ok, err := s.client.SetXX(ctx, s.key("test", test.ID), b, 0).Result()
	if err != nil {
		return eris.Wrapf(err, "redis: update test %s", test.ID)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) DeleteTest(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.key("test", id)).Result()
	if err != nil {
		return eris.Wrap(err, "redis: check test")
	}
	if n == 0 {
		return ErrNotFound
	}

	users, err := s.client.SMembers(ctx, s.key("assignees", id)).Result()
	if err != nil {
		return eris.Wrap(err, "redis: list assignees")
	}
	variants, err := s.client.SMembers(ctx, s.key("variants", id)).Result()
	if err != nil {
		return eris.Wrap(err, "redis: list metric variants")
	}

	keys := []string{s.key("test", id), s.key("assignees", id), s.key("variants", id)}
	for _, u := range users {
		keys = append(keys, s.key("assign", id, u), s.key("converted", id, u), s.key("conv", id, u))
	}
	for _, v := range variants {
		keys = append(keys, s.key("metrics", id, v))
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, s.key("tests"), id)
		return nil
	})
	return eris.Wrapf(err, "redis: delete test %s", id)
}

func (s *RedisStore) CreateAssignment(ctx context.Context, a *UserAssignment, onCreate MetricsDelta) (*UserAssignment, bool, error) {
	head := *a
	head.Conversions = nil
	head.HasConverted = false
	b, err := json.Marshal(&head)
	if err != nil {
		return nil, false, eris.Wrap(err, "redis: marshal assignment")
	}
	delta, err := encodeDelta(onCreate)
	if err != nil {
		return nil, false, err
	}

	created, err := createAssignmentScript.Run(ctx, s.client,
		[]string{
			s.key("assign", a.TestID, a.UserID),
			s.key("assignees", a.TestID),
			s.key("variants", a.TestID),
			s.key("metrics", a.TestID, a.VariantID),
		},
		string(b), a.UserID, a.VariantID, delta,
	).Int()
	if err != nil {
		return nil, false, eris.Wrap(err, "redis: create assignment")
	}
	if created == 1 {
		return &head, true, nil
	}

	existing, err := s.GetAssignment(ctx, a.TestID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *RedisStore) GetAssignment(ctx context.Context, testID, userID string) (*UserAssignment, error) {
	pipe := s.client.Pipeline()
	headCmd := pipe.Get(ctx, s.key("assign", testID, userID))
	convertedCmd := pipe.Exists(ctx, s.key("converted", testID, userID))
	eventsCmd := pipe.LRange(ctx, s.key("conv", testID, userID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, eris.Wrap(err, "redis: get assignment")
	}

	b, err := headCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "redis: get assignment")
	}

	var a UserAssignment
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, eris.Wrap(err, "redis: unmarshal assignment")
	}
	a.HasConverted = convertedCmd.Val() > 0
	for _, raw := range eventsCmd.Val() {
		var ev ConversionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, eris.Wrap(err, "redis: unmarshal conversion")
		}
		a.Conversions = append(a.Conversions, ev)
	}
	return &a, nil
}

func (s *RedisStore) ListAssignments(ctx context.Context, testID string) ([]*UserAssignment, error) {
	users, err := s.client.SMembers(ctx, s.key("assignees", testID)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: list assignees")
	}
	out := make([]*UserAssignment, 0, len(users))
	for _, u := range users {
		a, err := s.GetAssignment(ctx, testID, u)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	sortAssignments(out)
	return out, nil
}

func (s *RedisStore) AppendConversion(ctx context.Context, testID, userID string, ev ConversionEvent, delta ConversionDelta) (bool, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return false, eris.Wrap(err, "redis: marshal conversion")
	}
	always, err := encodeDelta(delta.Always)
	if err != nil {
		return false, err
	}
	first, err := encodeDelta(delta.First)
	if err != nil {
		return false, err
	}

	// The metrics key depends on the stored variant, so the script builds it from a prefix.
	res, err := appendConversionScript.Run(ctx, s.client,
		[]string{
			s.key("assign", testID, userID),
			s.key("converted", testID, userID),
			s.key("conv", testID, userID),
			s.key("variants", testID),
		},
		string(b), s.key("metrics", testID)+":", always, first,
	).Int()
	if err != nil {
		return false, eris.Wrap(err, "redis: append conversion")
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

func (s *RedisStore) IncrementMetrics(ctx context.Context, testID, variantID string, d MetricsDelta) error {
	delta, err := encodeDelta(d)
	if err != nil {
		return err
	}
	err = incrementScript.Run(ctx, s.client,
		[]string{s.key("variants", testID), s.key("metrics", testID, variantID)},
		variantID, delta,
	).Err()
	return eris.Wrap(err, "redis: increment metrics")
}

func (s *RedisStore) GetMetrics(ctx context.Context, testID string) (map[string]VariantMetrics, error) {
	variants, err := s.client.SMembers(ctx, s.key("variants", testID)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: list metric variants")
	}

	out := make(map[string]VariantMetrics, len(variants))
	for _, v := range variants {
		fields, err := s.client.HGetAll(ctx, s.key("metrics", testID, v)).Result()
		if err != nil {
			return nil, eris.Wrap(err, "redis: get metrics")
		}
		m, err := parseMetricsHash(fields)
		if err != nil {
			return nil, err
		}
		m.Derive()
		out[v] = m
	}
	return out, nil
}

func parseMetricsHash(fields map[string]string) (VariantMetrics, error) {
	var m VariantMetrics
	for field, raw := range fields {
		var err error
		switch {
		case field == "impressions":
			m.Impressions, err = strconv.ParseInt(raw, 10, 64)
		case field == "conversions":
			m.Conversions, err = strconv.ParseInt(raw, 10, 64)
		case field == "bounces":
			m.Bounces, err = strconv.ParseInt(raw, 10, 64)
		case field == "revenue":
			m.Revenue, err = strconv.ParseFloat(raw, 64)
		case field == "engagement_time":
			m.EngagementTime, err = strconv.ParseFloat(raw, 64)
		case strings.HasPrefix(field, customFieldPrefix):
			var v float64
			v, err = strconv.ParseFloat(raw, 64)
			if m.CustomMetrics == nil {
				m.CustomMetrics = make(map[string]float64)
			}
			m.CustomMetrics[strings.TrimPrefix(field, customFieldPrefix)] = v
		}
		if err != nil {
			return VariantMetrics{}, eris.Wrapf(err, "redis: parse metric %s", field)
		}
	}
	return m, nil
}
