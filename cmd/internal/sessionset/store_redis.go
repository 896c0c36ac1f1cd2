package sessionset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis.
//
// Each account uses three keys sharing a hash tag so they land on one slot:
//   - <prefix>acct:{id}      existence marker
//   - <prefix>sessions:{id}  list, active set in insertion order
//   - <prefix>evicted:{id}   list, most recent evictions
//
// Every operation is one Lua script. Redis runs a script without interleaving
// other commands, which gives per-account linearizability without WATCH loops.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
	retry     retrier
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key prefix (default "sessiongate:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithRedisRetry overrides the transient-failure retry policy.
func WithRedisRetry(p RetryPolicy) RedisOption {
	return func(s *RedisStore) { s.retry = newRetrier(p, isTransientRedis) }
}

// WithOwnedClient makes Close close the underlying client.
func WithOwnedClient() RedisOption {
	return func(s *RedisStore) { s.ownClient = true }
}

// NewRedisStore constructs a Redis-backed Store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("sessionset: redis client is required")
	}
	s := &RedisStore{
		client:    client,
		keyPrefix: "sessiongate:",
		retry:     newRetrier(DefaultRetryPolicy(), isTransientRedis),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close closes the client when the store owns it.
func (s *RedisStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *RedisStore) keys(accountID string) []string {
	tag := "{" + accountID + "}"
	return []string{
		s.keyPrefix + "acct:" + tag,
		s.keyPrefix + "sessions:" + tag,
		s.keyPrefix + "evicted:" + tag,
	}
}

// Reply codes shared by the scripts below.
const (
	rcAccountNotFound = -1
	rcUnknown         = 0
	rcActive          = 1
	rcEvicted         = 2

	rcAdmitted      = 1
	rcAlreadyActive = 2
	rcConflict      = 3

	rcSwapped          = 1
	rcVictimNotFound   = 2
	rcSelfRejected     = 3
	rcNewAlreadyActive = 4

	rcRemoved  = 1
	rcNotFound = 0
)

var lookupScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
for _, v in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do
  if v == ARGV[1] then return 1 end
end
for _, v in ipairs(redis.call('LRANGE', KEYS[3], 0, -1)) do
  if v == ARGV[1] then return 2 end
end
return 0
`)

var listScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local out = {0}
for _, v in ipairs(redis.call('LRANGE', KEYS[2], 0, -1)) do out[#out + 1] = v end
return out
`)

var admitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local cur = redis.call('LRANGE', KEYS[2], 0, -1)
local code = 3
local present = false
for _, v in ipairs(cur) do
  if v == ARGV[1] then present = true break end
end
if present then
  code = 2
elseif #cur < tonumber(ARGV[2]) then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  redis.call('LREM', KEYS[3], 0, ARGV[1])
  cur[#cur + 1] = ARGV[1]
  code = 1
end
local out = {code}
for _, v in ipairs(cur) do out[#out + 1] = v end
return out
`)

var removeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('LREM', KEYS[2], 1, ARGV[1]) > 0 then return 1 end
return 0
`)

var swapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local cur = redis.call('LRANGE', KEYS[2], 0, -1)
local code = 1
if ARGV[1] == ARGV[2] then
  code = 3
else
  local hasVictim, hasNew = false, false
  for _, v in ipairs(cur) do
    if v == ARGV[1] then hasVictim = true end
    if v == ARGV[2] then hasNew = true end
  end
  if not hasVictim then
    code = 2
  elseif hasNew then
    code = 4
  end
end
if code == 1 then
  redis.call('LREM', KEYS[2], 1, ARGV[1])
  redis.call('RPUSH', KEYS[2], ARGV[2])
  redis.call('LREM', KEYS[3], 0, ARGV[2])
  redis.call('LREM', KEYS[3], 0, ARGV[1])
  redis.call('RPUSH', KEYS[3], ARGV[1])
  redis.call('LTRIM', KEYS[3], -tonumber(ARGV[3]), -1)
  cur = redis.call('LRANGE', KEYS[2], 0, -1)
end
local out = {code}
for _, v in ipairs(cur) do out[#out + 1] = v end
return out
`)

// EnsureAccount sets the account marker if missing.
func (s *RedisStore) EnsureAccount(ctx context.Context, accountID string) (bool, error) {
	const op = "sessionset.EnsureAccount"
	if err := checkAccount(op, accountID); err != nil {
		return false, err
	}

	var created bool
	err := s.retry.do(ctx, op, func() error {
		ok, err := s.client.SetNX(ctx, s.keys(accountID)[0], "1", 0).Result()
		if err != nil {
			return err
		}
		created = ok
		return nil
	})
	return created, err
}

// Contains reports whether sessionID is active.
func (s *RedisStore) Contains(ctx context.Context, accountID, sessionID string) (bool, error) {
	m, err := s.Lookup(ctx, accountID, sessionID)
	if err != nil {
		return false, err
	}
	return m == MemberActive, nil
}

// Lookup classifies sessionID for the account.
func (s *RedisStore) Lookup(ctx context.Context, accountID, sessionID string) (Membership, error) {
	const op = "sessionset.Lookup"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return MemberUnknown, err
	}

	var code int64
	err := s.retry.do(ctx, op, func() error {
		var err error
		code, err = lookupScript.Run(ctx, s.client, s.keys(accountID), sessionID).Int64()
		return err
	})
	if err != nil {
		return MemberUnknown, err
	}

	switch code {
	case rcAccountNotFound:
		return MemberUnknown, accountNotFound(op)
	case rcActive:
		return MemberActive, nil
	case rcEvicted:
		return MemberEvicted, nil
	case rcUnknown:
		return MemberUnknown, nil
	default:
		return MemberUnknown, unexpectedCode(op, code)
	}
}

// List returns the active set in insertion order.
func (s *RedisStore) List(ctx context.Context, accountID string) ([]string, error) {
	const op = "sessionset.List"
	if err := checkAccount(op, accountID); err != nil {
		return nil, err
	}

	code, set, err := s.runSetScript(ctx, op, listScript, accountID)
	if err != nil {
		return nil, err
	}
	if code == rcAccountNotFound {
		return nil, accountNotFound(op)
	}
	return set, nil
}

// TryAdmit appends sessionID iff absent and below capacity.
func (s *RedisStore) TryAdmit(ctx context.Context, accountID, sessionID string, maxSessions int) (AdmitResult, error) {
	const op = "sessionset.TryAdmit"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return AdmitResult{}, err
	}
	if maxSessions <= 0 {
		return AdmitResult{}, invalidInput(op, "max sessions")
	}

	code, set, err := s.runSetScript(ctx, op, admitScript, accountID, sessionID, maxSessions)
	if err != nil {
		return AdmitResult{}, err
	}

	switch code {
	case rcAccountNotFound:
		return AdmitResult{}, accountNotFound(op)
	case rcAdmitted:
		return AdmitResult{Outcome: AdmitAdmitted, Active: set}, nil
	case rcAlreadyActive:
		return AdmitResult{Outcome: AdmitAlreadyActive, Active: set}, nil
	case rcConflict:
		return AdmitResult{Outcome: AdmitCapacityConflict, Active: set}, nil
	default:
		return AdmitResult{}, unexpectedCode(op, code)
	}
}

// Remove deletes sessionID from the active set.
func (s *RedisStore) Remove(ctx context.Context, accountID, sessionID string) (RemoveOutcome, error) {
	const op = "sessionset.Remove"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return 0, err
	}

	var code int64
	err := s.retry.do(ctx, op, func() error {
		var err error
		code, err = removeScript.Run(ctx, s.client, s.keys(accountID), sessionID).Int64()
		return err
	})
	if err != nil {
		return 0, err
	}

	switch code {
	case rcAccountNotFound:
		return 0, accountNotFound(op)
	case rcRemoved:
		return Removed, nil
	case rcNotFound:
		return NotFound, nil
	default:
		return 0, unexpectedCode(op, code)
	}
}

// Swap evicts victimID and appends newID in one script.
func (s *RedisStore) Swap(ctx context.Context, accountID, victimID, newID string) (SwapResult, error) {
	const op = "sessionset.Swap"
	if err := checkPair(op, accountID, victimID); err != nil {
		return SwapResult{}, err
	}
	if !validID(newID) {
		return SwapResult{}, invalidInput(op, "new session id")
	}

	code, set, err := s.runSetScript(ctx, op, swapScript, accountID, victimID, newID, MaxEvictedRemembered)
	if err != nil {
		return SwapResult{}, err
	}

	switch code {
	case rcAccountNotFound:
		return SwapResult{}, accountNotFound(op)
	case rcSwapped:
		return SwapResult{Outcome: SwapSwapped, Active: set}, nil
	case rcVictimNotFound:
		return SwapResult{Outcome: SwapVictimNotFound, Active: set}, nil
	case rcSelfRejected:
		return SwapResult{Outcome: SwapSelfRejected, Active: set}, nil
	case rcNewAlreadyActive:
		return SwapResult{Outcome: SwapNewAlreadyActive, Active: set}, nil
	default:
		return SwapResult{}, unexpectedCode(op, code)
	}
}

// runSetScript runs a script whose reply is {code, session...}.
func (s *RedisStore) runSetScript(ctx context.Context, op string, script *redis.Script, accountID string, args ...any) (int64, []string, error) {
	var reply []any
	err := s.retry.do(ctx, op, func() error {
		var err error
		reply, err = script.Run(ctx, s.client, s.keys(accountID), args...).Slice()
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return decodeSetReply(op, reply)
}

func decodeSetReply(op string, reply []any) (int64, []string, error) {
	if len(reply) == 0 {
		return 0, nil, OpError{Op: op, Kind: ErrUnexpectedReply, Msg: "empty reply"}
	}
	code, ok := reply[0].(int64)
	if !ok {
		return 0, nil, OpError{Op: op, Kind: ErrUnexpectedReply, Msg: fmt.Sprintf("code type %T", reply[0])}
	}
	set := make([]string, 0, len(reply)-1)
	for _, v := range reply[1:] {
		id, ok := v.(string)
		if !ok {
			return 0, nil, OpError{Op: op, Kind: ErrUnexpectedReply, Msg: fmt.Sprintf("member type %T", v)}
		}
		set = append(set, id)
	}
	return code, set, nil
}

func unexpectedCode(op string, code int64) error {
	return OpError{Op: op, Kind: ErrUnexpectedReply, Msg: fmt.Sprintf("code %d", code)}
}

// isTransientRedis reports network failures and server states that clear on their own.
func isTransientRedis(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, prefix := range []string{"LOADING", "BUSY", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

var _ Store = (*RedisStore)(nil)
