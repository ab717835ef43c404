package game

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyLease = "lease:game:"

// ErrLeadershipLost signals that a renewal found the lease held by someone
// else (or expired). The holder must stop mutating round state immediately.
var ErrLeadershipLost = errors.New("leader lease lost")

// renewal and release only succeed while the key still carries our ID.
var leaseRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var leaseReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// LeaderLease elects one instance per game code to drive round transitions.
// The lease is a redis key holding the owner's instance ID with a TTL; it
// is only ever extended or surrendered by the owner itself, and expires on
// its own if the owner dies.
type LeaderLease struct {
	rdb        *redis.Client
	gameCode   string
	instanceID string
	ttl        time.Duration
}

func NewLeaderLease(rdb *redis.Client, gameCode, instanceID string, ttl time.Duration) *LeaderLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LeaderLease{rdb: rdb, gameCode: gameCode, instanceID: instanceID, ttl: ttl}
}

func (ll *LeaderLease) GameCode() string  { return ll.gameCode }
func (ll *LeaderLease) TTL() time.Duration { return ll.ttl }

// Current reports which instance holds the lease right now, "" for none.
func (ll *LeaderLease) Current(ctx context.Context) (string, error) {
	owner, err := ll.rdb.Get(ctx, redisKeyLease+ll.gameCode).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

// TryAcquire attempts to take the lease. A nil Leader with a nil error
// means another instance holds it.
func (ll *LeaderLease) TryAcquire(ctx context.Context) (*Leader, error) {
	// Deadline is stamped before the redis call so the local view always
	// expires no later than the key itself.
	now := time.Now()
	ok, err := ll.rdb.SetNX(ctx, redisKeyLease+ll.gameCode, ll.instanceID, ll.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	l := &Leader{lease: ll}
	l.deadline.Store(now.Add(ll.ttl).UnixNano())
	return l, nil
}

// Leader is the capability token handed to round-mutating code. It stays
// valid until its deadline; each successful renewal pushes the deadline
// forward, and a failed renewal invalidates it at once.
type Leader struct {
	lease    *LeaderLease
	deadline atomic.Int64 // unix nanos of last confirmed ownership + TTL
}

func (l *Leader) GameCode() string   { return l.lease.gameCode }
func (l *Leader) InstanceID() string { return l.lease.instanceID }

func (l *Leader) Deadline() time.Time {
	return time.Unix(0, l.deadline.Load())
}

func (l *Leader) Valid(now time.Time) bool {
	return now.UnixNano() < l.deadline.Load()
}

// Check gates round mutations on live leadership.
func (l *Leader) Check() error {
	if l == nil || !l.Valid(time.Now()) {
		return ErrNotLeader
	}
	return nil
}

// Renew extends the lease. ErrLeadershipLost means the key is no longer
// ours; the token is invalidated before returning.
func (l *Leader) Renew(ctx context.Context) error {
	now := time.Now()
	n, err := leaseRenewScript.Run(ctx, l.lease.rdb,
		[]string{redisKeyLease + l.lease.gameCode},
		l.lease.instanceID, l.lease.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		l.deadline.Store(0)
		return ErrLeadershipLost
	}
	l.deadline.Store(now.Add(l.lease.ttl).UnixNano())
	return nil
}

// Release surrenders the lease so a peer can take over without waiting out
// the TTL. Used on graceful shutdown.
func (l *Leader) Release(ctx context.Context) error {
	l.deadline.Store(0)
	_, err := leaseReleaseScript.Run(ctx, l.lease.rdb,
		[]string{redisKeyLease + l.lease.gameCode}, l.lease.instanceID).Result()
	return err
}
