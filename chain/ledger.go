package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"zkcredit/credit-prover/logging"
	"zkcredit/credit-prover/prover/common"
)

type LedgerState int

const (
	LedgerUnknown LedgerState = iota
	// LedgerReserved marks a submission that is in flight.
	LedgerReserved
	LedgerUsed
)

func (s LedgerState) String() string {
	switch s {
	case LedgerReserved:
		return "reserved"
	case LedgerUsed:
		return "used"
	}
	return "unknown"
}

// NullifierLedger is the local record of nullifiers this prover has submitted.
// It catches replays before any chain call is made.
type NullifierLedger interface {
	State(ctx context.Context, n *big.Int) (LedgerState, error)
	// Reserve claims n for one submission. It returns false if n is already
	// reserved or used.
	Reserve(ctx context.Context, n *big.Int) (bool, error)
	Commit(ctx context.Context, n *big.Int) error
	// Release drops a reservation. A committed nullifier stays used.
	Release(ctx context.Context, n *big.Int) error
}

type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]LedgerState
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]LedgerState)}
}

func (l *MemoryLedger) State(_ context.Context, n *big.Int) (LedgerState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[common.ToHex(n)], nil
}

func (l *MemoryLedger) Reserve(_ context.Context, n *big.Int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := common.ToHex(n)
	if l.entries[key] != LedgerUnknown {
		return false, nil
	}
	l.entries[key] = LedgerReserved
	return true, nil
}

func (l *MemoryLedger) Commit(_ context.Context, n *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[common.ToHex(n)] = LedgerUsed
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, n *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := common.ToHex(n)
	if l.entries[key] == LedgerReserved {
		delete(l.entries, key)
	}
	return nil
}

const (
	ledgerKeyPrefix = "credit_nullifier_"
	reservedValue   = "reserved"
	usedValue       = "used"
	// A reservation outlives any confirmation wait so a crashed submitter
	// cannot block its nullifier forever.
	DefaultReservationTTL = 30 * time.Minute
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLedger shares the ledger between prover instances.
type RedisLedger struct {
	client         *redis.Client
	reservationTTL time.Duration
}

func NewRedisLedger(client *redis.Client, reservationTTL time.Duration) *RedisLedger {
	if reservationTTL <= 0 {
		reservationTTL = DefaultReservationTTL
	}
	return &RedisLedger{client: client, reservationTTL: reservationTTL}
}

func ledgerKey(n *big.Int) string {
	return ledgerKeyPrefix + common.ToHex(n)
}

func (l *RedisLedger) State(ctx context.Context, n *big.Int) (LedgerState, error) {
	value, err := l.client.Get(ctx, ledgerKey(n)).Result()
	if err == redis.Nil {
		return LedgerUnknown, nil
	}
	if err != nil {
		return LedgerUnknown, fmt.Errorf("failed to read nullifier ledger: %w", err)
	}
	switch value {
	case reservedValue:
		return LedgerReserved, nil
	case usedValue:
		return LedgerUsed, nil
	}
	return LedgerUnknown, fmt.Errorf("unexpected nullifier ledger value %q", value)
}

func (l *RedisLedger) Reserve(ctx context.Context, n *big.Int) (bool, error) {
	ok, err := l.client.SetNX(ctx, ledgerKey(n), reservedValue, l.reservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve nullifier: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Commit(ctx context.Context, n *big.Int) error {
	if err := l.client.Set(ctx, ledgerKey(n), usedValue, 0).Err(); err != nil {
		return fmt.Errorf("failed to commit nullifier: %w", err)
	}
	logging.Logger().Debug().Str("nullifier", common.ToHex(n)).Msg("Nullifier committed")
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, n *big.Int) error {
	if err := releaseScript.Run(ctx, l.client, []string{ledgerKey(n)}, reservedValue).Err(); err != nil {
		return fmt.Errorf("failed to release nullifier: %w", err)
	}
	return nil
}
