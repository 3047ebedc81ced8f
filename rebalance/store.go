package rebalance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
)

// TaskState is the rebalance task lifecycle position.
type TaskState int

const (
	StatePending TaskState = iota
	StateSwapping
	StateFunding
	StateVerifying
	StateDone
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSwapping:
		return "swapping"
	case StateFunding:
		return "funding"
	case StateVerifying:
		return "verifying"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Task is one refill of one relayer in one token. Tasks are persisted after
// every state transition so a restart resumes them instead of duplicating
// transfers.
type Task struct {
	ID      string         `json:"id"`
	Relayer common.Address `json:"relayer"`
	Token   common.Address `json:"token"`

	// Amount is the top-up to transfer; Target is the balance the relayer
	// should reach.
	Amount *uint256.Int `json:"amount"`
	Target *uint256.Int `json:"target"`

	State    TaskState `json:"state"`
	Attempts int       `json:"attempts"`

	// FundingTx is set once a transfer is broadcast. On resume it lets the
	// verifier pick up an in-flight transfer instead of sending another.
	FundingTx common.Hash `json:"funding_tx"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskStore persists rebalance tasks across restarts.
type TaskStore interface {
	Save(ctx context.Context, task *Task) error
	Load(ctx context.Context) ([]*Task, error)
	Remove(ctx context.Context, id string) error
}

// MemoryStore is the single-process task store. Tasks survive as long as the
// process does; multi-instance deployments use the Redis store.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string][]byte
}

// NewMemoryStore creates an empty in-process task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string][]byte)}
}

func (s *MemoryStore) Save(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = raw
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, 0, len(s.tasks))
	for id, raw := range s.tasks {
		task := new(Task)
		if err := json.Unmarshal(raw, task); err != nil {
			return nil, fmt.Errorf("decoding task %s: %w", id, err)
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

const redisTaskHash = "rebalance-tasks"

// RedisStore persists tasks in a Redis hash, one field per task.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	if err := s.client.HSet(ctx, redisTaskHash, task.ID, raw).Err(); err != nil {
		return fmt.Errorf("redis save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]*Task, error) {
	fields, err := s.client.HGetAll(ctx, redisTaskHash).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load tasks: %w", err)
	}

	out := make([]*Task, 0, len(fields))
	for id, raw := range fields {
		task := new(Task)
		if err := json.Unmarshal([]byte(raw), task); err != nil {
			return nil, fmt.Errorf("decoding task %s: %w", id, err)
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, redisTaskHash, id).Err(); err != nil {
		return fmt.Errorf("redis remove task %s: %w", id, err)
	}
	return nil
}
