package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/choijoonbin/aura-platform-sub000/types"
)

// SuspensionStatus tracks a paused run awaiting approval.
type SuspensionStatus string

const (
	// SuspensionSuspended 等待审批，可通过 Resume 重入
	SuspensionSuspended SuspensionStatus = "suspended"
	// SuspensionResuming 已被 Resume 认领，新运行正在等待或处理审批
	SuspensionResuming SuspensionStatus = "resuming"
	SuspensionApproved SuspensionStatus = "approved"
	SuspensionRejected SuspensionStatus = "rejected"
	SuspensionTimedOut SuspensionStatus = "timed_out"
)

// Suspension records where a run paused so it can be re-entered, possibly
// by another process after a restart.
type Suspension struct {
	Token      string           `gorm:"primaryKey;size:64" json:"token"`
	RunID      string           `gorm:"size:64;not null;index:idx_run_suspensions_run" json:"runId"`
	ResourceID string           `gorm:"size:128;index:idx_run_suspensions_resource" json:"resourceId"`
	TenantID   string           `gorm:"size:64" json:"tenantId,omitempty"`
	UserID     string           `gorm:"size:64" json:"userId,omitempty"`
	Stage      string           `gorm:"size:32" json:"stage"`
	Step       string           `gorm:"size:128" json:"step"`
	RequestID  string           `gorm:"size:64;not null" json:"requestId"`
	SessionID  string           `gorm:"size:64;not null" json:"sessionId"`
	Status     SuspensionStatus `gorm:"size:16;not null;index:idx_run_suspensions_status" json:"status"`
	Input      string           `gorm:"type:text" json:"input,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

func (Suspension) TableName() string {
	return "run_suspensions"
}

var (
	ErrSuspensionNotFound = types.NewError(types.ErrNotFound, "suspension not found")
	ErrSuspensionConflict = types.NewError(types.ErrConflict, "suspension status changed")
)

// SuspensionStore persists suspensions.
type SuspensionStore interface {
	Save(ctx context.Context, s *Suspension) error
	Get(ctx context.Context, token string) (*Suspension, error)
	// Transition moves token from one status to another, failing with
	// ErrSuspensionConflict if the current status is not from.
	Transition(ctx context.Context, token string, from, to SuspensionStatus) error
	ListByRun(ctx context.Context, runID string) ([]Suspension, error)
}

// =============================================================================
// 🧠 内存存储
// =============================================================================

// MemorySuspensionStore keeps suspensions in process memory.
type MemorySuspensionStore struct {
	mu    sync.Mutex
	items map[string]Suspension
}

func NewMemorySuspensionStore() *MemorySuspensionStore {
	return &MemorySuspensionStore{items: make(map[string]Suspension)}
}

func (s *MemorySuspensionStore) Save(_ context.Context, sus *Suspension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if sus.CreatedAt.IsZero() {
		sus.CreatedAt = now
	}
	sus.UpdatedAt = now
	s.items[sus.Token] = *sus
	return nil
}

func (s *MemorySuspensionStore) Get(_ context.Context, token string) (*Suspension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sus, ok := s.items[token]
	if !ok {
		return nil, ErrSuspensionNotFound
	}
	return &sus, nil
}

func (s *MemorySuspensionStore) Transition(_ context.Context, token string, from, to SuspensionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sus, ok := s.items[token]
	if !ok {
		return ErrSuspensionNotFound
	}
	if sus.Status != from {
		return ErrSuspensionConflict
	}
	sus.Status = to
	sus.UpdatedAt = time.Now().UTC()
	s.items[token] = sus
	return nil
}

func (s *MemorySuspensionStore) ListByRun(_ context.Context, runID string) ([]Suspension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Suspension
	for _, sus := range s.items {
		if sus.RunID == runID {
			out = append(out, sus)
		}
	}
	return out, nil
}

// =============================================================================
// 🗄️ GORM 存储
// =============================================================================

// GormSuspensionStore keeps suspensions in a SQL database.
type GormSuspensionStore struct {
	db *gorm.DB
}

// NewGormSuspensionStore wraps db. The run_suspensions table is created by
// the migrations in internal/migration, or by AutoMigrate in tests.
func NewGormSuspensionStore(db *gorm.DB) *GormSuspensionStore {
	return &GormSuspensionStore{db: db}
}

// AutoMigrate creates or updates the run_suspensions table.
func (s *GormSuspensionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&Suspension{})
}

func (s *GormSuspensionStore) Save(ctx context.Context, sus *Suspension) error {
	if err := s.db.WithContext(ctx).Create(sus).Error; err != nil {
		return fmt.Errorf("save suspension: %w", err)
	}
	return nil
}

func (s *GormSuspensionStore) Get(ctx context.Context, token string) (*Suspension, error) {
	var sus Suspension
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&sus).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSuspensionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get suspension: %w", err)
	}
	return &sus, nil
}

func (s *GormSuspensionStore) Transition(ctx context.Context, token string, from, to SuspensionStatus) error {
	res := s.db.WithContext(ctx).Model(&Suspension{}).
		Where("token = ? AND status = ?", token, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("transition suspension: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.Get(ctx, token); err != nil {
		return err
	}
	return ErrSuspensionConflict
}

func (s *GormSuspensionStore) ListByRun(ctx context.Context, runID string) ([]Suspension, error) {
	var out []Suspension
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list suspensions: %w", err)
	}
	return out, nil
}
