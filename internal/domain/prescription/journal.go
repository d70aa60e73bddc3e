package prescription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rxledger/pkg/pagination"
)

// Operation names a lifecycle write.
type Operation string

const (
	OperationCreate   Operation = "create"
	OperationUpdate   Operation = "update"
	OperationRevoke   Operation = "revoke"
	OperationDispense Operation = "dispense"
)

// VerificationOutcome records whether a write became visible to reads.
type VerificationOutcome struct {
	ID             uuid.UUID `json:"id"`
	Operation      Operation `json:"operation"`
	PatientID      string    `json:"patientId"`
	PrescriptionID string    `json:"prescriptionId"`
	TxID           string    `json:"txId,omitempty"`
	Attempts       int       `json:"attempts"`
	Verified       bool      `json:"verified"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

// Journal stores verification outcomes. List returns newest first along
// with the total count.
type Journal interface {
	Record(ctx context.Context, o *VerificationOutcome) error
	List(ctx context.Context, limit, offset int) ([]*VerificationOutcome, int, error)
}

// MemoryJournal keeps the most recent outcomes in process.
type MemoryJournal struct {
	mu    sync.RWMutex
	items []*VerificationOutcome
	max   int
}

const defaultMemoryJournalSize = 1000

// NewMemoryJournal returns a journal retaining at most max outcomes
// (1000 when max <= 0).
func NewMemoryJournal(max int) *MemoryJournal {
	if max <= 0 {
		max = defaultMemoryJournalSize
	}
	return &MemoryJournal{max: max}
}

func (j *MemoryJournal) Record(_ context.Context, o *VerificationOutcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	cp := *o
	j.mu.Lock()
	defer j.mu.Unlock()
	j.items = append(j.items, &cp)
	if over := len(j.items) - j.max; over > 0 {
		j.items = append([]*VerificationOutcome(nil), j.items[over:]...)
	}
	return nil
}

func (j *MemoryJournal) List(_ context.Context, limit, offset int) ([]*VerificationOutcome, int, error) {
	j.mu.RLock()
	all := make([]*VerificationOutcome, 0, len(j.items))
	for i := len(j.items) - 1; i >= 0; i-- {
		all = append(all, j.items[i])
	}
	j.mu.RUnlock()

	sortNewestFirst(all)
	return pagination.Slice(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}

func sortNewestFirst(items []*VerificationOutcome) {
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].FinishedAt.After(items[b].FinishedAt)
	})
}
