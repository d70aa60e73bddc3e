package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	vj_<inverted finish time>_<id>  outcome JSON, so key order is newest first
//	meta_vj_count                   number of stored outcomes
const (
	levelOutcomePrefix = "vj_"
	levelCountKey      = "meta_vj_count"
)

// JournalLevelDB stores verification outcomes in an embedded LevelDB.
type JournalLevelDB struct {
	db *leveldb.DB
	mu sync.Mutex // serializes count updates
}

// OpenJournalLevelDB opens or creates the journal at path.
func OpenJournalLevelDB(path string) (*JournalLevelDB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb journal %s: %w", path, err)
	}
	return &JournalLevelDB{db: ldb}, nil
}

func (j *JournalLevelDB) Close() error {
	return j.db.Close()
}

func levelOutcomeKey(o *VerificationOutcome) []byte {
	inverted := math.MaxInt64 - o.FinishedAt.UnixNano()
	return []byte(fmt.Sprintf("%s%019d_%s", levelOutcomePrefix, inverted, o.ID))
}

func (j *JournalLevelDB) Record(_ context.Context, o *VerificationOutcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode verification outcome: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	count, err := j.count()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(levelOutcomeKey(o), data)
	batch.Put([]byte(levelCountKey), []byte(strconv.Itoa(count+1)))
	if err := j.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write verification outcome: %w", err)
	}
	return nil
}

func (j *JournalLevelDB) List(_ context.Context, limit, offset int) ([]*VerificationOutcome, int, error) {
	total, err := j.count()
	if err != nil {
		return nil, 0, err
	}

	items := []*VerificationOutcome{}
	it := j.db.NewIterator(util.BytesPrefix([]byte(levelOutcomePrefix)), nil)
	defer it.Release()

	skipped := 0
	for it.Next() {
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(items) >= limit {
			break
		}
		var o VerificationOutcome
		if err := json.Unmarshal(it.Value(), &o); err != nil {
			return nil, 0, fmt.Errorf("decode verification outcome %s: %w", it.Key(), err)
		}
		items = append(items, &o)
	}
	if err := it.Error(); err != nil {
		return nil, 0, fmt.Errorf("iterate verification outcomes: %w", err)
	}
	return items, total, nil
}

func (j *JournalLevelDB) count() (int, error) {
	v, err := j.db.Get([]byte(levelCountKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read journal count: %w", err)
	}
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, fmt.Errorf("corrupt journal count %q: %w", v, err)
	}
	return n, nil
}
