// persistence/interface.go
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfunc/crawlparty/models"
)

// Store is the data-access contract shared by the crawl services and the
// replication layer. Subscribers are called at least once per committed
// change and must re-fetch rather than trust any payload.
type Store interface {
	// ReadAll fills dest, a pointer to a slice of models, in table order.
	ReadAll(ctx context.Context, table string, dest any) error
	Get(ctx context.Context, table, id string, dest any) error
	// Insert stores record, generating its id when empty.
	Insert(ctx context.Context, table string, record models.Record) error
	Update(ctx context.Context, table, id string, fields map[string]any) error
	Delete(ctx context.Context, table, id string) error
	DeleteAll(ctx context.Context, table string) error
	Subscribe(table string, onChange func()) (unsubscribe func())
	Close() error
}

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrUnknownTable   = errors.New("unknown table")
)

// StoreError wraps every backend failure with the operation that caused it.
type StoreError struct {
	Op    string
	Table string
	ID    string
	Err   error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Table, e.ID, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op, table, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Table: table, ID: id, Err: err}
}

// orderColumns is the stable read order of each table.
var orderColumns = map[string]string{
	models.TableParticipants: "created_at",
	models.TableDrinkLog:     "timestamp",
	models.TableRouteStops:   "order_index",
	models.TableCrawlState:   "id",
	models.TablePongMatches:  "created_at",
	models.TableCurrentMatch: "id",
}

func knownTable(table string) bool {
	_, ok := orderColumns[table]
	return ok
}

// EnsureRow loads the singleton row id into dest, inserting def first when
// the row does not exist yet.
func EnsureRow(ctx context.Context, s Store, table, id string, dest any, def models.Record) error {
	err := s.Get(ctx, table, id, dest)
	if !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	def.SetID(id)
	if err := s.Insert(ctx, table, def); err != nil {
		// another replica may have created it first
		if getErr := s.Get(ctx, table, id, dest); getErr == nil {
			return nil
		}
		return err
	}
	return s.Get(ctx, table, id, dest)
}
