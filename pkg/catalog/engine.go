package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const table = "products"

var requiredColumns = []string{"sku", "name", "price_cents", "stock"}

// Capabilities records which optional product columns the live schema has.
type Capabilities struct {
	PartnerScope bool
	Active       bool
	Extra        bool
	CreatedAt    bool
	UpdatedAt    bool
}

type Engine struct {
	db  *gorm.DB
	now func() time.Time

	mu   sync.Mutex
	caps *Capabilities
}

func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the products table when it does not exist. An existing
// table is left untouched whatever its shape.
func EnsureSchema(db *gorm.DB) error {
	if db.Migrator().HasTable(table) {
		return nil
	}
	return db.AutoMigrate(&Product{})
}

func (e *Engine) Capabilities(ctx context.Context) (Capabilities, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.caps != nil {
		return *e.caps, nil
	}
	caps, err := e.detect(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	e.caps = &caps
	return caps, nil
}

// Refresh drops the cached capabilities and inspects the schema again.
func (e *Engine) Refresh(ctx context.Context) (Capabilities, error) {
	e.mu.Lock()
	e.caps = nil
	e.mu.Unlock()
	return e.Capabilities(ctx)
}

func (e *Engine) detect(ctx context.Context) (Capabilities, error) {
	migrator := e.db.WithContext(ctx).Migrator()
	if !migrator.HasTable(table) {
		return Capabilities{}, &FatalUpsertError{Reason: "products table does not exist"}
	}
	columnTypes, err := migrator.ColumnTypes(table)
	if err != nil {
		if database.IsTransient(err) {
			return Capabilities{}, err
		}
		return Capabilities{}, &FatalUpsertError{Reason: "cannot inspect products table", Err: err}
	}

	columns := make(map[string]bool, len(columnTypes))
	for _, column := range columnTypes {
		columns[strings.ToLower(column.Name())] = true
	}

	var missing []string
	for _, name := range requiredColumns {
		if !columns[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Capabilities{}, &FatalUpsertError{Reason: "products table lacks required columns " + strings.Join(missing, ", ")}
	}

	caps := Capabilities{
		PartnerScope: columns["partner_id"],
		Active:       columns["active"],
		Extra:        columns["extra"],
		CreatedAt:    columns["created_at"],
		UpdatedAt:    columns["updated_at"],
	}
	logger.Log.WithFields(map[string]interface{}{
		"partner_scope": caps.PartnerScope,
		"active":        caps.Active,
		"extra":         caps.Extra,
	}).Debug("Detected catalog capabilities")
	return caps, nil
}

// Apply writes accepted records one row at a time. A row failure is recorded
// and the batch continues; a transient storage error stops the batch and is
// returned so the job can be retried. Rows already written stay written.
func (e *Engine) Apply(ctx context.Context, partnerID string, records []feed.Record) (Summary, error) {
	var summary Summary

	caps, err := e.Capabilities(ctx)
	if err != nil {
		return summary, err
	}

	for _, rec := range records {
		inserted, err := e.applyRow(ctx, caps, partnerID, rec)
		if err != nil && database.IsSchemaError(err) {
			caps, err = e.recoverSchema(ctx, err)
			if err == nil {
				inserted, err = e.applyRow(ctx, caps, partnerID, rec)
			}
		}
		if err != nil && database.IsUniqueViolation(err) {
			// A concurrent writer inserted the same key first; the retry updates it.
			inserted, err = e.applyRow(ctx, caps, partnerID, rec)
		}

		switch {
		case err == nil && inserted:
			summary.Inserted++
		case err == nil:
			summary.Updated++
		case IsFatal(err):
			return summary, err
		case database.IsSchemaError(err):
			return summary, &FatalUpsertError{Reason: "schema rejected write after refresh", Err: err}
		case database.IsTransient(err), errors.Is(err, context.Canceled):
			return summary, fmt.Errorf("upsert sku %s: %w", rec.SKU, err)
		default:
			summary.Failed = append(summary.Failed, RowFailure{Row: rec.Row, SKU: rec.SKU, Error: err.Error()})
		}
	}
	return summary, nil
}

func (e *Engine) recoverSchema(ctx context.Context, cause error) (Capabilities, error) {
	logger.Log.WithError(cause).Warn("Catalog write hit schema drift, re-detecting columns")
	return e.Refresh(ctx)
}

func (e *Engine) applyRow(ctx context.Context, caps Capabilities, partnerID string, rec feed.Record) (bool, error) {
	now := e.now()
	values := map[string]interface{}{
		"name":        rec.Name,
		"price_cents": derefInt(rec.PriceCents),
		"stock":       derefInt(rec.Stock),
	}
	if caps.Extra {
		extra, err := extraJSON(rec.Extra)
		if err != nil {
			return false, err
		}
		values["extra"] = extra
	}
	if caps.UpdatedAt {
		values["updated_at"] = now
	}

	update := e.db.WithContext(ctx).Table(table).Where("sku = ?", rec.SKU)
	if caps.PartnerScope {
		update = update.Where("partner_id = ?", partnerID)
	}
	result := update.Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return false, nil
	}

	insert := make(map[string]interface{}, len(values)+4)
	for key, value := range values {
		insert[key] = value
	}
	insert["sku"] = rec.SKU
	if caps.PartnerScope {
		insert["partner_id"] = partnerID
	}
	if caps.Active {
		insert["active"] = true
	}
	if caps.CreatedAt {
		insert["created_at"] = now
	}
	if err := e.db.WithContext(ctx).Table(table).Create(insert).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Lookup reads one product by its upsert key.
func (e *Engine) Lookup(ctx context.Context, partnerID, sku string) (*Product, error) {
	caps, err := e.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	query := e.db.WithContext(ctx).Table(table).Where("sku = ?", sku)
	if caps.PartnerScope {
		query = query.Where("partner_id = ?", partnerID)
	}
	var products []Product
	if err := query.Limit(1).Find(&products).Error; err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, ErrNotFound
	}
	return &products[0], nil
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func extraJSON(extra map[string]any) (datatypes.JSON, error) {
	if len(extra) == 0 {
		return datatypes.JSON("{}"), nil
	}
	encoded, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode extra: %w", err)
	}
	return datatypes.JSON(encoded), nil
}
