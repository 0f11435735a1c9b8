package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/catalog"
	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/diagnostics"
	"github.com/synaptica-ai/partner-ingest/pkg/dlp"
	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"github.com/synaptica-ai/partner-ingest/pkg/idempotency"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
	"github.com/synaptica-ai/partner-ingest/pkg/validation"
	"github.com/synaptica-ai/partner-ingest/pkg/worker"
)

const partialFeed = `[{"sku":"a","name":"A","price_cents":100,"stock":1},{"sku":"b","name":"","price_cents":-5,"stock":1}]`

type harness struct {
	service *Service
	jobs    *jobs.Store
	engine  *catalog.Engine
	diag    *diagnostics.Store
	audit   *audit.Log
	guard   *idempotency.Guard
}

func newHarness(t *testing.T, threshold int) *harness {
	t.Helper()
	logger.Silence()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "ingest.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })

	masker, err := dlp.NewMasker(dlp.DefaultRules(), 256)
	if err != nil {
		t.Fatalf("masker: %v", err)
	}
	h := &harness{
		jobs:   jobs.NewStore(db, 3),
		engine: catalog.NewEngine(db),
		diag:   diagnostics.NewStore(db, threshold),
		audit:  audit.NewLog(db, masker, nil),
	}
	guard := idempotency.NewGuard(db)
	h.guard = guard
	for _, migrate := range []func() error{h.jobs.AutoMigrate, h.diag.AutoMigrate, h.audit.AutoMigrate, guard.AutoMigrate} {
		if err := migrate(); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	if err := catalog.EnsureSchema(db); err != nil {
		t.Fatalf("catalog schema: %v", err)
	}

	h.service = NewService(Deps{
		DB:          db,
		Registry:    feed.NewRegistry(),
		Validator:   validation.NewValidator(nil),
		Guard:       guard,
		Jobs:        h.jobs,
		Engine:      h.engine,
		Diagnostics: h.diag,
		Audit:       h.audit,
		DefaultMode: validation.Lenient,
		SampleSize:  5,
	})
	return h
}

func (h *harness) worker() *worker.Worker {
	return worker.New(h.jobs, h.diag, h.audit, h.service, worker.Config{PollInterval: 5 * time.Millisecond})
}

func jsonRequest(partnerID, payload string, async bool) Request {
	return Request{PartnerID: partnerID, ContentType: "application/json", Payload: []byte(payload), Async: async}
}

func TestIngestSyncPartialAcceptance(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	resp, err := h.service.Ingest(ctx, jsonRequest("acme", partialFeed, false))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Status != StatusCompleted || resp.Summary == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Summary.Accepted != 1 || resp.Summary.Rejected != 1 || resp.Summary.Inserted != 1 {
		t.Fatalf("unexpected summary %+v", resp.Summary)
	}
	if len(resp.Rejected) != 1 || resp.Rejected[0].SKU != "b" {
		t.Fatalf("unexpected rejected sample %+v", resp.Rejected)
	}
	reason := resp.Rejected[0].Reason
	if !strings.Contains(reason, "name is required") || !strings.Contains(reason, "price_cents must be >= 0") {
		t.Fatalf("rejection should name both problems, got %q", reason)
	}

	if _, err := h.engine.Lookup(ctx, "acme", "a"); err != nil {
		t.Fatalf("sku a should be in the catalog: %v", err)
	}
	if _, err := h.engine.Lookup(ctx, "acme", "b"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("sku b should not be in the catalog, got %v", err)
	}
}

func TestIngestSyncDuplicateReturnsPriorOutcome(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	if _, err := h.service.Ingest(ctx, jsonRequest("acme", partialFeed, false)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	// Key order and whitespace differ, normalized content does not.
	reordered := `[ {"stock":1,"price_cents":100,"name":"A","sku":"a"}, {"stock":1,"price_cents":-5,"name":"","sku":"b"} ]`
	resp, err := h.service.Ingest(ctx, jsonRequest("acme", reordered, false))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if resp.Status != StatusDuplicate || !resp.Duplicate {
		t.Fatalf("expected duplicate, got %+v", resp)
	}
	if resp.Summary == nil || resp.Summary.Inserted != 1 || resp.Summary.Accepted != 1 {
		t.Fatalf("duplicate should carry the prior summary, got %+v", resp.Summary)
	}

	product, err := h.engine.Lookup(ctx, "acme", "a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !product.UpdatedAt.Equal(product.CreatedAt) {
		t.Fatalf("duplicate must not write the catalog again: %+v", product)
	}
}

func TestIngestSyncRecoversAbandonedImport(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	records, err := feed.NewRegistry().Parse("application/json", "", []byte(partialFeed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i := range records {
		records[i].PartnerID = "acme"
	}
	canonical, err := feed.Canonical(records)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	// Left behind by a process that died mid-import.
	if _, err := h.guard.CheckAndRecord(ctx, "acme", canonical, idempotency.Outcome{Mode: idempotency.ModeSync, Status: jobs.StatusProcessing}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, err := h.service.Ingest(ctx, jsonRequest("acme", partialFeed, false))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Duplicate || resp.Status != StatusCompleted || resp.Summary.Inserted != 1 {
		t.Fatalf("resubmission should be applied, got %+v", resp)
	}
	if _, err := h.engine.Lookup(ctx, "acme", "a"); err != nil {
		t.Fatalf("sku a should be in the catalog: %v", err)
	}

	resp, err = h.service.Ingest(ctx, jsonRequest("acme", partialFeed, false))
	if err != nil {
		t.Fatalf("third ingest: %v", err)
	}
	if !resp.Duplicate || resp.Prior == nil || resp.Prior.Status != StatusCompleted {
		t.Fatalf("expected duplicate of the completed import, got %+v", resp)
	}
}

func TestIngestAsyncIdempotency(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	first, err := h.service.Ingest(ctx, jsonRequest("acme", partialFeed, true))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Status != StatusAccepted || first.JobID == "" {
		t.Fatalf("expected accepted job, got %+v", first)
	}

	second, err := h.service.Ingest(ctx, jsonRequest("acme", partialFeed, true))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate || second.JobID != first.JobID {
		t.Fatalf("expected duplicate of %s, got %+v", first.JobID, second)
	}
	if second.Prior == nil || second.Prior.Status != jobs.StatusQueued {
		t.Fatalf("duplicate should report current job status, got %+v", second.Prior)
	}

	counts, err := h.jobs.CountByStatus(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[jobs.StatusQueued] != 1 {
		t.Fatalf("expected exactly one job, got %v", counts)
	}

	// The same feed from another partner is its own submission.
	other, err := h.service.Ingest(ctx, jsonRequest("globex", partialFeed, true))
	if err != nil {
		t.Fatalf("other partner ingest: %v", err)
	}
	if other.Duplicate || other.JobID == first.JobID {
		t.Fatalf("feeds are scoped per partner, got %+v", other)
	}
}

func TestIngestSyncAllRejected(t *testing.T) {
	h := newHarness(t, 4096)
	resp, err := h.service.Ingest(context.Background(), jsonRequest("acme", `[{"sku":"","name":"x","price_cents":1}]`, false))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if resp.Status != StatusRejected || resp.Summary.Rejected != 1 || resp.Summary.Accepted != 0 {
		t.Fatalf("expected rejected response, got %+v", resp)
	}
	if len(resp.Summary.Errors) != 1 || !strings.Contains(resp.Summary.Errors[0], "sku is required") {
		t.Fatalf("unexpected errors summary %v", resp.Summary.Errors)
	}
}

func TestIngestParseErrorIsAudited(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	_, err := h.service.Ingest(ctx, jsonRequest("acme", `[{"sku":"a"`, true))
	if !feed.IsParseError(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
	entries, err := h.audit.List(ctx, audit.Filter{Action: audit.ActionParseFailed})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one parse_failed entry, got %d", len(entries))
	}
	counts, _ := h.jobs.CountByStatus(ctx, "")
	if counts[jobs.StatusQueued] != 0 {
		t.Fatalf("unparsable feed must not enqueue a job, got %v", counts)
	}
}

func TestIngestRejectsBadRequests(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	cases := map[string]Request{
		"no partner": jsonRequest("", partialFeed, true),
		"empty":      jsonRequest("acme", "", true),
		"bad mode":   {PartnerID: "acme", ContentType: "application/json", Payload: []byte(partialFeed), Mode: "loose"},
	}
	for name, req := range cases {
		if _, err := h.service.Ingest(ctx, req); !IsRequestError(err) {
			t.Fatalf("%s: expected request error, got %v", name, err)
		}
	}
}

func TestAsyncJobCompletesThroughWorker(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	csvFeed := "sku,name,price,stock,color\nx,Lamp,5.00,10,red\ny,Bulb,1.25,,white\n"
	resp, err := h.service.Ingest(ctx, Request{PartnerID: "acme", ContentType: "text/csv", Payload: []byte(csvFeed), Async: true})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	claimed, err := h.worker().ProcessOnce(ctx)
	if err != nil || !claimed {
		t.Fatalf("process once: claimed=%v err=%v", claimed, err)
	}

	view, err := h.service.Status(ctx, resp.JobID, jobs.Scope{PartnerID: "acme"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != jobs.StatusCompleted || view.AcceptedCount != 2 || view.RejectedCount != 0 || view.Attempts != 1 {
		t.Fatalf("unexpected status %+v", view)
	}

	product, err := h.engine.Lookup(ctx, "acme", "y")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if product.PriceCents != 125 || product.Stock != 0 {
		t.Fatalf("unexpected product %+v", product)
	}

	if _, err := h.service.Status(ctx, resp.JobID, jobs.Scope{PartnerID: "globex"}); !errors.Is(err, jobs.ErrForbidden) {
		t.Fatalf("other partner should be forbidden, got %v", err)
	}
}

func TestUpsertAcrossFeeds(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	for _, payload := range []string{
		`[{"sku":"x","name":"X","price_cents":500,"stock":10}]`,
		`[{"sku":"x","name":"X","price_cents":450,"stock":8}]`,
	} {
		if _, err := h.service.Ingest(ctx, jsonRequest("acme", payload, false)); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	product, err := h.engine.Lookup(ctx, "acme", "x")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if product.PriceCents != 450 || product.Stock != 8 {
		t.Fatalf("expected latest price and stock, got %+v", product)
	}
}

func TestAllRejectedJobFailsWithOffloadedDiagnostics(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	resp, err := h.service.Ingest(ctx, jsonRequest("acme", `[{"sku":"a","name":"","price_cents":-1}]`, true))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := h.worker().ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}

	view, err := h.service.Status(ctx, resp.JobID, jobs.Scope{PartnerID: "acme"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != jobs.StatusFailed || view.Attempts != 1 {
		t.Fatalf("all-rejected job should fail without retry, got %+v", view)
	}
	if view.DiagnosticsKey == "" || view.Diagnostics != nil {
		t.Fatalf("diagnostics should be offloaded, got key=%q inline=%v", view.DiagnosticsKey, view.Diagnostics)
	}

	if _, err := h.service.Diagnostics(ctx, view.DiagnosticsKey, jobs.Scope{PartnerID: "acme"}); !errors.Is(err, jobs.ErrForbidden) {
		t.Fatalf("partner should not read diagnostics, got %v", err)
	}
	blob, err := h.service.Diagnostics(ctx, view.DiagnosticsKey, jobs.Scope{Admin: true})
	if err != nil {
		t.Fatalf("admin diagnostics: %v", err)
	}
	if blob.JobID != resp.JobID || !strings.Contains(string(blob.Content), "name is required") {
		t.Fatalf("unexpected diagnostics blob %s", blob.Content)
	}
}

func TestRequeueFailedJobRunsAgain(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	resp, err := h.service.Ingest(ctx, jsonRequest("acme", `[{"sku":"a","name":"","price_cents":1}]`, true))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	w := h.worker()
	if _, err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process once: %v", err)
	}

	if _, err := h.service.Requeue(ctx, resp.JobID, jobs.Scope{PartnerID: "globex"}); !errors.Is(err, jobs.ErrForbidden) {
		t.Fatalf("other partner requeue should be forbidden, got %v", err)
	}
	view, err := h.service.Requeue(ctx, resp.JobID, jobs.Scope{PartnerID: "acme"})
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if view.Status != jobs.StatusQueued || view.Attempts != 0 || view.LastError != "" {
		t.Fatalf("requeue should reset the job, got %+v", view)
	}
	if _, err := h.service.Requeue(ctx, resp.JobID, jobs.Scope{PartnerID: "acme"}); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("requeue of a queued job should be rejected, got %v", err)
	}

	if _, err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	view, err = h.service.Status(ctx, resp.JobID, jobs.Scope{Admin: true})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != jobs.StatusFailed || view.Attempts != 1 {
		t.Fatalf("requeued job should run from scratch, got %+v", view)
	}
	if view.Diagnostics == nil {
		t.Fatalf("small diagnostics should stay inline for admins")
	}

	count, err := h.service.RequeueFailed(ctx, jobs.Scope{PartnerID: "acme"}, "")
	if err != nil || count != 1 {
		t.Fatalf("requeue failed: count=%d err=%v", count, err)
	}
}

func TestValidateDoesNotPersist(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	report, err := h.service.Validate(ctx, "application/json", "", "strict", []byte(`[{"sku":"a","name":"A","price_cents":1,"color":"red"}]`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Mode != "strict" || report.Summary.Rejected != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !strings.Contains(report.Rejected[0].Reason, "unrecognized fields: color") {
		t.Fatalf("unexpected reason %q", report.Rejected[0].Reason)
	}
	if _, err := h.engine.Lookup(ctx, "", "a"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("validate must not write the catalog, got %v", err)
	}
}

func TestOverviewAndAuditTrail(t *testing.T) {
	h := newHarness(t, 4096)
	ctx := context.Background()

	if _, err := h.service.Ingest(ctx, jsonRequest("acme", partialFeed, true)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	overview, err := h.service.Overview(ctx, jobs.ListFilter{})
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.Counts[jobs.StatusQueued] != 1 || len(overview.Recent) != 1 {
		t.Fatalf("unexpected overview %+v", overview)
	}

	entries, err := h.service.AuditTrail(ctx, audit.Filter{PartnerID: "acme", Action: audit.ActionEnqueue})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one enqueue entry, got %d", len(entries))
	}
}
