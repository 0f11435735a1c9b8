package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
	"github.com/synaptica-ai/partner-ingest/pkg/validation"
	"github.com/synaptica-ai/partner-ingest/pkg/worker"
)

const maxRejectionDetail = 500

// ProcessJob runs one attempt of an async job from its stored payload. Every
// attempt starts from the first record; rows already written are simply
// updated again.
func (s *Service) ProcessJob(ctx context.Context, job *jobs.Job) (worker.Result, error) {
	payload, err := s.jobs.LoadPayload(ctx, job.PayloadRef)
	if err != nil {
		return worker.Result{}, err
	}

	var records []feed.Record
	dec := json.NewDecoder(bytes.NewReader(payload.Records))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return worker.Result{}, jobs.Fatal(fmt.Errorf("decode payload %s: %w", payload.ID, err))
	}
	if len(records) == 0 {
		return worker.Result{}, jobs.Fatalf("payload %s has no records", payload.ID)
	}
	for i := range records {
		records[i].PartnerID = job.PartnerID
	}

	mode, err := validation.ParseMode(job.Mode)
	if err != nil {
		return worker.Result{}, jobs.Fatal(err)
	}

	result := s.validator.Validate(records, mode)
	summary := s.summarize(result)
	if len(result.Accepted) == 0 {
		metrics.ObserveRows(0, summary.Rejected, 0)
		return worker.Result{Summary: summary, Detail: rejectionDetail(result.Rejected)},
			jobs.Fatalf("all %d records rejected", summary.Rejected)
	}

	applied, err := s.engine.Apply(ctx, job.PartnerID, result.Accepted)
	if err != nil {
		return worker.Result{Summary: summary}, err
	}
	s.applySummary(&summary, applied)
	metrics.ObserveRows(summary.Accepted, summary.Rejected, summary.Inserted+summary.Updated)
	return worker.Result{Summary: summary}, nil
}

func rejectionDetail(rejected []validation.Rejection) map[string]interface{} {
	rows := make([]RejectedRow, 0, min(len(rejected), maxRejectionDetail))
	for _, rej := range rejected {
		if len(rows) >= maxRejectionDetail {
			break
		}
		rows = append(rows, RejectedRow{Row: rej.Record.Row, SKU: rej.Record.SKU, Reason: rej.Reason()})
	}
	return map[string]interface{}{
		"rejected_count": len(rejected),
		"rejected":       rows,
	}
}
