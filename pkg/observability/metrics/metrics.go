package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

var (
	jobsEnqueued    atomic.Int64
	jobsClaimed     atomic.Int64
	jobsCompleted   atomic.Int64
	jobsFailed      atomic.Int64
	jobsRetried     atomic.Int64
	jobsRequeued    atomic.Int64
	claimConflicts  atomic.Int64
	feedsDuplicate  atomic.Int64
	feedsParseError atomic.Int64
	rowsAccepted    atomic.Int64
	rowsRejected    atomic.Int64
	rowsWritten     atomic.Int64
	rateLimited     atomic.Int64
	authRejected    atomic.Int64
)

func IncJobsEnqueued()        { jobsEnqueued.Add(1) }
func IncJobsClaimed()         { jobsClaimed.Add(1) }
func IncJobsCompleted()       { jobsCompleted.Add(1) }
func IncJobsFailed()          { jobsFailed.Add(1) }
func IncJobsRetried()         { jobsRetried.Add(1) }
func IncJobsRequeued(n int64) { jobsRequeued.Add(n) }
func IncClaimConflicts()      { claimConflicts.Add(1) }
func IncDuplicateFeeds()      { feedsDuplicate.Add(1) }
func IncParseErrors()         { feedsParseError.Add(1) }
func IncRateLimited()         { rateLimited.Add(1) }
func IncAuthRejected()        { authRejected.Add(1) }

func ObserveRows(accepted, rejected, written int) {
	rowsAccepted.Add(int64(accepted))
	rowsRejected.Add(int64(rejected))
	rowsWritten.Add(int64(written))
}

type Snapshot struct {
	JobsEnqueued   int64 `json:"jobs_enqueued"`
	JobsClaimed    int64 `json:"jobs_claimed"`
	JobsCompleted  int64 `json:"jobs_completed"`
	JobsFailed     int64 `json:"jobs_failed"`
	JobsRetried    int64 `json:"jobs_retried"`
	JobsRequeued   int64 `json:"jobs_requeued"`
	ClaimConflicts int64 `json:"claim_conflicts"`
	DuplicateFeeds int64 `json:"duplicate_feeds"`
	ParseErrors    int64 `json:"parse_errors"`
	RowsAccepted   int64 `json:"rows_accepted"`
	RowsRejected   int64 `json:"rows_rejected"`
	RowsWritten    int64 `json:"rows_written"`
	RateLimited    int64 `json:"rate_limited"`
	AuthRejected   int64 `json:"auth_rejected"`
}

func Current() Snapshot {
	return Snapshot{
		JobsEnqueued:   jobsEnqueued.Load(),
		JobsClaimed:    jobsClaimed.Load(),
		JobsCompleted:  jobsCompleted.Load(),
		JobsFailed:     jobsFailed.Load(),
		JobsRetried:    jobsRetried.Load(),
		JobsRequeued:   jobsRequeued.Load(),
		ClaimConflicts: claimConflicts.Load(),
		DuplicateFeeds: feedsDuplicate.Load(),
		ParseErrors:    feedsParseError.Load(),
		RowsAccepted:   rowsAccepted.Load(),
		RowsRejected:   rowsRejected.Load(),
		RowsWritten:    rowsWritten.Load(),
		RateLimited:    rateLimited.Load(),
		AuthRejected:   authRejected.Load(),
	}
}

type counter struct {
	name  string
	help  string
	value int64
}

func (s Snapshot) counters() []counter {
	return []counter{
		{"partner_ingest_jobs_enqueued_total", "Ingest jobs enqueued.", s.JobsEnqueued},
		{"partner_ingest_jobs_claimed_total", "Ingest jobs claimed by a worker.", s.JobsClaimed},
		{"partner_ingest_jobs_completed_total", "Ingest jobs completed.", s.JobsCompleted},
		{"partner_ingest_jobs_failed_total", "Ingest jobs that failed terminally.", s.JobsFailed},
		{"partner_ingest_jobs_retried_total", "Ingest jobs returned to the queue after a transient failure.", s.JobsRetried},
		{"partner_ingest_jobs_requeued_total", "Ingest jobs requeued manually.", s.JobsRequeued},
		{"partner_ingest_claim_conflicts_total", "Claims lost to a concurrent worker.", s.ClaimConflicts},
		{"partner_ingest_duplicate_feeds_total", "Feed submissions short-circuited as duplicates.", s.DuplicateFeeds},
		{"partner_ingest_parse_errors_total", "Feeds rejected as unparsable.", s.ParseErrors},
		{"partner_ingest_rows_accepted_total", "Feed rows accepted by validation.", s.RowsAccepted},
		{"partner_ingest_rows_rejected_total", "Feed rows rejected by validation.", s.RowsRejected},
		{"partner_ingest_rows_written_total", "Catalog rows inserted or updated.", s.RowsWritten},
		{"partner_ingest_rate_limited_total", "Requests rejected by the partner rate limit.", s.RateLimited},
		{"partner_ingest_auth_rejected_total", "Requests rejected for an invalid API key.", s.AuthRejected},
	}
}

func Write(w io.Writer) {
	for _, c := range Current().counters() {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.value)
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	Write(w)
}
