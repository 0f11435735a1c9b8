package partner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/gateway/httpclient"
)

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) Record(_ context.Context, _, action string, _ map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func newRepo(t *testing.T) *Repository {
	t.Helper()
	logger.Silence()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "partners.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })
	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func onboard(t *testing.T, repo *Repository, params OnboardParams) *Onboarded {
	t.Helper()
	onboarded, err := repo.Onboard(context.Background(), params)
	if err != nil {
		t.Fatalf("onboard: %v", err)
	}
	return onboarded
}

func TestOnboardAndVerifyKey(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	onboarded := onboard(t, repo, OnboardParams{Name: " Acme "})
	if onboarded.Partner.Name != "Acme" || onboarded.Partner.Format != "json" {
		t.Fatalf("unexpected partner %+v", onboarded.Partner)
	}
	if !strings.HasPrefix(onboarded.APIKey, "pk_") || len(onboarded.APIKey) < 20 {
		t.Fatalf("unexpected key %q", onboarded.APIKey)
	}

	partnerID, ok, err := repo.VerifyAPIKey(ctx, onboarded.APIKey)
	if err != nil || !ok || partnerID != onboarded.Partner.ID {
		t.Fatalf("verify: id=%q ok=%v err=%v", partnerID, ok, err)
	}
	if _, ok, err := repo.VerifyAPIKey(ctx, onboarded.APIKey+"x"); ok || err != nil {
		t.Fatalf("wrong key should not verify: ok=%v err=%v", ok, err)
	}

	if n, err := repo.RevokeKeys(ctx, onboarded.Partner.ID); err != nil || n != 1 {
		t.Fatalf("revoke: n=%d err=%v", n, err)
	}
	if _, ok, _ := repo.VerifyAPIKey(ctx, onboarded.APIKey); ok {
		t.Fatalf("revoked key should not verify")
	}
}

func TestOnboardValidation(t *testing.T) {
	repo := newRepo(t)
	for name, params := range map[string]OnboardParams{
		"no name":     {Format: "json"},
		"bad format":  {Name: "x", Format: "xml"},
		"bad auth":    {Name: "x", Auth: EndpointAuth{Type: "digest"}},
		"oauth2 half": {Name: "x", Auth: EndpointAuth{Type: AuthOAuth2, ClientID: "id"}},
	} {
		if _, err := repo.Onboard(context.Background(), params); !errors.Is(err, ErrInvalidPartner) {
			t.Fatalf("%s: expected ErrInvalidPartner, got %v", name, err)
		}
	}
}

func TestSchedules(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	p := onboard(t, repo, OnboardParams{Name: "Acme"}).Partner

	if _, err := repo.CreateSchedule(ctx, p.ID, "every day", true); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
	if _, err := repo.CreateSchedule(ctx, "missing", "@hourly", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	on, err := repo.CreateSchedule(ctx, p.ID, "@every 15m", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.CreateSchedule(ctx, p.ID, "0 * * * *", false); err != nil {
		t.Fatalf("create disabled: %v", err)
	}

	all, _ := repo.ListSchedules(ctx)
	enabled, _ := repo.ListEnabledSchedules(ctx)
	if len(all) != 2 || len(enabled) != 1 || enabled[0].ID != on.ID {
		t.Fatalf("unexpected schedules all=%d enabled=%+v", len(all), enabled)
	}

	if err := repo.DeleteSchedule(ctx, on.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.DeleteSchedule(ctx, on.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}

func TestFetcherAppliesAuthAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "feed" || pass != "secret" || r.Header.Get("X-Tenant") != "eu" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("sku,name,price_cents\na,A,1\n"))
	}))
	defer srv.Close()

	p := &Partner{ID: "p1", Format: "csv", Endpoint: srv.URL}
	p.EndpointAuth.Scan(`{"type":"basic","username":"feed","password":"secret"}`)
	p.EndpointHeaders.Scan(`{"X-Tenant":"eu"}`)

	feed, err := NewFetcher(httpclient.New(time.Second), 1, 0).Fetch(context.Background(), p)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if feed.ContentType != "text/csv" {
		t.Fatalf("sniffed text should fall back to the partner format, got %q", feed.ContentType)
	}
	if !strings.Contains(string(feed.Payload), "a,A,1") {
		t.Fatalf("unexpected payload %q", feed.Payload)
	}
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f := NewFetcher(httpclient.New(time.Second), 3, 0)
	f.baseDelay = time.Millisecond
	if _, err := f.Fetch(context.Background(), &Partner{ID: "p1", Endpoint: srv.URL}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestFetcherDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(httpclient.New(time.Second), 3, 0)
	f.baseDelay = time.Millisecond
	_, err := f.Fetch(context.Background(), &Partner{ID: "p1", Endpoint: srv.URL})
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
	if _, err := f.Fetch(context.Background(), &Partner{ID: "p2"}); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestFetcherOAuth2ClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"sku":"a"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := &Partner{ID: "p1", Endpoint: srv.URL + "/feed"}
	p.EndpointAuth.Scan(`{"type":"oauth2","client_id":"cid","client_secret":"cs","token_url":"` + srv.URL + `/token"}`)

	feed, err := NewFetcher(httpclient.New(time.Second), 1, 0).Fetch(context.Background(), p)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if feed.ContentType != "application/json" {
		t.Fatalf("unexpected content type %q", feed.ContentType)
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"sku":"a","name":"A","price_cents":1}]`))
	}))
	defer srv.Close()

	good := onboard(t, repo, OnboardParams{Name: "Good", Endpoint: srv.URL}).Partner
	bad := onboard(t, repo, OnboardParams{Name: "NoEndpoint"}).Partner
	goodSchedule, _ := repo.CreateSchedule(ctx, good.ID, "@hourly", true)
	badSchedule, _ := repo.CreateSchedule(ctx, bad.ID, "@hourly", true)

	var submitted []string
	submit := func(_ context.Context, partnerID string, feed *Feed) error {
		submitted = append(submitted, partnerID+":"+feed.ContentType)
		return nil
	}
	auditor := &recordingAuditor{}
	s := NewScheduler(repo, NewFetcher(httpclient.New(time.Second), 1, 0), submit, auditor)

	if err := s.RunOnce(ctx, *goodSchedule); err != nil {
		t.Fatalf("run good: %v", err)
	}
	if len(submitted) != 1 || submitted[0] != good.ID+":application/json" {
		t.Fatalf("unexpected submissions %v", submitted)
	}

	if err := s.RunOnce(ctx, *badSchedule); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
	if len(submitted) != 1 {
		t.Fatalf("failed pull must not submit, got %v", submitted)
	}
	if len(auditor.actions) != 1 || auditor.actions[0] != "scheduled_fetch_failed" {
		t.Fatalf("expected scheduled_fetch_failed audit, got %v", auditor.actions)
	}

	schedules, _ := repo.ListSchedules(ctx)
	for _, schedule := range schedules {
		if schedule.LastRunAt == nil {
			t.Fatalf("schedule %d should record its run", schedule.ID)
		}
	}
}

func TestSchedulerStartStop(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	p := onboard(t, repo, OnboardParams{Name: "Acme"}).Partner
	if _, err := repo.CreateSchedule(ctx, p.ID, "@every 1h", true); err != nil {
		t.Fatalf("create: %v", err)
	}

	s := NewScheduler(repo, NewFetcher(httpclient.New(time.Second), 1, 0), func(context.Context, string, *Feed) error { return nil }, &recordingAuditor{})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Fatalf("second start should fail")
	}
	if len(s.entries) != 1 {
		t.Fatalf("expected one registered entry, got %d", len(s.entries))
	}
	s.Stop()
}
