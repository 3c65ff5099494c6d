package nluclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/roundhouse/internal/modelid"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/nluclient/nlutest"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:      baseURL,
		Timeout:      2 * time.Second,
		PollInterval: 5 * time.Millisecond,
		Retry:        fastRetry(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func sampleInput() nlu.TrainInput {
	return nlu.TrainInput{
		Language: "en",
		Intents: []nlu.Intent{
			{Name: "greet", Contexts: []string{"global"}, Utterances: []string{"hello", "hi there"}},
		},
		Entities: []nlu.Entity{},
		Seed:     42,
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{"empty", "", "base url is required"},
		{"no scheme", "localhost:3200", "invalid base url"},
		{"ok", "http://localhost:3200/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Options{BaseURL: tt.url})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if c.BaseURL() != "http://localhost:3200" {
				t.Errorf("BaseURL() = %q, trailing slash not trimmed", c.BaseURL())
			}
			if c.pollInterval != DefaultPollInterval {
				t.Errorf("pollInterval = %v, want %v", c.pollInterval, DefaultPollInterval)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)

	info, err := c.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Specs != srv.Specs() {
		t.Errorf("Specs = %+v, want %+v", info.Specs, srv.Specs())
	}
	if len(info.Languages) == 0 || !info.Health.IsEnabled {
		t.Errorf("Info = %+v", info)
	}
}

func TestStartTraining_ServerIDIsAuthoritative(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	input := sampleInput()

	id, err := c.StartTraining(context.Background(), input, "tok-1")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	if want := modelid.Compute(input, srv.Specs()); id != want {
		t.Errorf("id = %s, want %s", id, want)
	}
	if tokens := srv.Tokens(); len(tokens) != 1 || tokens[0] != "tok-1" {
		t.Errorf("bearer tokens = %v", tokens)
	}

	again, err := c.StartTraining(context.Background(), input, "tok-1")
	if err != nil {
		t.Fatalf("second StartTraining: %v", err)
	}
	if again != id {
		t.Errorf("identical input produced %s then %s", id, again)
	}
}

func TestStartTraining_Rejected(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.RejectTraining("language xx is not supported")
	c := newTestClient(t, srv.URL)

	_, err := c.StartTraining(context.Background(), sampleInput(), "")
	var rej *nlu.RemoteRejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want RemoteRejectionError", err)
	}
	if rej.Message != "language xx is not supported" {
		t.Errorf("Message = %q, server text not surfaced verbatim", rej.Message)
	}
	if srv.Calls(nlutest.OpTrain) != 1 {
		t.Errorf("train calls = %d, rejections must not be retried", srv.Calls(nlutest.OpTrain))
	}
}

func TestWaitForTraining_Done(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.StartTraining(ctx, sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	var progress []float64
	if err := c.WaitForTraining(ctx, id, "", func(p float64) { progress = append(progress, p) }); err != nil {
		t.Fatalf("WaitForTraining: %v", err)
	}
	if len(progress) != 1 || progress[0] != 0.4 {
		t.Errorf("progress = %v, want [0.4]", progress)
	}
}

func TestWaitForTraining_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		plan    []nlu.TrainingSession
		wantIs  error
		wantMsg string
	}{
		{
			name:   "canceled",
			plan:   []nlu.TrainingSession{{Status: nlu.TrainingRunning, Progress: 0.1}, {Status: nlu.TrainingCanceled}},
			wantIs: nlu.ErrTrainingCanceled,
		},
		{
			name: "errored",
			plan: []nlu.TrainingSession{
				{Status: nlu.TrainingRunning, Progress: 0.3},
				{Status: nlu.TrainingErrored, Error: &nlu.TrainingError{Type: "internal", Message: "out of memory"}},
			},
			wantIs:  nlu.ErrTrainingErrored,
			wantMsg: "out of memory",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := nlutest.NewServer(t)
			srv.SetPlan(tt.plan...)
			c := newTestClient(t, srv.URL)
			ctx := context.Background()

			id, err := c.StartTraining(ctx, sampleInput(), "")
			if err != nil {
				t.Fatalf("StartTraining: %v", err)
			}
			err = c.WaitForTraining(ctx, id, "", nil)
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("error = %v, want %v", err, tt.wantIs)
			}
			if tt.wantMsg != "" {
				var terr *nlu.TrainingErroredError
				if !errors.As(err, &terr) || terr.Message != tt.wantMsg {
					t.Errorf("error = %#v, want message %q", err, tt.wantMsg)
				}
			}
		})
	}
}

func TestWatchTraining_ExactlyOneTerminal(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.SetPlan(
		nlu.TrainingSession{Status: nlu.TrainingPending},
		nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.5},
		nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.9},
		nlu.TrainingSession{Status: nlu.TrainingDone, Progress: 1},
	)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.StartTraining(ctx, sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}

	var terminal, progress int
	for u := range c.WatchTraining(ctx, id, StaticToken("")) {
		if u.Terminal() {
			terminal++
			if !u.Done {
				t.Errorf("terminal update = %+v, want Done", u)
			}
			continue
		}
		progress++
	}
	if terminal != 1 {
		t.Errorf("terminal updates = %d, want 1", terminal)
	}
	if progress != 3 {
		t.Errorf("progress updates = %d, want 3", progress)
	}
}

func TestWatchTraining_ContextCancel(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.SetPlan(nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.2})
	c := newTestClient(t, srv.URL)

	id, err := c.StartTraining(context.Background(), sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	updates := c.WatchTraining(ctx, id, StaticToken(""))
	first := <-updates
	if first.Terminal() {
		t.Fatalf("first update terminal: %+v", first)
	}
	cancel()

	var last nlu.TrainingUpdate
	for u := range updates {
		last = u
	}
	if !errors.Is(last.Err, context.Canceled) {
		t.Errorf("final update = %+v, want context.Canceled", last)
	}
}

func TestWatchTraining_AbandonedReceiverDoesNotLeak(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.SetPlan(nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.2})
	c := newTestClient(t, srv.URL)

	id, err := c.StartTraining(context.Background(), sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	updates := c.WatchTraining(ctx, id, StaticToken(""))
	<-updates
	time.Sleep(20 * time.Millisecond)
	cancel()

	// Nobody drains the channel; the goroutine must still exit, which
	// goleak verifies at the end of the package.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch goroutine did not close the channel")
		}
	}
}

func TestCancelTraining(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.SetPlan(nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.2})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.StartTraining(ctx, sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.WaitForTraining(ctx, id, "", nil) }()

	time.Sleep(20 * time.Millisecond)
	if err := c.CancelTraining(ctx, id, ""); err != nil {
		t.Fatalf("CancelTraining: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, nlu.ErrTrainingCanceled) {
			t.Errorf("WaitForTraining = %v, want ErrTrainingCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForTraining did not observe the cancellation")
	}

	// A second cancel has nothing to stop.
	err = c.CancelTraining(ctx, id, "")
	if !errors.Is(err, nlu.ErrRemoteRejection) {
		t.Errorf("second CancelTraining = %v, want rejection", err)
	}
}

func TestHasModel(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.StartTraining(ctx, sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	has, err := c.HasModel(ctx, id, "")
	if err != nil || !has {
		t.Errorf("HasModel(running) = %v, %v; want true", has, err)
	}

	srv.Forget(id.String())
	has, err = c.HasModel(ctx, id, "")
	if err != nil || has {
		t.Errorf("HasModel(forgotten) = %v, %v; want false, nil", has, err)
	}
}

func TestConnectivityRetried(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)

	srv.FailNext(2)
	if _, err := c.Info(context.Background()); err != nil {
		t.Fatalf("Info after 2 transient failures: %v", err)
	}

	srv.FailNext(5)
	_, err := c.Info(context.Background())
	var cerr *nlu.ConnectivityError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want ConnectivityError after exhausting retries", err)
	}
	if !nlu.IsConnectivity(err) {
		t.Error("IsConnectivity = false")
	}
}

func TestConnectivity_ServerDown(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	srv.Close()

	_, err := c.Info(context.Background())
	if !nlu.IsConnectivity(err) {
		t.Errorf("error = %v, want connectivity failure", err)
	}
}

func TestWatchTraining_SurvivesOutage(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.SetPlan(
		nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.2},
		nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.6},
		nlu.TrainingSession{Status: nlu.TrainingDone, Progress: 1},
	)
	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := c.StartTraining(ctx, sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	// Enough failures to exhaust the retries of two consecutive polls.
	srv.FailNext(7)

	if err := c.WaitForTraining(ctx, id, "", nil); err != nil {
		t.Fatalf("WaitForTraining across outage = %v, want nil", err)
	}
}

func TestWatchTraining_OutageBoundedByContext(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.SetPlan(nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.2})
	c := newTestClient(t, srv.URL)

	id, err := c.StartTraining(context.Background(), sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.WaitForTraining(ctx, id, "", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitForTraining = %v, want DeadlineExceeded", err)
	}
}

func TestWatchTraining_TokenPerPoll(t *testing.T) {
	srv := nlutest.NewServer(t)
	srv.SetPlan(
		nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.2},
		nlu.TrainingSession{Status: nlu.TrainingRunning, Progress: 0.5},
		nlu.TrainingSession{Status: nlu.TrainingDone, Progress: 1},
	)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.StartTraining(ctx, sampleInput(), "submit")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}

	issued := 0
	tokens := func() (string, error) {
		issued++
		return fmt.Sprintf("poll-%d", issued), nil
	}
	var last nlu.TrainingUpdate
	for u := range c.WatchTraining(ctx, id, tokens) {
		last = u
	}
	if !last.Done {
		t.Fatalf("last update = %+v, want Done", last)
	}

	got := srv.Tokens()
	want := []string{"submit", "poll-1", "poll-2", "poll-3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("tokens = %v, want %v", got, want)
	}
}

func TestWatchTraining_TokenFailure(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.StartTraining(ctx, sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}

	errSigning := errors.New("signing key unavailable")
	var last nlu.TrainingUpdate
	for u := range c.WatchTraining(ctx, id, func() (string, error) { return "", errSigning }) {
		last = u
	}
	if !errors.Is(last.Err, errSigning) {
		t.Errorf("terminal error = %v, want the token failure", last.Err)
	}
	if n := srv.Calls(nlutest.OpStatus); n != 0 {
		t.Errorf("status calls = %d, want 0 without a token", n)
	}
}

func TestResponseMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantIs  error
		wantMsg string
	}{
		{"success false", http.StatusInternalServerError, `{"success":false,"error":"boom"}`, nlu.ErrRemoteRejection, "boom"},
		{"legacy err field", http.StatusOK, `{"success":false,"err":"legacy"}`, nlu.ErrRemoteRejection, "legacy"},
		{"missing flag", http.StatusOK, `{"info":{}}`, nlu.ErrRemoteRejection, "no success flag"},
		{"html error page", http.StatusInternalServerError, `<html>oops</html>`, nlu.ErrRemoteRejection, "<html>oops</html>"},
		{"gateway timeout", http.StatusGatewayTimeout, ``, nlu.ErrConnectivity, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			c, err := New(Options{BaseURL: ts.URL, Retry: NoRetry()})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.Info(context.Background())
			if !errors.Is(err, tt.wantIs) {
				t.Fatalf("error = %v, want %v", err, tt.wantIs)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestPredict(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.StartTraining(ctx, sampleInput(), "")
	if err != nil {
		t.Fatalf("StartTraining: %v", err)
	}
	if _, err := c.Predict(ctx, "hello", id, ""); !errors.Is(err, nlu.ErrRemoteRejection) {
		t.Errorf("Predict before done = %v, want rejection", err)
	}
	if err := c.WaitForTraining(ctx, id, "", nil); err != nil {
		t.Fatalf("WaitForTraining: %v", err)
	}

	out, err := c.Predict(ctx, "hello", id, "")
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if out.DetectedLanguage != "en" || len(out.Contexts) != 1 {
		t.Fatalf("Predict = %+v", out)
	}
	if got := out.Contexts[0].Intents[0]; got.Name != "greet" || got.Confidence < 0.9 {
		t.Errorf("top intent = %+v", got)
	}
	if p := srv.Predicted(); len(p) != 1 || p[0] != id.String() {
		t.Errorf("predicted models = %v", p)
	}
}

func TestDetectLanguage(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	en := modelid.Compute(sampleInput(), srv.Specs())
	frInput := sampleInput()
	frInput.Language = "fr"
	fr := modelid.Compute(frInput, srv.Specs())
	srv.AddModel(en.String())
	srv.AddModel(fr.String())

	srv.SetDetect(func(string, []string) string { return "fr" })
	lang, err := c.DetectLanguage(ctx, "bonjour", []modelid.ModelID{en, fr}, "")
	if err != nil || lang != "fr" {
		t.Errorf("DetectLanguage = %q, %v; want fr", lang, err)
	}

	srv.SetDetect(func(string, []string) string { return "de" })
	_, err = c.DetectLanguage(ctx, "hallo", []modelid.ModelID{en, fr}, "")
	if !errors.Is(err, nlu.ErrRemoteRejection) {
		t.Errorf("DetectLanguage outside candidates = %v, want rejection", err)
	}

	if _, err := c.DetectLanguage(ctx, "hi", nil, ""); err == nil {
		t.Error("DetectLanguage without candidates succeeded")
	}
}

func TestListAndPruneModels(t *testing.T) {
	srv := nlutest.NewServer(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	old := modelid.Compute(sampleInput(), srv.Specs())
	srv.AddModel(old.String())

	upgraded := srv.Specs()
	upgraded.NLUVersion = "3.0.0"
	srv.SetSpecs(upgraded)
	current := modelid.Compute(sampleInput(), upgraded)
	srv.AddModel(current.String())

	ids, err := c.ListModels(ctx, "")
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("ListModels = %v, want 2 ids", ids)
	}

	pruned, err := c.PruneModels(ctx, "")
	if err != nil {
		t.Fatalf("PruneModels: %v", err)
	}
	if len(pruned) != 1 || pruned[0] != old {
		t.Errorf("PruneModels = %v, want [%s]", pruned, old)
	}
}
