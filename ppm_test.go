package ppm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const (
	INTERVAL_START = Time(1631907500)
	BATCH_SIZE     = 100
	BATCH_WINDOW   = Duration(50)
)

type testDeployment struct {
	params    *Parameters
	setup     *TaskSetup
	leader    *Leader
	helper    *Helper
	leaderURL string
	helperSrv *httptest.Server
	transport *helperTransport
	client    *Client
	collector *Collector
}

// helperTransport carries the Leader's requests to the Helper. Tests use it
// to act while a request of a given kind is in flight, to drop a request
// before delivery or to lose the Helper's response after it was handled.
type helperTransport struct {
	next http.RoundTripper

	mu     sync.Mutex
	before map[string]func()
	drop   map[string]int
	lose   map[string]int
}

func newHelperTransport(next http.RoundTripper) *helperTransport {
	return &helperTransport{
		next:   next,
		before: make(map[string]func()),
		drop:   make(map[string]int),
		lose:   make(map[string]int),
	}
}

// onNext runs fn once, before the next request of kind is delivered.
func (h *helperTransport) onNext(kind string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before[kind] = fn
}

func (h *helperTransport) dropNext(kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop[kind]++
}

func (h *helperTransport) loseNext(kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lose[kind]++
}

func take(counts map[string]int, kind string) bool {
	if counts[kind] == 0 {
		return false
	}
	counts[kind]--
	return true
}

func (h *helperTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var kind string
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		var msg AggregateRequest
		if json.Unmarshal(body, &msg) == nil {
			kind = msg.kind()
		}
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	h.mu.Lock()
	before := h.before[kind]
	delete(h.before, kind)
	drop, lose := take(h.drop, kind), take(h.lose, kind)
	h.mu.Unlock()

	if before != nil {
		before()
	}
	if drop {
		return nil, errors.New("connection refused")
	}
	resp, err := h.next.RoundTrip(req)
	if err == nil && lose {
		resp.Body.Close()
		return nil, errors.New("connection reset by peer")
	}
	return resp, err
}

func newTestDeployment(t *testing.T) *testDeployment {
	t.Helper()
	vdaf, err := NewPrio3Sum(testBits)
	require.NoError(t, err)
	setup, err := NewTaskSetup(vdaf)
	require.NoError(t, err)

	leaderRouter, helperRouter := chi.NewRouter(), chi.NewRouter()
	leaderSrv := httptest.NewServer(leaderRouter)
	helperSrv := httptest.NewServer(helperRouter)
	t.Cleanup(leaderSrv.Close)
	t.Cleanup(helperSrv.Close)

	nonce, err := RandomNonce()
	require.NoError(t, err)
	params := &Parameters{
		Nonce:           nonce,
		LeaderURL:       MustParseURL(leaderSrv.URL),
		HelperURL:       MustParseURL(helperSrv.URL),
		CollectorConfig: *setup.Hpke.Collector.Public(),
		BatchSize:       BATCH_SIZE,
		BatchWindow:     BATCH_WINDOW,
		Protocol:        ProtocolPrio,
		PrioBits:        testBits,
	}
	require.NoError(t, params.Validate())

	helperVP, err := setup.VerifyParams.ForRole(RoleHelper)
	require.NoError(t, err)
	helper, err := NewHelper(HelperOptions{
		Params:      params,
		Keyring:     NewKeyring(RoleHelper, &setup.Hpke.Helper),
		VerifyParam: helperVP,
	})
	require.NoError(t, err)
	helper.RegisterRoutes(helperRouter)

	transport := newHelperTransport(helperSrv.Client().Transport)
	leaderVP, err := setup.VerifyParams.ForRole(RoleLeader)
	require.NoError(t, err)
	leader, err := NewLeader(LeaderOptions{
		Params:      params,
		Keyring:     NewKeyring(RoleLeader, &setup.Hpke.Leader),
		VerifyParam: leaderVP,
		HTTPClient:  &http.Client{Transport: transport},
	})
	require.NoError(t, err)
	leader.RegisterRoutes(leaderRouter)

	client, err := NewClient(params, leaderSrv.Client())
	require.NoError(t, err)
	return &testDeployment{
		params:    params,
		setup:     setup,
		leader:    leader,
		helper:    helper,
		leaderURL: leaderSrv.URL,
		helperSrv: helperSrv,
		transport: transport,
		client:    client,
		collector: NewCollector(params, leaderSrv.Client()),
	}
}

// uploadN uploads count reports of value, one per second from start.
func (d *testDeployment) uploadN(t *testing.T, start Time, count int, value uint64) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, d.client.Upload(context.Background(), start+Time(i), value))
	}
}

// prepare measures value into a report at t without submitting it.
func (d *testDeployment) prepare(t *testing.T, at Time, value uint64) (Nonce, []*InputShare) {
	t.Helper()
	require.NoError(t, d.client.FetchConfigs(context.Background()))
	nonce, err := RandomNonce()
	require.NoError(t, err)
	shares, err := d.client.VDAF().Measure(nonce, value)
	require.NoError(t, err)
	return nonce, shares
}

// requireCounts checks that both aggregators hold count reports in interval.
func (d *testDeployment) requireCounts(t *testing.T, interval Interval, count uint64) {
	t.Helper()
	for _, agg := range []*Aggregator{d.leader.Aggregator(), d.helper.Aggregator()} {
		got, _, err := agg.Snapshot(interval)
		require.NoError(t, err)
		require.Equal(t, count, got)
	}
}

// requireProblem checks that err is a problem document of the given type
// issued for instance.
func requireProblem(t *testing.T, err error, want ProblemType, instance string) {
	t.Helper()
	var pd *ProblemDocument
	require.ErrorAs(t, err, &pd)
	require.Equal(t, want, pd.ProblemType())
	require.Equal(t, instance, pd.Instance)
	require.Equal(t, want.status(), pd.Status)
}

func TestEndToEnd(t *testing.T) {
	d := newTestDeployment(t)
	ctx := context.Background()

	d.uploadN(t, INTERVAL_START, BATCH_SIZE, 1)

	// Half the reports are not enough, and trying does not spend the budget.
	_, err := d.collector.Collect(ctx, Interval{Start: INTERVAL_START, Duration: 50})
	requireProblem(t, err, ProblemInsufficientBatchSize, "collect")
	require.ErrorIs(t, err, ErrInsufficientBatchSize)

	for _, duration := range []Duration{99, 25} {
		_, err := d.collector.Collect(ctx, Interval{Start: INTERVAL_START, Duration: duration})
		requireProblem(t, err, ProblemInvalidBatchInterval, "collect")
	}

	interval := Interval{Start: INTERVAL_START, Duration: 100}
	result, err := d.collector.Collect(ctx, interval)
	require.NoError(t, err)
	require.Equal(t, uint64(BATCH_SIZE), result.Sum)
	require.Equal(t, uint64(BATCH_SIZE), result.Count)
	require.Equal(t, interval, result.Interval)

	_, err = d.collector.Collect(ctx, interval)
	requireProblem(t, err, ProblemPrivacyBudgetExceeded, "collect")
	_, err = d.collector.Collect(ctx, Interval{Start: INTERVAL_START + 50, Duration: 50})
	requireProblem(t, err, ProblemPrivacyBudgetExceeded, "collect")

	err = d.client.Upload(ctx, INTERVAL_START, 1)
	requireProblem(t, err, ProblemStaleReport, "upload")
	require.ErrorIs(t, err, ErrStaleReport)

	// The next window is still open.
	d.uploadN(t, INTERVAL_START+100, BATCH_SIZE, 3)
	result, err = d.collector.Collect(ctx, Interval{Start: INTERVAL_START + 100, Duration: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(3*BATCH_SIZE), result.Sum)
}

func TestHpkeConfigDiscovery(t *testing.T) {
	d := newTestDeployment(t)
	require.NoError(t, d.client.FetchConfigs(context.Background()))

	leader, helper := d.client.configs()
	require.Equal(t, d.setup.Hpke.Leader.Public(), leader)
	require.Equal(t, d.setup.Hpke.Helper.Public(), helper)

	resp, err := http.Get(d.leaderURL + "/hpke_config?role=collector")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(d.helperSrv.URL + "/hpke_config?role=leader")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(d.leaderURL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTamperedShares(t *testing.T) {
	for _, tc := range []struct {
		name  string
		aggID uint8
		index int
	}{
		{"leader", 0, 0},
		{"helper", 1, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDeployment(t)
			ctx := context.Background()
			d.uploadN(t, INTERVAL_START, BATCH_SIZE-1, 1)

			nonce, shares := d.prepare(t, INTERVAL_START+BATCH_SIZE-1, 1)
			shares[tc.aggID] = flipShareBit(t, d.client.VDAF(), tc.aggID, shares[tc.aggID], tc.index)
			report, err := d.client.PrepareReport(INTERVAL_START+BATCH_SIZE-1, nonce, shares)
			require.NoError(t, err)
			// The upload itself succeeds; the report is silently dropped.
			require.NoError(t, d.client.Submit(ctx, report))

			interval := Interval{Start: INTERVAL_START, Duration: 100}
			d.requireCounts(t, interval, BATCH_SIZE-1)
			require.Zero(t, d.helper.Pending())

			_, err = d.collector.Collect(ctx, interval)
			requireProblem(t, err, ProblemInsufficientBatchSize, "collect")
		})
	}
}

func TestReplayedReport(t *testing.T) {
	d := newTestDeployment(t)
	ctx := context.Background()
	interval := Interval{Start: INTERVAL_START, Duration: 100}

	nonce, shares := d.prepare(t, INTERVAL_START, 1)
	report, err := d.client.PrepareReport(INTERVAL_START, nonce, shares)
	require.NoError(t, err)
	for i := 0; i < BATCH_SIZE; i++ {
		require.NoError(t, d.client.Submit(ctx, report))
	}
	d.requireCounts(t, interval, 1)

	// Sealing the same shares again under the same nonce is still a replay.
	again, err := d.client.PrepareReport(INTERVAL_START+1, nonce, shares)
	require.NoError(t, err)
	require.NoError(t, d.client.Submit(ctx, again))
	d.requireCounts(t, interval, 1)

	_, err = d.collector.Collect(ctx, interval)
	requireProblem(t, err, ProblemInsufficientBatchSize, "collect")
}

// A Helper answer the Leader never sees must not leave the Helper counting
// a report the Leader dropped.
func TestLostVerifyResponse(t *testing.T) {
	d := newTestDeployment(t)
	ctx := context.Background()
	interval := Interval{Start: INTERVAL_START, Duration: 100}

	d.transport.loseNext("verify")
	require.NoError(t, d.client.Upload(ctx, INTERVAL_START, 1))
	d.requireCounts(t, interval, 0)
	require.Zero(t, d.helper.Pending())

	d.uploadN(t, INTERVAL_START, BATCH_SIZE, 1)
	d.requireCounts(t, interval, BATCH_SIZE)

	result, err := d.collector.Collect(ctx, interval)
	require.NoError(t, err)
	require.Equal(t, uint64(BATCH_SIZE), result.Count)
	require.Equal(t, uint64(BATCH_SIZE), result.Sum)
}

// A commit that does not reach the Helper, or whose answer is lost, is
// retried before the interval is collected.
func TestLostCommit(t *testing.T) {
	for _, tc := range []struct {
		name       string
		fail       func(h *helperTransport)
		helperHeld uint64
	}{
		{"request", func(h *helperTransport) { h.dropNext("commit") }, BATCH_SIZE - 1},
		{"response", func(h *helperTransport) { h.loseNext("commit") }, BATCH_SIZE},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDeployment(t)
			ctx := context.Background()
			interval := Interval{Start: INTERVAL_START, Duration: 100}

			tc.fail(d.transport)
			d.uploadN(t, INTERVAL_START, BATCH_SIZE, 2)
			require.Equal(t, 1, d.leader.Uncommitted())

			count, _, err := d.helper.Aggregator().Snapshot(interval)
			require.NoError(t, err)
			require.Equal(t, tc.helperHeld, count)

			result, err := d.collector.Collect(ctx, interval)
			require.NoError(t, err)
			require.Equal(t, uint64(BATCH_SIZE), result.Count)
			require.Equal(t, uint64(2*BATCH_SIZE), result.Sum)
			require.Zero(t, d.leader.Uncommitted())
			require.Zero(t, d.helper.Pending())
		})
	}
}

// A collect that starts while a report is being verified closes the
// interval on both aggregators alike.
func TestUploadRacingCollect(t *testing.T) {
	for _, tc := range []struct {
		name string
		agg  func(d *testDeployment) *Aggregator
	}{
		{"leader", func(d *testDeployment) *Aggregator { return d.leader.Aggregator() }},
		{"helper", func(d *testDeployment) *Aggregator { return d.helper.Aggregator() }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDeployment(t)
			ctx := context.Background()
			interval := Interval{Start: INTERVAL_START, Duration: 100}
			d.uploadN(t, INTERVAL_START, BATCH_SIZE-1, 1)

			agg := tc.agg(d)
			reserved := make(chan *Reservation, 1)
			d.transport.onNext("verify", func() {
				r, err := agg.Reserve(interval)
				if err != nil {
					r = nil
				}
				reserved <- r
			})
			err := d.client.Upload(ctx, INTERVAL_START+BATCH_SIZE-1, 1)
			requireProblem(t, err, ProblemStaleReport, "upload")
			require.ErrorIs(t, err, ErrStaleReport)
			r := <-reserved
			require.NotNil(t, r)
			agg.Release(r)

			d.requireCounts(t, interval, BATCH_SIZE-1)
			require.Zero(t, d.helper.Pending())

			d.uploadN(t, INTERVAL_START+BATCH_SIZE-1, 1, 1)
			result, err := d.collector.Collect(ctx, interval)
			require.NoError(t, err)
			require.Equal(t, uint64(BATCH_SIZE), result.Sum)
		})
	}
}

func TestHelperUnavailable(t *testing.T) {
	d := newTestDeployment(t)
	ctx := context.Background()
	d.uploadN(t, INTERVAL_START, BATCH_SIZE, 1)
	d.helperSrv.Close()

	// The report cannot be verified, so it is dropped without an error.
	require.NoError(t, d.client.Upload(ctx, INTERVAL_START+10, 1))
	count, _, err := d.leader.Aggregator().Snapshot(Interval{Start: INTERVAL_START, Duration: 100})
	require.NoError(t, err)
	require.Equal(t, uint64(BATCH_SIZE), count)

	interval := Interval{Start: INTERVAL_START, Duration: 100}
	_, err = d.collector.Collect(ctx, interval)
	requireProblem(t, err, ProblemInternalError, "collect")

	// A failed collect leaves the Leader's budget unspent.
	r, err := d.leader.Aggregator().Reserve(interval)
	require.NoError(t, err)
	d.leader.Aggregator().Release(r)
}

func TestUploadRejected(t *testing.T) {
	d := newTestDeployment(t)
	ctx := context.Background()
	require.NoError(t, d.client.FetchConfigs(ctx))

	nonce, shares := d.prepare(t, INTERVAL_START, 1)
	report, err := d.client.PrepareReport(INTERVAL_START, nonce, shares)
	require.NoError(t, err)

	report.TaskID[0] ^= 0xff
	err = d.client.Submit(ctx, report)
	requireProblem(t, err, ProblemUnrecognizedTask, "upload")

	report.TaskID[0] ^= 0xff
	report.EncryptedInputShares = report.EncryptedInputShares[:1]
	err = d.client.Submit(ctx, report)
	requireProblem(t, err, ProblemUnrecognizedMessage, "upload")

	resp, err := http.Post(d.leaderURL+"/upload", "application/json", strings.NewReader(`{"bogus": true}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHelperAggregateRequests(t *testing.T) {
	d := newTestDeployment(t)
	helperURL := d.params.HelperURL.Endpoint("/aggregate")
	ctx := context.Background()

	err := doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, &AggregateRequest{}, nil)
	requireProblem(t, err, ProblemUnrecognizedMessage, "aggregate")

	both := &AggregateRequest{
		Verify:         &VerifyRequest{TaskID: d.params.TaskID()},
		AggregateShare: &AggregateShareRequest{TaskID: d.params.TaskID()},
	}
	err = doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, both, nil)
	requireProblem(t, err, ProblemUnrecognizedMessage, "aggregate")

	share := &AggregateRequest{AggregateShare: &AggregateShareRequest{
		TaskID:   TaskID{0xff},
		Interval: Interval{Start: INTERVAL_START, Duration: 50},
	}}
	err = doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, share, nil)
	requireProblem(t, err, ProblemUnrecognizedTask, "aggregate")

	share.AggregateShare.TaskID = d.params.TaskID()
	err = doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, share, nil)
	requireProblem(t, err, ProblemInsufficientBatchSize, "aggregate")
	require.False(t, errors.Is(err, ErrPrivacyBudgetExceeded))

	// Committing a report the Helper never verified is refused.
	commit := &AggregateRequest{Commit: &ReportRef{TaskID: d.params.TaskID(), Time: INTERVAL_START, Nonce: Nonce{1}}}
	err = doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, commit, nil)
	requireProblem(t, err, ProblemUnrecognizedMessage, "aggregate")
	commit.Commit.TaskID = TaskID{0xff}
	err = doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, commit, nil)
	requireProblem(t, err, ProblemUnrecognizedTask, "aggregate")

	abort := &AggregateRequest{Abort: &ReportRef{TaskID: d.params.TaskID(), Nonce: Nonce{1}}}
	require.NoError(t, doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, abort, nil))
}

// The Helper refuses to hand out its share when the Leader counts a
// different number of reports, and spends no budget doing so.
func TestHelperBatchMismatch(t *testing.T) {
	d := newTestDeployment(t)
	helperURL := d.params.HelperURL.Endpoint("/aggregate")
	ctx := context.Background()
	interval := Interval{Start: INTERVAL_START, Duration: 100}
	d.uploadN(t, INTERVAL_START, BATCH_SIZE, 1)

	share := &AggregateRequest{AggregateShare: &AggregateShareRequest{
		TaskID:   d.params.TaskID(),
		Interval: interval,
		Count:    BATCH_SIZE + 1,
	}}
	err := doJSON(ctx, http.DefaultClient, http.MethodPost, helperURL, share, nil)
	requireProblem(t, err, ProblemBatchMismatch, "aggregate")
	require.ErrorIs(t, err, ErrBatchMismatch)

	result, err := d.collector.Collect(ctx, interval)
	require.NoError(t, err)
	require.Equal(t, uint64(BATCH_SIZE), result.Sum)
}
