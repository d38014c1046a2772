package ppm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chris-wood/ppm-go/internal/logger"
	"github.com/go-chi/chi/v5"
)

var DEFAULT_HELPER_TIMEOUT = 10 * time.Second

type LeaderOptions struct {
	Params      *Parameters
	Keyring     *Keyring
	VerifyParam *VerifyParam
	Store       AccumulatorStore

	// HelperConfig is served for /hpke_config?role=helper. When nil the
	// Leader asks the Helper for it.
	HelperConfig *HpkeConfig
	HTTPClient   *http.Client
	// HelperTimeout bounds each verify and aggregate-share call.
	HelperTimeout time.Duration
}

// Leader is the aggregator that Clients and the Collector talk to. It
// drives verification of every uploaded report with the Helper and
// combines both aggregate shares on collect.
//
// A report is folded in on the Leader first and then committed on the
// Helper. Commits that could not be delivered are kept in uncommitted and
// retried before the interval is collected.
type Leader struct {
	agg          *Aggregator
	keyring      *Keyring
	vp           *VerifyParam
	helperConfig *HpkeConfig
	client       *http.Client
	timeout      time.Duration

	mu          sync.Mutex
	uncommitted map[Nonce]ReportRef
}

func NewLeader(opts LeaderOptions) (*Leader, error) {
	if opts.VerifyParam == nil || int(opts.VerifyParam.AggregatorID) != 0 {
		return nil, errors.New("leader requires the verify parameter of aggregator 0")
	}
	vdaf, err := NewPrio3Sum(opts.Params.Bits())
	if err != nil {
		return nil, err
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	agg, err := NewAggregator(opts.Params, vdaf, store)
	if err != nil {
		return nil, err
	}

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.HelperTimeout
	if timeout == 0 {
		timeout = DEFAULT_HELPER_TIMEOUT
	}
	return &Leader{
		agg:          agg,
		keyring:      opts.Keyring,
		vp:           opts.VerifyParam,
		helperConfig: opts.HelperConfig,
		client:       client,
		timeout:      timeout,
		uncommitted:  make(map[Nonce]ReportRef),
	}, nil
}

func (l *Leader) Aggregator() *Aggregator {
	return l.agg
}

func (l *Leader) RegisterRoutes(r chi.Router) {
	r.Post("/upload", l.handleUpload)
	r.Get("/hpke_config", l.handleHpkeConfig)
	r.Post("/collect", l.handleCollect)
	r.Get("/health", handleHealth)
}

func (l *Leader) handleUpload(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var report Report
	if err := decodeJSON(r, &report); err != nil {
		writeProblem(w, NewProblemDocument(ProblemUnrecognizedMessage, "upload", ""))
		return
	}
	if err := l.Upload(r.Context(), &report); err != nil {
		writeProblem(w, problemFor(err, "upload"))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (l *Leader) handleCollect(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CollectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, NewProblemDocument(ProblemUnrecognizedMessage, "collect", ""))
		return
	}
	result, err := l.Collect(r.Context(), &req)
	if err != nil {
		writeProblem(w, problemFor(err, "collect"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (l *Leader) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	role := RoleLeader
	if param := r.URL.Query().Get("role"); param != "" {
		var err error
		if role, err = ParseRole(param); err != nil {
			writeProblem(w, NewProblemDocument(ProblemUnrecognizedMessage, "hpke_config", err.Error()))
			return
		}
	}

	switch role {
	case RoleLeader:
		writeJSON(w, http.StatusOK, l.keyring.PublicConfig())
	case RoleHelper:
		config, err := l.HelperConfig(r.Context())
		if err != nil {
			writeProblem(w, problemFor(err, "hpke_config"))
			return
		}
		writeJSON(w, http.StatusOK, config)
	default:
		writeProblem(w, NewProblemDocument(ProblemUnrecognizedMessage, "hpke_config", fmt.Sprintf("no configuration for %v", role)))
	}
}

// HelperConfig returns the Helper's published HPKE configuration.
func (l *Leader) HelperConfig(ctx context.Context) (*HpkeConfig, error) {
	if l.helperConfig != nil {
		return l.helperConfig, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var config HpkeConfig
	url := l.agg.Parameters().HelperURL.Endpoint("/hpke_config") + "?role=" + RoleHelper.String()
	if err := doJSON(ctx, l.client, http.MethodGet, url, nil, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Upload ingests one report. Only failures concerning the request as a
// whole are returned. A report that fails to decrypt or verify, that
// repeats the nonce of an aggregated report, or whose verification with
// the Helper cannot be completed, is dropped without an error so the
// Client cannot tell which check failed.
func (l *Leader) Upload(ctx context.Context, report *Report) error {
	if report.TaskID != l.agg.TaskID() {
		return ErrUnknownTask
	}
	if len(report.EncryptedInputShares) != NUM_AGGREGATORS {
		return ErrIncompleteReport
	}
	if err := l.agg.CheckFresh(report.Time, report.Nonce); err != nil {
		if errors.Is(err, ErrDuplicateReport) {
			logger.Debug("report dropped", "role", RoleLeader, "nonce", fmt.Sprintf("%x", report.Nonce[:]), "reason", err)
			return nil
		}
		return err
	}

	err := l.aggregate(ctx, report)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleReport):
		return err
	default:
		logger.Debug("report dropped", "role", RoleLeader, "nonce", fmt.Sprintf("%x", report.Nonce[:]), "reason", err)
	}
	return nil
}

func (l *Leader) aggregate(ctx context.Context, report *Report) error {
	header := report.Header()
	leaderShare, err := report.InputShareFor(RoleLeader)
	if err != nil {
		return err
	}
	helperShare, err := report.InputShareFor(RoleHelper)
	if err != nil {
		return err
	}

	vdaf := l.agg.VDAF()
	state, msg, err := prepareInputShare(l.keyring, vdaf, l.vp, header, leaderShare)
	if err != nil {
		return err
	}
	encoded, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req := &AggregateRequest{
		Verify: &VerifyRequest{
			TaskID:              report.TaskID,
			Time:                report.Time,
			Nonce:               report.Nonce,
			Extensions:          report.Extensions,
			EncryptedInputShare: *helperShare,
			VerifyMessage:       encoded,
		},
	}
	ref := &ReportRef{TaskID: report.TaskID, Time: report.Time, Nonce: report.Nonce}
	var resp VerifyResponse
	if err := l.send(ctx, req, &resp); err != nil {
		// The Helper may hold the report even if its answer was lost.
		l.abort(ctx, ref)
		return fmt.Errorf("helper verify: %w", err)
	}
	if !resp.Verified {
		return fmt.Errorf("helper rejected report: %w", ErrVerifyFailed)
	}

	helperMsg, err := vdaf.DecodeVerifyMessage(resp.VerifyMessage)
	if err != nil {
		l.abort(ctx, ref)
		return fmt.Errorf("helper verify message: %v", err)
	}
	out, err := vdaf.PrepareFinish(state, []*VerifyMessage{msg, helperMsg})
	if err != nil {
		l.abort(ctx, ref)
		return err
	}
	if err := l.agg.Fold(report.Time, report.Nonce, out); err != nil {
		// A duplicate was folded in by a concurrent upload of the same
		// report, whose commit owns the Helper's pending entry.
		if !errors.Is(err, ErrDuplicateReport) {
			l.abort(ctx, ref)
		}
		return err
	}
	l.commit(ctx, ref)
	return nil
}

func (l *Leader) send(ctx context.Context, req *AggregateRequest, resp interface{}) error {
	return doJSON(ctx, l.client, http.MethodPost, l.agg.Parameters().HelperURL.Endpoint("/aggregate"), req, resp)
}

func (l *Leader) abort(ctx context.Context, ref *ReportRef) {
	if err := l.send(ctx, &AggregateRequest{Abort: ref}, nil); err != nil {
		logger.Debug("helper abort failed", "role", RoleLeader, "nonce", fmt.Sprintf("%x", ref.Nonce[:]), "reason", err)
	}
}

// commitRetryable reports whether a failed commit may still succeed: the
// Helper was unreachable, failed internally, or is collecting the
// interval right now.
func commitRetryable(err error) bool {
	var pd *ProblemDocument
	if !errors.As(err, &pd) {
		return true
	}
	return pd.Status >= http.StatusInternalServerError || pd.ProblemType() == ProblemStaleReport
}

func (l *Leader) commit(ctx context.Context, ref *ReportRef) {
	err := l.send(ctx, &AggregateRequest{Commit: ref}, nil)
	if err == nil {
		return
	}
	logger.Warn("helper commit failed", "role", RoleLeader, "nonce", fmt.Sprintf("%x", ref.Nonce[:]), "reason", err)
	if commitRetryable(err) {
		l.mu.Lock()
		l.uncommitted[ref.Nonce] = *ref
		l.mu.Unlock()
	}
}

// Uncommitted returns the number of reports folded in on the Leader whose
// commit has not reached the Helper.
func (l *Leader) Uncommitted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.uncommitted)
}

// flushCommits retries the outstanding commits of reports in interval.
func (l *Leader) flushCommits(ctx context.Context, interval Interval) {
	l.mu.Lock()
	var refs []ReportRef
	for _, ref := range l.uncommitted {
		if interval.Contains(ref.Time) {
			refs = append(refs, ref)
		}
	}
	l.mu.Unlock()

	for i := range refs {
		err := l.send(ctx, &AggregateRequest{Commit: &refs[i]}, nil)
		if err != nil && commitRetryable(err) {
			logger.Warn("helper commit failed", "role", RoleLeader, "nonce", fmt.Sprintf("%x", refs[i].Nonce[:]), "reason", err)
			continue
		}
		l.mu.Lock()
		delete(l.uncommitted, refs[i].Nonce)
		l.mu.Unlock()
	}
}

// Collect combines the Leader's and the Helper's aggregate over an
// interval. The interval's budget is reserved before the Helper is
// contacted, so two overlapping collects cannot both proceed, and is only
// spent once the sum has been recovered.
func (l *Leader) Collect(ctx context.Context, req *CollectRequest) (*AggregateResult, error) {
	if req.TaskID != l.agg.TaskID() {
		return nil, ErrUnknownTask
	}
	start := time.Now()
	r, err := l.agg.Reserve(req.Interval)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			l.agg.Release(r)
		}
	}()

	params := l.agg.Parameters()
	if r.Count < params.BatchSize {
		return nil, ErrInsufficientBatchSize
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	l.flushCommits(ctx, req.Interval)

	var resp AggregateShareResponse
	shareReq := &AggregateRequest{
		AggregateShare: &AggregateShareRequest{
			TaskID:   req.TaskID,
			Interval: req.Interval,
			Count:    r.Count,
		},
	}
	if err := l.send(ctx, shareReq, &resp); err != nil {
		return nil, err
	}
	if resp.Count != r.Count {
		return nil, fmt.Errorf("%w: leader holds %d reports, helper %d", ErrBatchMismatch, r.Count, resp.Count)
	}

	helperShare := &AggregateShare{}
	if err := helperShare.UnmarshalBinary(resp.AggregateShare); err != nil {
		return nil, fmt.Errorf("helper aggregate share: %w", err)
	}
	sum, err := l.agg.VDAF().Unshard([]*AggregateShare{r.Share, helperShare}, r.Count)
	if err != nil {
		return nil, err
	}
	if err := l.agg.Commit(r); err != nil {
		return nil, err
	}
	committed = true

	logger.Info("interval collected", "role", RoleLeader, "interval", req.Interval, "count", r.Count, logger.Timed(start))
	return &AggregateResult{
		Interval: req.Interval,
		Count:    r.Count,
		Sum:      sum,
	}, nil
}
