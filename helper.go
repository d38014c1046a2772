package ppm

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/chris-wood/ppm-go/internal/logger"
	"github.com/go-chi/chi/v5"
)

type HelperOptions struct {
	Params      *Parameters
	Keyring     *Keyring
	VerifyParam *VerifyParam
	Store       AccumulatorStore
}

// Helper is the aggregator that only talks to the Leader. It verifies one
// report per /aggregate call and hands out its aggregate share once per
// interval.
//
// A verified report is held as pending and only folded in when the Leader
// commits it, which the Leader does after folding the report itself. A
// report the Leader could not fold is aborted, so both aggregators count
// the same reports.
type Helper struct {
	agg     *Aggregator
	keyring *Keyring
	vp      *VerifyParam

	mu      sync.Mutex
	pending map[Nonce]*pendingReport
}

type pendingReport struct {
	time Time
	out  *OutputShare
}

func NewHelper(opts HelperOptions) (*Helper, error) {
	if opts.VerifyParam == nil || int(opts.VerifyParam.AggregatorID) != 1 {
		return nil, errors.New("helper requires the verify parameter of aggregator 1")
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
	return &Helper{
		agg:     agg,
		keyring: opts.Keyring,
		vp:      opts.VerifyParam,
		pending: make(map[Nonce]*pendingReport),
	}, nil
}

func (h *Helper) Aggregator() *Aggregator {
	return h.agg
}

// Pending returns the number of verified reports awaiting a commit.
func (h *Helper) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Helper) RegisterRoutes(r chi.Router) {
	r.Post("/aggregate", h.handleAggregate)
	r.Get("/hpke_config", h.handleHpkeConfig)
	r.Get("/health", handleHealth)
}

func (h *Helper) handleAggregate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req AggregateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, NewProblemDocument(ProblemUnrecognizedMessage, "aggregate", ""))
		return
	}

	var (
		resp interface{} = struct{}{}
		err  error
	)
	switch req.kind() {
	case "verify":
		resp, err = h.Verify(req.Verify)
	case "commit":
		err = h.Commit(req.Commit)
	case "abort":
		err = h.Abort(req.Abort)
	case "aggregate_share":
		resp, err = h.AggregateShare(req.AggregateShare)
	default:
		writeProblem(w, NewProblemDocument(ProblemUnrecognizedMessage, "aggregate", ""))
		return
	}
	if err != nil {
		writeProblem(w, problemFor(err, "aggregate"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Helper) handleHpkeConfig(w http.ResponseWriter, r *http.Request) {
	if role := r.URL.Query().Get("role"); role != "" && role != RoleHelper.String() {
		writeProblem(w, NewProblemDocument(ProblemUnrecognizedMessage, "hpke_config", "helper only serves its own configuration"))
		return
	}
	writeJSON(w, http.StatusOK, h.keyring.PublicConfig())
}

// Verify runs the Helper's half of report verification against the
// Leader's verify message. A verified report is held until the Leader
// commits or aborts it. A report that fails to decrypt or verify, or that
// was already aggregated, yields Verified == false, never an error.
func (h *Helper) Verify(req *VerifyRequest) (*VerifyResponse, error) {
	if req.TaskID != h.agg.TaskID() {
		return nil, ErrUnknownTask
	}
	nonce := fmt.Sprintf("%x", req.Nonce[:])
	if err := h.agg.CheckFresh(req.Time, req.Nonce); err != nil {
		if errors.Is(err, ErrDuplicateReport) {
			logger.Debug("report rejected", "role", RoleHelper, "nonce", nonce, "reason", err)
			return &VerifyResponse{Verified: false}, nil
		}
		return nil, err
	}

	vdaf := h.agg.VDAF()
	leaderMsg, err := vdaf.DecodeVerifyMessage(req.VerifyMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	state, msg, err := prepareInputShare(h.keyring, vdaf, h.vp, req.Header(), &req.EncryptedInputShare)
	if err != nil {
		logger.Debug("report rejected", "role", RoleHelper, "nonce", nonce, "reason", err)
		return &VerifyResponse{Verified: false}, nil
	}
	encoded, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}

	out, err := vdaf.PrepareFinish(state, []*VerifyMessage{leaderMsg, msg})
	if err != nil {
		logger.Debug("report rejected", "role", RoleHelper, "nonce", nonce, "reason", err)
		return &VerifyResponse{Verified: false, VerifyMessage: encoded}, nil
	}

	h.mu.Lock()
	h.pending[req.Nonce] = &pendingReport{time: req.Time, out: out}
	h.mu.Unlock()
	return &VerifyResponse{Verified: true, VerifyMessage: encoded}, nil
}

// Commit folds in a pending report. Committing a report that was already
// folded in succeeds, so the Leader may retry a commit whose response it
// lost.
func (h *Helper) Commit(ref *ReportRef) error {
	if ref.TaskID != h.agg.TaskID() {
		return ErrUnknownTask
	}
	h.mu.Lock()
	p, ok := h.pending[ref.Nonce]
	h.mu.Unlock()
	if !ok {
		if err := h.agg.CheckFresh(ref.Time, ref.Nonce); errors.Is(err, ErrDuplicateReport) {
			return nil
		}
		return ErrUnknownReport
	}

	if err := h.agg.Fold(p.time, ref.Nonce, p.out); err != nil && !errors.Is(err, ErrDuplicateReport) {
		// The report stays pending; a stale report is retried once the
		// interval is released or dropped when it is collected.
		return err
	}
	h.mu.Lock()
	delete(h.pending, ref.Nonce)
	h.mu.Unlock()
	return nil
}

// Abort drops a pending report the Leader could not fold in.
func (h *Helper) Abort(ref *ReportRef) error {
	if ref.TaskID != h.agg.TaskID() {
		return ErrUnknownTask
	}
	h.mu.Lock()
	delete(h.pending, ref.Nonce)
	h.mu.Unlock()
	return nil
}

// AggregateShare spends the budget of an interval on the Helper and returns
// its aggregate share. The Leader calls it at most once per interval. It
// refuses without spending anything when the Leader's report count differs
// from its own.
func (h *Helper) AggregateShare(req *AggregateShareRequest) (*AggregateShareResponse, error) {
	if req.TaskID != h.agg.TaskID() {
		return nil, ErrUnknownTask
	}
	r, err := h.agg.Reserve(req.Interval)
	if err != nil {
		return nil, err
	}
	if r.Count != req.Count {
		h.agg.Release(r)
		logger.Warn("aggregator counts differ", "role", RoleHelper, "interval", r.Interval, "leader", req.Count, "helper", r.Count)
		return nil, fmt.Errorf("%w: leader holds %d reports, helper %d", ErrBatchMismatch, req.Count, r.Count)
	}
	if r.Count < h.agg.Parameters().BatchSize {
		h.agg.Release(r)
		return nil, ErrInsufficientBatchSize
	}
	share, err := r.Share.MarshalBinary()
	if err != nil {
		h.agg.Release(r)
		return nil, err
	}
	if err := h.agg.Commit(r); err != nil {
		h.agg.Release(r)
		return nil, err
	}

	// Reports still pending in the interval can never be folded in.
	h.mu.Lock()
	for nonce, p := range h.pending {
		if r.Interval.Contains(p.time) {
			delete(h.pending, nonce)
		}
	}
	h.mu.Unlock()

	logger.Info("interval collected", "role", RoleHelper, "interval", r.Interval, "count", r.Count)
	return &AggregateShareResponse{
		Count:          r.Count,
		AggregateShare: share,
	}, nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
