package ppm

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const problemURNPrefix = "urn:ietf:params:ppm:error:"

type ProblemType string

const (
	ProblemStaleReport           ProblemType = "staleReport"
	ProblemInvalidBatchInterval  ProblemType = "invalidBatchInterval"
	ProblemInsufficientBatchSize ProblemType = "insufficientBatchSize"
	ProblemPrivacyBudgetExceeded ProblemType = "privacyBudgetExceeded"
	ProblemBatchMismatch         ProblemType = "batchMismatch"
	ProblemUnrecognizedMessage   ProblemType = "unrecognizedMessage"
	ProblemUnrecognizedTask      ProblemType = "unrecognizedTask"
	ProblemOutdatedConfig        ProblemType = "outdatedConfig"
	ProblemInternalError         ProblemType = "internalError"
)

var problemTitles = map[ProblemType]string{
	ProblemStaleReport:           "Report falls in an interval that has already been collected.",
	ProblemInvalidBatchInterval:  "Batch interval is not aligned to the task's batch window.",
	ProblemInsufficientBatchSize: "Batch interval does not contain enough reports.",
	ProblemPrivacyBudgetExceeded: "Batch interval has already been collected.",
	ProblemBatchMismatch:         "Aggregators disagree on the reports in the batch.",
	ProblemUnrecognizedMessage:   "Message could not be decoded.",
	ProblemUnrecognizedTask:      "Task is not recognized by this aggregator.",
	ProblemOutdatedConfig:        "HPKE configuration is not recognized.",
	ProblemInternalError:         "Internal error.",
}

var problemErrors = map[ProblemType]error{
	ProblemStaleReport:           ErrStaleReport,
	ProblemInvalidBatchInterval:  ErrInvalidBatchInterval,
	ProblemInsufficientBatchSize: ErrInsufficientBatchSize,
	ProblemPrivacyBudgetExceeded: ErrPrivacyBudgetExceeded,
	ProblemBatchMismatch:         ErrBatchMismatch,
	ProblemUnrecognizedTask:      ErrUnknownTask,
	ProblemOutdatedConfig:        ErrUnknownConfig,
}

// URN returns the full type identifier carried on the wire.
func (t ProblemType) URN() string {
	return problemURNPrefix + string(t)
}

func (t ProblemType) status() int {
	if t == ProblemInternalError {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// ProblemDocument is the only error representation that crosses a role
// boundary. It is never mutated after construction.
type ProblemDocument struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Instance string `json:"instance"`
	Detail   string `json:"detail,omitempty"`
}

func NewProblemDocument(t ProblemType, instance, detail string) *ProblemDocument {
	return &ProblemDocument{
		Type:     t.URN(),
		Title:    problemTitles[t],
		Status:   t.status(),
		Instance: instance,
		Detail:   detail,
	}
}

// ProblemType strips the URN prefix. Unknown types are returned verbatim.
func (p *ProblemDocument) ProblemType() ProblemType {
	if len(p.Type) > len(problemURNPrefix) && p.Type[:len(problemURNPrefix)] == problemURNPrefix {
		return ProblemType(p.Type[len(problemURNPrefix):])
	}
	return ProblemType(p.Type)
}

func (p *ProblemDocument) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s (%s, status %d): %s", p.Type, p.Instance, p.Status, p.Detail)
	}
	return fmt.Sprintf("%s (%s, status %d)", p.Type, p.Instance, p.Status)
}

// Is lets callers match a received document against the package sentinels,
// e.g. errors.Is(err, ErrStaleReport).
func (p *ProblemDocument) Is(target error) bool {
	sentinel, ok := problemErrors[p.ProblemType()]
	return ok && sentinel == target
}

// problemFor maps an internal error onto the fixed vocabulary. Anything it
// does not recognize becomes an internalError without detail.
func problemFor(err error, instance string) *ProblemDocument {
	var pd *ProblemDocument
	if errors.As(err, &pd) {
		return NewProblemDocument(pd.ProblemType(), instance, pd.Detail)
	}

	switch {
	case errors.Is(err, ErrStaleReport):
		return NewProblemDocument(ProblemStaleReport, instance, "")
	case errors.Is(err, ErrInvalidBatchInterval):
		return NewProblemDocument(ProblemInvalidBatchInterval, instance, err.Error())
	case errors.Is(err, ErrInsufficientBatchSize):
		return NewProblemDocument(ProblemInsufficientBatchSize, instance, "")
	case errors.Is(err, ErrPrivacyBudgetExceeded):
		return NewProblemDocument(ProblemPrivacyBudgetExceeded, instance, "")
	case errors.Is(err, ErrBatchMismatch):
		return NewProblemDocument(ProblemBatchMismatch, instance, err.Error())
	case errors.Is(err, ErrUnknownTask):
		return NewProblemDocument(ProblemUnrecognizedTask, instance, "")
	case errors.Is(err, ErrUnknownConfig):
		return NewProblemDocument(ProblemOutdatedConfig, instance, "")
	case errors.Is(err, ErrIncompleteReport), errors.Is(err, ErrInvalidShare), errors.Is(err, ErrUnknownReport):
		return NewProblemDocument(ProblemUnrecognizedMessage, instance, "")
	}
	return NewProblemDocument(ProblemInternalError, instance, "")
}

func writeProblem(w http.ResponseWriter, pd *ProblemDocument) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)
	json.NewEncoder(w).Encode(pd)
}

// readProblem turns a non-2xx response into an error, preferring the
// problem document in the body when there is one.
func readProblem(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("reading error response: %w", err)
	}
	var pd ProblemDocument
	if err := json.Unmarshal(body, &pd); err == nil && pd.Type != "" {
		return &pd
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
}
