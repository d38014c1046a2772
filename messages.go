package ppm

// VerifyRequest is sent by the Leader to the Helper for each uploaded
// report. It carries the report header, the Helper's encrypted share and
// the Leader's verify message.
type VerifyRequest struct {
	TaskID              TaskID              `json:"task_id"`
	Time                Time                `json:"time"`
	Nonce               Nonce               `json:"nonce"`
	Extensions          []Extension         `json:"extensions"`
	EncryptedInputShare EncryptedInputShare `json:"encrypted_input_share"`
	VerifyMessage       Bytes               `json:"verify_message"`
}

func (r *VerifyRequest) Header() *ReportHeader {
	return &ReportHeader{
		TaskID:     r.TaskID,
		Time:       r.Time,
		Nonce:      r.Nonce,
		Extensions: r.Extensions,
	}
}

// VerifyResponse reports whether the Helper accepted the report. The
// Helper's verify message is returned so the Leader can decide on its own.
// An accepted report stays pending on the Helper until the Leader commits
// or aborts it.
type VerifyResponse struct {
	Verified      bool  `json:"verified"`
	VerifyMessage Bytes `json:"verify_message,omitempty"`
}

// ReportRef names a report pending on the Helper.
type ReportRef struct {
	TaskID TaskID `json:"task_id"`
	Time   Time   `json:"time"`
	Nonce  Nonce  `json:"nonce"`
}

// AggregateShareRequest asks the Helper for its aggregate over an interval
// and spends the interval's budget on the Helper. Count is the number of
// reports the Leader holds for the interval; the Helper refuses when its
// own count differs.
type AggregateShareRequest struct {
	TaskID   TaskID   `json:"task_id"`
	Interval Interval `json:"batch_interval"`
	Count    uint64   `json:"count"`
}

type AggregateShareResponse struct {
	Count          uint64 `json:"count"`
	AggregateShare Bytes  `json:"aggregate_share"`
}

// AggregateRequest is the body of the Helper's /aggregate endpoint. Exactly
// one field is set.
type AggregateRequest struct {
	Verify         *VerifyRequest         `json:"verify,omitempty"`
	Commit         *ReportRef             `json:"commit,omitempty"`
	Abort          *ReportRef             `json:"abort,omitempty"`
	AggregateShare *AggregateShareRequest `json:"aggregate_share,omitempty"`
}

func (r *AggregateRequest) kind() string {
	var kinds []string
	if r.Verify != nil {
		kinds = append(kinds, "verify")
	}
	if r.Commit != nil {
		kinds = append(kinds, "commit")
	}
	if r.Abort != nil {
		kinds = append(kinds, "abort")
	}
	if r.AggregateShare != nil {
		kinds = append(kinds, "aggregate_share")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

type CollectRequest struct {
	TaskID   TaskID   `json:"task_id"`
	Interval Interval `json:"batch_interval"`
}

// AggregateResult is the decoded sum over an interval.
type AggregateResult struct {
	Interval Interval `json:"batch_interval"`
	Count    uint64   `json:"count"`
	Sum      uint64   `json:"sum"`
}
