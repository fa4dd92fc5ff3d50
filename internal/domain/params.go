package domain

import "time"

// DateLayout is the ISO date layout used for business dates on the wire.
const DateLayout = "2006-01-02"

// SplitMode selects how a top-level run partitions its ids.
type SplitMode string

const (
	SplitNone       SplitMode = ""
	SplitNumber     SplitMode = "number"
	SplitDivide     SplitMode = "divide"
	SplitMonoDivide SplitMode = "mono_divide"
	SplitMonoNumber SplitMode = "mono_number"
)

// Valid reports whether m is a known split mode.
func (m SplitMode) Valid() bool {
	switch m {
	case SplitNone, SplitNumber, SplitDivide, SplitMonoDivide, SplitMonoNumber:
		return true
	}
	return false
}

// Mono reports whether the run is processed inside a single worker.
func (m SplitMode) Mono() bool {
	return m == SplitMonoDivide || m == SplitMonoNumber
}

// JobParams travel with every chunk. Extra holds the business parameters.
type JobParams struct {
	ConnectionDate  string            `json:"connection_date"`
	TreatmentDate   string            `json:"treatment_date,omitempty"`
	JobSize         int               `json:"job_size"`
	TransactionSize int               `json:"transaction_size"`
	Split           bool              `json:"split"`
	SplitMode       SplitMode         `json:"split_mode,omitempty"`
	SplitSize       int               `json:"split_size,omitempty"`
	ChainName       string            `json:"chain_name"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Connection parses ConnectionDate, falling back to today.
func (p JobParams) Connection() time.Time {
	if t, err := time.Parse(DateLayout, p.ConnectionDate); err == nil {
		return t
	}
	return Today()
}

// Treatment parses TreatmentDate, falling back to the connection date.
func (p JobParams) Treatment() time.Time {
	if t, err := time.Parse(DateLayout, p.TreatmentDate); err == nil {
		return t
	}
	return p.Connection()
}

// Today returns the current date truncated to midnight UTC.
func Today() time.Time {
	y, m, d := time.Now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
