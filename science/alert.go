package science

import (
	"fmt"

	"github.com/astrolab/finkstream/record"
	"github.com/astrolab/finkstream/schema"
)

// Columns stamped on every science record
const (
	ColumnStartProcess   = "brokerStartProcessTimestamp"
	ColumnEndProcess     = "brokerEndProcessTimestamp"
	ColumnBrokerVersion  = "fink_broker_version"
	ColumnScienceVersion = "fink_science_version"
	ColumnPublisher      = "publisher"

	// CandidateField is the nested struct flattened into candidate_* columns
	CandidateField = "candidate"

	// Publisher is the value written to the publisher column
	Publisher = "Fink"

	// NoScienceVersion replaces the science version when modules are disabled
	NoScienceVersion = "no-science"
)

// Quality cut thresholds
const (
	maxBadPixels   = 0
	minRealBogus   = 0.55
	excludedFilter = 3 // ZTF i band
)

// Flatten expands the candidate struct of a raw alert into flat columns
func Flatten(alert map[string]interface{}) (record.Fields, error) {
	fields, err := schema.Flatten(record.Fields(alert), CandidateField)
	if err != nil {
		return nil, err
	}
	if _, ok := fields["objectId"].(string); !ok {
		return nil, fmt.Errorf("alert has no objectId")
	}
	return fields, nil
}

// CutReason returns why an alert fails the quality cuts, or "" when it
// passes. Missing columns fail the cut.
func CutReason(fields record.Fields) string {
	nbad, ok := number(fields[CandidateField+"_nbad"])
	if !ok || nbad != maxBadPixels {
		return "nbad"
	}
	rb, ok := number(fields[CandidateField+"_rb"])
	if !ok || rb < minRealBogus {
		return "rb"
	}
	fid, ok := number(fields[CandidateField+"_fid"])
	if !ok || fid == excludedFilter {
		return "fid"
	}
	return ""
}

// RowKey returns the science row key objectId_candid
func RowKey(fields record.Fields) string {
	objectID, _ := fields["objectId"].(string)
	candid, ok := fields["candid"]
	if !ok {
		candid = fields[CandidateField+"_candid"]
	}
	return record.RowKey(objectID, candid)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
