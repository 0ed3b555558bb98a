package retriever

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/atlas-hass/atlas/pkg/vectorstore"
)

// darwinName is the canonical correspondent name used by the Darwin corpus
// metadata for direction filtering.
const darwinName = "Darwin, C. R."

// validateRequest normalizes req in place and checks it against the
// retriever's declared capabilities. Filter values on unsupported
// dimensions are cleared rather than rejected.
func validateRequest(req *Request, caps Capabilities) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return fmt.Errorf("%w: query must not be empty", ErrValidation)
	}
	if len(req.Query) > MaxQueryChars {
		return fmt.Errorf("%w: query exceeds %d characters", ErrValidation, MaxQueryChars)
	}
	if req.K <= 0 {
		return fmt.Errorf("%w: k must be at least 1", ErrValidation)
	}

	if !caps.Corpus.Supported {
		req.CorpusFilter = ""
	} else if req.CorpusFilter != "" && !hasOption(caps.Corpus.Options, req.CorpusFilter) {
		return fmt.Errorf("%w: unknown corpus %q", ErrValidation, req.CorpusFilter)
	}

	if !caps.Direction.Supported {
		req.DirectionFilter = ""
	} else if req.DirectionFilter != "" && !hasOption(caps.Direction.Options, req.DirectionFilter) {
		return fmt.Errorf("%w: unknown direction %q", ErrValidation, req.DirectionFilter)
	}

	if !caps.TimePeriod.Supported {
		req.TimePeriodFilter = ""
	} else if req.TimePeriodFilter != "" && req.TimePeriodFilter != "all" {
		if _, _, err := parseTimePeriod(req.TimePeriodFilter); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	return nil
}

func hasOption(opts []Option, value string) bool {
	for _, opt := range opts {
		if opt.Value == value {
			return true
		}
	}
	return false
}

// parseTimePeriod accepts "YYYY" or "YYYY-YYYY" and returns the inclusive
// year bounds.
func parseTimePeriod(v string) (min, max int, err error) {
	if start, end, ok := strings.Cut(v, "-"); ok {
		min, err = strconv.Atoi(strings.TrimSpace(start))
		if err != nil {
			return 0, 0, fmt.Errorf("bad time period %q", v)
		}
		max, err = strconv.Atoi(strings.TrimSpace(end))
		if err != nil {
			return 0, 0, fmt.Errorf("bad time period %q", v)
		}
		return min, max, nil
	}
	year, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("bad time period %q", v)
	}
	return year, year, nil
}

// buildFilter converts a validated request into the metadata predicate
// passed to the vector store and re-applied to lexical results. Returns nil
// when nothing is filtered.
func buildFilter(req Request) *vectorstore.Filter {
	f := &vectorstore.Filter{}

	if req.CorpusFilter != "" && req.CorpusFilter != "all" {
		f.Equals = map[string]string{"corpus": req.CorpusFilter}
	}

	switch req.DirectionFilter {
	case "sent":
		if f.Equals == nil {
			f.Equals = make(map[string]string, 1)
		}
		f.Equals["sender_name"] = darwinName
	case "received":
		if f.Equals == nil {
			f.Equals = make(map[string]string, 1)
		}
		f.Equals["recipient_name"] = darwinName
	}

	if req.TimePeriodFilter != "" && req.TimePeriodFilter != "all" {
		if min, max, err := parseTimePeriod(req.TimePeriodFilter); err == nil {
			f.Ranges = append(f.Ranges, vectorstore.Range{
				Field: "year",
				Min:   vectorstore.IntPtr(min),
				Max:   vectorstore.IntPtr(max),
			})
		}
	}

	if f.IsZero() {
		return nil
	}
	return f
}
