package peersim

import (
	"github.com/okian/proxitrace/internal/domain/model"
)

// Report compares simulated peers with what the node reports.
type Report struct {
	Expected   int      `json:"expected"`
	Resolved   int      `json:"resolved"`
	Missing    []string `json:"missing,omitempty"`
	Mismatched []string `json:"mismatched,omitempty"`
}

// OK reports whether every peer was resolved with the right platform.
func (r Report) OK() bool { return len(r.Missing) == 0 && len(r.Mismatched) == 0 }

// Verify matches peers to summaries by resolved identifier.
func Verify(peers []Peer, scans []model.ScanSummary) Report {
	byIdentifier := make(map[string]model.ScanSummary, len(scans))
	for _, s := range scans {
		if s.ResolvedIdentifier != "" {
			byIdentifier[s.ResolvedIdentifier] = s
		}
	}

	r := Report{Expected: len(peers)}
	for _, p := range peers {
		s, ok := byIdentifier[p.Identifier]
		if !ok {
			r.Missing = append(r.Missing, p.Identifier)
			continue
		}
		r.Resolved++
		if s.Platform != p.Platform {
			r.Mismatched = append(r.Mismatched, p.Identifier)
		}
	}
	return r
}
