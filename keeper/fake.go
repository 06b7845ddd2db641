package keeper

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// Fake is an in-memory keeper for tests. Tokens maps bearer tokens to canned
// verification responses; unknown tokens verify as invalid. Reported usage is
// captured and can be made to fail a fixed number of times to exercise retry
// paths.
type Fake struct {
	mu sync.Mutex

	tokens      map[string]VerifyResponse
	usage       []UsageRecord
	failReports int
	reportCalls int
}

var _ Client = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		tokens: make(map[string]VerifyResponse),
	}
}

// SetToken registers a canned verification response for a token.
func (f *Fake) SetToken(token string, res VerifyResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = res
}

// FailNextReports makes the next n ReportUsage calls return an error.
func (f *Fake) FailNextReports(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReports = n
}

// Usage returns a copy of every record delivered so far.
func (f *Fake) Usage() []UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]UsageRecord, len(f.usage))
	copy(out, f.usage)
	return out
}

// ReportCalls returns how many times ReportUsage has been invoked, including
// failed attempts.
func (f *Fake) ReportCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reportCalls
}

func (f *Fake) Verify(_ context.Context, token, _ string, _ float64) VerifyResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.tokens[token]
	if !ok {
		return VerifyResponse{Valid: false, Error: "Invalid token"}
	}
	return res
}

func (f *Fake) ReportUsage(_ context.Context, records []UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportCalls++
	if f.failReports > 0 {
		f.failReports--
		return xerrors.New("keeper returned status 500")
	}
	f.usage = append(f.usage, records...)
	return nil
}

// AllowAll is a keeper that accepts every token and swallows usage reports.
// Useful for local development without a keeper deployment.
type AllowAll struct {
	// AgentID is returned for every verification. Defaults to "agent_local".
	AgentID string
}

var _ Client = AllowAll{}

func (a AllowAll) Verify(_ context.Context, _, _ string, _ float64) VerifyResponse {
	agentID := a.AgentID
	if agentID == "" {
		agentID = "agent_local"
	}
	return VerifyResponse{
		Valid:     true,
		AgentID:   agentID,
		CanAfford: true,
	}
}

func (AllowAll) ReportUsage(context.Context, []UsageRecord) error {
	return nil
}
