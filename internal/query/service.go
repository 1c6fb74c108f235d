package query

import (
	"EscrowAudit/internal/core"
	"EscrowAudit/internal/ledger"
	"EscrowAudit/internal/observability"
	"EscrowAudit/internal/projection"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// ErrSourceUnavailable wraps failures to open the event source.
var ErrSourceUnavailable = errors.New("event source unavailable")

// SourceFactory opens a fresh event source for one session. The returned
// close function is non-nil whenever err is nil.
type SourceFactory func(ctx context.Context) (core.Source, func() error, error)

// Options configures an AuditService. Every field is optional.
type Options struct {
	Clock     core.BlockClock
	Roles     *projection.RoleBook
	MaxEvents int
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

// AuditService answers read queries by replaying the event log in a new
// session per request. Sessions never share state, so concurrent requests
// are independent.
type AuditService struct {
	sources SourceFactory
	opts    Options
	emitter *projection.Emitter
}

func NewAuditService(sources SourceFactory, opts Options) *AuditService {
	return &AuditService{
		sources: sources,
		opts:    opts,
		emitter: projection.NewEmitter(opts.Roles),
	}
}

// Replay runs one full session for the issuance.
func (s *AuditService) Replay(ctx context.Context, issuance uint64) (*core.Result, error) {
	src, closeFn, err := s.sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			s.opts.Logger.Warn().Err(cerr).Msg("close event source")
		}
	}()

	session := core.NewSession(core.Config{
		TargetIssuance: issuance,
		Clock:          s.opts.Clock,
		Metrics:        s.opts.Metrics,
		Logger:         s.opts.Logger,
		MaxEvents:      s.opts.MaxEvents,
	})
	res, err := session.Run(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("replay issuance %d: %w", issuance, err)
	}
	return res, nil
}

// Report replays the issuance and formats the result for sinks.
func (s *AuditService) Report(ctx context.Context, issuance uint64, runID string) (*projection.Report, *core.Result, error) {
	res, err := s.Replay(ctx, issuance)
	if err != nil {
		return nil, nil, err
	}
	return projection.BuildReport(runID, res, s.emitter), res, nil
}

// Audit returns the report rows and violations for an issuance.
func (s *AuditService) Audit(ctx context.Context, issuance uint64) (*AuditResponse, error) {
	report, res, err := s.Report(ctx, issuance, "")
	if err != nil {
		return nil, err
	}
	return &AuditResponse{
		Summary:    summarize(res, len(report.Rows)),
		Rows:       report.Rows,
		Violations: report.Violations,
	}, nil
}

// Obligations returns every payable of the issuance with its reinitiation
// chain.
func (s *AuditService) Obligations(ctx context.Context, issuance uint64) (*ObligationsResponse, error) {
	res, err := s.Replay(ctx, issuance)
	if err != nil {
		return nil, err
	}

	all := res.Registry.All()
	resp := &ObligationsResponse{
		Summary:     summarize(res, len(s.emitter.Rows(res.Records))),
		Obligations: make([]ObligationResponse, 0, len(all)),
		Outstanding: len(res.Registry.Outstanding()),
	}
	for _, o := range all {
		item := ObligationResponse{
			ItemID:        o.ItemID,
			EngagementID:  o.EngagementID,
			Type:          o.ItemType.String(),
			Obligor:       o.Obligor,
			ObligorRole:   s.opts.Roles.Role(o.Obligor),
			Claimant:      o.Claimant,
			ClaimantRole:  s.opts.Roles.Role(o.Claimant),
			Token:         o.Token,
			Amount:        o.Amount.String(),
			DueTimestamp:  o.DueTimestamp,
			State:         o.State.String(),
			ReinitiatedTo: o.ReinitiatedTo,
			Version:       o.Version,
		}
		if chain := res.Registry.Chain(o.ItemID); len(chain) > 1 {
			item.ReinitiationChain = chain
		}
		resp.Obligations = append(resp.Obligations, item)
	}
	return resp, nil
}

// Balances returns the final two-tier ledger of the issuance replay.
func (s *AuditService) Balances(ctx context.Context, issuance uint64) (*BalancesResponse, error) {
	res, err := s.Replay(ctx, issuance)
	if err != nil {
		return nil, err
	}

	resp := &BalancesResponse{Summary: summarize(res, len(s.emitter.Rows(res.Records)))}
	for _, account := range res.Ledger.Accounts() {
		role := s.opts.Roles.Role(account)
		for _, entry := range res.Ledger.Snapshot(account) {
			resp.Balances = append(resp.Balances, BalanceEntry{
				Account: account,
				Role:    role,
				Tier:    entry.Tier.String(),
				Token:   entry.Token,
				Amount:  entry.Amount.String(),
			})
		}
	}
	for _, tier := range []ledger.Tier{ledger.TierInstrument, ledger.TierIssuance} {
		totals := res.Ledger.ComputeTokenTotals(tier)
		tokens := make([]string, 0, len(totals))
		for token := range totals {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
		for _, token := range tokens {
			resp.Totals = append(resp.Totals, TokenTotal{
				Tier:   tier.String(),
				Token:  token,
				Amount: totals[token].String(),
			})
		}
	}
	return resp, nil
}

func summarize(res *core.Result, rows int) Summary {
	return Summary{
		TargetIssuance:   res.TargetIssuance,
		Events:           res.Events,
		Rows:             rows,
		Violations:       len(res.Violations),
		NegativeBalances: len(res.NegativeBalances()),
		Truncated:        res.Truncated,
		Hash:             res.Hash,
		AsOf:             asOf(res.LastPosition, res.Events),
	}
}
