package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/health"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/ledger"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/liquidation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/margincall"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/observability"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/obligation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/premium"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/pricing"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/tier"
)

// DefaultAsset is the collateral asset all tiers pool.
const DefaultAsset = "BTC"

// Notice is a derived outbound event (margin call issued, liquidation
// executed, ...). The outbound publisher serializes Body per Type.
type Notice struct {
	Type    event.Type
	Subject string // provider, obligation or asset the notice concerns
	Body    interface{}
}

// Output is one applied command's full result: the event-log envelope, the
// journal batch, the canonical state delta and any derived notices.
type Output struct {
	Envelope   *event.Envelope
	Batch      *ledger.Batch
	Command    event.Command // source payload, persisted for replay
	StateDelta []byte
	Notices    []Notice
}

type coreRequest struct {
	cmd   event.Command
	query func(View)
	errCh chan error
}

// Core is the single-writer protection engine. All state it owns is mutated
// only from its own goroutine; commands arrive serialized through Submit.
// The core never reads the wall clock for state decisions: every timestamp
// is a versioned input carried by the command.
type Core struct {
	sequence    int64
	hasher      *StateHasher
	tracker     *ledger.BalanceTracker
	journalGen  *ledger.JournalGenerator
	accountant  *ledger.TierAccountant
	validator   *ledger.InvariantValidator
	obligations *obligation.Store
	registry    *tier.Registry
	calls       *margincall.Manager
	distributor *premium.Distributor
	planner     *liquidation.Planner
	feed        *pricing.Feed

	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics
	logger       zerolog.Logger

	safeMode        bool
	frozenProviders map[uuid.UUID]string // provider -> violation that froze it
	frozenTiers     map[string]string

	persistChan chan<- Output
	notifyChan  chan<- Output

	requests chan coreRequest
}

func NewCore(
	startSequence int64,
	registry *tier.Registry,
	persistChan, notifyChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Core {
	tracker := ledger.NewBalanceTracker()
	accountant := ledger.NewTierAccountant(tracker)
	params := registry.Params()

	return &Core{
		sequence:        startSequence,
		hasher:          NewStateHasher(),
		tracker:         tracker,
		journalGen:      ledger.NewJournalGenerator(startSequence, tracker),
		accountant:      accountant,
		validator:       ledger.NewInvariantValidator(tracker, accountant),
		obligations:     obligation.NewStore(),
		registry:        registry,
		calls:           margincall.NewManager(params.WarningGracePeriod, params.EmergencyGracePeriod),
		distributor:     premium.NewDistributor(),
		planner:         liquidation.NewPlanner(registry),
		feed:            pricing.NewFeed(),
		idempotency:     NewIdempotencyChecker(1_000_000, dbChecker),
		seqValidator:    NewSequenceValidator(),
		metrics:         metrics,
		logger:          logger,
		frozenProviders: make(map[uuid.UUID]string),
		frozenTiers:     make(map[string]string),
		persistChan:     persistChan,
		notifyChan:      notifyChan,
		requests:        make(chan coreRequest, 4096),
	}
}

// Run drains the request channel until the context is canceled. Queries run
// on the core goroutine so callers read a consistent snapshot without locks.
func (c *Core) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			if req.query != nil {
				req.query(View{c: c})
				if req.errCh != nil {
					req.errCh <- nil
				}
				continue
			}
			err := c.ProcessCommand(req.cmd)
			if err != nil && !errors.Is(err, ErrCapacity) && !errors.Is(err, ErrValidation) {
				c.logger.Warn().
					Err(err).
					Str("command_type", req.cmd.Type().String()).
					Str("idempotency_key", req.cmd.IdempotencyKey()).
					Msg("command rejected")
			}
			if req.errCh != nil {
				req.errCh <- err
			}
		}
	}
}

// Submit enqueues a command and waits for its result.
func (c *Core) Submit(ctx context.Context, cmd event.Command) error {
	errCh := make(chan error, 1)
	select {
	case c.requests <- coreRequest{cmd: cmd, errCh: errCh}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitNoWait enqueues a command without waiting for the result. Used by
// the ingestion path, where NATS redelivery covers a full queue.
func (c *Core) SubmitNoWait(cmd event.Command) bool {
	select {
	case c.requests <- coreRequest{cmd: cmd}:
		return true
	default:
		return false
	}
}

// Query runs fn on the core goroutine with a read view of live state.
func (c *Core) Query(ctx context.Context, fn func(View)) error {
	errCh := make(chan error, 1)
	select {
	case c.requests <- coreRequest{query: fn, errCh: errCh}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-errCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessCommand is the main processing pipeline.
func (c *Core) ProcessCommand(cmd event.Command) error {
	start := time.Now()
	cmdType := cmd.Type().String()
	key := cmd.IdempotencyKey()

	// Step 1: idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(cmdType, key)

	// Step 2: sequence validation. Price ticks tolerate gaps and drop stale
	// silently; everything else is strict per partition. SourceSequence 0
	// marks API-originated commands that carry no upstream ordering.
	if tick, ok := cmd.(*event.PriceTick); ok {
		if err := c.seqValidator.ValidatePriceSequence(tick.Asset, tick.PriceSequence); err != nil {
			return conflictErr("%v", err)
		}
	} else if src := cmd.SourceSequence(); src > 0 {
		if err := c.seqValidator.ValidateSequence(c.getPartition(cmd), src, isDuplicate); err != nil {
			c.reject(cmdType, "sequence")
			return conflictErr("%v", err)
		}
	}

	if isDuplicate {
		c.reject(cmdType, "duplicate")
		return nil
	}

	// Step 3: dispatch. Handlers generate balanced batches, apply them and
	// update derived state; a returned error means nothing was touched.
	c.journalGen.SetSequence(c.sequence)
	batches, notices, err := c.dispatch(cmd)
	if err != nil {
		c.reject(cmdType, rejectReason(err))
		return err
	}

	// State-only commands still get an envelope in the event log.
	if len(batches) == 0 {
		batches = []*ledger.Batch{{
			BatchID:   uuid.New(),
			EventRef:  key,
			Sequence:  c.sequence,
			Timestamp: c.commandTimestamp(cmd).UnixMicro(),
		}}
	}

	// Steps 4-6: digest, hash chain, envelope.
	outputs := make([]Output, 0, len(batches))
	for i, batch := range batches {
		digest := c.computeStateDigest(batch)
		prevHash := c.hasher.GetPrevHash()
		stateHash := c.hasher.ComputeHash(c.sequence, digest)

		envelope := &event.Envelope{
			Sequence:       c.sequence,
			IdempotencyKey: key,
			Type:           cmd.Type(),
			TierName:       cmd.TierName(),
			Timestamp:      c.commandTimestamp(cmd),
			SourceSequence: cmd.SourceSequence(),
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}

		out := Output{Envelope: envelope, Batch: batch, Command: cmd, StateDelta: digest}
		if i == 0 {
			out.Notices = notices
		}
		outputs = append(outputs, out)
		c.sequence++
	}

	// Step 7: post-checks. A violation freezes the affected provider or tier
	// rather than halting the whole engine; the outputs are still emitted so
	// the audit trail shows the state that tripped the check.
	violation := c.postCheckInvariants(batches)

	// Step 8: emit. Persistence is a blocking send (no applied command may be
	// lost); notifications drop on a full channel and are rebuilt from the
	// event log by consumers that fall behind.
	for _, out := range outputs {
		c.persistChan <- out
		select {
		case c.notifyChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.NotifyDrops.Inc()
			}
		}
	}

	// Step 9: mark processed.
	c.idempotency.MarkProcessed(cmdType, key)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(cmdType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.updateGauges()
	}

	return violation
}

func (c *Core) reject(cmdType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(cmdType, reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrStateConflict):
		return "conflict"
	case errors.Is(err, ErrExternalDependency):
		return "dependency"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	default:
		return "internal"
	}
}

func (c *Core) dispatch(cmd event.Command) ([]*ledger.Batch, []Notice, error) {
	switch e := cmd.(type) {
	case *event.DepositReceived:
		return c.handleDeposit(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawal(e)
	case *event.ProtectionRequested:
		return c.handleProtection(e)
	case *event.PremiumCollected:
		return c.handlePremium(e)
	case *event.PriceTick:
		return c.handlePriceTick(e)
	case *event.ObligationSettled:
		return c.handleObligationSettled(e)
	case *event.TierParamUpdate:
		return c.handleTierParamUpdate(e)
	case *event.ResolveMarginCall:
		return c.handleResolveMarginCall(e)
	case *event.SweepDeadlines:
		return c.handleSweepDeadlines(e)
	default:
		return nil, nil, validationErr("unhandled command type %T", cmd)
	}
}

// getPartition maps a command to its strict-ordering partition.
func (c *Core) getPartition(cmd event.Command) string {
	switch e := cmd.(type) {
	case *event.DepositReceived:
		return "provider:" + e.ProviderID.String()
	case *event.WithdrawalRequested:
		return "provider:" + e.ProviderID.String()
	case *event.ResolveMarginCall:
		return "provider:" + e.ProviderID.String()
	case *event.ProtectionRequested:
		return "owner:" + e.Owner.String()
	case *event.PremiumCollected:
		return "settlement"
	case *event.ObligationSettled:
		return "settlement"
	case *event.TierParamUpdate:
		return "governance"
	case *event.SweepDeadlines:
		return "sweep"
	case *event.PriceTick:
		return "price:" + e.Asset
	default:
		return "global"
	}
}

// commandTimestamp extracts the versioned input timestamp.
func (c *Core) commandTimestamp(cmd event.Command) time.Time {
	switch e := cmd.(type) {
	case *event.DepositReceived:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.ProtectionRequested:
		return e.Timestamp
	case *event.PremiumCollected:
		return e.Timestamp
	case *event.PriceTick:
		return time.UnixMicro(e.Timestamp)
	case *event.ObligationSettled:
		return e.Timestamp
	case *event.TierParamUpdate:
		return e.Timestamp
	case *event.ResolveMarginCall:
		return e.Timestamp
	case *event.SweepDeadlines:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("commandTimestamp called with unhandled type %T", cmd))
	}
}

// applyBatch validates and applies a generated batch. Generators pre-check
// balances, so a failure here means internal inconsistency.
func (c *Core) applyBatch(batch *ledger.Batch) error {
	if batch == nil || len(batch.Journals) == 0 {
		return nil
	}
	if err := c.validator.ValidateBatchBalance(batch); err != nil {
		return invariantErr("unbalanced batch: %v", err)
	}
	if err := c.tracker.ApplyBatch(batch); err != nil {
		return invariantErr("apply batch: %v", err)
	}
	if c.metrics != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	return nil
}

func (c *Core) checkFrozen(providerID uuid.UUID, tierName string) error {
	if providerID != uuid.Nil {
		if reason, ok := c.frozenProviders[providerID]; ok {
			return invariantErr("provider %s is frozen: %s", providerID, reason)
		}
	}
	if tierName != "" {
		if reason, ok := c.frozenTiers[tierName]; ok {
			return invariantErr("tier %s is frozen: %s", tierName, reason)
		}
	}
	return nil
}

func (c *Core) freezeProvider(providerID uuid.UUID, cause error) {
	if _, ok := c.frozenProviders[providerID]; ok {
		return
	}
	c.frozenProviders[providerID] = cause.Error()
	c.logger.Error().
		Err(cause).
		Str("provider_id", providerID.String()).
		Msg("invariant violation: provider frozen pending governance intervention")
}

func (c *Core) freezeTier(tierName string, cause error) {
	if _, ok := c.frozenTiers[tierName]; ok {
		return
	}
	c.frozenTiers[tierName] = cause.Error()
	c.logger.Error().
		Err(cause).
		Str("tier", tierName).
		Msg("invariant violation: tier frozen pending governance intervention")
}

// --- Health evaluation ---

// activeInTier returns a provider's active obligations within one tier.
func (c *Core) activeInTier(providerID uuid.UUID, tierName string) []*obligation.Obligation {
	all := c.obligations.ActiveByProvider(providerID)
	out := all[:0]
	for _, o := range all {
		if o.Tier == tierName {
			out = append(out, o)
		}
	}
	return out
}

// evaluateProvider computes a provider's health at the last-good price.
// Returns false when the tier is unknown or no price has ever arrived.
func (c *Core) evaluateProvider(providerID uuid.UUID, tierName string) (health.Report, bool) {
	tierDef, ok := c.registry.Get(tier.Name(tierName))
	if !ok {
		return health.Report{}, false
	}
	quote, ok := c.feed.Get(DefaultAsset)
	if !ok {
		return health.Report{}, false
	}
	collateral := c.tracker.ProviderDeposited(providerID, tierName)
	return health.Evaluate(providerID, tierDef, collateral, c.activeInTier(providerID, tierName), quote.Price), true
}

// refreshProvider folds a fresh health evaluation into the provider's margin
// call state and returns the resulting notices. An active call owned by a
// different tier is left alone: one evaluation never clears another tier's
// demand.
func (c *Core) refreshProvider(providerID uuid.UUID, tierName string, now time.Time) []Notice {
	if _, frozen := c.frozenProviders[providerID]; frozen {
		return nil
	}
	report, ok := c.evaluateProvider(providerID, tierName)
	if !ok {
		return nil
	}
	if existing, has := c.calls.Get(providerID); has && existing.Tier != tierName {
		return nil
	}

	_, had := c.calls.Get(providerID)
	call, changed := c.calls.Apply(report, now)
	if !changed || call == nil {
		return nil
	}

	switch {
	case call.Status == margincall.StatusResolved:
		if c.metrics != nil {
			c.metrics.MarginCallsResolved.WithLabelValues("recovered").Inc()
		}
		return []Notice{{Type: event.TypeMarginCallResolved, Subject: providerID.String(), Body: call}}
	case !had:
		if c.metrics != nil {
			c.metrics.MarginCallsIssued.WithLabelValues(call.Severity.String()).Inc()
		}
		return []Notice{{Type: event.TypeMarginCallIssued, Subject: providerID.String(), Body: call}}
	default:
		return []Notice{{Type: event.TypeMarginCallUpdated, Subject: providerID.String(), Body: call}}
	}
}

// --- Command handlers ---

func (c *Core) handleDeposit(e *event.DepositReceived) ([]*ledger.Batch, []Notice, error) {
	if err := c.checkFrozen(e.ProviderID, e.Tier); err != nil {
		return nil, nil, err
	}
	if e.Amount <= 0 {
		return nil, nil, validationErr("deposit amount must be positive, got %d", e.Amount)
	}
	if _, ok := c.registry.Get(tier.Name(e.Tier)); !ok {
		return nil, nil, validationErr("unknown tier %q", e.Tier)
	}

	batch, err := c.journalGen.GenerateDeposit(e.ProviderID, e.DepositID, e.Tier, e.Amount, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, nil, validationErr("%v", err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}
	c.accountant.RecordDeposit(e.ProviderID, e.Tier, e.Amount)

	// Fresh capital is an implicit add-collateral attempt against an active
	// margin call: resolve when the ratio clears the minimum.
	var notices []Notice
	if call, ok := c.calls.Get(e.ProviderID); ok && call.Tier == e.Tier {
		if report, evaluated := c.evaluateProvider(e.ProviderID, e.Tier); evaluated {
			if resolved, rerr := c.calls.TryResolve(e.ProviderID, report, e.Timestamp); rerr == nil {
				if c.metrics != nil {
					c.metrics.MarginCallsResolved.WithLabelValues("add_collateral").Inc()
				}
				notices = append(notices, Notice{Type: event.TypeMarginCallResolved, Subject: e.ProviderID.String(), Body: resolved})
			} else {
				notices = append(notices, Notice{Type: event.TypeMarginCallUpdated, Subject: e.ProviderID.String(), Body: call})
			}
		}
	}

	return []*ledger.Batch{batch}, notices, nil
}

func (c *Core) handleWithdrawal(e *event.WithdrawalRequested) ([]*ledger.Batch, []Notice, error) {
	if err := c.checkFrozen(e.ProviderID, e.Tier); err != nil {
		return nil, nil, err
	}
	if e.Amount <= 0 {
		return nil, nil, validationErr("withdrawal amount must be positive, got %d", e.Amount)
	}
	if call, ok := c.calls.Get(e.ProviderID); ok {
		return nil, nil, conflictErr("provider %s is under active margin call %s; withdrawals rejected",
			e.ProviderID, call.CallID)
	}

	// Pre-check: the position left behind must stay at or above the minimum
	// ratio at the last-good price.
	if tierDef, ok := c.registry.Get(tier.Name(e.Tier)); ok {
		if quote, haveQuote := c.feed.Get(DefaultAsset); haveQuote {
			obs := c.activeInTier(e.ProviderID, e.Tier)
			if len(obs) > 0 {
				after := c.tracker.ProviderDeposited(e.ProviderID, e.Tier) - e.Amount
				report := health.Evaluate(e.ProviderID, tierDef, after, obs, quote.Price)
				if report.Ratio < report.MinRatio {
					return nil, nil, validationErr(
						"withdrawal would drop collateral ratio to %d, below minimum %d",
						report.Ratio, report.MinRatio)
				}
			}
		}
	}

	batch, err := c.journalGen.GenerateWithdrawal(e.ProviderID, e.WithdrawalID, e.Tier, e.Amount, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, nil, validationErr("%v", err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}
	c.accountant.RecordWithdrawal(e.ProviderID, e.Tier, e.Amount)

	return []*ledger.Batch{batch}, nil, nil
}

func (c *Core) handleProtection(e *event.ProtectionRequested) ([]*ledger.Batch, []Notice, error) {
	if e.ProtectedAmount <= 0 {
		return nil, nil, validationErr("protected amount must be positive, got %d", e.ProtectedAmount)
	}
	if e.ProtectedValue <= 0 {
		return nil, nil, validationErr("protected value must be positive, got %d", e.ProtectedValue)
	}
	if e.Duration <= 0 {
		return nil, nil, validationErr("duration must be positive, got %s", e.Duration)
	}

	quote, ok := c.feed.Get(DefaultAsset)
	if !ok {
		return nil, nil, dependencyErr("no price available for %s", DefaultAsset)
	}
	if quote.StaleAt(e.Timestamp, c.registry.Params().PriceStalenessBound) {
		// Safe mode: existing positions keep running on the last-good price,
		// but no new obligation may be created against it. The transition
		// notice goes out with the next deadline sweep.
		c.safeMode = true
		return nil, nil, dependencyErr("price for %s is stale (as of %s); new protections suspended",
			DefaultAsset, quote.AsOf.Format(time.RFC3339))
	}

	tierDef, ok := c.registry.Classify(e.ProtectedValue, quote.Price, e.Duration)
	if !ok {
		return nil, nil, ErrNoMatchingTier
	}
	tierName := string(tierDef.Name)
	if err := c.checkFrozen(uuid.Nil, tierName); err != nil {
		return nil, nil, err
	}

	var required int64
	if e.Policy == event.PolicyCall {
		required = e.ProtectedAmount
	} else {
		required = fixedpoint.RequiredPutCollateral(e.ProtectedAmount, e.ProtectedValue, quote.Price)
	}
	if required <= 0 {
		return nil, nil, validationErr("computed zero collateral requirement")
	}

	if c.accountant.Totals(tierName).Available() < required {
		return nil, nil, ErrInsufficientTierCapital
	}

	// Allocate across the tier's providers in proportion to available
	// capital. Frozen or margin-called providers take no new exposure, so
	// the effective capacity may be less than the tier aggregate.
	providers := c.accountant.Providers(tierName)
	eligible := make([]uuid.UUID, 0, len(providers))
	weights := make([]int64, 0, len(providers))
	var capacity int64
	for _, pid := range providers {
		if _, frozen := c.frozenProviders[pid]; frozen {
			continue
		}
		if _, called := c.calls.Get(pid); called {
			continue
		}
		available := c.tracker.ProviderAvailable(pid, tierName)
		if available <= 0 {
			continue
		}
		eligible = append(eligible, pid)
		weights = append(weights, available)
		capacity += available
	}
	if capacity < required {
		return nil, nil, ErrInsufficientTierCapital
	}

	portions := fixedpoint.LargestRemainder(required, weights)
	shares := make([]ledger.ProviderShare, 0, len(eligible))
	backing := make([]obligation.BackingShare, 0, len(eligible))
	for i, pid := range eligible {
		if portions[i] <= 0 {
			continue
		}
		shares = append(shares, ledger.ProviderShare{ProviderID: pid, Amount: portions[i]})
		backing = append(backing, obligation.BackingShare{ProviderID: pid, Amount: portions[i]})
	}

	o := &obligation.Obligation{
		ID:               e.RequestID,
		Owner:            e.Owner,
		Policy:           e.Policy,
		Tier:             tierName,
		ProtectedValue:   e.ProtectedValue,
		ProtectedAmount:  e.ProtectedAmount,
		LockedCollateral: required,
		Backing:          backing,
		CreatedAt:        e.Timestamp,
		ExpiresAt:        e.Timestamp.Add(e.Duration),
		Status:           obligation.StatusActive,
	}
	if err := o.Validate(); err != nil {
		return nil, nil, validationErr("%v", err)
	}

	// Reservation and obligation creation are one atomic unit: the duplicate
	// check and per-share pre-checks run before any state changes, and the
	// store insert follows the ledger apply so a failed apply cannot leave a
	// phantom obligation inflating health requirements.
	if _, exists := c.obligations.Get(o.ID); exists {
		return nil, nil, conflictErr("obligation %s already exists", o.ID)
	}
	batch, err := c.journalGen.GenerateCollateralLock(o.ID, tierName, shares, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientTierCapital, err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}
	if err := c.obligations.Add(o); err != nil {
		// Validated and dedup-checked above; a failure here means the store
		// and ledger disagree.
		return nil, nil, invariantErr("%v", err)
	}
	c.accountant.RecordLock(tierName, required)

	if c.metrics != nil {
		c.metrics.ObligationsCreated.WithLabelValues(tierName, e.Policy.String()).Inc()
	}

	notices := []Notice{{Type: event.TypeObligationCreated, Subject: o.ID.String(), Body: o}}
	for _, pid := range eligible {
		notices = append(notices, c.refreshProvider(pid, tierName, e.Timestamp)...)
	}
	return []*ledger.Batch{batch}, notices, nil
}

func (c *Core) handlePremium(e *event.PremiumCollected) ([]*ledger.Batch, []Notice, error) {
	if err := c.checkFrozen(uuid.Nil, e.Tier); err != nil {
		return nil, nil, err
	}
	if e.Amount <= 0 {
		return nil, nil, validationErr("premium amount must be positive, got %d", e.Amount)
	}
	if _, ok := c.registry.Get(tier.Name(e.Tier)); !ok {
		return nil, nil, validationErr("unknown tier %q", e.Tier)
	}

	providers := c.accountant.Providers(e.Tier)
	weights := premium.Weights{
		Providers: providers,
		Deposited: make([]int64, len(providers)),
	}
	for i, pid := range providers {
		weights.Deposited[i] = c.tracker.ProviderDeposited(pid, e.Tier)
	}

	settlement, err := c.distributor.Distribute(e.PaymentID, e.Tier, e.Amount, c.registry.Params().PlatformFeePct, weights)
	if err != nil {
		return nil, nil, validationErr("%v", err)
	}

	batch, err := c.journalGen.GeneratePremiumDistribution(
		e.PaymentID, e.Tier, e.Amount,
		settlement.PlatformFee, settlement.Shares, settlement.CarryConsumed,
		e.Timestamp.UnixMicro())
	if err != nil {
		c.distributor.RestoreCarry(e.Tier, settlement.CarryConsumed)
		return nil, nil, invariantErr("%v", err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}

	if c.metrics != nil {
		c.metrics.PremiumsDistributed.WithLabelValues(e.Tier).Add(float64(settlement.Distributed()))
		c.metrics.PlatformFees.Add(float64(settlement.PlatformFee))
		c.metrics.PremiumCarry.WithLabelValues(e.Tier).Set(float64(settlement.CarryRemaining))
	}

	return []*ledger.Batch{batch}, nil, nil
}

func (c *Core) handlePriceTick(e *event.PriceTick) ([]*ledger.Batch, []Notice, error) {
	if e.Price <= 0 {
		return nil, nil, validationErr("price must be positive, got %d", e.Price)
	}

	quote := pricing.Quote{
		Asset:      e.Asset,
		Price:      e.Price,
		Volatility: e.Volatility,
		Sequence:   e.PriceSequence,
		AsOf:       time.UnixMicro(e.Timestamp),
	}
	if !c.feed.Update(quote) {
		// Stale tick: dropped, but still logged as a no-op envelope.
		return nil, nil, nil
	}
	if e.Asset != DefaultAsset {
		return nil, nil, nil
	}

	var notices []Notice
	if c.safeMode {
		c.safeMode = false
		notices = append(notices, Notice{Type: event.TypeSafeModeExited, Subject: e.Asset, Body: quote})
		c.logger.Info().Str("asset", e.Asset).Int64("price", e.Price).Msg("fresh price received, safe mode exited")
	}

	// Full health sweep at the new price.
	now := time.UnixMicro(e.Timestamp)
	sweepStart := time.Now()
	var warning, under int
	for _, t := range c.registry.List() {
		tierName := string(t.Name)
		for _, pid := range c.accountant.Providers(tierName) {
			notices = append(notices, c.refreshProvider(pid, tierName, now)...)
			if report, ok := c.evaluateProvider(pid, tierName); ok {
				switch report.Status {
				case health.StatusWarning:
					warning++
				case health.StatusUnderCollateralized:
					under++
				}
			}
		}
	}

	if c.metrics != nil {
		c.metrics.HealthSweepDuration.Observe(time.Since(sweepStart).Seconds())
		c.metrics.ProvidersUnhealthy.WithLabelValues(health.StatusWarning.String()).Set(float64(warning))
		c.metrics.ProvidersUnhealthy.WithLabelValues(health.StatusUnderCollateralized.String()).Set(float64(under))
	}

	return nil, notices, nil
}

// splitBacking separates provider shares from the insurance fund's share.
func splitBacking(o *obligation.Obligation) (shares []ledger.ProviderShare, providerIDs []uuid.UUID, fundShare int64) {
	for _, b := range o.Backing {
		if b.ProviderID == obligation.InsuranceFundID {
			fundShare += b.Amount
			continue
		}
		shares = append(shares, ledger.ProviderShare{ProviderID: b.ProviderID, Amount: b.Amount})
		providerIDs = append(providerIDs, b.ProviderID)
	}
	return shares, providerIDs, fundShare
}

func (c *Core) handleObligationSettled(e *event.ObligationSettled) ([]*ledger.Batch, []Notice, error) {
	o, ok := c.obligations.Get(e.ObligationID)
	if !ok {
		return nil, nil, validationErr("obligation %s not found", e.ObligationID)
	}
	if o.Status != obligation.StatusActive {
		return nil, nil, conflictErr("obligation %s already settled as %s", o.ID, o.Status)
	}
	if err := c.checkFrozen(uuid.Nil, o.Tier); err != nil {
		return nil, nil, err
	}

	shares, providerIDs, fundShare := splitBacking(o)
	var providerTotal int64
	for _, s := range shares {
		providerTotal += s.Amount
	}
	ts := e.Timestamp.UnixMicro()

	var batch *ledger.Batch
	var next obligation.Status
	var err error

	switch e.Outcome {
	case event.SettleExercised:
		next = obligation.StatusExercised
		batch, err = c.journalGen.GenerateExercisePayout(o.ID, o.Tier, shares, fundShare, ts)
	case event.SettleExpired, event.SettleCanceled:
		if e.Outcome == event.SettleExpired {
			next = obligation.StatusExpired
		} else {
			next = obligation.StatusCanceled
		}
		// Provider collateral unlocks; any fund-held share simply stays in
		// the insurance fund, already accounted there by the seizure.
		if len(shares) > 0 {
			batch, err = c.journalGen.GenerateCollateralRelease(o.ID, o.Tier, shares, ts)
		}
	default:
		return nil, nil, validationErr("unknown settle outcome %d", e.Outcome)
	}
	if err != nil {
		return nil, nil, invariantErr("%v", err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}

	if _, err := c.obligations.Settle(o.ID, next); err != nil {
		return nil, nil, conflictErr("%v", err)
	}
	if next == obligation.StatusExercised {
		c.accountant.RecordExercise(providerIDs, o.Tier, providerTotal)
	} else {
		c.accountant.RecordRelease(o.Tier, providerTotal)
	}

	if c.metrics != nil {
		c.metrics.ObligationsSettled.WithLabelValues(o.Tier, next.String()).Inc()
	}

	// Settled obligations shrink the required side, so backers may recover.
	var notices []Notice
	for _, pid := range providerIDs {
		notices = append(notices, c.refreshProvider(pid, o.Tier, e.Timestamp)...)
	}

	var batches []*ledger.Batch
	if batch != nil {
		batches = append(batches, batch)
	}
	return batches, notices, nil
}

func (c *Core) handleTierParamUpdate(e *event.TierParamUpdate) ([]*ledger.Batch, []Notice, error) {
	t := &tier.RiskTier{
		Name:               tier.Name(e.Tier),
		MinValuePct:        e.MinValuePct,
		MaxValuePct:        e.MaxValuePct,
		PremiumMultiplier:  e.PremiumMultiplier,
		MaxDuration:        e.MaxDuration,
		MinCollateralRatio: e.MinCollateralRatio,
		WarningBufferPct:   e.WarningBufferPct,
		Active:             e.Active,
	}
	if err := c.registry.Update(t); err != nil {
		return nil, nil, validationErr("%v", err)
	}
	c.logger.Info().
		Str("tier", e.Tier).
		Int64("min_collateral_ratio", e.MinCollateralRatio).
		Bool("active", e.Active).
		Msg("tier parameters updated")
	return nil, nil, nil
}

func (c *Core) handleResolveMarginCall(e *event.ResolveMarginCall) ([]*ledger.Batch, []Notice, error) {
	if err := c.checkFrozen(e.ProviderID, ""); err != nil {
		return nil, nil, err
	}
	call, ok := c.calls.Get(e.ProviderID)
	if !ok {
		return nil, nil, validationErr("provider %s has no active margin call", e.ProviderID)
	}

	switch e.Method {
	case event.ResolveAddCollateral:
		return c.resolveByDeposit(e, call)
	case event.ResolveMigrateTier:
		return c.resolveByMigration(e, call)
	case event.ResolveSelfLiquidate:
		return c.resolveBySelfLiquidation(e, call)
	default:
		return nil, nil, validationErr("unknown resolution method %d", e.Method)
	}
}

func (c *Core) resolveByDeposit(e *event.ResolveMarginCall, call *margincall.MarginCall) ([]*ledger.Batch, []Notice, error) {
	if e.Amount <= 0 {
		return nil, nil, validationErr("add_collateral amount must be positive, got %d", e.Amount)
	}
	if err := c.checkFrozen(uuid.Nil, call.Tier); err != nil {
		return nil, nil, err
	}

	batch, err := c.journalGen.GenerateDeposit(e.ProviderID, e.RequestID, call.Tier, e.Amount, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, nil, validationErr("%v", err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}
	c.accountant.RecordDeposit(e.ProviderID, call.Tier, e.Amount)

	notices := c.tryResolveCall(e.ProviderID, call.Tier, "add_collateral", e.Timestamp)
	return []*ledger.Batch{batch}, notices, nil
}

func (c *Core) resolveByMigration(e *event.ResolveMarginCall, call *margincall.MarginCall) ([]*ledger.Batch, []Notice, error) {
	target, ok := c.registry.Get(tier.Name(e.TargetTier))
	if !ok || !target.Active {
		return nil, nil, validationErr("target tier %q does not exist or is inactive", e.TargetTier)
	}
	if e.TargetTier == call.Tier {
		return nil, nil, validationErr("target tier equals current tier %q", call.Tier)
	}
	if err := c.checkFrozen(uuid.Nil, e.TargetTier); err != nil {
		return nil, nil, err
	}

	// Migration re-homes the provider's whole position, obligations included.
	// Co-backed obligations cannot follow one backer to another pool, so the
	// provider must be the sole backer of everything it carries.
	obs := c.activeInTier(e.ProviderID, call.Tier)
	for _, o := range obs {
		if len(o.Backing) != 1 || o.Backing[0].ProviderID != e.ProviderID {
			return nil, nil, conflictErr(
				"obligation %s is co-backed; tier migration requires sole backing", o.ID)
		}
	}

	available := c.tracker.ProviderAvailable(e.ProviderID, call.Tier)
	locked := c.tracker.ProviderLocked(e.ProviderID, call.Tier)

	batch, err := c.journalGen.GenerateTierMigration(
		e.ProviderID, e.RequestID, call.Tier, e.TargetTier, available, locked, e.Timestamp.UnixMicro())
	if err != nil {
		return nil, nil, validationErr("%v", err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}

	fromTier := call.Tier
	for _, o := range obs {
		o.Tier = e.TargetTier
	}
	c.accountant.RecordMigration(e.ProviderID, fromTier, e.TargetTier, available+locked, locked, int64(len(obs)))
	call.Tier = e.TargetTier

	notices := c.tryResolveCall(e.ProviderID, e.TargetTier, "migrate_tier", e.Timestamp)
	return []*ledger.Batch{batch}, notices, nil
}

func (c *Core) resolveBySelfLiquidation(e *event.ResolveMarginCall, call *margincall.MarginCall) ([]*ledger.Batch, []Notice, error) {
	if err := c.checkFrozen(uuid.Nil, call.Tier); err != nil {
		return nil, nil, err
	}

	plan, err := c.planner.PlanVoluntary(
		e.ProviderID, call.Tier, e.Amount,
		c.obligations.ActiveByProvider(e.ProviderID), e.Timestamp)
	if err != nil {
		return nil, nil, conflictErr("%v", err)
	}

	batch, notices, err := c.executeLiquidation(plan, e.Timestamp)
	if err != nil {
		return nil, nil, err
	}

	notices = append(notices, c.tryResolveCall(e.ProviderID, call.Tier, "self_liquidate", e.Timestamp)...)
	return []*ledger.Batch{batch}, notices, nil
}

// tryResolveCall re-evaluates after a resolution attempt. Falling short of
// the minimum keeps the call active with refreshed numbers; that is not an
// error, the provider simply has more to do before the deadline.
func (c *Core) tryResolveCall(providerID uuid.UUID, tierName, method string, now time.Time) []Notice {
	report, ok := c.evaluateProvider(providerID, tierName)
	if !ok {
		return nil
	}
	resolved, err := c.calls.TryResolve(providerID, report, now)
	if err != nil {
		if call, has := c.calls.Get(providerID); has {
			return []Notice{{Type: event.TypeMarginCallUpdated, Subject: providerID.String(), Body: call}}
		}
		return nil
	}
	if c.metrics != nil {
		c.metrics.MarginCallsResolved.WithLabelValues(method).Inc()
	}
	return []Notice{{Type: event.TypeMarginCallResolved, Subject: providerID.String(), Body: resolved}}
}

// executeLiquidation applies a computed plan: one seizure batch moving the
// provider's collateral to the insurance fund, backing shares rewritten
// obligation by obligation. The locked total of each obligation is unchanged.
func (c *Core) executeLiquidation(plan *liquidation.Plan, now time.Time) (*ledger.Batch, []Notice, error) {
	lockedBefore := c.tracker.ProviderLocked(plan.ProviderID, plan.Tier)

	batch, err := c.journalGen.GenerateLiquidationSeizure(
		plan.LiquidationID, plan.Tier,
		[]ledger.ProviderShare{{ProviderID: plan.ProviderID, Amount: plan.Total}},
		now.UnixMicro())
	if err != nil {
		return nil, nil, invariantErr("%v", err)
	}
	if err := c.applyBatch(batch); err != nil {
		return nil, nil, err
	}

	var transferNotices []Notice
	for _, s := range plan.Seizures {
		o, ok := c.obligations.Get(s.ObligationID)
		if !ok {
			return nil, nil, invariantErr("planned obligation %s vanished", s.ObligationID)
		}
		if err := o.TransferToFund(plan.ProviderID, s.Amount); err != nil {
			return nil, nil, invariantErr("%v", err)
		}
		c.obligations.Reindex(o.ID)

		// A seizure that leaves no provider backing hands the whole
		// obligation to the fund; partially transferred obligations stay
		// active for their remaining backers.
		if o.Status == obligation.StatusActive && o.FullyFundHeld() {
			if _, err := c.obligations.Settle(o.ID, obligation.StatusTransferred); err != nil {
				return nil, nil, invariantErr("%v", err)
			}
			c.accountant.RecordTransfer(o.Tier)
			transferNotices = append(transferNotices, Notice{
				Type:    event.TypeObligationTransferred,
				Subject: o.ID.String(),
				Body:    o,
			})
		}
	}
	c.accountant.RecordSeizure(plan.ProviderID, plan.Tier, plan.Total)

	kind := "forced"
	if plan.Voluntary {
		kind = "voluntary"
	}
	if c.metrics != nil {
		c.metrics.LiquidationsExecuted.WithLabelValues(plan.Tier, kind).Inc()
		c.metrics.LiquidationSeized.WithLabelValues(plan.Tier).Add(float64(plan.Total))
	}

	record := &liquidation.Record{
		Plan:            *plan,
		ExecutedAt:      now,
		Sequence:        c.sequence,
		RemainingAmount: lockedBefore - plan.Total,
	}
	if quote, ok := c.feed.Get(DefaultAsset); ok {
		record.LiquidationPrice = quote.Price
	}
	if report, ok := c.evaluateProvider(plan.ProviderID, plan.Tier); ok {
		record.RatioAfter = report.Ratio
	}

	c.logger.Warn().
		Str("provider_id", plan.ProviderID.String()).
		Str("tier", plan.Tier).
		Str("kind", kind).
		Int64("seized_sats", plan.Total).
		Int64("fraction_ppm", plan.Fraction).
		Msg("liquidation executed")

	notices := append([]Notice{{Type: event.TypeLiquidationExecuted, Subject: plan.ProviderID.String(), Body: record}}, transferNotices...)
	return batch, notices, nil
}

func (c *Core) handleSweepDeadlines(e *event.SweepDeadlines) ([]*ledger.Batch, []Notice, error) {
	var batches []*ledger.Batch
	var notices []Notice
	now := e.Timestamp

	// Staleness transition. Entry is detected here (or when a protection
	// request trips over a stale quote); exit happens on the next fresh tick.
	if quote, ok := c.feed.Get(DefaultAsset); ok {
		if quote.StaleAt(now, c.registry.Params().PriceStalenessBound) && !c.safeMode {
			c.safeMode = true
			notices = append(notices, Notice{Type: event.TypeSafeModeEntered, Subject: DefaultAsset, Body: quote})
			c.logger.Warn().
				Time("price_as_of", quote.AsOf).
				Msg("price source stale, safe mode entered: new protections suspended")
		}
	}

	// Obligations past their end time expire and release collateral.
	for _, o := range c.obligations.ExpiredBy(now) {
		if _, frozen := c.frozenTiers[o.Tier]; frozen {
			continue
		}
		shares, providerIDs, _ := splitBacking(o)
		var providerTotal int64
		for _, s := range shares {
			providerTotal += s.Amount
		}

		if len(shares) > 0 {
			batch, err := c.journalGen.GenerateCollateralRelease(o.ID, o.Tier, shares, now.UnixMicro())
			if err != nil {
				c.freezeTier(o.Tier, err)
				continue
			}
			if err := c.applyBatch(batch); err != nil {
				c.freezeTier(o.Tier, err)
				continue
			}
			batches = append(batches, batch)
		}
		if _, err := c.obligations.Settle(o.ID, obligation.StatusExpired); err != nil {
			return batches, notices, invariantErr("%v", err)
		}
		c.accountant.RecordRelease(o.Tier, providerTotal)
		if c.metrics != nil {
			c.metrics.ObligationsSettled.WithLabelValues(o.Tier, obligation.StatusExpired.String()).Inc()
		}
		for _, pid := range providerIDs {
			notices = append(notices, c.refreshProvider(pid, o.Tier, now)...)
		}
	}

	// Margin calls past their deadline: a provider that recovered in the
	// meantime resolves; everyone else is partially liquidated at the
	// governance fraction. One pass per sweep, never a cascade.
	for _, call := range c.calls.Expired(now) {
		if _, frozen := c.frozenProviders[call.ProviderID]; frozen {
			continue
		}
		if report, ok := c.evaluateProvider(call.ProviderID, call.Tier); ok && report.Ratio >= report.MinRatio {
			if resolved, err := c.calls.TryResolve(call.ProviderID, report, now); err == nil {
				if c.metrics != nil {
					c.metrics.MarginCallsResolved.WithLabelValues("recovered").Inc()
				}
				notices = append(notices, Notice{Type: event.TypeMarginCallResolved, Subject: call.ProviderID.String(), Body: resolved})
				continue
			}
		}

		plan, err := c.planner.PlanForced(
			call.ProviderID, call.Tier,
			c.obligations.ActiveByProvider(call.ProviderID), now)
		if err != nil {
			// Nothing left to seize. Close the call; the next sweep reissues
			// one if the provider is still under-collateralized.
			liquidated, merr := c.calls.MarkLiquidated(call.ProviderID, now)
			if merr == nil {
				if c.metrics != nil {
					c.metrics.MarginCallsResolved.WithLabelValues("liquidated").Inc()
				}
				notices = append(notices, Notice{Type: event.TypeMarginCallResolved, Subject: call.ProviderID.String(), Body: liquidated})
			}
			continue
		}

		batch, liqNotices, lerr := c.executeLiquidation(plan, now)
		if lerr != nil {
			c.freezeProvider(call.ProviderID, lerr)
			continue
		}
		batches = append(batches, batch)
		notices = append(notices, liqNotices...)

		if liquidated, merr := c.calls.MarkLiquidated(call.ProviderID, now); merr == nil {
			if c.metrics != nil {
				c.metrics.MarginCallsResolved.WithLabelValues("liquidated").Inc()
			}
			notices = append(notices, Notice{Type: event.TypeMarginCallResolved, Subject: call.ProviderID.String(), Body: liquidated})
		}
	}

	return batches, notices, nil
}

// --- State digest and post-checks ---

// computeStateDigest builds canonical bytes over the accounts the batch
// touched: sorted account paths with their post-apply balances.
func (c *Core) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.tracker.GetBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates every provider and tier the batches touched.
// Violations freeze the affected scope; the first one found is returned.
func (c *Core) postCheckInvariants(batches []*ledger.Batch) error {
	type providerTier struct {
		provider uuid.UUID
		tier     string
	}
	providers := make(map[providerTier]struct{})
	tiers := make(map[string]struct{})

	for _, batch := range batches {
		for _, j := range batch.Journals {
			for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if key.Scope == ledger.AccountScopeProvider {
					providers[providerTier{uuid.UUID(key.EntityID), key.Tier}] = struct{}{}
				}
				if key.Tier != "" {
					tiers[key.Tier] = struct{}{}
				}
			}
		}
	}

	var violation error
	for pt := range providers {
		if err := c.validator.ValidateProviderBalances(pt.provider, pt.tier); err != nil {
			c.freezeProvider(pt.provider, err)
			violation = invariantErr("%v", err)
		}
	}
	for t := range tiers {
		if err := c.validator.ValidateTierConsistency(t); err != nil {
			c.freezeTier(t, err)
			violation = invariantErr("%v", err)
		}
		if err := c.validator.ValidatePremiumPoolNonNegative(t); err != nil {
			c.freezeTier(t, err)
			violation = invariantErr("%v", err)
		}
	}
	if err := c.validator.ValidateInsuranceFundNonNegative(); err != nil {
		violation = invariantErr("%v", err)
	}

	// Periodic full zero-sum check; cheap enough to amortize.
	if c.sequence > 0 && c.sequence%1024 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			violation = invariantErr("%v", err)
		}
	}

	return violation
}

func (c *Core) updateGauges() {
	for _, t := range c.registry.List() {
		name := string(t.Name)
		totals := c.accountant.Totals(name)
		c.metrics.TierCapitalTotal.WithLabelValues(name).Set(float64(totals.Total))
		c.metrics.TierCapitalLocked.WithLabelValues(name).Set(float64(totals.Locked))
		c.metrics.TierUtilization.WithLabelValues(name).Set(float64(totals.Utilization()))
		c.metrics.ObligationsActive.WithLabelValues(name).Set(float64(totals.ActiveObligations))
	}
	c.metrics.MarginCallsActive.Set(float64(len(c.calls.Active())))
	c.metrics.InsuranceFundBalance.Set(float64(c.tracker.InsuranceFund()))
	if c.safeMode {
		c.metrics.SafeMode.Set(1)
	} else {
		c.metrics.SafeMode.Set(0)
	}
	c.metrics.FrozenProviders.Set(float64(len(c.frozenProviders)))
	c.metrics.FrozenTiers.Set(float64(len(c.frozenTiers)))
}

// --- Recovery hooks ---
// Restart recovery replays the command log through ProcessCommand, which
// rebuilds partition sequences, premium carry and the idempotency LRU as a
// side effect. Only the chain tip needs direct inspection, to verify the
// replayed state against the last persisted envelope.

// SetDBIdempotencyChecker installs the database dedup tier. The core must be
// constructed without it and replay must finish first: the event log holds
// every command being replayed, so an attached DB tier would flag each one as
// a duplicate and replay would rebuild nothing. Call before Run starts.
func (c *Core) SetDBIdempotencyChecker(dbChecker DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(dbChecker)
}

// GetSequence returns the next sequence the core will assign.
func (c *Core) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current hash chain tip.
func (c *Core) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
