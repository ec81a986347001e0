package services

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/events"
	"github.com/pitodo/backend/internal/identity"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/rbac"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Direction string

const (
	DirectionGrant  Direction = "grant"
	DirectionRevoke Direction = "revoke"
)

// MutationState tracks where a balance mutation is. RolledBack is only
// reachable from Recording.
type MutationState string

const (
	StateResolving   MutationState = "resolving"
	StateAuthorizing MutationState = "authorizing"
	StateLoading     MutationState = "loading"
	StateValidating  MutationState = "validating"
	StateMutating    MutationState = "mutating"
	StateRecording   MutationState = "recording"
	StateCommitted   MutationState = "committed"
	StateRolledBack  MutationState = "rolled_back"
)

type AdjustRequest struct {
	Actor     identity.Identifier
	Target    identity.Identifier
	Amount    decimal.Decimal
	Direction Direction
	Reason    string
}

type TransferRequest struct {
	Actor  identity.Identifier
	From   identity.Identifier
	To     identity.Identifier
	Amount decimal.Decimal
	Note   string
}

type MutationResult struct {
	MasterID uuid.UUID
	Wallet   *models.Wallet
	Entry    *models.LedgerEntry
	State    MutationState
}

func (r *MutationResult) NewBalance() decimal.Decimal {
	return r.Wallet.Balance
}

type TransferResult struct {
	TransferID uuid.UUID
	From       *MutationResult
	To         *MutationResult
}

// BalanceService applies admin grants/revokes and peer transfers. With a
// Transactor every mutation is one database transaction; without one it
// falls back to compare-and-swap updates and compensating writes.
type BalanceService struct {
	resolver    *IdentityResolver
	provisioner *WalletProvisioner
	ledger      *LedgerWriter
	wallets     WalletStore
	audit       AuditStore
	tx          Transactor
	publisher   events.Publisher
	cfg         *config.Config
	log         *zap.Logger
}

func NewBalanceService(
	resolver *IdentityResolver,
	provisioner *WalletProvisioner,
	ledger *LedgerWriter,
	wallets WalletStore,
	audit AuditStore,
	tx Transactor,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *BalanceService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &BalanceService{
		resolver:    resolver,
		provisioner: provisioner,
		ledger:      ledger,
		wallets:     wallets,
		audit:       audit,
		tx:          tx,
		publisher:   publisher,
		cfg:         cfg,
		log:         log,
	}
}

// walletChange is one signed change to the wallet of a master user.
type walletChange struct {
	masterID uuid.UUID
	owners   []uuid.UUID
	delta    decimal.Decimal
	spent    decimal.Decimal
	txType   string
	desc     string
	refID    *uuid.UUID
	refType  string
	meta     map[string]any
}

func (c walletChange) entry(w *models.Wallet) LedgerAppend {
	return LedgerAppend{
		WalletID:      w.ID,
		Type:          c.txType,
		Amount:        c.delta,
		BalanceAfter:  w.Balance,
		Description:   c.desc,
		ReferenceID:   c.refID,
		ReferenceType: c.refType,
		Metadata:      c.meta,
	}
}

type mutation struct {
	op    string
	state MutationState
	log   *zap.Logger
}

func (s *BalanceService) begin(op string) *mutation {
	m := &mutation{op: op, state: StateResolving, log: s.log}
	m.log.Debug("mutation started", zap.String("op", op))
	return m
}

func (m *mutation) to(next MutationState) {
	m.log.Debug("mutation state",
		zap.String("op", m.op),
		zap.String("from", string(m.state)),
		zap.String("to", string(next)),
	)
	m.state = next
}

func (s *BalanceService) withStorageTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StorageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StorageTimeout)
}

// detached is used for compensating writes, which must run even when the
// request context has already expired.
func (s *BalanceService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return s.withStorageTimeout(context.WithoutCancel(ctx))
}

// ValidateAmount rejects zero, negative and over-precise amounts.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(models.AmountScale)) {
		return fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, models.AmountScale)
	}
	return nil
}

// Authorize checks that masterID may act on wallets it does not own.
// A verified Pi alias whose username is on the break-glass list passes too.
func (s *BalanceService) Authorize(ctx context.Context, masterID uuid.UUID, permission string) error {
	aliases, err := s.resolver.Aliases(ctx, masterID)
	if err != nil {
		return fmt.Errorf("load actor aliases: %w", err)
	}
	if rbac.AnyHasPermission(aliases, permission) {
		return nil
	}
	for _, a := range aliases {
		if a.Provider != models.ProviderPi || !a.Verified || a.Username == nil {
			continue
		}
		if s.cfg.IsRootUsername(*a.Username) {
			s.log.Warn("break-glass root username used",
				zap.String("master_id", masterID.String()),
				zap.String("username", *a.Username),
				zap.String("permission", permission),
			)
			return nil
		}
	}
	return fmt.Errorf("%w: %s lacks %s", ErrNotAuthorized, masterID, permission)
}

func (s *BalanceService) GrantOrRevoke(ctx context.Context, req AdjustRequest) (res *MutationResult, err error) {
	ctx, cancel := s.withStorageTimeout(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "Balance.Service.GrantOrRevoke", trace.WithAttributes(
		attribute.String("direction", string(req.Direction)),
		attribute.String("amount", req.Amount.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	var (
		delta          decimal.Decimal
		txType, action string
	)
	switch req.Direction {
	case DirectionGrant:
		delta, txType, action = req.Amount, models.TxTypeGrant, models.ActionGrant
	case DirectionRevoke:
		delta, txType, action = req.Amount.Neg(), models.TxTypeRevoke, models.ActionRevoke
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidAmount, req.Direction)
	}

	m := s.begin("grant_or_revoke")
	actorID, err := s.resolver.Resolve(ctx, req.Actor)
	if err != nil {
		return nil, fmt.Errorf("resolve actor: %w", err)
	}
	targetID, err := s.resolver.Resolve(ctx, req.Target)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}

	m.to(StateAuthorizing)
	if err := s.Authorize(ctx, actorID, rbac.PermAdjustBalance); err != nil {
		return nil, err
	}

	owners, err := s.resolver.WalletOwners(ctx, targetID)
	if err != nil {
		return nil, err
	}
	desc := req.Reason
	if desc == "" {
		desc = fmt.Sprintf("Admin %s", req.Direction)
	}
	change := walletChange{
		masterID: targetID,
		owners:   owners,
		delta:    delta,
		spent:    decimal.Zero,
		txType:   txType,
		desc:     desc,
		refID:    &actorID,
		refType:  models.RefTypeAdmin,
		meta:     map[string]any{"actor_id": actorID.String(), "direction": string(req.Direction)},
	}

	var (
		w     *models.Wallet
		entry *models.LedgerEntry
	)
	if s.tx != nil {
		w, entry, err = s.applyTx(ctx, m, change)
	} else {
		w, entry, err = s.applyCAS(ctx, m, change)
	}
	if err != nil {
		return nil, err
	}
	m.to(StateCommitted)

	s.log.Info("pitd balance adjusted",
		zap.String("actor_id", actorID.String()),
		zap.String("master_id", targetID.String()),
		zap.String("direction", string(req.Direction)),
		zap.String("amount", models.FormatAmount(req.Amount)),
		zap.String("balance", models.FormatAmount(w.Balance)),
	)
	s.auditLog(ctx, models.AuditLog{
		ActorUserID: &actorID,
		ActorType:   models.ActorAdmin,
		Action:      action,
		EntityType:  models.EntityWallet,
		EntityID:    &w.ID,
		Meta: map[string]any{
			"master_id":     targetID.String(),
			"amount":        models.FormatAmount(req.Amount),
			"balance_after": models.FormatAmount(w.Balance),
			"entry_id":      entry.ID.String(),
		},
	})
	s.publishBalance(ctx, targetID, w, entry)

	return &MutationResult{MasterID: targetID, Wallet: w, Entry: entry, State: m.state}, nil
}

func (s *BalanceService) Transfer(ctx context.Context, req TransferRequest) (res *TransferResult, err error) {
	ctx, cancel := s.withStorageTimeout(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "Balance.Service.Transfer",
		trace.WithAttributes(attribute.String("amount", req.Amount.String())))
	defer func() { endSpan(span, err) }()

	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	m := s.begin("transfer")
	actorID, err := s.resolver.Resolve(ctx, req.Actor)
	if err != nil {
		return nil, fmt.Errorf("resolve actor: %w", err)
	}
	fromID, err := s.resolver.Resolve(ctx, req.From)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	toID, err := s.resolver.Resolve(ctx, req.To)
	if err != nil {
		return nil, fmt.Errorf("resolve receiver: %w", err)
	}

	m.to(StateAuthorizing)
	if actorID != fromID {
		return nil, fmt.Errorf("%w: only the owner can transfer from a wallet", ErrNotAuthorized)
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: cannot transfer to yourself", ErrInvalidAmount)
	}

	fromOwners, err := s.resolver.WalletOwners(ctx, fromID)
	if err != nil {
		return nil, err
	}
	toOwners, err := s.resolver.WalletOwners(ctx, toID)
	if err != nil {
		return nil, err
	}

	transferID := uuid.New()
	note := req.Note
	debit := walletChange{
		masterID: fromID,
		owners:   fromOwners,
		delta:    req.Amount.Neg(),
		spent:    req.Amount,
		txType:   models.TxTypeTransferOut,
		desc:     orDefault(note, "Transfer sent"),
		refID:    &transferID,
		refType:  models.RefTypeTransfer,
		meta:     map[string]any{"counterparty_id": toID.String()},
	}
	credit := walletChange{
		masterID: toID,
		owners:   toOwners,
		delta:    req.Amount,
		spent:    decimal.Zero,
		txType:   models.TxTypeTransferIn,
		desc:     orDefault(note, "Transfer received"),
		refID:    &transferID,
		refType:  models.RefTypeTransfer,
		meta:     map[string]any{"counterparty_id": fromID.String()},
	}

	if s.tx != nil {
		res, err = s.transferTx(ctx, m, debit, credit)
	} else {
		res, err = s.transferCAS(ctx, m, debit, credit)
	}
	if err != nil {
		return nil, err
	}
	m.to(StateCommitted)
	res.TransferID = transferID
	res.From.State, res.To.State = m.state, m.state

	s.log.Info("pitd transfer completed",
		zap.String("transfer_id", transferID.String()),
		zap.String("from", fromID.String()),
		zap.String("to", toID.String()),
		zap.String("amount", models.FormatAmount(req.Amount)),
	)
	s.auditLog(ctx, models.AuditLog{
		ActorUserID: &actorID,
		ActorType:   models.ActorUser,
		Action:      models.ActionTransfer,
		EntityType:  models.EntityWallet,
		EntityID:    &res.From.Wallet.ID,
		Meta: map[string]any{
			"transfer_id":  transferID.String(),
			"to_master_id": toID.String(),
			"to_wallet_id": res.To.Wallet.ID.String(),
			"amount":       models.FormatAmount(req.Amount),
		},
	})
	s.publishBalance(ctx, fromID, res.From.Wallet, res.From.Entry)
	s.publishBalance(ctx, toID, res.To.Wallet, res.To.Entry)
	return res, nil
}

// QueryWallet returns the wallet view of id, provisioning it if needed.
func (s *BalanceService) QueryWallet(ctx context.Context, id identity.Identifier) (view *models.WalletView, err error) {
	ctx, cancel := s.withStorageTimeout(ctx)
	defer cancel()
	ctx, span := tracer.Start(ctx, "Balance.Service.QueryWallet")
	defer func() { endSpan(span, err) }()

	masterID, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	owners, err := s.resolver.WalletOwners(ctx, masterID)
	if err != nil {
		return nil, err
	}
	w, err := s.loadWallet(ctx, s.wallets, masterID, owners)
	if err != nil {
		return nil, err
	}
	return w.View(masterID), nil
}

// History lists ledger entries of every wallet id owns, newest first.
func (s *BalanceService) History(ctx context.Context, id identity.Identifier, limit, offset int) ([]models.LedgerEntry, error) {
	ctx, cancel := s.withStorageTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	masterID, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	owners, err := s.resolver.WalletOwners(ctx, masterID)
	if err != nil {
		return nil, err
	}
	wallets, err := s.wallets.FindWalletsByUsers(ctx, owners)
	if err != nil {
		return nil, fmt.Errorf("load wallets: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(wallets))
	for _, w := range wallets {
		ids = append(ids, w.ID)
	}
	entries, err := s.ledger.List(ctx, ids, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	return entries, nil
}

// loadWallet picks the most recently created wallet among owners. Validation
// and mutation both run against that row.
func (s *BalanceService) loadWallet(ctx context.Context, store WalletStore, masterID uuid.UUID, owners []uuid.UUID) (*models.Wallet, error) {
	return s.provisioner.owned(ctx, store, masterID, owners)
}

func insufficient(w *models.Wallet, delta decimal.Decimal) error {
	return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance,
		models.FormatAmount(w.Balance), models.FormatAmount(delta.Neg()))
}

// applyCAS is the path for stores without transactions: compare-and-swap
// the balance, then record; a failed record is undone with a relative write.
func (s *BalanceService) applyCAS(ctx context.Context, m *mutation, c walletChange) (*models.Wallet, *models.LedgerEntry, error) {
	for attempt := 1; attempt <= s.cfg.MutationMaxAttempts; attempt++ {
		m.to(StateLoading)
		w, err := s.loadWallet(ctx, s.wallets, c.masterID, c.owners)
		if err != nil {
			return nil, nil, err
		}

		m.to(StateValidating)
		next := w.Balance.Add(c.delta)
		if next.IsNegative() {
			return nil, nil, insufficient(w, c.delta)
		}

		m.to(StateMutating)
		updated, ok, err := s.wallets.CompareAndSetBalance(ctx, w.ID, w.Balance, next, c.spent)
		if err != nil {
			return nil, nil, fmt.Errorf("update wallet: %w", err)
		}
		if !ok {
			s.log.Debug("wallet balance moved, retrying",
				zap.String("wallet_id", w.ID.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}

		m.to(StateRecording)
		entry, err := s.ledger.Append(ctx, c.entry(updated))
		if err != nil {
			s.compensate(ctx, updated, c, err)
			m.to(StateRolledBack)
			return nil, nil, err
		}
		return updated, entry, nil
	}
	return nil, nil, fmt.Errorf("%w: gave up after %d attempts", ErrConcurrentUpdate, s.cfg.MutationMaxAttempts)
}

func (s *BalanceService) compensate(ctx context.Context, w *models.Wallet, c walletChange, cause error) {
	cctx, cancel := s.detached(ctx)
	defer cancel()

	if _, err := s.wallets.AdjustBalance(cctx, w.ID, c.delta.Neg(), c.spent.Neg()); err != nil {
		s.log.Error("compensating write failed, wallet needs reconciliation",
			zap.String("wallet_id", w.ID.String()),
			zap.String("delta", c.delta.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	s.log.Error("ledger write failed, balance change rolled back",
		zap.String("wallet_id", w.ID.String()),
		zap.String("delta", c.delta.String()),
		zap.Error(cause),
	)
}

// applyTx runs load, lock, validate, mutate and record in one transaction.
func (s *BalanceService) applyTx(ctx context.Context, m *mutation, c walletChange) (w *models.Wallet, entry *models.LedgerEntry, err error) {
	err = s.tx.WithinTx(ctx, func(ctx context.Context, scope TxScope) error {
		m.to(StateLoading)
		cur, err := s.loadWallet(ctx, scope.Wallets, c.masterID, c.owners)
		if err != nil {
			return err
		}
		locked, err := scope.Wallets.LockWallet(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}

		m.to(StateValidating)
		next := locked.Balance.Add(c.delta)
		if next.IsNegative() {
			return insufficient(locked, c.delta)
		}

		m.to(StateMutating)
		updated, err := scope.Wallets.SetBalance(ctx, locked.ID, next, c.spent)
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}

		m.to(StateRecording)
		e, err := s.ledger.appendTo(ctx, scope.Ledger, c.entry(updated))
		if err != nil {
			m.to(StateRolledBack)
			return err
		}
		w, entry = updated, e
		return nil
	})
	if err != nil {
		if m.state == StateRolledBack {
			s.log.Error("ledger write failed, transaction rolled back",
				zap.String("master_id", c.masterID.String()),
				zap.Error(err),
			)
		}
		return nil, nil, err
	}
	return w, entry, nil
}

func (s *BalanceService) transferTx(ctx context.Context, m *mutation, debit, credit walletChange) (*TransferResult, error) {
	res := &TransferResult{
		From: &MutationResult{MasterID: debit.masterID},
		To:   &MutationResult{MasterID: credit.masterID},
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context, scope TxScope) error {
		m.to(StateLoading)
		src, err := s.loadWallet(ctx, scope.Wallets, debit.masterID, debit.owners)
		if err != nil {
			return err
		}
		dst, err := s.loadWallet(ctx, scope.Wallets, credit.masterID, credit.owners)
		if err != nil {
			return err
		}
		if src.ID == dst.ID {
			return fmt.Errorf("%w: sender and receiver share a wallet", ErrInvalidAmount)
		}

		// Lock in id order so opposite transfers cannot deadlock.
		first, second := src.ID, dst.ID
		if bytes.Compare(first[:], second[:]) > 0 {
			first, second = second, first
		}
		locked := make(map[uuid.UUID]*models.Wallet, 2)
		for _, id := range []uuid.UUID{first, second} {
			w, err := scope.Wallets.LockWallet(ctx, id)
			if err != nil {
				return fmt.Errorf("lock wallet: %w", err)
			}
			locked[id] = w
		}
		src, dst = locked[src.ID], locked[dst.ID]

		m.to(StateValidating)
		srcNext := src.Balance.Add(debit.delta)
		if srcNext.IsNegative() {
			return insufficient(src, debit.delta)
		}

		m.to(StateMutating)
		if src, err = scope.Wallets.SetBalance(ctx, src.ID, srcNext, debit.spent); err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if dst, err = scope.Wallets.SetBalance(ctx, dst.ID, dst.Balance.Add(credit.delta), credit.spent); err != nil {
			return fmt.Errorf("credit receiver: %w", err)
		}

		m.to(StateRecording)
		out, err := s.ledger.appendTo(ctx, scope.Ledger, debit.entry(src))
		if err != nil {
			m.to(StateRolledBack)
			return err
		}
		in, err := s.ledger.appendTo(ctx, scope.Ledger, credit.entry(dst))
		if err != nil {
			m.to(StateRolledBack)
			return err
		}
		res.From.Wallet, res.From.Entry = src, out
		res.To.Wallet, res.To.Entry = dst, in
		return nil
	})
	if err != nil {
		if m.state == StateRolledBack {
			s.log.Error("transfer rolled back", zap.Error(err))
		}
		return nil, err
	}
	return res, nil
}

// transferCAS debits then credits. When the credit fails the sender is made
// whole again and the refund is recorded on their ledger.
func (s *BalanceService) transferCAS(ctx context.Context, m *mutation, debit, credit walletChange) (*TransferResult, error) {
	src, out, err := s.applyCAS(ctx, m, debit)
	if err != nil {
		return nil, err
	}
	dst, in, err := s.applyCAS(ctx, m, credit)
	if err != nil {
		m.to(StateRolledBack)
		s.refund(ctx, src, debit, err)
		return nil, fmt.Errorf("credit receiver: %w", err)
	}
	return &TransferResult{
		From: &MutationResult{MasterID: debit.masterID, Wallet: src, Entry: out},
		To:   &MutationResult{MasterID: credit.masterID, Wallet: dst, Entry: in},
	}, nil
}

func (s *BalanceService) refund(ctx context.Context, w *models.Wallet, debit walletChange, cause error) {
	cctx, cancel := s.detached(ctx)
	defer cancel()

	restored, err := s.wallets.AdjustBalance(cctx, w.ID, debit.delta.Neg(), debit.spent.Neg())
	if err != nil {
		s.log.Error("transfer refund failed, wallet needs reconciliation",
			zap.String("wallet_id", w.ID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	_, err = s.ledger.Append(cctx, LedgerAppend{
		WalletID:      restored.ID,
		Type:          models.TxTypeRefund,
		Amount:        debit.delta.Neg(),
		BalanceAfter:  restored.Balance,
		Description:   "Refund of failed transfer",
		ReferenceID:   debit.refID,
		ReferenceType: models.RefTypeTransfer,
		Metadata:      map[string]any{"reason": cause.Error()},
	})
	if err != nil {
		s.log.Error("transfer refunded but not recorded",
			zap.String("wallet_id", restored.ID.String()),
			zap.Error(err),
		)
		return
	}
	s.log.Warn("transfer failed, sender refunded",
		zap.String("wallet_id", restored.ID.String()),
		zap.Error(cause),
	)
}

func (s *BalanceService) auditLog(ctx context.Context, entry models.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit log failed", zap.String("action", entry.Action), zap.Error(err))
	}
}

func (s *BalanceService) publishBalance(ctx context.Context, masterID uuid.UUID, w *models.Wallet, entry *models.LedgerEntry) {
	err := s.publisher.Publish(ctx, events.StreamWallet, events.Event{
		Type: events.EventWalletBalanceChanged,
		Payload: map[string]any{
			"user_id":          masterID.String(),
			"wallet_id":        w.ID.String(),
			"balance":          models.FormatAmount(w.Balance),
			"amount":           models.FormatAmount(entry.Amount),
			"transaction_type": entry.TransactionType,
			"entry_id":         entry.ID.String(),
		},
	})
	if err != nil {
		s.log.Warn("failed to publish balance event", zap.String("master_id", masterID.String()), zap.Error(err))
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
