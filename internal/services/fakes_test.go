package services

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pitodo/backend/internal/config"
	"github.com/pitodo/backend/internal/events"
	"github.com/pitodo/backend/internal/models"
	"github.com/pitodo/backend/internal/repositories"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// memStore is an in-memory stand-in for every storage port.
type memStore struct {
	mu    sync.Mutex
	clock time.Time

	masters map[uuid.UUID]models.MasterUser
	aliases map[uuid.UUID]models.IdentityAlias
	wallets map[uuid.UUID]models.Wallet
	ledger  []models.LedgerEntry
	audit   []models.AuditLog

	// failure injection
	rejectTypes    map[string]bool  // Insert reports ErrTxTypeRejected
	failTypes      map[string]error // Insert fails with the given error
	casConflicts   int              // next N CAS calls lose the race
	addrCollisions int              // next N upserts hit a taken address
	upsertErr      error
	linkErr        error
	findWalletErr  error

	inserts int
	upserts int
}

func newMemStore() *memStore {
	return &memStore{
		clock:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		masters:     make(map[uuid.UUID]models.MasterUser),
		aliases:     make(map[uuid.UUID]models.IdentityAlias),
		wallets:     make(map[uuid.UUID]models.Wallet),
		rejectTypes: make(map[string]bool),
		failTypes:   make(map[string]error),
	}
}

func (s *memStore) now() time.Time {
	s.clock = s.clock.Add(time.Millisecond)
	return s.clock
}

func strPtr(v string) *string { return &v }

// --- seeding ---

func (s *memStore) addMaster(username, uid string) models.MasterUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := models.MasterUser{ID: uuid.New(), CreatedAt: s.now()}
	if username != "" {
		u.Username = strPtr(username)
	}
	if uid != "" {
		u.NetworkUID = strPtr(uid)
	}
	s.masters[u.ID] = u
	return u
}

func (s *memStore) putMaster(u models.MasterUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masters[u.ID] = u
}

func (s *memStore) addAlias(a models.IdentityAlias) models.IdentityAlias {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Role == "" {
		a.Role = models.RoleUser
	}
	a.CreatedAt = s.now()
	s.aliases[a.ID] = a
	return a
}

func (s *memStore) addWallet(userID uuid.UUID, balance string) models.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w := models.Wallet{
		ID:         uuid.New(),
		UserID:     userID,
		Balance:    decimal.RequireFromString(balance),
		TotalSpent: decimal.Zero,
		Address:    GenerateAddress("PITD"),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.wallets[w.ID] = w
	return w
}

// --- inspection ---

func (s *memStore) wallet(id uuid.UUID) models.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[id]
}

func (s *memStore) walletOf(userID uuid.UUID) (models.Wallet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.UserID == userID {
			return w, true
		}
	}
	return models.Wallet{}, false
}

func (s *memStore) entries(walletID uuid.UUID) []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.WalletID == walletID {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) walletCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wallets)
}

func (s *memStore) masterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.masters)
}

// --- UserStore ---

func (s *memStore) GetMaster(_ context.Context, id uuid.UUID) (*models.MasterUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.masters[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &u, nil
}

func (s *memStore) findMasters(match func(models.MasterUser) bool) []models.MasterUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MasterUser
	for _, u := range s.masters {
		if match(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

func eqFold(p *string, v string) bool { return p != nil && strings.EqualFold(*p, v) }

func (s *memStore) FindMastersByUsername(_ context.Context, username string) ([]models.MasterUser, error) {
	return s.findMasters(func(u models.MasterUser) bool { return eqFold(u.Username, username) }), nil
}

func (s *memStore) FindMastersByEmail(_ context.Context, email string) ([]models.MasterUser, error) {
	return s.findMasters(func(u models.MasterUser) bool { return eqFold(u.Email, email) }), nil
}

func (s *memStore) FindMastersByNetworkUID(_ context.Context, uid string) ([]models.MasterUser, error) {
	return s.findMasters(func(u models.MasterUser) bool { return u.NetworkUID != nil && *u.NetworkUID == uid }), nil
}

func (s *memStore) CreateMasterIfAbsent(_ context.Context, u *models.MasterUser) (*models.MasterUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.masters[u.ID]; ok {
		return &existing, nil
	}
	created := *u
	created.CreatedAt = s.now()
	s.masters[created.ID] = created
	return &created, nil
}

func (s *memStore) TouchLastSeen(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.masters[id]
	if !ok {
		return nil
	}
	now := s.now()
	u.LastSeenAt = &now
	s.masters[id] = u
	return nil
}

// --- AliasStore ---

func (s *memStore) GetAlias(_ context.Context, id uuid.UUID) (*models.IdentityAlias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aliases[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &a, nil
}

func (s *memStore) findAliases(match func(models.IdentityAlias) bool) []models.IdentityAlias {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.IdentityAlias
	for _, a := range s.aliases {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) FindAliasesByUsername(_ context.Context, username string) ([]models.IdentityAlias, error) {
	return s.findAliases(func(a models.IdentityAlias) bool { return eqFold(a.Username, username) }), nil
}

func (s *memStore) FindAliasesByEmail(_ context.Context, email string) ([]models.IdentityAlias, error) {
	return s.findAliases(func(a models.IdentityAlias) bool { return eqFold(a.Email, email) }), nil
}

func (s *memStore) FindAliasesByNetworkUID(_ context.Context, uid string) ([]models.IdentityAlias, error) {
	return s.findAliases(func(a models.IdentityAlias) bool { return a.NetworkUID != nil && *a.NetworkUID == uid }), nil
}

func (s *memStore) ListAliasesByMaster(_ context.Context, masterID uuid.UUID) ([]models.IdentityAlias, error) {
	return s.findAliases(func(a models.IdentityAlias) bool { return a.MasterID != nil && *a.MasterID == masterID }), nil
}

func (s *memStore) LinkAlias(_ context.Context, aliasID, masterID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkErr != nil {
		return s.linkErr
	}
	a, ok := s.aliases[aliasID]
	if !ok || a.MasterID != nil {
		return nil
	}
	a.MasterID = &masterID
	s.aliases[aliasID] = a
	return nil
}

func (s *memStore) UpsertPiAlias(_ context.Context, uid, username string) (*models.IdentityAlias, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.aliases {
		if a.Provider == models.ProviderPi && a.NetworkUID != nil && *a.NetworkUID == uid {
			if username != "" {
				a.Username = strPtr(username)
			}
			a.Verified = true
			s.aliases[id] = a
			return &a, nil
		}
	}
	a := models.IdentityAlias{
		ID:         uuid.New(),
		Provider:   models.ProviderPi,
		NetworkUID: strPtr(uid),
		Role:       models.RoleUser,
		Verified:   true,
		CreatedAt:  s.now(),
	}
	if username != "" {
		a.Username = strPtr(username)
	}
	s.aliases[a.ID] = a
	return &a, nil
}

func (s *memStore) CreateEmailAlias(_ context.Context, a *models.IdentityAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.aliases {
		if existing.Provider == models.ProviderEmail && eqFold(existing.Email, *a.Email) {
			return repositories.ErrDuplicate
		}
	}
	a.ID = uuid.New()
	a.Provider = models.ProviderEmail
	a.Role = models.RoleUser
	a.CreatedAt = s.now()
	s.aliases[a.ID] = *a
	return nil
}

// --- WalletStore ---

func (s *memStore) GetWalletByID(_ context.Context, id uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &w, nil
}

func (s *memStore) GetWalletByUser(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.UserID == userID {
			return &w, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (s *memStore) FindWalletsByUsers(_ context.Context, userIDs []uuid.UUID) ([]models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findWalletErr != nil {
		return nil, s.findWalletErr
	}
	var out []models.Wallet
	for _, w := range s.wallets {
		for _, id := range userIDs {
			if w.UserID == id {
				out = append(out, w)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) UpsertWallet(_ context.Context, userID uuid.UUID, address string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return nil, s.upsertErr
	}
	for _, w := range s.wallets {
		if w.UserID == userID {
			return &w, nil
		}
	}
	if s.addrCollisions > 0 {
		s.addrCollisions--
		return nil, repositories.ErrDuplicate
	}
	for _, w := range s.wallets {
		if w.Address == address {
			return nil, repositories.ErrDuplicate
		}
	}
	now := s.now()
	w := models.Wallet{ID: uuid.New(), UserID: userID, Address: address, CreatedAt: now, UpdatedAt: now}
	s.wallets[w.ID] = w
	return &w, nil
}

func (s *memStore) LockWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return s.GetWalletByID(ctx, id)
}

func (s *memStore) write(id uuid.UUID, mutate func(w *models.Wallet)) (*models.Wallet, error) {
	w, ok := s.wallets[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	mutate(&w)
	if w.Balance.IsNegative() {
		return nil, errors.New("check constraint: balance >= 0")
	}
	w.UpdatedAt = s.now()
	s.wallets[id] = w
	return &w, nil
}

func (s *memStore) SetBalance(_ context.Context, id uuid.UUID, balance, spentDelta decimal.Decimal) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(id, func(w *models.Wallet) {
		w.Balance = balance
		w.TotalSpent = w.TotalSpent.Add(spentDelta)
	})
}

func (s *memStore) CompareAndSetBalance(_ context.Context, id uuid.UUID, expected, balance, spentDelta decimal.Decimal) (*models.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casConflicts > 0 {
		s.casConflicts--
		return nil, false, nil
	}
	w, ok := s.wallets[id]
	if !ok || !w.Balance.Equal(expected) {
		return nil, false, nil
	}
	updated, err := s.write(id, func(w *models.Wallet) {
		w.Balance = balance
		w.TotalSpent = w.TotalSpent.Add(spentDelta)
	})
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (s *memStore) AdjustBalance(_ context.Context, id uuid.UUID, delta, spentDelta decimal.Decimal) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(id, func(w *models.Wallet) {
		w.Balance = w.Balance.Add(delta)
		w.TotalSpent = w.TotalSpent.Add(spentDelta)
	})
}

// --- LedgerStore ---

func (s *memStore) Insert(_ context.Context, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if err, ok := s.failTypes[e.TransactionType]; ok {
		return err
	}
	if s.rejectTypes[e.TransactionType] {
		return errors.Join(repositories.ErrTxTypeRejected, errors.New("violates check constraint pitd_transactions_type_check"))
	}
	e.ID = uuid.New()
	e.CreatedAt = s.now()
	stored := *e
	stored.Metadata = maps.Clone(e.Metadata)
	s.ledger = append(s.ledger, stored)
	return nil
}

func (s *memStore) ListByWallets(_ context.Context, walletIDs []uuid.UUID, limit, offset int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		for _, id := range walletIDs {
			if s.ledger[i].WalletID == id {
				out = append(out, s.ledger[i])
				break
			}
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- AuditStore ---

func (s *memStore) Log(_ context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// --- Transactor ---

type memSnapshot struct {
	wallets map[uuid.UUID]models.Wallet
	ledger  []models.LedgerEntry
	audit   []models.AuditLog
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memSnapshot{
		wallets: maps.Clone(s.wallets),
		ledger:  append([]models.LedgerEntry(nil), s.ledger...),
		audit:   append([]models.AuditLog(nil), s.audit...),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = snap.wallets
	s.ledger = snap.ledger
	s.audit = snap.audit
}

// memTransactor serializes transactions and undoes every write of a failed one.
type memTransactor struct {
	mu    sync.Mutex
	store *memStore
}

func (t *memTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context, scope TxScope) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := t.store.snapshot()
	if err := fn(ctx, TxScope{Wallets: t.store, Ledger: t.store, Audit: t.store}); err != nil {
		t.store.restore(snap)
		return err
	}
	return nil
}

// --- events ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// --- wiring ---

func testConfig() *config.Config {
	return &config.Config{
		StorageTimeout:      12 * time.Second,
		MutationMaxAttempts: 5,
		WalletAddressPrefix: "PITD",
		RootUsernames:       []string{"pitodo_root"},
		JWTSecret:           "test-secret",
		JWTExpiration:       time.Hour,
	}
}

type fixture struct {
	store       *memStore
	cfg         *config.Config
	resolver    *IdentityResolver
	provisioner *WalletProvisioner
	ledger      *LedgerWriter
	balance     *BalanceService
	publisher   *recordingPublisher
}

func newFixture(t *testing.T, transactional bool) *fixture {
	t.Helper()
	log := zap.NewNop()
	store := newMemStore()
	cfg := testConfig()

	f := &fixture{store: store, cfg: cfg, publisher: &recordingPublisher{}}
	f.resolver = NewIdentityResolver(store, store, log)
	f.provisioner = NewWalletProvisioner(store, cfg.WalletAddressPrefix, log)
	f.ledger = NewLedgerWriter(store, log)

	var tx Transactor
	if transactional {
		tx = &memTransactor{store: store}
	}
	f.balance = NewBalanceService(f.resolver, f.provisioner, f.ledger, store, store, tx, f.publisher, cfg, log)
	return f
}

// admin seeds a master with an admin Pi alias and returns its id.
func (f *fixture) admin(username string) uuid.UUID {
	m := f.store.addMaster(username, "")
	f.store.addAlias(models.IdentityAlias{
		MasterID: &m.ID,
		Provider: models.ProviderPi,
		Username: strPtr(username),
		Role:     models.RoleAdmin,
		Verified: true,
	})
	return m.ID
}

var txModes = []struct {
	name          string
	transactional bool
}{
	{"compare-and-swap", false},
	{"transaction", true},
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
