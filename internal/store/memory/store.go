// Package memory is an in-process game.Store. Each session carries its own lock, so
// transactions on different sessions run in parallel while two transactions on the
// same session serialize the way SELECT ... FOR UPDATE does in Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"marketsim/internal/game"

	"github.com/shopspring/decimal"
)

type Store struct {
	mu        sync.Mutex
	nextID    int64
	sessions  map[int64]game.Session
	byPlayer  map[string]int64
	balances  map[int64]game.Balance
	sales     map[int64][]game.Sale
	players   map[string]game.Player
	locks     map[int64]chan struct{}
	conflicts int
}

func New() *Store {
	return &Store{
		sessions: make(map[int64]game.Session),
		byPlayer: make(map[string]int64),
		balances: make(map[int64]game.Balance),
		sales:    make(map[int64][]game.Sale),
		players:  make(map[string]game.Player),
		locks:    make(map[int64]chan struct{}),
	}
}

// InjectConflicts makes the next n commits fail with game.ErrConflict.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	s.conflicts = n
	s.mu.Unlock()
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx game.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	defer t.release()
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) SessionByPlayer(ctx context.Context, playerID string) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPlayer[playerID]
	if !ok {
		return game.Session{}, fmt.Errorf("%w: player %s", game.ErrNotFound, playerID)
	}
	return s.sessions[id], nil
}

func (s *Store) SessionByID(ctx context.Context, sessionID int64) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return game.Session{}, fmt.Errorf("%w: session %d", game.ErrNotFound, sessionID)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]game.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]game.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) EnsurePlayer(ctx context.Context, p game.Player) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.players[p.PlayerID]
	if !ok {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		s.players[p.PlayerID] = p
		return nil
	}
	if strings.TrimSpace(p.Email) != "" {
		existing.Email = p.Email
	}
	if strings.TrimSpace(p.DisplayName) != "" {
		existing.DisplayName = p.DisplayName
	}
	s.players[p.PlayerID] = existing
	return nil
}

func (s *Store) PlayersWithoutSession(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for id := range s.players {
		if _, ok := s.byPlayer[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) BalanceFor(ctx context.Context, sessionID int64) (game.Balance, error) {
	if err := ctx.Err(); err != nil {
		return game.Balance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[sessionID]
	if !ok {
		return game.Balance{}, fmt.Errorf("%w: balance for session %d", game.ErrNotFound, sessionID)
	}
	return b, nil
}

// ListSales returns the newest sales first.
func (s *Store) ListSales(ctx context.Context, sessionID int64, limit int) ([]game.Sale, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	src := s.sales[sessionID]
	out := make([]game.Sale, len(src))
	copy(out, src)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].SaleTime.After(out[j].SaleTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateAcceleration(ctx context.Context, to int, from *int) (int64, error) {
	return s.updateEach(ctx, func(sess *game.Session) bool {
		if from != nil && sess.TimeAcceleration != *from {
			return false
		}
		sess.TimeAcceleration = to
		return true
	})
}

func (s *Store) UpdateStatusBulk(ctx context.Context, from, to game.Status) (int64, error) {
	return s.updateEach(ctx, func(sess *game.Session) bool {
		if sess.Status != from {
			return false
		}
		sess.Status = to
		return true
	})
}

// updateEach takes every session lock in turn, so bulk writes wait behind open
// transactions instead of being overwritten by their commits.
func (s *Store) updateEach(ctx context.Context, apply func(sess *game.Session) bool) (int64, error) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var n int64
	for _, id := range ids {
		if err := s.lock(ctx, id); err != nil {
			return n, err
		}
		s.mu.Lock()
		sess, ok := s.sessions[id]
		if ok && apply(&sess) {
			sess.UpdatedAt = time.Now().UTC()
			s.sessions[id] = sess
			n++
		}
		s.mu.Unlock()
		s.unlock(id)
	}
	return n, nil
}

func (s *Store) lockChan(id int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *Store) lock(ctx context.Context, id int64) error {
	select {
	case s.lockChan(id) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlock(id int64) {
	<-s.lockChan(id)
}

type staged struct {
	session game.Session
	balance *game.Balance
	sales   []game.Sale
	created bool
}

type tx struct {
	store  *Store
	held   []int64
	staged map[int64]*staged
	order  []int64
}

func newTx(s *Store) *tx {
	return &tx{store: s, staged: make(map[int64]*staged)}
}

func (t *tx) release() {
	for _, id := range t.held {
		t.store.unlock(id)
	}
	t.held = nil
}

func (t *tx) LockSessionByPlayer(ctx context.Context, playerID string) (game.Session, error) {
	t.store.mu.Lock()
	id, ok := t.store.byPlayer[playerID]
	t.store.mu.Unlock()
	if !ok {
		for _, st := range t.staged {
			if st.created && st.session.PlayerID == playerID {
				return st.session, nil
			}
		}
		return game.Session{}, fmt.Errorf("%w: player %s", game.ErrNotFound, playerID)
	}
	st, err := t.stage(ctx, id)
	if err != nil {
		return game.Session{}, err
	}
	return st.session, nil
}

func (t *tx) LockSessionByID(ctx context.Context, sessionID int64) (game.Session, error) {
	st, err := t.stage(ctx, sessionID)
	if err != nil {
		return game.Session{}, err
	}
	return st.session, nil
}

// stage locks the session for the rest of the transaction and loads a working copy.
func (t *tx) stage(ctx context.Context, id int64) (*staged, error) {
	if st, ok := t.staged[id]; ok {
		return st, nil
	}
	if err := t.store.lock(ctx, id); err != nil {
		return nil, err
	}
	t.held = append(t.held, id)

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %d", game.ErrNotFound, id)
	}
	st := &staged{session: sess}
	if b, ok := s.balances[id]; ok {
		st.balance = &b
	}
	st.sales = append([]game.Sale(nil), s.sales[id]...)
	t.staged[id] = st
	t.order = append(t.order, id)
	return st, nil
}

func (t *tx) CreateSession(ctx context.Context, sess game.Session, opening decimal.Decimal) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	if err := game.ValidateSession(sess); err != nil {
		return game.Session{}, err
	}
	s := t.store
	s.mu.Lock()
	if _, ok := s.byPlayer[sess.PlayerID]; ok {
		s.mu.Unlock()
		return game.Session{}, fmt.Errorf("%w: player %s", game.ErrAlreadyExists, sess.PlayerID)
	}
	s.nextID++
	sess.ID = s.nextID
	s.mu.Unlock()

	for _, st := range t.staged {
		if st.created && st.session.PlayerID == sess.PlayerID {
			return game.Session{}, fmt.Errorf("%w: player %s", game.ErrAlreadyExists, sess.PlayerID)
		}
	}
	normalizeDates(&sess)
	t.staged[sess.ID] = &staged{
		session: sess,
		balance: &game.Balance{SessionID: sess.ID, Amount: opening.Round(2), UpdatedAt: sess.CreatedAt},
		created: true,
	}
	t.order = append(t.order, sess.ID)
	return sess, nil
}

func (t *tx) UpdateSession(ctx context.Context, sess game.Session) error {
	st, err := t.stage(ctx, sess.ID)
	if err != nil {
		return err
	}
	if err := game.ValidateSession(sess); err != nil {
		return err
	}
	normalizeDates(&sess)
	sess.PlayerID = st.session.PlayerID
	sess.CreatedAt = st.session.CreatedAt
	st.session = sess
	return nil
}

func (t *tx) ReplaceBalance(ctx context.Context, sessionID int64, amount decimal.Decimal) error {
	st, err := t.stage(ctx, sessionID)
	if err != nil {
		return err
	}
	st.balance = &game.Balance{SessionID: sessionID, Amount: amount.Round(2), UpdatedAt: time.Now().UTC()}
	return nil
}

func (t *tx) CreditBalance(ctx context.Context, sessionID int64, delta decimal.Decimal) (game.Balance, error) {
	st, err := t.stage(ctx, sessionID)
	if err != nil {
		return game.Balance{}, err
	}
	if st.balance == nil {
		return game.Balance{}, fmt.Errorf("%w: balance for session %d", game.ErrNotFound, sessionID)
	}
	b := *st.balance
	b.Amount = b.Amount.Add(delta).Round(2)
	b.UpdatedAt = time.Now().UTC()
	st.balance = &b
	return b, nil
}

func (t *tx) InsertSale(ctx context.Context, sale game.Sale) (game.Sale, error) {
	st, err := t.stage(ctx, sale.SessionID)
	if err != nil {
		return game.Sale{}, err
	}
	for _, existing := range st.sales {
		if existing.ID == sale.ID {
			return game.Sale{}, fmt.Errorf("%w: sale %s", game.ErrAlreadyExists, sale.ID)
		}
	}
	sale.GameDate = game.DateOf(sale.GameDate)
	st.sales = append(st.sales, sale)
	return sale, nil
}

func (t *tx) DeleteSales(ctx context.Context, sessionID int64) (int64, error) {
	st, err := t.stage(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	n := int64(len(st.sales))
	st.sales = nil
	return n, nil
}

func (t *tx) UpdateSalesDate(ctx context.Context, sessionID int64, date time.Time) (int64, error) {
	st, err := t.stage(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	date = game.DateOf(date)
	for i := range st.sales {
		st.sales[i].GameDate = date
	}
	return int64(len(st.sales)), nil
}

func (t *tx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("%w: injected", game.ErrConflict)
	}
	for _, id := range t.order {
		st := t.staged[id]
		if st.created {
			if _, ok := s.byPlayer[st.session.PlayerID]; ok {
				return fmt.Errorf("%w: player %s", game.ErrAlreadyExists, st.session.PlayerID)
			}
		}
	}
	for _, id := range t.order {
		st := t.staged[id]
		s.sessions[id] = st.session
		s.byPlayer[st.session.PlayerID] = id
		if st.balance != nil {
			s.balances[id] = *st.balance
		} else {
			delete(s.balances, id)
		}
		s.sales[id] = st.sales
	}
	return nil
}

func normalizeDates(s *game.Session) {
	s.GameStartDate = game.DateOf(s.GameStartDate)
	s.CurrentGameDate = game.DateOf(s.CurrentGameDate)
	s.GameEndDate = game.DateOf(s.GameEndDate)
}
