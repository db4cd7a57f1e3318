package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/kstore/order-api/internal/entity"
)

type stockKey struct {
	product int64
	variant int64
}

func keyOf(productID int64, variantID *int64) stockKey {
	k := stockKey{product: productID}
	if variantID != nil {
		k.variant = *variantID
	}
	return k
}

type outboxRow struct {
	channel string
	payload []byte
}

type memState struct {
	nextID    int64
	stock     map[stockKey]int
	carts     map[int64][]domain.CartLine
	addresses map[int64]domain.Address
	orders    map[int64]domain.Order
	numbers   map[string]bool
	items     map[int64][]domain.OrderItem
	history   map[int64][]domain.StatusHistoryEntry
	outbox    []outboxRow
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:    s.nextID,
		stock:     make(map[stockKey]int, len(s.stock)),
		carts:     make(map[int64][]domain.CartLine, len(s.carts)),
		addresses: s.addresses,
		orders:    make(map[int64]domain.Order, len(s.orders)),
		numbers:   make(map[string]bool, len(s.numbers)),
		items:     make(map[int64][]domain.OrderItem, len(s.items)),
		history:   make(map[int64][]domain.StatusHistoryEntry, len(s.history)),
		outbox:    append([]outboxRow(nil), s.outbox...),
	}
	for k, v := range s.stock {
		c.stock[k] = v
	}
	for k, v := range s.carts {
		c.carts[k] = append([]domain.CartLine(nil), v...)
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.numbers {
		c.numbers[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]domain.OrderItem(nil), v...)
	}
	for k, v := range s.history {
		c.history[k] = append([]domain.StatusHistoryEntry(nil), v...)
	}
	return c
}

// memStore gives each transaction a private copy of the order state and
// publishes it on commit; a transaction that finds another commit landed first
// is rolled back and run again, so non-stock state stays serializable.
//
// Stock counters are shared instead. DecrementStock and RestockItem take a
// per-counter lock held until the transaction ends, the way InnoDB row locks
// are, and change the counter in place. Concurrent placements therefore race
// on the check-and-decrement itself. The production guard is the conditional
// UPDATE in repo.mysqlTx.DecrementStock.
type memStore struct {
	mu      sync.Mutex
	state   *memState
	version int

	stockMu sync.Mutex
	stock   map[stockKey]int
	rows    map[stockKey]*sync.Mutex

	// failAfter makes the named Tx method fail after it has applied its write.
	failAfter string
	// conflicts makes the next n transactions abort with ErrTxConflict.
	conflicts int
}

func newMemStore() *memStore {
	stock := map[stockKey]int{}
	return &memStore{
		stock: stock,
		rows:  map[stockKey]*sync.Mutex{},
		state: &memState{
			stock:     stock,
			carts:     map[int64][]domain.CartLine{},
			addresses: map[int64]domain.Address{},
			orders:    map[int64]domain.Order{},
			numbers:   map[string]bool{},
			items:     map[int64][]domain.OrderItem{},
			history:   map[int64][]domain.StatusHistoryEntry{},
		},
	}
}

var errInjected = errors.New("injected failure")

func (m *memStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		base := m.version
		work := m.cloneLocked()
		tx := &memTx{s: work, store: m, failAfter: m.failAfter, held: map[stockKey]bool{}}
		conflict := m.conflicts > 0
		if conflict {
			m.conflicts--
		}
		m.mu.Unlock()

		err := fn(tx)
		if err == nil && conflict {
			err = fmt.Errorf("%w: injected deadlock", ErrTxConflict)
		}
		if err != nil {
			tx.rollback()
			return err
		}

		m.mu.Lock()
		if m.version != base {
			m.mu.Unlock()
			tx.rollback()
			continue
		}
		work.stock = m.stock
		m.state = work
		m.version++
		m.mu.Unlock()
		tx.release()
		return nil
	}
}

// cloneLocked copies the committed state. m.mu must be held.
func (m *memStore) cloneLocked() *memState {
	m.stockMu.Lock()
	defer m.stockMu.Unlock()
	return m.state.clone()
}

func (m *memStore) snapshot() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cloneLocked()
}

func (m *memStore) row(k stockKey) *sync.Mutex {
	m.stockMu.Lock()
	defer m.stockMu.Unlock()
	l, ok := m.rows[k]
	if !ok {
		l = &sync.Mutex{}
		m.rows[k] = l
	}
	return l
}

func (m *memStore) addStock(k stockKey, delta int) {
	m.stockMu.Lock()
	defer m.stockMu.Unlock()
	m.stock[k] += delta
}

func (m *memStore) stockOf(k stockKey) int {
	m.stockMu.Lock()
	defer m.stockMu.Unlock()
	return m.stock[k]
}

type memTx struct {
	s         *memState
	store     *memStore
	failAfter string
	held      map[stockKey]bool
	undo      []func()
}

func (t *memTx) fail(op string) error {
	if t.failAfter == op {
		return errInjected
	}
	return nil
}

func (t *memTx) lockRow(k stockKey) {
	if t.held[k] {
		return
	}
	t.store.row(k).Lock()
	t.held[k] = true
}

func (t *memTx) release() {
	for k := range t.held {
		t.store.row(k).Unlock()
	}
	t.held = map[stockKey]bool{}
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.release()
}

func (t *memTx) LockCart(_ context.Context, userID int64) ([]domain.CartLine, error) {
	lines := append([]domain.CartLine(nil), t.s.carts[userID]...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })

	keys := make([]stockKey, 0, len(lines))
	for _, l := range lines {
		keys = append(keys, keyOf(l.ProductID, l.VariantID))
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if (a.variant == 0) != (b.variant == 0) {
			return a.variant == 0
		}
		if a.variant != b.variant {
			return a.variant < b.variant
		}
		return a.product < b.product
	})
	for _, k := range keys {
		t.lockRow(k)
	}
	return lines, nil
}

func (t *memTx) GetAddress(_ context.Context, id int64) (*domain.Address, error) {
	a, ok := t.s.addresses[id]
	if !ok {
		return nil, NotFound("address")
	}
	return &a, nil
}

func (t *memTx) InsertOrder(_ context.Context, o *domain.Order) (int64, error) {
	if t.s.numbers[o.OrderNumber] {
		return 0, ErrDuplicateOrderNumber
	}
	t.s.nextID++
	o.ID = t.s.nextID
	t.s.orders[o.ID] = *o
	t.s.numbers[o.OrderNumber] = true
	return o.ID, t.fail("InsertOrder")
}

func (t *memTx) InsertOrderItem(_ context.Context, it *domain.OrderItem) error {
	t.s.nextID++
	it.ID = t.s.nextID
	t.s.items[it.OrderID] = append(t.s.items[it.OrderID], *it)
	return t.fail("InsertOrderItem")
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, variantID *int64, qty int) error {
	k := keyOf(productID, variantID)
	t.lockRow(k)
	if t.store.stockOf(k) < qty {
		return ErrInsufficientStock
	}
	t.store.addStock(k, -qty)
	t.undo = append(t.undo, func() { t.store.addStock(k, qty) })
	return t.fail("DecrementStock")
}

func (t *memTx) RestockItem(_ context.Context, productID int64, variantID *int64, qty int) error {
	k := keyOf(productID, variantID)
	t.lockRow(k)
	t.store.addStock(k, qty)
	t.undo = append(t.undo, func() { t.store.addStock(k, -qty) })
	return nil
}

func (t *memTx) ClearCart(_ context.Context, userID int64) (int64, error) {
	n := int64(len(t.s.carts[userID]))
	delete(t.s.carts, userID)
	return n, t.fail("ClearCart")
}

func (t *memTx) AppendStatus(_ context.Context, e domain.StatusHistoryEntry) error {
	t.s.history[e.OrderID] = append(t.s.history[e.OrderID], e)
	return t.fail("AppendStatus")
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id int64) (*domain.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return nil, NotFound("order")
	}
	return &o, nil
}

func (t *memTx) UpdateOrder(_ context.Context, id int64, p OrderPatch) error {
	o, ok := t.s.orders[id]
	if !ok {
		return NotFound("order")
	}
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.TrackingNumber != nil {
		o.TrackingNumber = *p.TrackingNumber
	}
	if p.ShippedAt != nil {
		o.ShippedAt = p.ShippedAt
	}
	if p.DeliveredAt != nil {
		o.DeliveredAt = p.DeliveredAt
	}
	if p.CancelledAt != nil {
		o.CancelledAt = p.CancelledAt
	}
	o.UpdatedAt = time.Now()
	t.s.orders[id] = o
	return nil
}

func (t *memTx) OrderItems(_ context.Context, id int64) ([]domain.OrderItem, error) {
	return append([]domain.OrderItem(nil), t.s.items[id]...), nil
}

func (t *memTx) EnqueueOutbox(_ context.Context, channel string, payload []byte) error {
	t.s.outbox = append(t.s.outbox, outboxRow{channel: channel, payload: payload})
	return t.fail("EnqueueOutbox")
}

type memIdem struct {
	mu     sync.Mutex
	locks  map[string]bool
	values map[string]string
}

func newMemIdem() *memIdem {
	return &memIdem{locks: map[string]bool{}, values: map[string]string{}}
}

func (m *memIdem) TryLock(_ context.Context, scope, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[scope+key] {
		return false, nil
	}
	m.locks[scope+key] = true
	return true, nil
}

func (m *memIdem) Release(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, scope+key)
	return nil
}

func (m *memIdem) Remember(_ context.Context, scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[scope+key] = value
	return nil
}

func (m *memIdem) Recall(_ context.Context, scope, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[scope+key]
	return v, ok, nil
}

type countingMetrics struct {
	mu       sync.Mutex
	placed   int
	failures map[string]int
	statuses map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{failures: map[string]int{}, statuses: map[string]int{}}
}

func (c *countingMetrics) OrderPlaced() {
	c.mu.Lock()
	c.placed++
	c.mu.Unlock()
}

func (c *countingMetrics) PlacementFailed(reason string) {
	c.mu.Lock()
	c.failures[reason]++
	c.mu.Unlock()
}

func (c *countingMetrics) StatusChanged(status string) {
	c.mu.Lock()
	c.statuses[status]++
	c.mu.Unlock()
}
