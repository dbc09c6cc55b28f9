package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nucleotide-health/orders/internal/domain"
	"github.com/nucleotide-health/orders/internal/payments"
	"github.com/nucleotide-health/orders/internal/repositories"
)

var fixedNow = time.Date(2025, time.May, 1, 9, 30, 0, 0, time.UTC)

type memRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *memRepoError) Error() string       { return e.msg }
func (e *memRepoError) IsNotFound() bool    { return e.notFound }
func (e *memRepoError) IsConflict() bool    { return e.conflict }
func (e *memRepoError) IsUnavailable() bool { return e.unavailable }

func memNotFound(what string) error { return &memRepoError{msg: what + " not found", notFound: true} }

func memUnavailable() error { return &memRepoError{msg: "store unavailable", unavailable: true} }

type memTxKey struct{}

type memTx struct {
	held map[string]*sync.Mutex
	undo []func()
}

// memoryStore implements the repository contracts in memory. Lock* calls take a per-order mutex
// held until the surrounding RunInTx returns; failed transactions replay their undo log.
type memoryStore struct {
	mu         sync.Mutex
	orders     map[string]domain.Order
	items      map[string][]domain.OrderItem
	history    []domain.StatusHistoryEntry
	deliveries map[string]domain.WebhookDelivery
	carts      map[string]domain.CartSnapshot
	clears     map[string]int
	counter    int64
	rowLocks   map[string]*sync.Mutex

	failClear    error
	failDelivery error
	lockDelay    time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:     make(map[string]domain.Order),
		items:      make(map[string][]domain.OrderItem),
		deliveries: make(map[string]domain.WebhookDelivery),
		carts:      make(map[string]domain.CartSnapshot),
		clears:     make(map[string]int),
		rowLocks:   make(map[string]*sync.Mutex),
	}
}

func (s *memoryStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	if _, nested := ctx.Value(memTxKey{}).(*memTx); nested {
		return fn(ctx)
	}
	tx := &memTx{held: make(map[string]*sync.Mutex)}
	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	if err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
	}
	for _, lock := range tx.held {
		lock.Unlock()
	}
	return err
}

func (s *memoryStore) recordUndo(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

func (s *memoryStore) lockRow(ctx context.Context, orderID string) {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return
	}
	if _, held := tx.held[orderID]; held {
		return
	}
	s.mu.Lock()
	lock, exists := s.rowLocks[orderID]
	if !exists {
		lock = &sync.Mutex{}
		s.rowLocks[orderID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	tx.held[orderID] = lock
	if s.lockDelay > 0 {
		time.Sleep(s.lockDelay)
	}
}

func (s *memoryStore) order(id string) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memoryStore) orderItems(id string) []domain.OrderItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OrderItem(nil), s.items[id]...)
}

func (s *memoryStore) historyFor(orderID string) []domain.StatusHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StatusHistoryEntry
	for _, entry := range s.history {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out
}

func (s *memoryStore) countHistory(orderID string, status domain.OrderStatus, orderLevel bool) int {
	count := 0
	for _, entry := range s.historyFor(orderID) {
		if entry.Status == status && entry.IsOrderLevel() == orderLevel {
			count++
		}
	}
	return count
}

func (s *memoryStore) putOrder(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := order.Items
	order.Items = nil
	s.orders[order.ID] = order
	s.items[order.ID] = append([]domain.OrderItem(nil), items...)
}

// Orders ---------------------------------------------------------------------

type memOrders struct{ s *memoryStore }

func (r memOrders) Insert(ctx context.Context, order domain.Order) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return &memRepoError{msg: "duplicate order", conflict: true}
	}
	order.Items = nil
	s.orders[order.ID] = order
	s.recordUndo(ctx, func() { delete(s.orders, order.ID) })
	return nil
}

func (r memOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, memNotFound("order")
	}
	return order, nil
}

func (r memOrders) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.OrderNumber == number {
			return order, nil
		}
	}
	return domain.Order{}, memNotFound("order")
}

func (r memOrders) LockByID(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := r.FindByID(ctx, orderID); err != nil {
		return domain.Order{}, err
	}
	r.s.lockRow(ctx, orderID)
	return r.FindByID(ctx, orderID)
}

func (r memOrders) LockByGatewayOrderRef(ctx context.Context, ref string) (domain.Order, error) {
	s := r.s
	s.mu.Lock()
	orderID := ""
	for id, order := range s.orders {
		if order.Payment.GatewayOrderRef == ref {
			orderID = id
			break
		}
	}
	s.mu.Unlock()
	if orderID == "" {
		return domain.Order{}, memNotFound("order")
	}
	return r.LockByID(ctx, orderID)
}

func (r memOrders) UpdatePayment(ctx context.Context, order domain.Order) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.orders[order.ID]
	if !ok {
		return memNotFound("order")
	}
	next := prev
	next.PaymentStatus = order.PaymentStatus
	next.OrderStatus = order.OrderStatus
	next.Payment = order.Payment
	next.StatusUpdatedAt = order.StatusUpdatedAt
	next.UpdatedAt = order.UpdatedAt
	s.orders[order.ID] = next
	s.recordUndo(ctx, func() { s.orders[order.ID] = prev })
	return nil
}

func (r memOrders) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.orders[orderID]
	if !ok {
		return memNotFound("order")
	}
	next := prev
	next.OrderStatus = status
	next.StatusUpdatedAt = updatedAt
	next.UpdatedAt = updatedAt
	s.orders[orderID] = next
	s.recordUndo(ctx, func() { s.orders[orderID] = prev })
	return nil
}

func (r memOrders) ListByUser(_ context.Context, userID string, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []domain.Order
	for _, order := range s.orders {
		if order.UserID == userID {
			matched = append(matched, order)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].OrderNumber > matched[j].OrderNumber })
	start := 0
	if filter.Pagination.PageToken != "" {
		start, _ = strconv.Atoi(filter.Pagination.PageToken)
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := start + filter.Pagination.PageSize
	page := domain.CursorPage[domain.Order]{}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	page.Items = matched[start:end]
	return page, nil
}

// Items ----------------------------------------------------------------------

type memItems struct{ s *memoryStore }

func (r memItems) InsertMany(ctx context.Context, items []domain.OrderItem) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		orderID := item.OrderID
		prev := s.items[orderID]
		s.items[orderID] = append(append([]domain.OrderItem(nil), prev...), item)
		s.recordUndo(ctx, func() { s.items[orderID] = prev })
	}
	return nil
}

func (r memItems) ListByOrder(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	return r.s.orderItems(orderID), nil
}

func (r memItems) UpdateStatuses(ctx context.Context, updates []domain.OrderItem) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, update := range updates {
		orderID := update.OrderID
		prev := s.items[orderID]
		next := append([]domain.OrderItem(nil), prev...)
		found := false
		for i := range next {
			if next[i].ID == update.ID {
				next[i].OrderStatus = update.OrderStatus
				next[i].StatusUpdatedAt = update.StatusUpdatedAt
				next[i].Scheduling = update.Scheduling
				found = true
			}
		}
		if !found {
			return memNotFound("order item")
		}
		s.items[orderID] = next
		s.recordUndo(ctx, func() { s.items[orderID] = prev })
	}
	return nil
}

// History --------------------------------------------------------------------

type memHistory struct{ s *memoryStore }

func (r memHistory) Append(ctx context.Context, entries ...domain.StatusHistoryEntry) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prevLen := len(s.history)
	s.history = append(s.history, entries...)
	s.recordUndo(ctx, func() { s.history = s.history[:prevLen] })
	return nil
}

func (r memHistory) ListByOrder(_ context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	entries := r.s.historyFor(orderID)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Webhook deliveries ---------------------------------------------------------

type memDeliveries struct{ s *memoryStore }

func (r memDeliveries) Record(_ context.Context, delivery domain.WebhookDelivery) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelivery != nil {
		return false, s.failDelivery
	}
	if _, exists := s.deliveries[delivery.EventID]; exists {
		return false, nil
	}
	s.deliveries[delivery.EventID] = delivery
	return true, nil
}

func (r memDeliveries) MarkProcessed(_ context.Context, eventID string, outcome domain.WebhookOutcome, orderID, processingErr string, processedAt time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delivery, ok := s.deliveries[eventID]
	if !ok {
		return memNotFound("delivery")
	}
	delivery.Outcome = outcome
	delivery.OrderID = orderID
	delivery.ProcessingError = processingErr
	delivery.ProcessedAt = &processedAt
	s.deliveries[eventID] = delivery
	return nil
}

// Carts and counters ---------------------------------------------------------

type memCarts struct{ s *memoryStore }

func (r memCarts) ReadSnapshot(_ context.Context, userID string) (domain.CartSnapshot, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[userID], nil
}

func (r memCarts) Clear(ctx context.Context, userID string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failClear != nil {
		return s.failClear
	}
	prev, had := s.carts[userID]
	delete(s.carts, userID)
	s.clears[userID]++
	s.recordUndo(ctx, func() {
		s.clears[userID]--
		if had {
			s.carts[userID] = prev
		}
	})
	return nil
}

type memCounters struct{ s *memoryStore }

func (r memCounters) Next(_ context.Context, _ string, step int64) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter += step
	return s.counter, nil
}

// Gateway --------------------------------------------------------------------

type fakeWebhookPayload struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	OrderRef   string `json:"order_ref"`
	PaymentRef string `json:"payment_ref"`
	Method     string `json:"method"`
	Reason     string `json:"reason"`
}

// fakeGateway accepts the client signature "valid:<orderRef>|<paymentRef>" and webhook payloads
// carrying the header X-Test-Signature: ok.
type fakeGateway struct {
	mu          sync.Mutex
	name        string
	seq         int
	createErr   error
	verifyErr   error
	verifyCalls int
}

func (g *fakeGateway) Name() string {
	if g.name == "" {
		return "testpay"
	}
	return g.name
}

func (g *fakeGateway) CreateTransaction(_ context.Context, req payments.TransactionRequest) (payments.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return payments.Transaction{}, g.createErr
	}
	g.seq++
	minor, err := payments.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return payments.Transaction{}, err
	}
	return payments.Transaction{
		Provider:    g.Name(),
		OrderRef:    "gw_order_" + strconv.Itoa(g.seq),
		AmountMinor: minor,
		Currency:    req.Currency,
		PublicKey:   "pk_test",
	}, nil
}

func (g *fakeGateway) VerifyPaymentSignature(_ context.Context, c payments.ClientConfirmation) (bool, error) {
	g.mu.Lock()
	g.verifyCalls++
	err := g.verifyErr
	g.mu.Unlock()
	if err != nil {
		return false, err
	}
	return c.Signature == validClientSignature(c.OrderRef, c.PaymentRef), nil
}

func (g *fakeGateway) VerifyWebhookSignature(payload []byte, headers http.Header) bool {
	return len(payload) > 0 && headers.Get("X-Test-Signature") == "ok"
}

func (g *fakeGateway) ParseWebhookEvent(payload []byte, _ http.Header) (domain.PaymentEvent, error) {
	var raw fakeWebhookPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.PaymentEvent{}, payments.ErrMalformedEvent
	}
	event := domain.PaymentEvent{
		ID:                raw.ID,
		Type:              domain.PaymentEventType(raw.Type),
		GatewayOrderRef:   raw.OrderRef,
		GatewayPaymentRef: raw.PaymentRef,
		Method:            raw.Method,
		ErrorReason:       raw.Reason,
	}
	if !event.Type.IsSuccess() && !event.Type.IsFailure() {
		return event, payments.ErrUnsupportedEvent
	}
	return event, nil
}

func validClientSignature(orderRef, paymentRef string) string {
	return "valid:" + orderRef + "|" + paymentRef
}

type stubGateways struct {
	provider payments.Provider
}

func (g stubGateways) Provider(name string) (payments.Provider, error) {
	if name != "" && name != g.provider.Name() {
		return nil, payments.ErrUnsupportedProvider
	}
	return g.provider, nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

type captureLogs struct {
	mu     sync.Mutex
	events []string
}

func (c *captureLogs) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureLogs) has(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e == event {
			return true
		}
	}
	return false
}

// Harness --------------------------------------------------------------------

type testHarness struct {
	store      *memoryStore
	gateway    *fakeGateway
	events     *captureOrderEvents
	logs       *captureLogs
	ledger     StatusHistoryLedger
	factory    OrderFactory
	reconciler PaymentReconciler
	tracker    FulfillmentStatusTracker
	queries    OrderQueryService
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store := newMemoryStore()
	gateway := &fakeGateway{}
	events := &captureOrderEvents{}
	logs := &captureLogs{}
	clock := func() time.Time { return fixedNow }
	var idSeq atomic.Int64
	ids := func() string { return strconv.FormatInt(idSeq.Add(1), 10) }

	ledger, err := NewStatusHistoryLedger(StatusHistoryLedgerDeps{History: memHistory{store}, Clock: clock, IDGenerator: ids})
	if err != nil {
		t.Fatalf("NewStatusHistoryLedger: %v", err)
	}
	gateways := stubGateways{provider: gateway}

	factory, err := NewOrderFactory(OrderFactoryDeps{
		Orders:         memOrders{store},
		Items:          memItems{store},
		Counters:       memCounters{store},
		Ledger:         ledger,
		Gateways:       gateways,
		UnitOfWork:     store,
		Events:         events,
		Clock:          clock,
		IDGenerator:    ids,
		Logger:         logs.log,
		DeliveryCharge: decimal.NewFromInt(50),
		Currency:       "INR",
	})
	if err != nil {
		t.Fatalf("NewOrderFactory: %v", err)
	}
	reconciler, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:     memOrders{store},
		Items:      memItems{store},
		Carts:      memCarts{store},
		Deliveries: memDeliveries{store},
		Ledger:     ledger,
		Gateways:   gateways,
		UnitOfWork: store,
		Events:     events,
		Clock:      clock,
		Logger:     logs.log,
	})
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}
	tracker, err := NewFulfillmentStatusTracker(FulfillmentStatusTrackerDeps{
		Orders:     memOrders{store},
		Items:      memItems{store},
		Ledger:     ledger,
		UnitOfWork: store,
		Events:     events,
		Clock:      clock,
		Logger:     logs.log,
	})
	if err != nil {
		t.Fatalf("NewFulfillmentStatusTracker: %v", err)
	}
	queries, err := NewOrderQueryService(OrderQueryServiceDeps{Orders: memOrders{store}, Items: memItems{store}, Ledger: ledger})
	if err != nil {
		t.Fatalf("NewOrderQueryService: %v", err)
	}

	return &testHarness{
		store:      store,
		gateway:    gateway,
		events:     events,
		logs:       logs,
		ledger:     ledger,
		factory:    factory,
		reconciler: reconciler,
		tracker:    tracker,
		queries:    queries,
	}
}

func line(product, member, address string, price int64) domain.CartLine {
	return domain.CartLine{
		CartItemID: "cart_" + member,
		ProductID:  product,
		MemberID:   member,
		AddressID:  address,
		Quantity:   1,
		UnitPrice:  decimal.NewFromInt(price),
	}
}

func (h *testHarness) createOrder(t *testing.T, lines ...domain.CartLine) CreateOrderResult {
	t.Helper()
	if len(lines) == 0 {
		lines = []domain.CartLine{line("prd_dna", "mem_1", "addr_1", 16000)}
	}
	h.store.mu.Lock()
	h.store.carts["usr_1"] = domain.CartSnapshot{UserID: "usr_1", Lines: lines}
	h.store.mu.Unlock()

	result, err := h.factory.CreateOrder(context.Background(), CreateOrderCommand{
		UserID:          "usr_1",
		PlacingMemberID: "mem_1",
		Cart:            domain.CartSnapshot{UserID: "usr_1", Lines: lines},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return result
}

func (h *testHarness) verifyClient(ctx context.Context, created CreateOrderResult, paymentRef string) (PaymentResult, error) {
	return h.reconciler.VerifyClientPayment(ctx, VerifyClientPaymentCommand{
		OrderID:           created.Order.ID,
		UserID:            created.Order.UserID,
		GatewayOrderRef:   created.GatewayOrderRef,
		GatewayPaymentRef: paymentRef,
		Signature:         validClientSignature(created.GatewayOrderRef, paymentRef),
	})
}

func (h *testHarness) webhook(ctx context.Context, payload fakeWebhookPayload) (WebhookResult, error) {
	body, _ := json.Marshal(payload)
	headers := http.Header{}
	headers.Set("X-Test-Signature", "ok")
	return h.reconciler.ApplyWebhookEvent(ctx, PaymentWebhookCommand{Payload: body, Headers: headers})
}

func captured(id, orderRef string) fakeWebhookPayload {
	return fakeWebhookPayload{ID: id, Type: string(domain.PaymentEventCaptured), OrderRef: orderRef, PaymentRef: "pay_1", Method: "upi"}
}

func failed(id, orderRef string) fakeWebhookPayload {
	return fakeWebhookPayload{ID: id, Type: string(domain.PaymentEventFailed), OrderRef: orderRef, PaymentRef: "pay_1", Reason: "BAD_REQUEST_ERROR declined"}
}

func (h *testHarness) confirm(t *testing.T, created CreateOrderResult) {
	t.Helper()
	if _, err := h.webhook(context.Background(), captured("evt_confirm_"+created.Order.ID, created.GatewayOrderRef)); err != nil {
		t.Fatalf("webhook capture: %v", err)
	}
}

var errBoom = errors.New("boom")
