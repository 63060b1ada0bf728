package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"event-payments/internal/apperr"
	"event-payments/internal/models"
	"event-payments/internal/store"

	"github.com/stretchr/testify/mock"
)

// memStore keeps payments and discount codes in memory with the same
// transition rules as the SQL store.
type memStore struct {
	mu       sync.Mutex
	seq      int
	payments map[string]*models.Payment
	created  map[string]int
	codes    map[string]*models.DiscountCode
	codeMu   map[string]*sync.Mutex
	usages   []models.DiscountCodeUsage
}

func newMemStore() *memStore {
	return &memStore{
		payments: make(map[string]*models.Payment),
		created:  make(map[string]int),
		codes:    make(map[string]*models.DiscountCode),
		codeMu:   make(map[string]*sync.Mutex),
	}
}

func (m *memStore) putPayment(p *models.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	m.payments[p.ID] = &cp
	m.created[p.ID] = m.seq
}

func (m *memStore) paymentsFor(userID, eventID string) []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.UserID == userID && p.EventID == eventID {
			out = append(out, *p)
		}
	}
	return out
}

// latest returns the newest payment of the pair and whether it is a stale
// handle-less PENDING row. Callers hold m.mu.
func (m *memStore) latest(userID, eventID string, staleAfter time.Duration) (*models.Payment, bool) {
	var latest *models.Payment
	for _, p := range m.payments {
		if p.UserID != userID || p.EventID != eventID {
			continue
		}
		if latest == nil || m.created[p.ID] > m.created[latest.ID] {
			latest = p
		}
	}
	if latest == nil {
		return nil, false
	}
	stale := latest.Status == models.PaymentStatusPending && latest.GatewayAuthority == nil &&
		time.Since(latest.CreatedAt) >= staleAfter
	return latest, stale
}

func (m *memStore) GetBlockingPayment(ctx context.Context, userID, eventID string, staleAfter time.Duration) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest, stale := m.latest(userID, eventID, staleAfter)
	if latest == nil || latest.Status == models.PaymentStatusFailed || stale {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) ReservePayment(ctx context.Context, candidate *models.Payment, staleAfter time.Duration) (*models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest, stale := m.latest(candidate.UserID, candidate.EventID, staleAfter)
	if latest != nil {
		switch latest.Status {
		case models.PaymentStatusCompleted:
			cp := *latest
			return &cp, false, nil
		case models.PaymentStatusPending:
			if !stale {
				cp := *latest
				return &cp, false, nil
			}
			latest.Status = models.PaymentStatusFailed
			latest.Metadata = mergeMeta(latest.Metadata, models.Metadata{"failure_reason": "stale_initiation"})
		}
	}

	m.seq++
	candidate.CreatedAt = time.Now()
	candidate.UpdatedAt = candidate.CreatedAt
	cp := *candidate
	m.payments[candidate.ID] = &cp
	m.created[candidate.ID] = m.seq
	return candidate, true, nil
}

func (m *memStore) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, apperr.NotFound(apperr.CodePaymentNotFound, "payment not found: "+id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetPaymentsByUserID(ctx context.Context, userID string) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.created[out[i].ID] > m.created[out[j].ID] })
	return out, nil
}

func (m *memStore) MarkPaymentInitiated(ctx context.Context, id, authority, paymentURL string, fields models.StringMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	if p != nil && p.Status == models.PaymentStatusPending {
		p.GatewayAuthority = &authority
		p.PaymentURL = &paymentURL
		p.SubmissionFields = fields
	}
	return nil
}

func (m *memStore) CompletePayment(ctx context.Context, id, refID, transactionID string, paidAt time.Time, metadata models.Metadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	if p == nil || p.Status != models.PaymentStatusPending {
		return false, nil
	}
	p.Status = models.PaymentStatusCompleted
	p.RefID = &refID
	if transactionID != "" {
		p.GatewayTransactionID = &transactionID
	}
	p.PaidAt = &paidAt
	p.Metadata = mergeMeta(p.Metadata, metadata)
	return true, nil
}

func (m *memStore) FailPayment(ctx context.Context, id string, metadata models.Metadata) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	if p == nil || p.Status != models.PaymentStatusPending {
		return false, nil
	}
	p.Status = models.PaymentStatusFailed
	p.Metadata = mergeMeta(p.Metadata, metadata)
	return true, nil
}

func (m *memStore) AppendPaymentMetadata(ctx context.Context, id string, metadata models.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.payments[id]; p != nil {
		p.Metadata = mergeMeta(p.Metadata, metadata)
	}
	return nil
}

func mergeMeta(dst, src models.Metadata) models.Metadata {
	if dst == nil {
		dst = models.Metadata{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (m *memStore) putCode(dc *models.DiscountCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc.Code = strings.ToUpper(dc.Code)
	cp := *dc
	m.codes[dc.Code] = &cp
	m.codeMu[dc.Code] = &sync.Mutex{}
}

func (m *memStore) code(code string) models.DiscountCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.codes[strings.ToUpper(code)]
}

func (m *memStore) usageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.usages)
}

func (m *memStore) CreateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	m.mu.Lock()
	_, exists := m.codes[strings.ToUpper(dc.Code)]
	m.mu.Unlock()
	if exists {
		return apperr.Conflict(apperr.CodeDiscountExists, "discount code already exists")
	}
	m.putCode(dc)
	return nil
}

func (m *memStore) UpdateDiscountCode(ctx context.Context, dc *models.DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.codes[strings.ToUpper(dc.Code)]
	if !ok {
		return apperr.NotFound(apperr.CodeDiscountNotFound, "discount code not found")
	}
	dc.ID = existing.ID
	dc.CurrentUses = existing.CurrentUses
	cp := *dc
	m.codes[dc.Code] = &cp
	return nil
}

func (m *memStore) GetDiscountCodeByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dc, ok := m.codes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeDiscountNotFound, "discount code not found: "+code)
	}
	cp := *dc
	return &cp, nil
}

func (m *memStore) ListDiscountCodes(ctx context.Context) ([]models.DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DiscountCode, 0, len(m.codes))
	for _, dc := range m.codes {
		out = append(out, *dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memStore) DeleteDiscountCode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	code = strings.ToUpper(code)
	dc, ok := m.codes[code]
	if !ok {
		return apperr.NotFound(apperr.CodeDiscountNotFound, "discount code not found")
	}
	for _, u := range m.usages {
		if u.DiscountCodeID == dc.ID {
			return apperr.Conflict(apperr.CodeDiscountInUse, "discount code has recorded usages")
		}
	}
	delete(m.codes, code)
	return nil
}

func (m *memStore) HasUserUsedDiscountCode(ctx context.Context, discountCodeID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.usages {
		if u.DiscountCodeID == discountCodeID && u.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ApplyDiscountUsage mirrors the SQL transaction: row lock, duplicate check,
// guard, insert, guarded increment, rollback on any failure.
func (m *memStore) ApplyDiscountUsage(ctx context.Context, code, paymentID, userID string, guard store.UsageGuard) (*models.DiscountCodeUsage, error) {
	code = strings.ToUpper(code)
	m.mu.Lock()
	rowLock, ok := m.codeMu[code]
	m.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound(apperr.CodeDiscountNotFound, "discount code not found: "+code)
	}
	rowLock.Lock()
	defer rowLock.Unlock()

	dc, _ := m.GetDiscountCodeByCode(ctx, code)

	m.mu.Lock()
	for _, u := range m.usages {
		if u.PaymentID == paymentID {
			m.mu.Unlock()
			return nil, apperr.Conflict(apperr.CodeAlreadyApplied, "a discount was already applied to this payment")
		}
	}
	m.mu.Unlock()

	usedByUser, _ := m.HasUserUsedDiscountCode(ctx, dc.ID, userID)
	usage, err := guard(dc, usedByUser)
	if err != nil {
		return nil, err
	}
	usage.DiscountCodeID = dc.ID
	usage.UsedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.codes[code]
	if row.MaxUses != nil && row.CurrentUses >= *row.MaxUses {
		return nil, apperr.Validation(apperr.CodeMaxUsesReached, "discount code has reached its usage limit")
	}
	row.CurrentUses++
	m.usages = append(m.usages, *usage)
	return usage, nil
}

type memLocker struct {
	mu    sync.Mutex
	locks map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]string)}
}

func (l *memLocker) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[key]; held {
		return false, nil
	}
	l.locks[key] = token
	return true, nil
}

func (l *memLocker) ReleaseLock(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[key] == token {
		delete(l.locks, key)
	}
	return nil
}

type memDirectory struct {
	mu        sync.Mutex
	events    map[string]*models.Event
	attendees map[string]*models.Attendee
}

func newMemDirectory(events ...*models.Event) *memDirectory {
	d := &memDirectory{
		events:    make(map[string]*models.Event),
		attendees: make(map[string]*models.Attendee),
	}
	for _, e := range events {
		d.events[e.ID] = e
	}
	return d
}

func (d *memDirectory) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	e, ok := d.events[eventID]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeEventNotFound, "event not found: "+eventID)
	}
	return e, nil
}

func (d *memDirectory) EnsureRegistered(ctx context.Context, userID, eventID string) (*models.Attendee, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := userID + "|" + eventID
	if a, ok := d.attendees[key]; ok {
		return a, nil
	}
	a := &models.Attendee{ID: "att-" + key, UserID: userID, EventID: eventID, CreatedAt: time.Now()}
	d.attendees[key] = a
	return a, nil
}

type mockUsers struct {
	mock.Mock
}

func (m *mockUsers) GetUserFlags(ctx context.Context, userID string) (*models.UserFlags, error) {
	args := m.Called(ctx, userID)
	flags, _ := args.Get(0).(*models.UserFlags)
	return flags, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return m.Called(ctx, event).Error(0)
}
