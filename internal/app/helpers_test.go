package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/domain"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/fraud"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/risk"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/internal/store/storetest"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/accountclient"
	"github.com/PfandAhter/modernbank-transaction-service-sub000/pkg/riskclient"
)

const (
	senderIBAN   = "TR100000000000000000000001"
	receiverIBAN = "TR100000000000000000000002"
)

type balanceUpdate struct {
	iban      string
	amount    decimal.Decimal
	reference string
}

type accountsStub struct {
	AccountService

	mu              sync.Mutex
	accounts        map[string]*domain.Account
	updateErrs      map[string]error
	updates         []balanceUpdate
	calls           int
	fraudIncrements int
	fraudFlags      []bool
	flagErr         error
	blacklisted     bool

	// beforeLookup and beforeUpdate run outside the stub lock.
	beforeLookup func(iban string)
	beforeUpdate func(iban string)
}

func newAccountsStub() *accountsStub {
	return &accountsStub{
		accounts: map[string]*domain.Account{
			senderIBAN: {
				ID: "acc-1", UserID: "user-1", IBAN: senderIBAN, FirstName: "Alice", LastName: "Smith",
				Email: "alice@example.com", Balance: decimal.NewFromInt(1000), Currency: "TRY",
			},
			receiverIBAN: {
				ID: "acc-2", UserID: "user-2", IBAN: receiverIBAN, FirstName: "Bob", LastName: "Jones",
				Balance: decimal.NewFromInt(50), Currency: "TRY",
			},
		},
		updateErrs: map[string]error{},
	}
}

func (s *accountsStub) GetAccountByIBAN(ctx context.Context, iban string) (*domain.Account, error) {
	if s.beforeLookup != nil {
		s.beforeLookup(iban)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	account, ok := s.accounts[iban]
	if !ok {
		return nil, accountclient.ErrAccountNotFound
	}
	c := *account
	return &c, nil
}

func (s *accountsStub) GetAccountProfile(ctx context.Context, userID string) (*domain.AccountProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &domain.AccountProfile{UserID: userID, CreditScore: 700, AccountAgeDays: 400}, nil
}

func (s *accountsStub) UpdateBalance(ctx context.Context, iban string, amount decimal.Decimal, reference string) error {
	if s.beforeUpdate != nil {
		s.beforeUpdate(iban)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := s.updateErrs[iban]; err != nil {
		return err
	}
	s.updates = append(s.updates, balanceUpdate{iban: iban, amount: amount, reference: reference})
	return nil
}

func (s *accountsStub) IsReceiverBlacklisted(ctx context.Context, iban string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.blacklisted, nil
}

func (s *accountsStub) IncrementFraudCounter(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.fraudIncrements++
	return nil
}

func (s *accountsStub) SetPreviousFraudFlag(ctx context.Context, userID string, flag bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.flagErr != nil {
		return s.flagErr
	}
	s.fraudFlags = append(s.fraudFlags, flag)
	return nil
}

func (s *accountsStub) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type publishedMessage struct {
	topic string
	body  interface{}
}

type publisherStub struct {
	mu       sync.Mutex
	messages []publishedMessage
	failures map[string]error
}

func (p *publisherStub) Publish(ctx context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[routingKey]; err != nil {
		return err
	}
	p.messages = append(p.messages, publishedMessage{topic: routingKey, body: body})
	return nil
}

func (p *publisherStub) Close() {}

func (p *publisherStub) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.topic == topic {
			n++
		}
	}
	return n
}

func (p *publisherStub) notifications() []domain.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.NotificationEvent
	for _, m := range p.messages {
		if n, ok := m.body.(domain.NotificationEvent); ok {
			out = append(out, n)
		}
	}
	return out
}

func (p *publisherStub) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type scorerStub struct {
	score float64
}

func (s *scorerStub) Score(ctx context.Context, request riskclient.Request) risk.Result {
	score := s.score
	return risk.Result{Response: riskclient.Response{Score: &score, ModelVersion: "test"}}
}

type harness struct {
	repo         *storetest.MemoryRepository
	accounts     *accountsStub
	publisher    *publisherStub
	engine       *fraud.Engine
	orchestrator *Orchestrator
	logger       *logrus.Logger
	hook         *logtest.Hook
}

func newHarness(t *testing.T, score float64) *harness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	repo := storetest.NewMemoryRepository()
	accounts := newAccountsStub()
	publisher := &publisherStub{failures: map[string]error{}}
	engine := fraud.NewEngine(repo, &scorerStub{score: score}, accounts, nil, logger, fraud.Config{})
	reporter := NewErrorReporter(publisher, nil, logger)
	orchestrator := NewOrchestrator(repo, accounts, engine, publisher, reporter, nil, logger, OrchestratorConfig{})
	return &harness{
		repo:         repo,
		accounts:     accounts,
		publisher:    publisher,
		engine:       engine,
		orchestrator: orchestrator,
		logger:       logger,
		hook:         hook,
	}
}

func transferCommand(amount int64) domain.TransferCommand {
	return domain.TransferCommand{
		SagaID:       uuid.New(),
		UserID:       "user-1",
		SenderIBAN:   senderIBAN,
		ReceiverIBAN: receiverIBAN,
		Amount:       decimal.NewFromInt(amount),
		Description:  "rent",
	}
}

func criticalEntries(h *logtest.Hook) int {
	n := 0
	for _, entry := range h.AllEntries() {
		if entry.Data["alert"] == "critical" {
			n++
		}
	}
	return n
}

var errUnavailable = errors.New("connection refused")
