package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// policyRepositoryInMemory: простая in-memory реализация PolicyRepository.
type policyRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Policy
}

// NewPolicyRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewPolicyRepository() domain.PolicyRepository {
	return &policyRepositoryInMemory{
		items: make(map[string]domain.Policy),
	}
}

// Create сохраняет новый полис, если ID ещё не занят.
func (r *policyRepositoryInMemory) Create(_ context.Context, policy domain.Policy) error {
	if strings.TrimSpace(policy.ID) == "" {
		return domain.ErrPolicyIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[policy.ID]; exists {
		return domain.ErrPolicyExists
	}
	r.items[policy.ID] = clonePolicy(policy)
	return nil
}

// Get возвращает полис или ErrPolicyNotFound, если его нет.
func (r *policyRepositoryInMemory) Get(_ context.Context, id string) (domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	policy, ok := r.items[id]
	if !ok {
		return domain.Policy{}, domain.ErrPolicyNotFound
	}
	return clonePolicy(policy), nil
}

// clonePolicy копирует срез путешественников, чтобы полис не менялся извне.
func clonePolicy(policy domain.Policy) domain.Policy {
	travelers := make([]domain.Traveler, len(policy.Travelers))
	copy(travelers, policy.Travelers)
	policy.Travelers = travelers
	return policy
}

var _ domain.PolicyRepository = (*policyRepositoryInMemory)(nil)
