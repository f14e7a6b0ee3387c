// Package session хранит явное состояние диалога пользователя между запросами.
package session

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ActivePromo хранит промокод, активированный пользователем и ещё не применённый к заказу.
type ActivePromo struct {
	Code    string
	Percent int
}

// State содержит состояние диалога одного пользователя. Передаётся в обработчики явно
// и возвращается ими изменённым.
type State struct {
	ActivePromo *ActivePromo
	// AwaitingEvidence указывает заказ, по которому ждём подтверждения оплаты от покупателя, или 0.
	AwaitingEvidence int64
}

// WithPromo возвращает копию состояния с активированным промокодом.
func (s State) WithPromo(code string, percent int) State {
	s.ActivePromo = &ActivePromo{Code: code, Percent: percent}
	return s
}

// Store держит состояния последних активных пользователей. Давно неактивные вытесняются.
type Store struct {
	cache *lru.Cache[int64, State]
}

// NewStore создаёт хранилище не более чем на size пользователей.
func NewStore(size int) (*Store, error) {
	cache, err := lru.New[int64, State](size)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

// Get возвращает состояние пользователя или пустое состояние.
func (s *Store) Get(userID int64) State {
	st, _ := s.cache.Get(userID)
	return st
}

// Put сохраняет состояние пользователя. Пустое состояние удаляет запись.
func (s *Store) Put(userID int64, st State) {
	if st.ActivePromo == nil && st.AwaitingEvidence == 0 {
		s.cache.Remove(userID)
		return
	}
	s.cache.Add(userID, st)
}

// Len возвращает число хранимых состояний.
func (s *Store) Len() int {
	return s.cache.Len()
}
