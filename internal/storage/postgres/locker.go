package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// policyLockNamespace отделяет блокировки полисов от блокировки миграций.
const policyLockNamespace = int32(7031)

const unlockTimeout = 2 * time.Second

// Locker: PolicyLocker на сессионных advisory-блокировках PostgreSQL.
// Блокировка держится на выделенном подключении до вызова unlock,
// поэтому работает между несколькими экземплярами сервиса.
type Locker struct {
	db *sql.DB
}

// NewLocker создаёт advisory-блокировщик полисов.
func NewLocker(store *Store) *Locker {
	return &Locker{db: store.DB()}
}

// Lock ждёт advisory-блокировку полиса или отмены контекста.
func (l *Locker) Lock(ctx context.Context, policyID string) (func(), error) {
	if strings.TrimSpace(policyID) == "" {
		return nil, domain.ErrPolicyIDRequired
	}

	conn, err := acquireSessionLock(ctx, l.db, `SELECT pg_advisory_lock($1, hashtext($2))`, policyLockNamespace, policyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrLockUnavailable, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseSessionLock(conn, `SELECT pg_advisory_unlock($1, hashtext($2))`, policyLockNamespace, policyID)
		})
	}, nil
}

// acquireSessionLock берёт выделенное подключение и выполняет на нём запрос блокировки.
// При ошибке подключение возвращается в пул.
func acquireSessionLock(ctx context.Context, db *sql.DB, query string, args ...any) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire db connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// releaseSessionLock снимает блокировку и закрывает подключение.
// Если unlock не прошёл, подключение выбрасывается из пула и сессия завершается вместе с ним.
func releaseSessionLock(conn *sql.Conn, query string, args ...any) {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	_ = conn.Close()
}

var _ domain.PolicyLocker = (*Locker)(nil)
