package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/relay-bot/internal/models"
)

//go:embed migrations.sql
var migrations embed.FS

// dialect captures the few places where PostgreSQL and SQLite disagree.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// suffix used to lock the user row inside a transaction
	forUpdate string
	// isUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY index
	isUniqueViolation func(error) bool
}

// sqlStore implements Storage on top of database/sql. Every mutating call runs its
// invariant checks and writes inside one transaction; unique indexes back the
// checks when two transactions race.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

func (s *sqlStore) initializeSchema(ctx context.Context) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// lockUser makes sure the user row exists and locks it for the rest of tx.
func (s *sqlStore) lockUser(ctx context.Context, tx *sql.Tx, userID int64) (*models.ChatRef, error) {
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO users_config (user_id, updated_at) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`),
		userID, time.Now().UnixNano(),
	); err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}

	var (
		baseID   sql.NullInt64
		baseName sql.NullString
	)
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT base_chat_id, base_name FROM users_config WHERE user_id = ?`+s.dialect.forUpdate),
		userID,
	).Scan(&baseID, &baseName)
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	if !baseID.Valid {
		return nil, nil
	}
	return &models.ChatRef{ID: baseID.Int64, Name: baseName.String}, nil
}

func (s *sqlStore) SetBaseGroup(ctx context.Context, userID int64, chat models.ChatRef) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockUser(ctx, tx, userID); err != nil {
			return err
		}
		return s.setBaseTx(ctx, tx, userID, chat)
	})
	if err != nil {
		return fmt.Errorf("set base group %d: %w", chat.ID, err)
	}
	return nil
}

// setBaseTx expects the user row to be locked already.
func (s *sqlStore) setBaseTx(ctx context.Context, tx *sql.Tx, userID int64, chat models.ChatRef) error {
	var owner int64
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT user_id FROM users_config WHERE base_chat_id = ? AND user_id <> ?`),
		chat.ID, userID,
	).Scan(&owner)
	switch {
	case err == nil:
		return models.ErrConflict
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	var one int
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM destinations WHERE user_id = ? AND dest_chat_id = ?`),
		userID, chat.ID,
	).Scan(&one)
	switch {
	case err == nil:
		return models.ErrSelfReference
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = tx.ExecContext(ctx,
		s.q(`UPDATE users_config SET base_chat_id = ?, base_name = ?, workflow_state = ?, updated_at = ? WHERE user_id = ?`),
		chat.ID, chat.Name, string(models.StateIdle), time.Now().UnixNano(), userID,
	)
	if err != nil && s.dialect.isUniqueViolation(err) {
		return models.ErrConflict
	}
	return err
}

func (s *sqlStore) ClearBaseGroup(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users_config SET base_chat_id = NULL, base_name = NULL, updated_at = ? WHERE user_id = ?`),
		time.Now().UnixNano(), userID,
	)
	if err != nil {
		return fmt.Errorf("clear base group: %w", err)
	}
	return nil
}

func (s *sqlStore) GetBaseGroup(ctx context.Context, userID int64) (*models.ChatRef, error) {
	var (
		baseID   sql.NullInt64
		baseName sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT base_chat_id, base_name FROM users_config WHERE user_id = ?`),
		userID,
	).Scan(&baseID, &baseName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get base group: %w", err)
	}
	if !baseID.Valid {
		return nil, nil
	}
	return &models.ChatRef{ID: baseID.Int64, Name: baseName.String}, nil
}

func (s *sqlStore) AddDestination(ctx context.Context, userID int64, chat models.ChatRef) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		base, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		return s.addDestinationTx(ctx, tx, userID, base, chat)
	})
	if err != nil {
		return fmt.Errorf("add destination %d: %w", chat.ID, err)
	}
	return nil
}

// addDestinationTx expects the user row to be locked already; base is what lockUser read.
func (s *sqlStore) addDestinationTx(ctx context.Context, tx *sql.Tx, userID int64, base *models.ChatRef, chat models.ChatRef) error {
	if base != nil && base.ID == chat.ID {
		return models.ErrSelfReference
	}

	var one int
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT 1 FROM destinations WHERE user_id = ? AND dest_chat_id = ?`),
		userID, chat.ID,
	).Scan(&one)
	switch {
	case err == nil:
		return models.ErrDuplicate
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if base != nil {
		var owner int64
		err = tx.QueryRowContext(ctx, s.q(edgeOwnerQuery+` AND d.user_id <> ?`), base.ID, chat.ID, userID).Scan(&owner)
		switch {
		case err == nil:
			return models.ErrEdgeConflict
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	now := time.Now().UnixNano()
	_, err = tx.ExecContext(ctx,
		s.q(`INSERT INTO destinations (user_id, dest_chat_id, dest_name, created_at) VALUES (?, ?, ?, ?)`),
		userID, chat.ID, chat.Name, now,
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return models.ErrDuplicate
		}
		return err
	}
	return s.setStateTx(ctx, tx, userID, models.StateIdle)
}

func (s *sqlStore) RemoveDestination(ctx context.Context, userID int64, chatID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM destinations WHERE user_id = ? AND dest_chat_id = ?`),
		userID, chatID,
	)
	if err != nil {
		return false, fmt.Errorf("remove destination %d: %w", chatID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

func (s *sqlStore) ListDestinations(ctx context.Context, userID int64) ([]models.Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT dest_chat_id, dest_name, created_at FROM destinations
		WHERE user_id = ?
		ORDER BY created_at, dest_chat_id`),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("error querying destinations: %w", err)
	}
	defer rows.Close()

	destinations := []models.Destination{}
	for rows.Next() {
		var (
			d       = models.Destination{UserID: userID}
			name    sql.NullString
			created int64
		)
		if err := rows.Scan(&d.Chat.ID, &name, &created); err != nil {
			return nil, fmt.Errorf("error scanning destination: %w", err)
		}
		d.Chat.Name = name.String
		d.CreatedAt = time.Unix(0, created)
		destinations = append(destinations, d)
	}
	return destinations, rows.Err()
}

func (s *sqlStore) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM destinations WHERE user_id = ?`), userID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, s.q(`DELETE FROM users_config WHERE user_id = ?`), userID)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		deleted = n > 0
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete user %d: %w", userID, err)
	}
	return deleted, nil
}

func (s *sqlStore) SetWorkflowState(ctx context.Context, userID int64, state models.WorkflowState) error {
	if !state.Valid() {
		return fmt.Errorf("set workflow state: invalid state %q", state)
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO users_config (user_id, workflow_state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET workflow_state = excluded.workflow_state, updated_at = excluded.updated_at`),
		userID, string(state), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set workflow state: %w", err)
	}
	return nil
}

func (s *sqlStore) GetWorkflowState(ctx context.Context, userID int64) (models.WorkflowState, error) {
	var state sql.NullString
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT workflow_state FROM users_config WHERE user_id = ?`),
		userID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StateUnset, nil
	}
	if err != nil {
		return models.StateUnset, fmt.Errorf("get workflow state: %w", err)
	}
	return models.WorkflowState(state.String), nil
}

func (s *sqlStore) setStateTx(ctx context.Context, tx *sql.Tx, userID int64, state models.WorkflowState) error {
	_, err := tx.ExecContext(ctx,
		s.q(`UPDATE users_config SET workflow_state = ?, updated_at = ? WHERE user_id = ?`),
		string(state), time.Now().UnixNano(), userID,
	)
	return err
}

func (s *sqlStore) CompareAndSetWorkflowState(ctx context.Context, userID int64, expected, next models.WorkflowState) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("set workflow state: invalid state %q", next)
	}
	result, err := s.db.ExecContext(ctx,
		s.q(`UPDATE users_config SET workflow_state = ?, updated_at = ?
		WHERE user_id = ? AND COALESCE(workflow_state, '') = ?`),
		string(next), time.Now().UnixNano(), userID, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("compare and set workflow state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error getting rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) AnswerBase(ctx context.Context, userID int64, chat models.ChatRef) error {
	err := s.answer(ctx, userID, models.StateAwaitingBase, func(tx *sql.Tx, _ *models.ChatRef) error {
		return s.setBaseTx(ctx, tx, userID, chat)
	})
	if err != nil {
		return fmt.Errorf("answer base group %d: %w", chat.ID, err)
	}
	return nil
}

func (s *sqlStore) AnswerDestination(ctx context.Context, userID int64, chat models.ChatRef) error {
	err := s.answer(ctx, userID, models.StateAwaitingDestination, func(tx *sql.Tx, base *models.ChatRef) error {
		if base == nil {
			return models.ErrNoBaseGroup
		}
		return s.addDestinationTx(ctx, tx, userID, base, chat)
	})
	if err != nil {
		return fmt.Errorf("answer destination %d: %w", chat.ID, err)
	}
	return nil
}

// answer runs write on the locked user row only if the user is in expected.
// A rejected write is rolled back to a savepoint and the question is closed in
// the same transaction. A unique violation aborts a PostgreSQL transaction, so
// the savepoint is what keeps the idle write possible.
func (s *sqlStore) answer(ctx context.Context, userID int64, expected models.WorkflowState, write func(tx *sql.Tx, base *models.ChatRef) error) error {
	var rejected error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		base, err := s.lockUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		var state sql.NullString
		err = tx.QueryRowContext(ctx,
			s.q(`SELECT workflow_state FROM users_config WHERE user_id = ?`),
			userID,
		).Scan(&state)
		if err != nil {
			return fmt.Errorf("read workflow state: %w", err)
		}
		if models.WorkflowState(state.String) != expected {
			return fmt.Errorf("%w: user is %q", models.ErrNotAwaiting, state.String)
		}

		if _, err := tx.ExecContext(ctx, `SAVEPOINT answer_write`); err != nil {
			return fmt.Errorf("savepoint: %w", err)
		}
		rejected = write(tx, base)
		if rejected == nil || !models.IsRejection(rejected) {
			return rejected
		}
		if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT answer_write`); err != nil {
			return fmt.Errorf("rollback to savepoint: %w", err)
		}
		return s.setStateTx(ctx, tx, userID, models.StateIdle)
	})
	if err != nil {
		return err
	}
	return rejected
}

const edgeOwnerQuery = `SELECT d.user_id FROM destinations d
	JOIN users_config u ON u.user_id = d.user_id
	WHERE u.base_chat_id = ? AND d.dest_chat_id = ?`

func (s *sqlStore) EdgeOwner(ctx context.Context, base, dest int64) (int64, bool, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx, s.q(edgeOwnerQuery), base, dest).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("edge owner: %w", err)
	}
	return owner, true, nil
}

func (s *sqlStore) AllRoutes(ctx context.Context) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT u.base_chat_id, d.dest_chat_id
		FROM users_config u
		JOIN destinations d ON d.user_id = u.user_id
		WHERE u.base_chat_id IS NOT NULL
		ORDER BY u.base_chat_id, d.created_at, d.dest_chat_id`)
	if err != nil {
		return nil, fmt.Errorf("error querying routes: %w", err)
	}
	defer rows.Close()

	routes := make(map[int64][]int64)
	for rows.Next() {
		var base, dest int64
		if err := rows.Scan(&base, &dest); err != nil {
			return nil, fmt.Errorf("error scanning route: %w", err)
		}
		routes[base] = append(routes[base], dest)
	}
	return routes, rows.Err()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
