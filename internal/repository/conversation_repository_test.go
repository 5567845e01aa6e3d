package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoolo/messaging-api/internal/models"
)

func newConversationMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func conversationRow(id string, kind models.ConversationKind, directKey *string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "kind", "name", "direct_key", "created_at"}).
		AddRow(id, string(kind), "Chat", directKey, time.Now())
}

func TestConversationRepositoryGetByID(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	key := models.DirectKey("p1", "t1")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, kind, name, direct_key, created_at FROM conversations WHERE id = $1`)).
		WithArgs("conv-1").
		WillReturnRows(conversationRow("conv-1", models.ConversationDirect, &key))

	conv, err := repo.GetByID(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDirect, conv.Kind)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, kind, name, direct_key, created_at FROM conversations WHERE id = $1`)).
		WithArgs("conv-missing").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetByID(context.Background(), "conv-missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepositoryFindDirectByPair(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	key := models.DirectKey("t1", "p1")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, kind, name, direct_key, created_at FROM conversations WHERE kind = $1 AND direct_key = $2`)).
		WithArgs(models.ConversationDirect, key).
		WillReturnRows(conversationRow("conv-1", models.ConversationDirect, &key))

	// Argument order must not matter: the key is canonical.
	conv, err := repo.FindDirectByPair(context.Background(), "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", conv.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepositoryCreateDirect(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversation_participants").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "t1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversation_participants").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "p1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	conv := &models.Conversation{Name: "Serge & Amina"}
	err := repo.CreateDirect(context.Background(), conv, "t1", "p1")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, models.ConversationDirect, conv.Kind)
	require.NotNil(t, conv.DirectKey)
	assert.Equal(t, models.DirectKey("t1", "p1"), *conv.DirectKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepositoryCreateDirectLosesRace(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "conversations_direct_key_key"})
	mock.ExpectRollback()

	err := repo.CreateDirect(context.Background(), &models.Conversation{Name: "Serge & Amina"}, "t1", "p1")
	assert.ErrorIs(t, err, ErrDuplicateDirect)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepositoryCreateDirectRollsBackOnParticipantFailure(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversation_participants").
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := repo.CreateDirect(context.Background(), &models.Conversation{Name: "Serge & Amina"}, "t1", "p1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateDirect)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepositoryCreateGroup(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	for _, userID := range []string{"t1", "p1", "p2"} {
		mock.ExpectExec("INSERT INTO conversation_participants").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), userID, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	conv := &models.Conversation{Name: "Section 6B"}
	err := repo.CreateGroup(context.Background(), conv, []string{"t1", "p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationGroup, conv.Kind)
	assert.Nil(t, conv.DirectKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepositoryListByUser(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	rows := sqlmock.NewRows([]string{"id", "kind", "name", "direct_key", "created_at"}).
		AddRow("conv-2", string(models.ConversationGroup), "Section 6B", nil, time.Now()).
		AddRow("conv-1", string(models.ConversationDirect), "Serge & Amina", "p1:t1", time.Now().Add(-time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT c.id, c.kind, c.name, c.direct_key, c.created_at
FROM conversations c
JOIN conversation_participants cp ON cp.conversation_id = c.id
WHERE cp.user_id = $1
ORDER BY c.created_at DESC`)).
		WithArgs("t1").
		WillReturnRows(rows)

	conversations, err := repo.ListByUser(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, conversations, 2)
	assert.Equal(t, "conv-2", conversations[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConversationRepositoryParticipants(t *testing.T) {
	db, mock, cleanup := newConversationMock(t)
	defer cleanup()
	repo := NewConversationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at ASC, user_id ASC`)).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("p1").AddRow("t1"))

	ids, err := repo.ParticipantIDs(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "t1"}, ids)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2 LIMIT 1`)).
		WithArgs("conv-1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	member, err := repo.IsParticipant(context.Background(), "conv-1", "t1")
	require.NoError(t, err)
	assert.True(t, member)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2 LIMIT 1`)).
		WithArgs("conv-1", "stranger").
		WillReturnError(sql.ErrNoRows)

	member, err = repo.IsParticipant(context.Background(), "conv-1", "stranger")
	require.NoError(t, err)
	assert.False(t, member)
	assert.NoError(t, mock.ExpectationsWereMet())
}
