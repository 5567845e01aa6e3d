package service

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/internal/models"
	appErrors "github.com/skoolo/messaging-api/pkg/errors"
	"github.com/skoolo/messaging-api/pkg/storage"
)

func exportFixture(t *testing.T) (*stubConversationStore, *stubMessageStore, *stubAudit, *ExportService) {
	t.Helper()
	convs := &stubConversationStore{
		byID: map[string]*models.Conversation{
			"conv-1": {ID: "conv-1", Kind: models.ConversationDirect, Name: "Amina & Serge"},
		},
		participants: map[string][]string{"conv-1": {"t1", "p1"}},
	}
	msgs := &stubMessageStore{}
	users := &stubUserReader{users: map[string]*models.User{
		"t1": {ID: "t1", FirstName: "Amina", LastName: "Diallo", Role: models.RoleTeacher, Active: true},
		"p1": {ID: "p1", FirstName: "Serge", LastName: "Kouame", Role: models.RoleParent, Active: true},
	}}
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	audit := &stubAudit{}
	svc := NewExportService(convs, msgs, users, store, signer, audit,
		ExportConfig{APIPrefix: "/api/v1", ResultTTL: time.Hour}, nil, zap.NewNop())
	return convs, msgs, audit, svc
}

func TestExportTranscriptCSV(t *testing.T) {
	_, msgs, audit, svc := exportFixture(t)
	hello := "bonjour"
	attachmentRef := "m2.pdf"
	receiver := "p1"
	msgs.byConv = []models.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "t1", ReceiverID: &receiver, Content: &hello, Type: models.MessageText, SentAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), Read: true, Seq: 1},
		{ID: "m2", ConversationID: "conv-1", SenderID: "p1", AttachmentRef: &attachmentRef, Type: models.MessageFile, SentAt: time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC), Seq: 2},
	}

	res, err := svc.Export(context.Background(), "admin-1", dto.TranscriptExportRequest{
		ConversationID: "conv-1",
		Format:         "csv",
	})
	require.NoError(t, err)

	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Contains(t, res.DownloadURL, "/api/v1/chat/exports/")
	assert.True(t, res.ExpiresAt.After(time.Now()))

	token := res.DownloadURL[strings.LastIndex(res.DownloadURL, "/")+1:]
	convID, relPath, _, err := svc.ParseToken(token, false)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", convID)

	file, err := svc.Open(relPath)
	require.NoError(t, err)
	defer file.Close() //nolint:errcheck
	data, err := io.ReadAll(file)
	require.NoError(t, err)

	body := string(data)
	assert.Contains(t, body, "Sent At,Sender,Receiver,Type,Content,Read")
	assert.Contains(t, body, "Amina Diallo")
	assert.Contains(t, body, "bonjour")
	assert.Contains(t, body, "[attachment] m2.pdf")

	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionTranscriptExport, audit.logs[0].Action)
}

func TestExportTranscriptPDF(t *testing.T) {
	_, msgs, _, svc := exportFixture(t)
	hello := "salut"
	msgs.byConv = []models.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "t1", Content: &hello, Type: models.MessageText, SentAt: time.Now().UTC(), Seq: 1},
	}

	res, err := svc.Export(context.Background(), "admin-1", dto.TranscriptExportRequest{
		ConversationID: "conv-1",
		Format:         "pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "pdf", res.Format)

	token := res.DownloadURL[strings.LastIndex(res.DownloadURL, "/")+1:]
	_, relPath, _, err := svc.ParseToken(token, false)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(relPath, ".pdf"))
}

func TestExportUnknownConversation(t *testing.T) {
	_, _, _, svc := exportFixture(t)

	_, err := svc.Export(context.Background(), "admin-1", dto.TranscriptExportRequest{
		ConversationID: "missing",
		Format:         "csv",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	_, _, _, svc := exportFixture(t)

	_, err := svc.Export(context.Background(), "admin-1", dto.TranscriptExportRequest{
		ConversationID: "conv-1",
		Format:         "xlsx",
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
