package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/internal/models"
	appErrors "github.com/skoolo/messaging-api/pkg/errors"
	"github.com/skoolo/messaging-api/pkg/export"
	"github.com/skoolo/messaging-api/pkg/storage"
)

type transcriptConversationReader interface {
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
}

type transcriptMessageReader interface {
	ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error)
}

type transcriptUserReader interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes transcript export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportService renders conversation transcripts into downloadable CSV or
// PDF files served through signed one-off URLs.
type ExportService struct {
	conversations transcriptConversationReader
	messages      transcriptMessageReader
	users         transcriptUserReader
	storage       fileStorage
	csv           csvRenderer
	pdf           pdfRenderer
	signer        *storage.SignedURLSigner
	audit         auditLogger
	validator     *validator.Validate
	logger        *zap.Logger
	cfg           ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(
	conversations transcriptConversationReader,
	messages transcriptMessageReader,
	users transcriptUserReader,
	fileStore fileStorage,
	signer *storage.SignedURLSigner,
	audit auditLogger,
	cfg ExportConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	return &ExportService{
		conversations: conversations,
		messages:      messages,
		users:         users,
		storage:       fileStore,
		csv:           export.NewCSVExporter(),
		pdf:           export.NewPDFExporter(),
		signer:        signer,
		audit:         audit,
		validator:     validate,
		logger:        logger,
		cfg:           cfg,
	}
}

// Export renders the full transcript of a conversation and stores the
// resulting file, returning a signed download URL.
func (s *ExportService) Export(ctx context.Context, actorID string, req dto.TranscriptExportRequest) (*dto.TranscriptExportResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transcript export payload")
	}

	conv, err := s.conversations.GetByID(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "conversation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load conversation")
	}

	history, err := s.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load messages")
	}

	names, err := s.participantNames(ctx, conv.ID, history)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve participants")
	}

	dataset := buildTranscriptDataset(history, names)
	title := fmt.Sprintf("Conversation Transcript %s", conv.ID)
	if conv.Name != "" {
		title = fmt.Sprintf("Conversation Transcript: %s", conv.Name)
	}

	var payload []byte
	switch req.Format {
	case "csv":
		payload, err = s.csv.Render(dataset)
	case "pdf":
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", req.Format)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render transcript")
	}

	filename := s.buildFilename(conv.ID, req.Format)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to store transcript")
	}

	token, expiresAt, err := s.signer.Generate(conv.ID, relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download token")
	}

	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	s.emitExportAudit(ctx, actorID, conv.ID, req.Format, len(history))

	return &dto.TranscriptExportResponse{
		ConversationID: conv.ID,
		Format:         req.Format,
		DownloadURL:    fmt.Sprintf("%s/chat/exports/%s", prefix, token),
		ExpiresAt:      expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (conversationID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored transcript file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored transcript file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

// participantNames resolves display names for everyone appearing in the
// transcript, covering senders no longer listed as participants.
func (s *ExportService) participantNames(ctx context.Context, conversationID string, history []models.Message) (map[string]string, error) {
	ids, err := s.conversations.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, msg := range history {
		if _, ok := seen[msg.SenderID]; !ok {
			ids = append(ids, msg.SenderID)
			seen[msg.SenderID] = struct{}{}
		}
		if msg.ReceiverID != nil {
			if _, ok := seen[*msg.ReceiverID]; !ok {
				ids = append(ids, *msg.ReceiverID)
				seen[*msg.ReceiverID] = struct{}{}
			}
		}
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}

	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for i := range users {
		names[users[i].ID] = users[i].FullName()
	}
	return names, nil
}

func (s *ExportService) buildFilename(conversationID, format string) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return fmt.Sprintf("transcript_%s_%s.%s", sanitizeFilename(conversationID), timestamp, format)
}

func (s *ExportService) emitExportAudit(ctx context.Context, actorID, conversationID, format string, messageCount int) {
	if s.audit == nil {
		return
	}
	newValues, _ := json.Marshal(map[string]interface{}{
		"format":   format,
		"messages": messageCount,
	})
	log := &models.AuditLog{
		UserID:     &actorID,
		Action:     models.AuditActionTranscriptExport,
		Resource:   conversationResource,
		ResourceID: &conversationID,
		NewValues:  newValues,
		IPAddress:  "system",
		UserAgent:  "export-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record transcript export audit", zap.Error(err))
	}
}

func buildTranscriptDataset(history []models.Message, names map[string]string) export.Dataset {
	rows := make([]map[string]string, 0, len(history))
	for _, msg := range history {
		content := ""
		if msg.Content != nil {
			content = *msg.Content
		}
		if msg.AttachmentRef != nil {
			content = fmt.Sprintf("[attachment] %s", *msg.AttachmentRef)
		}
		receiver := ""
		if msg.ReceiverID != nil {
			receiver = displayName(names, *msg.ReceiverID)
		}
		read := "no"
		if msg.Read {
			read = "yes"
		}
		rows = append(rows, map[string]string{
			"Sent At":  msg.SentAt.UTC().Format(time.RFC3339),
			"Sender":   displayName(names, msg.SenderID),
			"Receiver": receiver,
			"Type":     string(msg.Type),
			"Content":  content,
			"Read":     read,
		})
	}
	return export.Dataset{
		Headers: []string{"Sent At", "Sender", "Receiver", "Type", "Content", "Read"},
		Rows:    rows,
		// Content carries the message body and gets most of the page.
		Weights: []float64{1.5, 1, 1, 0.6, 4, 0.5},
	}
}

func displayName(names map[string]string, id string) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return id
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
