package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/internal/models"
	appErrors "github.com/skoolo/messaging-api/pkg/errors"
	"github.com/skoolo/messaging-api/pkg/jobs"
)

// JobTypeBroadcast identifies queued fan-out work.
const JobTypeBroadcast = "chat_broadcast"

type messageStore interface {
	Create(ctx context.Context, msg *models.Message) error
	ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error)
	GetByID(ctx context.Context, id string) (*models.Message, error)
	UnreadCount(ctx context.Context, conversationID, receiverID string) (int, error)
	LastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	MarkRead(ctx context.Context, messageID, receiverID string) error
}

type messageConversationReader interface {
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type messageUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type attachmentStore interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Delete(filename string) error
}

type attachmentSigner interface {
	Generate(id, relPath string) (string, time.Time, error)
}

type broadcastQueue interface {
	Enqueue(job jobs.Job) error
}

type chatMetrics interface {
	MessageSent(messageType string)
}

// MessageService owns message persistence and the read-side feed. A send is
// a two step pipeline: persist first, then hand the enriched payload to the
// broadcast queue. The second step never fails the first.
type MessageService struct {
	repo          messageStore
	conversations messageConversationReader
	users         messageUserReader
	attachments   attachmentStore
	signer        attachmentSigner
	broadcasts    broadcastQueue
	metrics       chatMetrics
	validator     *validator.Validate
	logger        *zap.Logger
}

// NewMessageService builds a MessageService.
func NewMessageService(
	repo messageStore,
	conversations messageConversationReader,
	users messageUserReader,
	attachments attachmentStore,
	signer attachmentSigner,
	broadcasts broadcastQueue,
	metrics chatMetrics,
	validate *validator.Validate,
	logger *zap.Logger,
) *MessageService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		repo:          repo,
		conversations: conversations,
		users:         users,
		attachments:   attachments,
		signer:        signer,
		broadcasts:    broadcasts,
		metrics:       metrics,
		validator:     validate,
		logger:        logger,
	}
}

// Send validates, persists and fans out a new message. When an attachment is
// supplied it wins over text content and forces the FILE type. The stored
// message is the source of truth once the insert commits; broadcast problems
// are logged and swallowed.
func (s *MessageService) Send(ctx context.Context, senderID string, req dto.SendMessageRequest, attachment *multipart.FileHeader) (*dto.MessageView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid message payload")
	}

	if _, err := s.conversations.GetByID(ctx, req.ConversationID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "conversation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load conversation")
	}

	sender, err := s.loadUser(ctx, senderID, "sender")
	if err != nil {
		return nil, err
	}

	member, err := s.conversations.IsParticipant(ctx, req.ConversationID, senderID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify participation")
	}
	if !member {
		return nil, appErrors.Clone(appErrors.ErrValidation, "sender is not a participant of this conversation")
	}

	var receiver *models.User
	if req.ReceiverID != nil && *req.ReceiverID != "" {
		receiver, err = s.loadUser(ctx, *req.ReceiverID, "receiver")
		if err != nil {
			return nil, err
		}
	}

	content := strings.TrimSpace(req.Content)
	if content == "" && attachment == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "message needs content or an attachment")
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		SentAt:         time.Now().UTC(),
	}
	if receiver != nil {
		msg.ReceiverID = &receiver.ID
	}

	if attachment != nil {
		ref, err := s.storeAttachment(msg.ID, attachment)
		if err != nil {
			return nil, err
		}
		msg.AttachmentRef = &ref
		msg.Type = models.MessageFile
	} else {
		msg.Content = &content
		msg.Type = models.MessageText
		if req.Type == models.MessageFile {
			return nil, appErrors.Clone(appErrors.ErrValidation, "file messages need an attachment")
		}
	}

	if err := s.repo.Create(ctx, msg); err != nil {
		if msg.AttachmentRef != nil {
			// The blob has no message row pointing at it; remove it so a
			// retried send does not pile up orphans.
			if delErr := s.attachments.Delete(*msg.AttachmentRef); delErr != nil {
				s.logger.Warn("failed to remove orphaned attachment",
					zap.String("attachment_ref", *msg.AttachmentRef),
					zap.Error(delErr))
			}
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store message")
	}

	if s.metrics != nil {
		s.metrics.MessageSent(string(msg.Type))
	}

	s.dispatchBroadcast(msg, sender, receiver)

	view := s.view(msg)
	return &view, nil
}

// History returns the conversation feed for a participant, oldest first.
func (s *MessageService) History(ctx context.Context, conversationID, viewerID string) ([]dto.MessageView, error) {
	if err := s.requireParticipant(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}

	messages, err := s.repo.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load messages")
	}

	views := make([]dto.MessageView, 0, len(messages))
	for i := range messages {
		views = append(views, s.view(&messages[i]))
	}
	return views, nil
}

// UnreadCount counts unread messages addressed to the viewer.
func (s *MessageService) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	if err := s.requireParticipant(ctx, conversationID, viewerID); err != nil {
		return 0, err
	}
	count, err := s.repo.UnreadCount(ctx, conversationID, viewerID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unread messages")
	}
	return count, nil
}

// MarkRead flips the read flag of a message addressed to the viewer.
func (s *MessageService) MarkRead(ctx context.Context, messageID, viewerID string) error {
	if err := s.repo.MarkRead(ctx, messageID, viewerID); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "no unread message addressed to you with this id")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark message read")
	}
	return nil
}

func (s *MessageService) requireParticipant(ctx context.Context, conversationID, userID string) error {
	if _, err := s.conversations.GetByID(ctx, conversationID); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "conversation not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load conversation")
	}
	member, err := s.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify participation")
	}
	if !member {
		return appErrors.Clone(appErrors.ErrForbidden, "not a participant of this conversation")
	}
	return nil
}

// storeAttachment streams the upload into the blob store. A storage failure
// aborts the whole send before anything is persisted.
func (s *MessageService) storeAttachment(messageID string, attachment *multipart.FileHeader) (string, error) {
	if s.attachments == nil {
		return "", appErrors.Clone(appErrors.ErrStorage, "attachment storage not configured")
	}
	file, err := attachment.Open()
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to read attachment")
	}
	defer file.Close() //nolint:errcheck

	ref := fmt.Sprintf("%s%s", messageID, filepath.Ext(attachment.Filename))
	if _, err := s.attachments.SaveStream(ref, file); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to store attachment")
	}
	return ref, nil
}

// dispatchBroadcast enqueues the enriched payload for fan-out. Failures are
// logged and dropped: the persisted message is already authoritative and
// clients recover by polling history.
func (s *MessageService) dispatchBroadcast(msg *models.Message, sender, receiver *models.User) {
	if s.broadcasts == nil {
		return
	}
	payload := dto.BroadcastPayload{
		Message: s.view(msg),
		Sender:  dto.UserBrief{ID: sender.ID, FirstName: sender.FirstName, LastName: sender.LastName},
	}
	if receiver != nil {
		payload.Receiver = &dto.UserBrief{ID: receiver.ID, FirstName: receiver.FirstName, LastName: receiver.LastName}
	}

	job := jobs.Job{
		ID:      msg.ID,
		Type:    JobTypeBroadcast,
		Payload: payload,
	}
	if err := s.broadcasts.Enqueue(job); err != nil {
		s.logger.Warn("broadcast enqueue failed",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

func (s *MessageService) view(msg *models.Message) dto.MessageView {
	view := messageView(msg)
	if msg.AttachmentRef != nil && s.signer != nil {
		token, _, err := s.signer.Generate(msg.ID, *msg.AttachmentRef)
		if err != nil {
			s.logger.Warn("failed to sign attachment url", zap.String("message_id", msg.ID), zap.Error(err))
		} else {
			url := "/attachments/" + token
			view.AttachmentURL = &url
		}
	}
	return view
}

func (s *MessageService) loadUser(ctx context.Context, id, role string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, role+" not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load "+role)
	}
	return user, nil
}

// messageView maps a stored message onto its API representation.
func messageView(msg *models.Message) dto.MessageView {
	return dto.MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		AttachmentRef:  msg.AttachmentRef,
		Type:           msg.Type,
		SentAt:         msg.SentAt,
		Read:           msg.Read,
	}
}
