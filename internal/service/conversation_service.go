package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/internal/models"
	"github.com/skoolo/messaging-api/internal/repository"
	appErrors "github.com/skoolo/messaging-api/pkg/errors"
)

const conversationResource = "conversation"

type conversationStore interface {
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	FindDirectByPair(ctx context.Context, userA, userB string) (*models.Conversation, error)
	CreateDirect(ctx context.Context, conv *models.Conversation, userA, userB string) error
	CreateGroup(ctx context.Context, conv *models.Conversation, participantIDs []string) error
	ListByUser(ctx context.Context, userID string) ([]models.Conversation, error)
	ParticipantIDs(ctx context.Context, conversationID string) ([]string, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

type conversationUserReader interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
	ListActive(ctx context.Context, role *models.UserRole) ([]models.User, error)
}

type conversationMessageReader interface {
	LastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	UnreadCount(ctx context.Context, conversationID, receiverID string) (int, error)
}

type eligibilityChecker interface {
	Eligible(ctx context.Context, a, b *models.User) (bool, error)
}

type homeroomReader interface {
	ListByTeacher(ctx context.Context, teacherID string) ([]models.TeacherAssignment, error)
	IsHomeroomTeacher(ctx context.Context, teacherID string) (bool, error)
}

type sectionStudentReader interface {
	ListStudentsBySections(ctx context.Context, sectionIDs []string) ([]models.Student, error)
}

type presenceReader interface {
	OnlineSet(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type listingCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// ConversationService owns conversation identity: idempotent direct
// find-or-create, explicit group creation, per-user listings with derived
// summaries, and the eligible-contact picker.
type ConversationService struct {
	repo        conversationStore
	users       conversationUserReader
	messages    conversationMessageReader
	eligibility eligibilityChecker
	assignments homeroomReader
	guardians   sectionStudentReader
	presence    presenceReader
	cache       listingCache
	cacheTTL    time.Duration
	audit       auditLogger
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewConversationService builds a ConversationService.
func NewConversationService(
	repo conversationStore,
	users conversationUserReader,
	messages conversationMessageReader,
	eligibility eligibilityChecker,
	assignments homeroomReader,
	guardians sectionStudentReader,
	presence presenceReader,
	cache listingCache,
	cacheTTL time.Duration,
	audit auditLogger,
	validate *validator.Validate,
	logger *zap.Logger,
) *ConversationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &ConversationService{
		repo:        repo,
		users:       users,
		messages:    messages,
		eligibility: eligibility,
		assignments: assignments,
		guardians:   guardians,
		presence:    presence,
		cache:       cache,
		cacheTTL:    cacheTTL,
		audit:       audit,
		validator:   validate,
		logger:      logger,
	}
}

// FindOrCreateDirect returns the DIRECT conversation between actor and the
// other user, creating it when absent. Concurrent callers converge on a
// single row: a unique violation on the pair key means another writer won,
// and the winning row is fetched instead.
func (s *ConversationService) FindOrCreateDirect(ctx context.Context, actorID, otherID string) (*dto.ConversationDetail, error) {
	if actorID == otherID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "cannot start a conversation with yourself")
	}

	actor, err := s.loadUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	other, err := s.loadUser(ctx, otherID)
	if err != nil {
		return nil, err
	}

	eligible, err := s.eligibility.Eligible(ctx, actor, other)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to evaluate eligibility")
	}
	if !eligible {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not permitted to contact this user")
	}

	conv, err := s.repo.FindDirectByPair(ctx, actorID, otherID)
	if err == nil {
		return s.detail(ctx, conv)
	}
	if err != sql.ErrNoRows {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up conversation")
	}

	conv = &models.Conversation{Name: directName(actor, other)}
	if err := s.repo.CreateDirect(ctx, conv, actorID, otherID); err != nil {
		if errors.Is(err, repository.ErrDuplicateDirect) {
			// Lost the creation race; the other writer's row is authoritative.
			existing, fetchErr := s.repo.FindDirectByPair(ctx, actorID, otherID)
			if fetchErr != nil {
				return nil, appErrors.Wrap(fetchErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve conversation race")
			}
			return s.detail(ctx, existing)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create conversation")
	}

	s.emitAudit(ctx, actorID, models.AuditActionConversationCreate, conv.ID, map[string]interface{}{
		"kind":         conv.Kind,
		"participants": []string{actorID, otherID},
	})
	return s.detail(ctx, conv)
}

// CreateGroup persists a GROUP conversation. Pairwise eligibility is not
// evaluated here: group creation is an explicit administrative action.
func (s *ConversationService) CreateGroup(ctx context.Context, actorID string, req dto.CreateGroupRequest) (*dto.ConversationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group payload")
	}

	participantIDs := dedupe(append(req.ParticipantIDs, actorID))
	if len(participantIDs) < 2 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a group needs at least two distinct participants")
	}

	users, err := s.users.FindByIDs(ctx, participantIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load participants")
	}
	if len(users) != len(participantIDs) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "one or more participants not found")
	}

	conv := &models.Conversation{Name: req.Name}
	if err := s.repo.CreateGroup(ctx, conv, participantIDs); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create group")
	}

	s.emitAudit(ctx, actorID, models.AuditActionGroupCreate, conv.ID, map[string]interface{}{
		"name":         req.Name,
		"participants": participantIDs,
	})
	return s.detail(ctx, conv)
}

// Get returns a conversation with its participants. The actor must be a
// participant.
func (s *ConversationService) Get(ctx context.Context, conversationID, actorID string) (*dto.ConversationDetail, error) {
	conv, err := s.authorizedConversation(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, conv)
}

// CanSubscribe reports whether the user may join the realtime topic of the
// conversation.
func (s *ConversationService) CanSubscribe(ctx context.Context, conversationID, userID string) error {
	_, err := s.authorizedConversation(ctx, conversationID, userID)
	return err
}

// ListForUser returns the conversations of a user with summaries derived
// against the message store. Summaries are recomputed on every call.
func (s *ConversationService) ListForUser(ctx context.Context, userID string) ([]dto.ConversationSummary, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return nil, err
	}

	conversations, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list conversations")
	}

	summaries := make([]dto.ConversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		summary, err := s.summarize(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// ListEligibleContacts returns the users the given user may start a chat
// with. For teachers the listing also includes parents of students in their
// taught sections, making this a superset of the strict pairwise relation.
// The identity rows may be served from a short-lived cache; this only speeds
// up the picker display. Conversation creation always re-runs the
// eligibility engine, and presence plus homeroom flags are recomputed on
// every call.
func (s *ConversationService) ListEligibleContacts(ctx context.Context, userID string) ([]dto.ChatUser, bool, error) {
	actor, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	if s.cache != nil {
		var cached []models.User
		if err := s.cache.Get(ctx, contactCacheKey(userID), &cached); err == nil {
			contacts, err := s.toChatUsers(ctx, cached)
			return contacts, true, err
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("contact cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	candidates, err := s.users.ListActive(ctx, nil)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}

	allowed := make([]models.User, 0)
	seen := make(map[string]struct{})
	for i := range candidates {
		candidate := candidates[i]
		if candidate.ID == actor.ID {
			continue
		}
		ok, err := s.eligibility.Eligible(ctx, actor, &candidate)
		if err != nil {
			return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to evaluate eligibility")
		}
		if ok {
			allowed = append(allowed, candidate)
			seen[candidate.ID] = struct{}{}
		}
	}

	if actor.Role == models.RoleTeacher {
		discoverable, err := s.discoverableParents(ctx, actor.ID)
		if err != nil {
			return nil, false, err
		}
		for _, parent := range discoverable {
			if _, dup := seen[parent.ID]; dup || parent.ID == actor.ID {
				continue
			}
			allowed = append(allowed, parent)
			seen[parent.ID] = struct{}{}
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, contactCacheKey(userID), allowed, s.cacheTTL); err != nil {
			s.logger.Warn("contact cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	contacts, err := s.toChatUsers(ctx, allowed)
	return contacts, false, err
}

func contactCacheKey(userID string) string {
	return "chat:contacts:" + userID
}

// discoverableParents finds parents of students placed in the teacher's
// taught sections, regardless of whether the strict pairwise rule already
// holds for them.
func (s *ConversationService) discoverableParents(ctx context.Context, teacherID string) ([]models.User, error) {
	assignments, err := s.assignments.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}
	if len(assignments) == 0 {
		return nil, nil
	}
	sectionIDs := make([]string, 0, len(assignments))
	seen := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		if _, ok := seen[a.SectionID]; ok {
			continue
		}
		seen[a.SectionID] = struct{}{}
		sectionIDs = append(sectionIDs, a.SectionID)
	}

	students, err := s.guardians.ListStudentsBySections(ctx, sectionIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section students")
	}

	parentIDs := make([]string, 0, len(students))
	seenParents := make(map[string]struct{}, len(students))
	for _, student := range students {
		if student.ParentID == nil {
			continue
		}
		if _, ok := seenParents[*student.ParentID]; ok {
			continue
		}
		seenParents[*student.ParentID] = struct{}{}
		parentIDs = append(parentIDs, *student.ParentID)
	}

	parents, err := s.users.FindByIDs(ctx, parentIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load parents")
	}
	return parents, nil
}

func (s *ConversationService) authorizedConversation(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.repo.GetByID(ctx, conversationID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "conversation not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load conversation")
	}
	member, err := s.repo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to verify participation")
	}
	if !member {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not a participant of this conversation")
	}
	return conv, nil
}

func (s *ConversationService) summarize(ctx context.Context, conv models.Conversation, viewerID string) (dto.ConversationSummary, error) {
	summary := dto.ConversationSummary{
		ID:        conv.ID,
		Kind:      conv.Kind,
		Name:      conv.Name,
		CreatedAt: conv.CreatedAt,
	}

	if conv.Kind == models.ConversationDirect {
		participantIDs, err := s.repo.ParticipantIDs(ctx, conv.ID)
		if err != nil {
			return summary, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load participants")
		}
		for _, id := range participantIDs {
			if id == viewerID {
				continue
			}
			other, err := s.users.FindByID(ctx, id)
			if err != nil && err != sql.ErrNoRows {
				return summary, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load participant")
			}
			if other != nil {
				chatUsers, err := s.toChatUsers(ctx, []models.User{*other})
				if err != nil {
					return summary, err
				}
				summary.OtherUser = &chatUsers[0]
				summary.Name = other.FullName()
			}
			break
		}
	}

	last, err := s.messages.LastMessage(ctx, conv.ID)
	if err != nil && err != sql.ErrNoRows {
		return summary, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load last message")
	}
	if last != nil {
		view := messageView(last)
		summary.LastMessage = &view
	}

	unread, err := s.messages.UnreadCount(ctx, conv.ID, viewerID)
	if err != nil {
		return summary, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count unread messages")
	}
	summary.UnreadCount = unread

	return summary, nil
}

func (s *ConversationService) detail(ctx context.Context, conv *models.Conversation) (*dto.ConversationDetail, error) {
	participantIDs, err := s.repo.ParticipantIDs(ctx, conv.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load participants")
	}
	users, err := s.users.FindByIDs(ctx, participantIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load participants")
	}
	chatUsers, err := s.toChatUsers(ctx, users)
	if err != nil {
		return nil, err
	}
	return &dto.ConversationDetail{
		ID:           conv.ID,
		Kind:         conv.Kind,
		Name:         conv.Name,
		Participants: chatUsers,
		CreatedAt:    conv.CreatedAt,
	}, nil
}

// toChatUsers enriches users with homeroom classification and presence. The
// homeroom flag is recomputed from the sections table on demand.
func (s *ConversationService) toChatUsers(ctx context.Context, users []models.User) ([]dto.ChatUser, error) {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}

	online := map[string]bool{}
	if s.presence != nil {
		var err error
		online, err = s.presence.OnlineSet(ctx, ids)
		if err != nil {
			s.logger.Warn("presence lookup failed", zap.Error(err))
			online = map[string]bool{}
		}
	}

	result := make([]dto.ChatUser, 0, len(users))
	for _, u := range users {
		isHomeroom := false
		if u.Role == models.RoleTeacher {
			flag, err := s.assignments.IsHomeroomTeacher(ctx, u.ID)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to classify teacher")
			}
			isHomeroom = flag
		}
		result = append(result, dto.ChatUser{
			ID:             u.ID,
			FirstName:      u.FirstName,
			LastName:       u.LastName,
			Role:           u.Role,
			IsClassTeacher: isHomeroom,
			Online:         online[u.ID],
			AvatarURL:      u.AvatarURL,
		})
	}
	return result, nil
}

func (s *ConversationService) loadUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

func (s *ConversationService) emitAudit(ctx context.Context, actorID, action, resourceID string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	newValues, _ := json.Marshal(payload)
	log := &models.AuditLog{
		UserID:     &actorID,
		Action:     action,
		Resource:   conversationResource,
		ResourceID: &resourceID,
		NewValues:  newValues,
		IPAddress:  "system",
		UserAgent:  "conversation-service",
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to record conversation audit", zap.Error(err))
	}
}

// directName derives a deterministic display name for a DIRECT conversation
// from both first names, ordered by user id so either caller produces the
// same name.
func directName(a, b *models.User) string {
	first, second := a, b
	if first.ID > second.ID {
		first, second = second, first
	}
	return fmt.Sprintf("%s & %s", first.FirstName, second.FirstName)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}
