package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/internal/models"
	"github.com/skoolo/messaging-api/internal/repository"
	appErrors "github.com/skoolo/messaging-api/pkg/errors"
)

type stubConversationStore struct {
	byID            map[string]*models.Conversation
	direct          *models.Conversation
	directAfterRace *models.Conversation
	participants    map[string][]string
	byUser          []models.Conversation
	createDirectErr error
	createGroupErr  error
	createdDirect   []*models.Conversation
	createdGroups   []*models.Conversation
	pairLookups     int
}

func (s *stubConversationStore) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if conv, ok := s.byID[id]; ok {
		return conv, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubConversationStore) FindDirectByPair(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	s.pairLookups++
	if s.direct != nil {
		return s.direct, nil
	}
	if s.pairLookups > 1 && s.directAfterRace != nil {
		return s.directAfterRace, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubConversationStore) CreateDirect(ctx context.Context, conv *models.Conversation, userA, userB string) error {
	if s.createDirectErr != nil {
		return s.createDirectErr
	}
	conv.ID = "conv-new"
	conv.Kind = models.ConversationDirect
	key := models.DirectKey(userA, userB)
	conv.DirectKey = &key
	s.createdDirect = append(s.createdDirect, conv)
	if s.participants == nil {
		s.participants = map[string][]string{}
	}
	s.participants[conv.ID] = []string{userA, userB}
	return nil
}

func (s *stubConversationStore) CreateGroup(ctx context.Context, conv *models.Conversation, participantIDs []string) error {
	if s.createGroupErr != nil {
		return s.createGroupErr
	}
	conv.ID = "group-new"
	conv.Kind = models.ConversationGroup
	s.createdGroups = append(s.createdGroups, conv)
	if s.participants == nil {
		s.participants = map[string][]string{}
	}
	s.participants[conv.ID] = participantIDs
	return nil
}

func (s *stubConversationStore) ListByUser(ctx context.Context, userID string) ([]models.Conversation, error) {
	return s.byUser, nil
}

func (s *stubConversationStore) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	return s.participants[conversationID], nil
}

func (s *stubConversationStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	for _, id := range s.participants[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

type stubUserReader struct {
	users map[string]*models.User
}

func (s *stubUserReader) FindByID(ctx context.Context, id string) (*models.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

func (s *stubUserReader) FindByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	out := make([]models.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (s *stubUserReader) ListActive(ctx context.Context, role *models.UserRole) ([]models.User, error) {
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		if !u.Active {
			continue
		}
		if role != nil && u.Role != *role {
			continue
		}
		out = append(out, *u)
	}
	return out, nil
}

type stubMessageReader struct {
	last   *models.Message
	unread int
}

func (s *stubMessageReader) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	if s.last == nil {
		return nil, sql.ErrNoRows
	}
	return s.last, nil
}

func (s *stubMessageReader) UnreadCount(ctx context.Context, conversationID, receiverID string) (int, error) {
	return s.unread, nil
}

type stubEligibility struct {
	allow bool
	err   error
	pairs [][2]string
}

func (s *stubEligibility) Eligible(ctx context.Context, a, b *models.User) (bool, error) {
	s.pairs = append(s.pairs, [2]string{a.ID, b.ID})
	return s.allow, s.err
}

type stubSectionStudents struct {
	students []models.Student
}

func (s *stubSectionStudents) ListStudentsBySections(ctx context.Context, sectionIDs []string) ([]models.Student, error) {
	return s.students, nil
}

type stubPresence struct {
	online map[string]bool
	err    error
}

func (s *stubPresence) OnlineSet(ctx context.Context, userIDs []string) (map[string]bool, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.online, nil
}

type stubAudit struct {
	logs []*models.AuditLog
}

func (s *stubAudit) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	s.logs = append(s.logs, log)
	return nil
}

func conversationFixture() (*stubConversationStore, *stubUserReader, *stubEligibility, *stubAudit, *ConversationService) {
	store := &stubConversationStore{participants: map[string][]string{}}
	users := &stubUserReader{users: map[string]*models.User{
		"t1": {ID: "t1", FirstName: "Amina", LastName: "Diallo", Role: models.RoleTeacher, Active: true},
		"p1": {ID: "p1", FirstName: "Serge", LastName: "Kouame", Role: models.RoleParent, Active: true},
		"p2": {ID: "p2", FirstName: "Fatou", LastName: "Ndiaye", Role: models.RoleParent, Active: true},
	}}
	eligibility := &stubEligibility{allow: true}
	audit := &stubAudit{}
	svc := NewConversationService(
		store, users, &stubMessageReader{},
		eligibility, &mockAssignmentReader{}, &stubSectionStudents{},
		&stubPresence{online: map[string]bool{}}, nil, 0, audit, nil, zap.NewNop(),
	)
	return store, users, eligibility, audit, svc
}

func TestFindOrCreateDirectCreates(t *testing.T) {
	store, _, _, audit, svc := conversationFixture()

	detail, err := svc.FindOrCreateDirect(context.Background(), "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDirect, detail.Kind)
	assert.Len(t, store.createdDirect, 1)
	assert.Len(t, detail.Participants, 2)
	assert.Len(t, audit.logs, 1)
	assert.Equal(t, "Serge & Amina", detail.Name)
}

func TestFindOrCreateDirectReturnsExisting(t *testing.T) {
	store, _, _, _, svc := conversationFixture()
	store.direct = &models.Conversation{ID: "conv-1", Kind: models.ConversationDirect, Name: "Amina & Serge"}
	store.participants["conv-1"] = []string{"t1", "p1"}

	detail, err := svc.FindOrCreateDirect(context.Background(), "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", detail.ID)
	assert.Empty(t, store.createdDirect)
}

func TestFindOrCreateDirectIsIdempotentForEitherCaller(t *testing.T) {
	store, _, _, _, svc := conversationFixture()
	store.direct = &models.Conversation{ID: "conv-1", Kind: models.ConversationDirect}
	store.participants["conv-1"] = []string{"t1", "p1"}

	first, err := svc.FindOrCreateDirect(context.Background(), "t1", "p1")
	require.NoError(t, err)
	second, err := svc.FindOrCreateDirect(context.Background(), "p1", "t1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestFindOrCreateDirectLosesRace(t *testing.T) {
	store, _, _, _, svc := conversationFixture()
	store.createDirectErr = repository.ErrDuplicateDirect
	store.directAfterRace = &models.Conversation{ID: "conv-winner", Kind: models.ConversationDirect}
	store.participants["conv-winner"] = []string{"t1", "p1"}

	detail, err := svc.FindOrCreateDirect(context.Background(), "t1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "conv-winner", detail.ID)
}

func TestFindOrCreateDirectRejectsSelf(t *testing.T) {
	_, _, _, _, svc := conversationFixture()

	_, err := svc.FindOrCreateDirect(context.Background(), "t1", "t1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestFindOrCreateDirectRejectsIneligiblePair(t *testing.T) {
	store, _, eligibility, _, svc := conversationFixture()
	eligibility.allow = false

	_, err := svc.FindOrCreateDirect(context.Background(), "t1", "p1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	assert.Empty(t, store.createdDirect)
}

func TestFindOrCreateDirectUnknownUser(t *testing.T) {
	_, _, _, _, svc := conversationFixture()

	_, err := svc.FindOrCreateDirect(context.Background(), "t1", "ghost")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCreateGroupIncludesActor(t *testing.T) {
	store, _, eligibility, _, svc := conversationFixture()

	detail, err := svc.CreateGroup(context.Background(), "t1", dto.CreateGroupRequest{
		Name:           "Section 3A Parents",
		ParticipantIDs: []string{"p1", "p2"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConversationGroup, detail.Kind)
	assert.ElementsMatch(t, []string{"t1", "p1", "p2"}, store.participants[detail.ID])
	// Group creation is explicit and does not consult the pairwise rule.
	assert.Empty(t, eligibility.pairs)
}

func TestCreateGroupDedupesParticipants(t *testing.T) {
	store, _, _, _, svc := conversationFixture()

	detail, err := svc.CreateGroup(context.Background(), "t1", dto.CreateGroupRequest{
		Name:           "Staff",
		ParticipantIDs: []string{"p1", "p1", "t1"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "p1"}, store.participants[detail.ID])
}

func TestCreateGroupRejectsUnknownParticipant(t *testing.T) {
	_, _, _, _, svc := conversationFixture()

	_, err := svc.CreateGroup(context.Background(), "t1", dto.CreateGroupRequest{
		Name:           "Staff",
		ParticipantIDs: []string{"p1", "ghost"},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCreateGroupRequiresName(t *testing.T) {
	_, _, _, _, svc := conversationFixture()

	_, err := svc.CreateGroup(context.Background(), "t1", dto.CreateGroupRequest{
		ParticipantIDs: []string{"p1", "p2"},
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestGetRequiresParticipation(t *testing.T) {
	store, _, _, _, svc := conversationFixture()
	store.byID = map[string]*models.Conversation{
		"conv-1": {ID: "conv-1", Kind: models.ConversationDirect},
	}
	store.participants["conv-1"] = []string{"t1", "p1"}

	_, err := svc.Get(context.Background(), "conv-1", "p2")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)

	detail, err := svc.Get(context.Background(), "conv-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", detail.ID)
}

func TestCanSubscribeUnknownConversation(t *testing.T) {
	_, _, _, _, svc := conversationFixture()

	err := svc.CanSubscribe(context.Background(), "missing", "t1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestListForUserDirectSummaryUsesOtherUser(t *testing.T) {
	store := &stubConversationStore{
		byUser: []models.Conversation{
			{ID: "conv-1", Kind: models.ConversationDirect, Name: "Amina & Serge"},
		},
		participants: map[string][]string{"conv-1": {"t1", "p1"}},
	}
	users := &stubUserReader{users: map[string]*models.User{
		"t1": {ID: "t1", FirstName: "Amina", LastName: "Diallo", Role: models.RoleTeacher, Active: true},
		"p1": {ID: "p1", FirstName: "Serge", LastName: "Kouame", Role: models.RoleParent, Active: true},
	}}
	content := "see you tomorrow"
	messages := &stubMessageReader{
		last:   &models.Message{ID: "m9", ConversationID: "conv-1", SenderID: "p1", Content: &content, Type: models.MessageText},
		unread: 3,
	}
	svc := NewConversationService(
		store, users, messages,
		&stubEligibility{allow: true}, &mockAssignmentReader{}, &stubSectionStudents{},
		&stubPresence{online: map[string]bool{"p1": true}}, nil, 0, nil, nil, zap.NewNop(),
	)

	summaries, err := svc.ListForUser(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	summary := summaries[0]
	assert.Equal(t, "Serge Kouame", summary.Name)
	require.NotNil(t, summary.OtherUser)
	assert.Equal(t, "p1", summary.OtherUser.ID)
	assert.True(t, summary.OtherUser.Online)
	require.NotNil(t, summary.LastMessage)
	assert.Equal(t, "m9", summary.LastMessage.ID)
	assert.Equal(t, 3, summary.UnreadCount)
}

func TestListEligibleContactsFiltersByRule(t *testing.T) {
	_, _, eligibility, _, svc := conversationFixture()
	eligibility.allow = false

	contacts, _, err := svc.ListEligibleContacts(context.Background(), "p1")
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestListEligibleContactsIncludesDiscoverableParents(t *testing.T) {
	store := &stubConversationStore{participants: map[string][]string{}}
	users := &stubUserReader{users: map[string]*models.User{
		"t1": {ID: "t1", FirstName: "Amina", Role: models.RoleTeacher, Active: true},
		"p1": {ID: "p1", FirstName: "Serge", Role: models.RoleParent, Active: true},
	}}
	assignments := &mockAssignmentReader{
		byTeacher: map[string][]models.TeacherAssignment{
			"t1": {{TeacherID: "t1", ClassID: "c1", SectionID: "s1"}},
		},
	}
	guardians := &stubSectionStudents{
		students: []models.Student{{ID: "st1", ParentID: strPtr("p1"), CurrentSectionID: strPtr("s1")}},
	}
	// Strict pairwise rule denies, discovery still surfaces the parent.
	svc := NewConversationService(
		store, users, &stubMessageReader{},
		&stubEligibility{allow: false}, assignments, guardians,
		&stubPresence{online: map[string]bool{}}, nil, 0, nil, nil, zap.NewNop(),
	)

	contacts, _, err := svc.ListEligibleContacts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "p1", contacts[0].ID)
}

func TestToChatUsersSurvivesPresenceFailure(t *testing.T) {
	store := &stubConversationStore{participants: map[string][]string{}}
	users := &stubUserReader{users: map[string]*models.User{
		"t1": {ID: "t1", FirstName: "Amina", Role: models.RoleTeacher, Active: true},
		"p1": {ID: "p1", FirstName: "Serge", Role: models.RoleParent, Active: true},
	}}
	svc := NewConversationService(
		store, users, &stubMessageReader{},
		&stubEligibility{allow: true}, &mockAssignmentReader{}, &stubSectionStudents{},
		&stubPresence{err: errors.New("redis down")}, nil, 0, nil, nil, zap.NewNop(),
	)

	contacts, _, err := svc.ListEligibleContacts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.False(t, contacts[0].Online)
}

type stubListingCache struct {
	entries map[string][]byte
	hits    int
	sets    int
}

func (c *stubListingCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := c.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	c.hits++
	return json.Unmarshal(raw, dest)
}

func (c *stubListingCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c.entries == nil {
		c.entries = map[string][]byte{}
	}
	c.entries[key] = raw
	c.sets++
	return nil
}

func TestListEligibleContactsServesCachedListing(t *testing.T) {
	store := &stubConversationStore{participants: map[string][]string{}}
	users := &stubUserReader{users: map[string]*models.User{
		"t1": {ID: "t1", FirstName: "Amina", Role: models.RoleTeacher, Active: true},
		"p1": {ID: "p1", FirstName: "Serge", Role: models.RoleParent, Active: true},
	}}
	eligibility := &stubEligibility{allow: true}
	cache := &stubListingCache{}
	svc := NewConversationService(
		store, users, &stubMessageReader{},
		eligibility, &mockAssignmentReader{}, &stubSectionStudents{},
		&stubPresence{online: map[string]bool{"p1": true}}, cache, time.Minute, nil, nil, zap.NewNop(),
	)

	contacts, cacheHit, err := svc.ListEligibleContacts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.False(t, cacheHit)
	assert.Equal(t, 1, cache.sets)
	rulesEvaluated := len(eligibility.pairs)

	// Second call is served from the cache, so the rule engine is not
	// consulted again, while presence is still resolved live.
	contacts, cacheHit, err = svc.ListEligibleContacts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.True(t, cacheHit)
	assert.True(t, contacts[0].Online)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, rulesEvaluated, len(eligibility.pairs))
}

func TestDirectNameIsDeterministic(t *testing.T) {
	a := &models.User{ID: "a", FirstName: "Amina"}
	b := &models.User{ID: "b", FirstName: "Serge"}
	assert.Equal(t, directName(a, b), directName(b, a))
	assert.Equal(t, "Amina & Serge", directName(b, a))
}
