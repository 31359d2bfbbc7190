package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kinlink/kinlink/internal/docstore"
	"github.com/kinlink/kinlink/internal/model"
	"github.com/kinlink/kinlink/internal/repository"
	"go.uber.org/zap"
)

// Link decision constants
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
)

// PendingOverlay receives optimistic link records ahead of server
// confirmation. Реализуется reconciler-ом; подтверждение или откат
// снимает оверлей.
type PendingOverlay interface {
	SetPendingOverlay(record *model.LinkRecord)
	ClearPendingOverlay(linkKey string)
}

// LinkService owns the relationship lifecycle:
// NONE -> PENDING -> {ACTIVE, DECLINED}; ACTIVE -> UNLINKED.
// Terminal records do not block a fresh request: the deterministic key makes
// a re-request overwrite in place instead of duplicating.
type LinkService struct {
	store       docstore.Store
	linkRepo    *repository.LinkRepository
	accountRepo *repository.AccountRepository
	convRepo    *repository.ConversationRepository
	identity    *IdentityService
	notifier    *NotificationService
	overlay     PendingOverlay // может быть nil
	logger      *zap.Logger
}

func NewLinkService(
	store docstore.Store,
	linkRepo *repository.LinkRepository,
	accountRepo *repository.AccountRepository,
	convRepo *repository.ConversationRepository,
	identity *IdentityService,
	notifier *NotificationService,
	overlay PendingOverlay,
	logger *zap.Logger,
) *LinkService {
	return &LinkService{
		store:       store,
		linkRepo:    linkRepo,
		accountRepo: accountRepo,
		convRepo:    convRepo,
		identity:    identity,
		notifier:    notifier,
		overlay:     overlay,
		logger:      logger,
	}
}

// RequestLink creates a PENDING record for the pair. A second request while
// one is already pending (or the pair is linked) returns ErrDuplicateRequest
// and the existing record — success-with-notice, not a failure.
func (s *LinkService) RequestLink(ctx context.Context, parentID, studentID, initiator string) (*model.LinkRecord, error) {
	if !s.store.Online() {
		return nil, model.ErrOffline
	}

	parent, err := s.accountRepo.GetByInternalID(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}
	student, err := s.accountRepo.GetByInternalID(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("load student: %w", err)
	}
	if parent == nil || student == nil {
		return nil, model.ErrAccountNotFound
	}

	parentResolved := s.identity.Resolve(ctx, parent.InternalID, model.RoleParent, "")
	studentResolved := s.identity.Resolve(ctx, student.InternalID, model.RoleStudent, "")
	key := model.LinkKey(parentResolved, studentResolved)

	existing, err := s.linkRepo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check existing link: %w", err)
	}
	if existing != nil && !existing.IsTerminal() {
		// Заявка уже есть или пара уже связана — дубликат не создаём
		return existing, model.ErrDuplicateRequest
	}

	record := &model.LinkRecord{
		Key:               key,
		ParentInternalID:  parent.InternalID,
		StudentInternalID: student.InternalID,
		Status:            model.LinkStatusPending,
		Initiator:         initiator,
		RequestedAt:       time.Now(),
	}
	if model.IsCanonicalID(parentResolved) {
		record.ParentCanonicalID = parentResolved
	}
	if model.IsCanonicalID(studentResolved) {
		record.StudentCanonicalID = studentResolved
	}

	// Оптимистичный оверлей до подтверждения записи
	if s.overlay != nil {
		s.overlay.SetPendingOverlay(record)
	}

	if err := s.linkRepo.Put(ctx, record); err != nil {
		if s.overlay != nil {
			s.overlay.ClearPendingOverlay(key)
		}
		return nil, fmt.Errorf("create link record: %w", err)
	}

	if err := s.indexRecord(ctx, record); err != nil {
		return nil, err
	}

	sender, recipient := parent, student
	if initiator == model.RoleStudent {
		sender, recipient = student, parent
	}
	s.fanOutRequest(ctx, record, sender, recipient)

	s.logger.Info("Link requested",
		zap.String("link_key", key),
		zap.String("initiator", initiator),
	)

	return record, nil
}

// RespondToLink resolves a PENDING record: accept activates the link,
// decline terminates it. Only the recipient of the request may respond.
func (s *LinkService) RespondToLink(ctx context.Context, linkKey, responderID, decision string) (*model.LinkRecord, error) {
	if !s.store.Online() {
		return nil, model.ErrOffline
	}

	record, err := s.linkRepo.Get(ctx, linkKey)
	if err != nil {
		return nil, fmt.Errorf("load link: %w", err)
	}
	if record == nil {
		return nil, model.ErrLinkNotFound
	}
	if !record.IsPending() {
		return nil, model.ErrNotPending
	}
	if !s.isRecipient(record, responderID) {
		return nil, model.ErrNotAuthorized
	}

	now := time.Now()
	record.RespondedAt = &now

	switch decision {
	case DecisionAccept:
		record.Status = model.LinkStatusActive
		// Канонизируем идентификаторы на записи, чтобы дальнейшие запросы
		// по internal и canonical id находили один и тот же документ
		s.normalizeIdentifiers(ctx, record)
	case DecisionDecline:
		record.Status = model.LinkStatusDeclined
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	if err := s.linkRepo.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("update link record: %w", err)
	}

	if decision == DecisionAccept {
		if err := s.indexRecord(ctx, record); err != nil {
			return nil, err
		}
		if err := s.createPairConversation(ctx, record); err != nil {
			// Диалог создастся при первом сообщении; связь уже активна
			s.logger.Warn("Failed to create pair conversation",
				zap.String("link_key", linkKey),
				zap.Error(err),
			)
		}
	} else {
		// Отклонённая связь уходит из списков обеих сторон
		s.unindexRecord(ctx, record)
	}

	s.fanOutResponse(ctx, record, responderID, decision)

	s.logger.Info("Link responded",
		zap.String("link_key", linkKey),
		zap.String("decision", decision),
	)

	return record, nil
}

// CancelPendingRequest withdraws a PENDING request. Only the original
// initiator may cancel; the recipient's unread request entry is removed.
func (s *LinkService) CancelPendingRequest(ctx context.Context, linkKey, callerID string) error {
	if !s.store.Online() {
		return model.ErrOffline
	}

	record, err := s.linkRepo.Get(ctx, linkKey)
	if err != nil {
		return fmt.Errorf("load link: %w", err)
	}
	if record == nil {
		return model.ErrLinkNotFound
	}
	if !record.IsPending() {
		return model.ErrNotPending
	}
	if !s.isInitiator(record, callerID) {
		return model.ErrNotAuthorized
	}

	if err := s.linkRepo.Delete(ctx, linkKey); err != nil {
		return fmt.Errorf("delete link record: %w", err)
	}
	s.unindexRecord(ctx, record)
	if s.overlay != nil {
		s.overlay.ClearPendingOverlay(linkKey)
	}

	// Убираем непрочитанную заявку из inbox получателя (scan-filter-rewrite)
	recipientInbox := s.recipientInboxID(ctx, record)
	removed, err := s.notifier.RemoveWhere(ctx, recipientInbox, func(e *model.InboxEntry) bool {
		return e.Type == model.EntryTypeRequest && e.LinkKey == linkKey && e.IsUnread()
	})
	if err != nil {
		s.logger.Warn("Failed to retract request entry",
			zap.String("link_key", linkKey),
			zap.Error(err),
		)
	}

	s.logger.Info("Link request cancelled",
		zap.String("link_key", linkKey),
		zap.Int("entries_removed", removed),
	)

	return nil
}

// Unlink removes an ACTIVE link and cascades every derived conversation that
// existed only because of it, including student-to-student side channels.
// Either party may unlink.
func (s *LinkService) Unlink(ctx context.Context, linkKey, callerID string) error {
	if !s.store.Online() {
		return model.ErrOffline
	}

	record, err := s.linkRepo.Get(ctx, linkKey)
	if err != nil {
		return fmt.Errorf("load link: %w", err)
	}
	if record == nil {
		return model.ErrLinkNotFound
	}
	if !record.IsActive() {
		return model.ErrNotActive
	}
	if !record.References(callerID) {
		return model.ErrNotAuthorized
	}

	if err := s.linkRepo.Delete(ctx, linkKey); err != nil {
		return fmt.Errorf("delete link record: %w", err)
	}
	s.unindexRecord(ctx, record)
	s.cascadeConversations(ctx, linkKey)

	s.fanOutUnlink(ctx, record, callerID)

	s.logger.Info("Link removed",
		zap.String("link_key", linkKey),
	)

	return nil
}

// Relationships performs the live read of one account's resolved
// relationship list, merged across both id-keyed membership indexes.
// Это источник снапшота для offline-кэша.
func (s *LinkService) Relationships(ctx context.Context, accountID string) (*model.RelationshipSnapshot, error) {
	account, err := s.accountRepo.GetByInternalID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil {
		return nil, model.ErrAccountNotFound
	}

	ids := []string{account.InternalID}
	if account.CanonicalID != "" {
		ids = append(ids, account.CanonicalID)
	}

	// Объединение обоих индексов; один и тот же ключ может быть в обоих
	seen := make(map[string]bool)
	var keys []string
	for _, id := range ids {
		indexed, err := s.linkRepo.LinkSet(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load link set: %w", err)
		}
		for _, k := range indexed {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)

	byCounterparty := make(map[string]model.RelationshipEntry)
	for _, key := range keys {
		record, err := s.linkRepo.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load link: %w", err)
		}
		if record == nil || record.IsTerminal() {
			continue
		}

		entry := s.relationshipEntry(ctx, account, record)
		identity := entry.InternalID
		if identity == "" {
			identity = entry.CanonicalID
		}
		byCounterparty[identity] = entry
	}

	entries := make([]model.RelationshipEntry, 0, len(byCounterparty))
	for _, entry := range byCounterparty {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].InternalID < entries[j].InternalID
	})

	return &model.RelationshipSnapshot{
		AccountID:     accountID,
		Relationships: entries,
		CachedAt:      time.Now(),
	}, nil
}

// ============ Внутренние помощники ============

func (s *LinkService) relationshipEntry(ctx context.Context, self *model.Account, record *model.LinkRecord) model.RelationshipEntry {
	var internalID, canonicalID, label string
	if record.ParentInternalID == self.InternalID || (self.CanonicalID != "" && record.ParentCanonicalID == self.CanonicalID) {
		internalID = record.StudentInternalID
		canonicalID = record.StudentCanonicalID
		label = "Ребёнок"
	} else {
		internalID = record.ParentInternalID
		canonicalID = record.ParentCanonicalID
		label = "Родитель"
	}

	linkedAt := record.RequestedAt
	if record.RespondedAt != nil {
		linkedAt = *record.RespondedAt
	}

	entry := model.RelationshipEntry{
		InternalID:  internalID,
		CanonicalID: canonicalID,
		Label:       label,
		LinkedAt:    linkedAt,
	}

	counterparty, err := s.accountRepo.GetByInternalID(ctx, internalID)
	if err != nil || counterparty == nil {
		// Имя добираем позже; id достаточно для отображения
		entry.DisplayName = canonicalID
		return entry
	}
	entry.DisplayName = counterparty.DisplayName()
	if entry.CanonicalID == "" {
		entry.CanonicalID = counterparty.CanonicalID
	}
	return entry
}

// indexRecord прописывает ключ связи в индексы обеих сторон под всеми
// известными формами id
func (s *LinkService) indexRecord(ctx context.Context, record *model.LinkRecord) error {
	for _, id := range recordIDs(record) {
		if err := s.linkRepo.AddToLinkSet(ctx, id, record.Key); err != nil {
			return fmt.Errorf("index link: %w", err)
		}
	}
	return nil
}

// unindexRecord убирает ключ из индексов; ошибки не фатальны — осиротевший
// ключ индекса разрешается в nil-запись и отфильтровывается при чтении
func (s *LinkService) unindexRecord(ctx context.Context, record *model.LinkRecord) {
	for _, id := range recordIDs(record) {
		if err := s.linkRepo.RemoveFromLinkSet(ctx, id, record.Key); err != nil {
			s.logger.Warn("Failed to unindex link",
				zap.String("link_key", record.Key),
				zap.String("account_id", id),
				zap.Error(err),
			)
		}
	}
}

func (s *LinkService) normalizeIdentifiers(ctx context.Context, record *model.LinkRecord) {
	if record.StudentCanonicalID == "" {
		resolved := s.identity.Resolve(ctx, record.StudentInternalID, model.RoleStudent, record.Key)
		if model.IsCanonicalID(resolved) {
			record.StudentCanonicalID = resolved
		}
	}
	if record.ParentCanonicalID == "" {
		resolved := s.identity.Resolve(ctx, record.ParentInternalID, model.RoleParent, record.Key)
		if model.IsCanonicalID(resolved) {
			record.ParentCanonicalID = resolved
		}
	}
}

func (s *LinkService) createPairConversation(ctx context.Context, record *model.LinkRecord) error {
	convKey := model.ConversationKey(record.ParentInternalID, record.StudentInternalID)
	existing, err := s.convRepo.Get(ctx, convKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	return s.convRepo.Put(ctx, &model.Conversation{
		Key:            convKey,
		Kind:           model.ConversationParentStudent,
		ParticipantA:   record.ParentInternalID,
		ParticipantB:   record.StudentInternalID,
		SponsorLinkKey: record.Key,
		CreatedAt:      time.Now(),
	})
}

// cascadeConversations удаляет все диалоги, существовавшие только из-за связи
func (s *LinkService) cascadeConversations(ctx context.Context, linkKey string) {
	keys, err := s.convRepo.SponsoredKeys(ctx, linkKey)
	if err != nil {
		s.logger.Warn("Failed to load sponsored conversations",
			zap.String("link_key", linkKey),
			zap.Error(err),
		)
		return
	}

	for _, convKey := range keys {
		conv, err := s.convRepo.Get(ctx, convKey)
		if err != nil || conv == nil {
			continue
		}
		if err := s.convRepo.Delete(ctx, conv); err != nil {
			s.logger.Warn("Failed to cascade conversation",
				zap.String("conversation", convKey),
				zap.Error(err),
			)
		}
	}

	if err := s.convRepo.DeleteSponsorIndex(ctx, linkKey); err != nil {
		s.logger.Warn("Failed to drop sponsor index",
			zap.String("link_key", linkKey),
			zap.Error(err),
		)
	}
}

func (s *LinkService) isRecipient(record *model.LinkRecord, accountID string) bool {
	if record.Initiator == model.RoleParent {
		return accountID == record.StudentInternalID ||
			(record.StudentCanonicalID != "" && accountID == record.StudentCanonicalID)
	}
	return accountID == record.ParentInternalID ||
		(record.ParentCanonicalID != "" && accountID == record.ParentCanonicalID)
}

func (s *LinkService) isInitiator(record *model.LinkRecord, accountID string) bool {
	if record.Initiator == model.RoleParent {
		return accountID == record.ParentInternalID ||
			(record.ParentCanonicalID != "" && accountID == record.ParentCanonicalID)
	}
	return accountID == record.StudentInternalID ||
		(record.StudentCanonicalID != "" && accountID == record.StudentCanonicalID)
}

// parentInboxID возвращает inbox-ключ родителя: canonical id с самой записи,
// иначе через резолвер
func (s *LinkService) parentInboxID(ctx context.Context, record *model.LinkRecord) string {
	if id := record.BestParentID(); model.IsCanonicalID(id) {
		return id
	}
	return s.identity.Resolve(ctx, record.ParentInternalID, model.RoleParent, record.Key)
}

// studentInboxID возвращает inbox-ключ студента, тем же порядком
func (s *LinkService) studentInboxID(ctx context.Context, record *model.LinkRecord) string {
	if id := record.BestStudentID(); model.IsCanonicalID(id) {
		return id
	}
	return s.identity.Resolve(ctx, record.StudentInternalID, model.RoleStudent, record.Key)
}

// recipientInboxID возвращает inbox-ключ стороны, получившей заявку
func (s *LinkService) recipientInboxID(ctx context.Context, record *model.LinkRecord) string {
	if record.Initiator == model.RoleParent {
		return s.studentInboxID(ctx, record)
	}
	return s.parentInboxID(ctx, record)
}

// ============ Fan-out ============

// Ошибки fan-out логируются и не откатывают мутацию: состояние связи —
// источник истины, записи inbox best-effort.

func (s *LinkService) fanOutRequest(ctx context.Context, record *model.LinkRecord, sender, recipient *model.Account) {
	now := time.Now()

	recipientEntry := model.InboxEntry{
		ID:             uuid.NewString(),
		Type:           model.EntryTypeRequest,
		Title:          "Новая заявка на привязку",
		Message:        fmt.Sprintf("%s хочет привязаться к вашему профилю", sender.DisplayName()),
		Status:         model.EntryStatusUnread,
		CreatedAt:      now,
		LinkKey:        record.Key,
		CounterpartyID: sender.BestID(),
	}
	if err := s.notifier.AppendInboxEntry(ctx, recipient.BestID(), recipient.Role, recipientEntry); err != nil {
		s.logger.Warn("Request fan-out failed",
			zap.String("link_key", record.Key),
			zap.Error(err),
		)
	}

	selfNotice := model.InboxEntry{
		ID:             uuid.NewString(),
		Type:           model.EntryTypeRequestSelf,
		Title:          "Заявка отправлена",
		Message:        fmt.Sprintf("Заявка для %s ждёт ответа", recipient.DisplayName()),
		Status:         model.EntryStatusRead,
		CreatedAt:      now,
		LinkKey:        record.Key,
		CounterpartyID: recipient.BestID(),
		SkipPush:       true,
	}
	if err := s.notifier.AppendInboxEntry(ctx, sender.BestID(), sender.Role, selfNotice); err != nil {
		s.logger.Warn("Self-notice fan-out failed",
			zap.String("link_key", record.Key),
			zap.Error(err),
		)
	}
}

func (s *LinkService) fanOutResponse(ctx context.Context, record *model.LinkRecord, responderID, decision string) {
	now := time.Now()

	requesterRole := record.Initiator
	requesterInbox := s.initiatorInboxID(ctx, record)
	responderRole := model.RoleStudent
	if record.Initiator == model.RoleStudent {
		responderRole = model.RoleParent
	}
	responderInbox := s.recipientInboxID(ctx, record)

	title := "Заявка принята"
	message := "Ваша заявка на привязку принята"
	if decision == DecisionDecline {
		title = "Заявка отклонена"
		message = "Ваша заявка на привязку отклонена"
	}

	responseEntry := model.InboxEntry{
		ID:             uuid.NewString(),
		Type:           model.EntryTypeResponse,
		Title:          title,
		Message:        message,
		Status:         model.EntryStatusUnread,
		CreatedAt:      now,
		LinkKey:        record.Key,
		CounterpartyID: responderID,
	}
	if err := s.notifier.AppendInboxEntry(ctx, requesterInbox, requesterRole, responseEntry); err != nil {
		s.logger.Warn("Response fan-out failed",
			zap.String("link_key", record.Key),
			zap.Error(err),
		)
	}

	selfNotice := model.InboxEntry{
		ID:        uuid.NewString(),
		Type:      model.EntryTypeResponseSelf,
		Title:     "Ответ на заявку отправлен",
		Message:   message,
		Status:    model.EntryStatusRead,
		CreatedAt: now,
		LinkKey:   record.Key,
		SkipPush:  true,
	}
	if err := s.notifier.AppendInboxEntry(ctx, responderInbox, responderRole, selfNotice); err != nil {
		s.logger.Warn("Self-notice fan-out failed",
			zap.String("link_key", record.Key),
			zap.Error(err),
		)
	}
}

func (s *LinkService) fanOutUnlink(ctx context.Context, record *model.LinkRecord, callerID string) {
	now := time.Now()

	callerIsParent := callerID == record.ParentInternalID ||
		(record.ParentCanonicalID != "" && callerID == record.ParentCanonicalID)

	otherInbox := s.studentInboxID(ctx, record)
	otherRole := model.RoleStudent
	callerInbox := s.parentInboxID(ctx, record)
	callerRole := model.RoleParent
	if !callerIsParent {
		otherInbox, callerInbox = callerInbox, otherInbox
		otherRole, callerRole = callerRole, otherRole
	}

	notice := model.InboxEntry{
		ID:             uuid.NewString(),
		Type:           model.EntryTypeUnlink,
		Title:          "Привязка удалена",
		Message:        "Вторая сторона удалила привязку",
		Status:         model.EntryStatusUnread,
		CreatedAt:      now,
		LinkKey:        record.Key,
		CounterpartyID: callerID,
	}
	if err := s.notifier.AppendInboxEntry(ctx, otherInbox, otherRole, notice); err != nil {
		s.logger.Warn("Unlink fan-out failed",
			zap.String("link_key", record.Key),
			zap.Error(err),
		)
	}

	selfNotice := model.InboxEntry{
		ID:        uuid.NewString(),
		Type:      model.EntryTypeUnlinkSelf,
		Title:     "Привязка удалена",
		Message:   "Вы удалили привязку",
		Status:    model.EntryStatusRead,
		CreatedAt: now,
		LinkKey:   record.Key,
		SkipPush:  true,
	}
	if err := s.notifier.AppendInboxEntry(ctx, callerInbox, callerRole, selfNotice); err != nil {
		s.logger.Warn("Self-notice fan-out failed",
			zap.String("link_key", record.Key),
			zap.Error(err),
		)
	}
}

// initiatorInboxID возвращает inbox-ключ инициатора заявки
func (s *LinkService) initiatorInboxID(ctx context.Context, record *model.LinkRecord) string {
	if record.Initiator == model.RoleParent {
		return s.parentInboxID(ctx, record)
	}
	return s.studentInboxID(ctx, record)
}

// recordIDs возвращает все известные формы id обеих сторон, без дубликатов
func recordIDs(record *model.LinkRecord) []string {
	candidates := []string{
		record.ParentInternalID,
		record.ParentCanonicalID,
		record.StudentInternalID,
		record.StudentCanonicalID,
	}
	seen := make(map[string]bool, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
