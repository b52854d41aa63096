// internal/messaging/pipeline.go

package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/edustat/edustat-backend/internal/common/logger"
	"github.com/edustat/edustat-backend/internal/notification"
	"go.uber.org/zap"
)

// AttachmentVerifier confirms that an upload referenced by a message exists
type AttachmentVerifier interface {
	Verify(ctx context.Context, url string) error
}

// PresenceChecker answers whether a user holds a live session
type PresenceChecker interface {
	IsOnline(userID int64) bool
}

// PipelineConfig holds the tunables of the message state machine
type PipelineConfig struct {
	UndoWindow       time.Duration
	MaxContentLength int
}

// PipelineOption configures optional collaborators
type PipelineOption func(*Pipeline)

func WithTyping(t *TypingBroadcaster) PipelineOption {
	return func(p *Pipeline) { p.typing = t }
}

func WithPresence(pc PresenceChecker) PipelineOption {
	return func(p *Pipeline) { p.presence = pc }
}

func WithNotifier(n notification.Notifier) PipelineOption {
	return func(p *Pipeline) { p.notifier = n }
}

func WithAttachmentVerifier(v AttachmentVerifier) PipelineOption {
	return func(p *Pipeline) { p.verifier = v }
}

func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// Pipeline validates message actions against membership, commits them to the
// store and emits the resulting events in commit order
type Pipeline struct {
	repo     Repository
	dir      *Directory
	emit     *Emitter
	locks    *keyedMutex
	cfg      PipelineConfig
	now      func() time.Time
	typing   *TypingBroadcaster
	presence PresenceChecker
	notifier notification.Notifier
	verifier AttachmentVerifier
	notices  sync.WaitGroup
}

func NewPipeline(repo Repository, dir *Directory, emit *Emitter, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = 10 * time.Second
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 4000
	}
	p := &Pipeline{
		repo:  repo,
		dir:   dir,
		emit:  emit,
		locks: newKeyedMutex(),
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Directory exposes the membership resolver the pipeline authorizes against
func (p *Pipeline) Directory() *Directory {
	return p.dir
}

// Wait blocks until in-flight offline notices finish
func (p *Pipeline) Wait() {
	p.notices.Wait()
}

func (p *Pipeline) lockMessage(messageID int64) func() {
	return p.locks.Lock("msg:" + strconv.FormatInt(messageID, 10))
}

// loadMessage fetches a message and checks the caller's membership in its
// conversation
func (p *Pipeline) loadMessage(ctx context.Context, messageID, userID int64) (*Message, *Conversation, *Member, error) {
	if messageID <= 0 {
		return nil, nil, nil, invalidf("message id required")
	}
	msg, err := p.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, nil, upstream("get message", err)
	}
	conv, member, err := p.dir.Authorize(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	return msg, conv, member, nil
}

func (p *Pipeline) checkContent(content string) error {
	if utf8.RuneCountInString(content) > p.cfg.MaxContentLength {
		return invalidf("content exceeds %d characters", p.cfg.MaxContentLength)
	}
	return nil
}

// Send persists a new message and fans message:new out to every member
func (p *Pipeline) Send(ctx context.Context, senderID int64, req *SendMessageRequest) (*Message, error) {
	content := strings.TrimSpace(req.Content)
	if err := p.checkContent(content); err != nil {
		return nil, err
	}
	if content == "" && req.Attachment == nil && req.Voice == nil {
		return nil, invalidf("message needs content, an attachment or a voice note")
	}
	if req.Attachment != nil {
		switch req.Attachment.Type {
		case AttachmentImage, AttachmentVideo, AttachmentFile:
		default:
			return nil, invalidf("unsupported attachment type %q", req.Attachment.Type)
		}
		if req.Attachment.URL == "" {
			return nil, invalidf("attachment url required")
		}
	}
	if req.Voice != nil && (req.Voice.URL == "" || req.Voice.Duration < 0) {
		return nil, invalidf("invalid voice note")
	}

	convID := req.ConversationID
	if convID == 0 {
		if req.RecipientID <= 0 {
			return nil, invalidf("conversation_id or recipient_id required")
		}
		conv, _, err := p.dir.GetOrCreateDirect(ctx, senderID, req.RecipientID)
		if err != nil {
			return nil, err
		}
		convID = conv.ID
	}
	if _, _, err := p.dir.Authorize(ctx, convID, senderID); err != nil {
		return nil, err
	}

	var clientID *string
	if cid := strings.TrimSpace(req.ClientMessageID); cid != "" {
		unlock := p.locks.Lock("client:" + strconv.FormatInt(senderID, 10) + ":" + cid)
		defer unlock()

		existing, err := p.repo.FindMessageByClientID(ctx, senderID, cid)
		if err == nil {
			if existing.ConversationID != convID {
				return nil, invalidf("client_message_id %q already used in another conversation", cid)
			}
			return p.decorate(ctx, existing, senderID), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, upstream("find client message", err)
		}
		clientID = ptr(cid)
	}

	if req.ReplyToID != nil {
		target, err := p.repo.GetMessage(ctx, *req.ReplyToID)
		if err != nil {
			return nil, upstream("get reply target", err)
		}
		if target.ConversationID != convID {
			return nil, invalidf("reply target belongs to another conversation")
		}
	}

	if p.verifier != nil {
		if req.Attachment != nil {
			if err := p.verifier.Verify(ctx, req.Attachment.URL); err != nil {
				return nil, upstream("verify attachment", err)
			}
		}
		if req.Voice != nil {
			if err := p.verifier.Verify(ctx, req.Voice.URL); err != nil {
				return nil, upstream("verify voice note", err)
			}
		}
	}

	msg := &Message{
		ConversationID:  convID,
		SenderID:        senderID,
		ClientMessageID: clientID,
		Content:         ptr(content),
		ReplyToID:       req.ReplyToID,
	}
	if req.Attachment != nil {
		msg.AttachmentURL = ptr(req.Attachment.URL)
		msg.AttachmentType = ptr(req.Attachment.Type)
	}
	if req.Voice != nil {
		msg.VoiceURL = ptr(req.Voice.URL)
		msg.VoiceDuration = ptr(req.Voice.Duration)
	}

	view, err := p.commitMessage(ctx, msg)
	if errors.Is(err, ErrConflict) && clientID != nil {
		// another process stored the same client message first
		existing, ferr := p.repo.FindMessageByClientID(ctx, senderID, *clientID)
		if ferr != nil {
			return nil, upstream("find client message", ferr)
		}
		return p.decorate(ctx, existing, senderID), nil
	}
	if err != nil {
		return nil, err
	}

	if p.typing != nil {
		p.typing.Stop(convID, senderID)
	}
	return view, nil
}

// commitMessage stores msg, creates pending statuses and emits message:new
func (p *Pipeline) commitMessage(ctx context.Context, msg *Message) (*Message, error) {
	members, err := p.dir.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	recipients := make([]int64, 0, len(members))
	for _, m := range members {
		if m.UserID != msg.SenderID {
			recipients = append(recipients, m.UserID)
		}
	}

	msg.CreatedAt = p.now()
	c, err := p.repo.CreateMessage(ctx, msg, recipients)
	if err != nil {
		return nil, upstream("create message", err)
	}

	if err := p.repo.CreateMessageStatuses(ctx, msg.ID, recipients); err != nil {
		// the message stands; rows are upserted when recipients acknowledge
		statusBackfillFailures.Inc()
		logger.Log.Warn("status_backfill_failed",
			zap.Int64("message_id", msg.ID),
			zap.Int64("conversation_id", msg.ConversationID),
			zap.Error(err))
	}

	view := p.decorate(ctx, msg, 0)
	p.emit.Commit(msg.ConversationID, c, &Event{
		Type:     EventMessageNew,
		Audience: memberIDs(members),
		Payload:  view,
	})

	logger.Log.Debug("message_sent",
		zap.Int64("message_id", msg.ID),
		zap.Int64("conversation_id", msg.ConversationID),
		zap.Int64("sender_id", msg.SenderID),
		zap.Int64("seq", c.Seq))

	p.notifyOffline(view, recipients)
	return view, nil
}

// Edit replaces the content of the caller's own message
func (p *Pipeline) Edit(ctx context.Context, messageID, userID int64, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalidf("content required")
	}
	if err := p.checkContent(content); err != nil {
		return nil, err
	}

	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, forbiddenf("only the sender can edit a message")
	}
	if msg.IsRecalled {
		return nil, notFoundf("message %d was recalled", messageID)
	}
	members, err := p.dir.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	at := p.now()
	c, err := p.repo.UpdateMessageContent(ctx, messageID, content, at)
	if err != nil {
		return nil, upstream("update message", err)
	}
	msg.Content = ptr(content)
	msg.IsEdited = true
	msg.EditedAt = ptr(at)

	p.emit.Commit(msg.ConversationID, c, &Event{
		Type:     EventMessageEdited,
		Audience: memberIDs(members),
		Payload: MessageEditedPayload{
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Content:        msg.Content,
			IsEdited:       true,
			EditedAt:       msg.EditedAt,
		},
	})
	return p.decorate(ctx, msg, userID), nil
}

// DeleteForSelf hides a message from the caller's view only
func (p *Pipeline) DeleteForSelf(ctx context.Context, messageID, userID int64) error {
	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	at := p.now()
	changed, err := p.repo.SetMessageHidden(ctx, messageID, userID, true, at)
	if err != nil {
		return upstream("hide message", err)
	}
	if !changed {
		return nil
	}
	p.emit.Direct(&Event{
		Type:           EventMessageDeleted,
		ConversationID: msg.ConversationID,
		Audience:       []int64{userID},
		Payload: MessageVisibilityPayload{
			ConversationID: msg.ConversationID,
			MessageID:      messageID,
			UserID:         userID,
			Hidden:         true,
			HiddenAt:       ptr(at),
		},
	})
	return nil
}

// Undelete reverses DeleteForSelf within the undo window
func (p *Pipeline) Undelete(ctx context.Context, messageID, userID int64) error {
	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	vis, err := p.repo.GetMessageVisibility(ctx, messageID, userID)
	if err != nil {
		return upstream("get visibility", err)
	}
	if !vis.Hidden {
		return nil
	}
	if vis.HiddenAt != nil && p.now().Sub(*vis.HiddenAt) > p.cfg.UndoWindow {
		return invalidf("undo window of %s has passed", p.cfg.UndoWindow)
	}

	changed, err := p.repo.SetMessageHidden(ctx, messageID, userID, false, p.now())
	if err != nil {
		return upstream("unhide message", err)
	}
	if !changed {
		return nil
	}
	p.emit.Direct(&Event{
		Type:           EventMessageUndeleted,
		ConversationID: msg.ConversationID,
		Audience:       []int64{userID},
		Payload: MessageVisibilityPayload{
			ConversationID: msg.ConversationID,
			MessageID:      messageID,
			UserID:         userID,
		},
	})
	return nil
}

// Recall clears a message for every member. Recalling twice is a no-op.
func (p *Pipeline) Recall(ctx context.Context, messageID, userID int64) (*Message, error) {
	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, forbiddenf("only the sender can recall a message")
	}
	if msg.IsRecalled {
		return msg, nil
	}
	members, err := p.dir.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	at := p.now()
	c, unpinned, err := p.repo.RecallMessage(ctx, messageID, at)
	if err != nil {
		return nil, upstream("recall message", err)
	}
	msg.IsRecalled = true
	msg.RecalledAt = ptr(at)
	msg.Content = ptr("")
	msg.AttachmentURL, msg.AttachmentType = nil, nil
	msg.VoiceURL, msg.VoiceDuration = nil, nil

	audience := memberIDs(members)
	events := []*Event{{
		Type:     EventMessageRecalled,
		Audience: audience,
		Payload: MessageRecalledPayload{
			ConversationID: msg.ConversationID,
			MessageID:      messageID,
			SenderID:       userID,
			IsRecalled:     true,
			Content:        "",
			RecalledAt:     msg.RecalledAt,
		},
	}}
	if unpinned {
		events = append(events, &Event{
			Type:     EventMessageUnpinned,
			Audience: audience,
			Payload: MessagePinPayload{
				ConversationID: msg.ConversationID,
				MessageID:      messageID,
				UserID:         userID,
			},
		})
	}
	p.emit.Commit(msg.ConversationID, c, events...)

	logger.Log.Info("message_recalled",
		zap.Int64("message_id", messageID),
		zap.Int64("conversation_id", msg.ConversationID),
		zap.Bool("unpinned", unpinned))
	return msg, nil
}

func normalizeEmoji(emoji string) (string, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return "", invalidf("emoji required")
	}
	if len(emoji) > 32 {
		return "", invalidf("emoji too long")
	}
	return emoji, nil
}

// React toggles the caller's reaction with emoji
func (p *Pipeline) React(ctx context.Context, messageID, userID int64, emoji string) (*MessageReactionPayload, error) {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return nil, err
	}

	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.IsRecalled {
		return nil, notFoundf("message %d was recalled", messageID)
	}
	members, err := p.dir.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	c, added, err := p.repo.ToggleReaction(ctx, &Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: p.now(),
	})
	if err != nil {
		return nil, upstream("toggle reaction", err)
	}
	return p.publishReactions(ctx, msg, members, c, userID, emoji, added)
}

// Unreact removes the caller's reaction; removing an absent one is a no-op
func (p *Pipeline) Unreact(ctx context.Context, messageID, userID int64, emoji string) (*MessageReactionPayload, error) {
	emoji, err := normalizeEmoji(emoji)
	if err != nil {
		return nil, err
	}

	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	members, err := p.dir.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}

	c, err := p.repo.RemoveReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, upstream("remove reaction", err)
	}
	return p.publishReactions(ctx, msg, members, c, userID, emoji, false)
}

func (p *Pipeline) publishReactions(ctx context.Context, msg *Message, members []*Member, c Commit, userID int64, emoji string, added bool) (*MessageReactionPayload, error) {
	reactions, err := p.repo.ListReactions(ctx, msg.ID)
	if err != nil {
		p.emit.Abandon(msg.ConversationID, c)
		return nil, upstream("list reactions", err)
	}
	payload := &MessageReactionPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		UserID:         userID,
		Emoji:          emoji,
		Added:          added,
		Reactions:      GroupReactions(reactions),
	}
	p.emit.Commit(msg.ConversationID, c, &Event{
		Type:     EventMessageReaction,
		Audience: memberIDs(members),
		Payload:  payload,
	})
	return payload, nil
}

// Pin pins a message in its conversation, subject to the pin policy
func (p *Pipeline) Pin(ctx context.Context, messageID, userID int64) (*PinnedMessage, error) {
	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, conv, member, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if !p.dir.CanPin(conv, member) {
		return nil, forbiddenf("only admins can pin in this group")
	}
	if msg.IsRecalled {
		return nil, notFoundf("message %d was recalled", messageID)
	}
	members, err := p.dir.Members(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	pin := &PinnedMessage{
		ConversationID: conv.ID,
		MessageID:      messageID,
		PinnedBy:       userID,
		PinnedAt:       p.now(),
	}
	c, err := p.repo.PinMessage(ctx, pin)
	if err != nil {
		return nil, upstream("pin message", err)
	}
	if !c.Changed {
		existing, err := p.repo.GetPin(ctx, conv.ID, messageID)
		if err != nil {
			return nil, upstream("get pin", err)
		}
		return existing, nil
	}

	p.emit.Commit(conv.ID, c, &Event{
		Type:     EventMessagePinned,
		Audience: memberIDs(members),
		Payload: MessagePinPayload{
			ConversationID: conv.ID,
			MessageID:      messageID,
			UserID:         userID,
			Pinned:         true,
			PinnedAt:       ptr(pin.PinnedAt),
		},
	})
	return pin, nil
}

// Unpin removes a pin, subject to the pin policy
func (p *Pipeline) Unpin(ctx context.Context, messageID, userID int64) error {
	unlock := p.lockMessage(messageID)
	defer unlock()

	_, conv, member, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if !p.dir.CanPin(conv, member) {
		return forbiddenf("only admins can unpin in this group")
	}
	members, err := p.dir.Members(ctx, conv.ID)
	if err != nil {
		return err
	}

	c, err := p.repo.UnpinMessage(ctx, conv.ID, messageID)
	if err != nil {
		return upstream("unpin message", err)
	}
	p.emit.Commit(conv.ID, c, &Event{
		Type:     EventMessageUnpinned,
		Audience: memberIDs(members),
		Payload: MessagePinPayload{
			ConversationID: conv.ID,
			MessageID:      messageID,
			UserID:         userID,
		},
	})
	return nil
}

// Forward copies a message into each target conversation the caller belongs
// to. Copies are snapshots. Targets the caller cannot post in are skipped.
func (p *Pipeline) Forward(ctx context.Context, userID int64, req *ForwardRequest) (*ForwardResult, error) {
	// held until the last copy commits so a recall cannot land in between
	unlock := p.lockMessage(req.MessageID)
	defer unlock()

	orig, _, _, err := p.loadMessage(ctx, req.MessageID, userID)
	if err != nil {
		return nil, err
	}
	if orig.IsRecalled {
		return nil, notFoundf("message %d was recalled", req.MessageID)
	}
	targets := uniqueIDs(req.TargetConversationIDs, 0)
	if len(targets) == 0 {
		return nil, invalidf("at least one target conversation required")
	}

	result := &ForwardResult{Messages: []*Message{}, Skipped: []int64{}}
	for _, target := range targets {
		if _, _, err := p.dir.Authorize(ctx, target, userID); err != nil {
			if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
				result.Skipped = append(result.Skipped, target)
				continue
			}
			return result, err
		}

		cp := &Message{
			ConversationID:        target,
			SenderID:              userID,
			Content:               cloneString(orig.Content),
			AttachmentURL:         cloneString(orig.AttachmentURL),
			AttachmentType:        cloneString(orig.AttachmentType),
			VoiceURL:              cloneString(orig.VoiceURL),
			ForwardedFromID:       ptr(orig.ID),
			ForwardedFromSenderID: ptr(orig.SenderID),
		}
		if orig.VoiceDuration != nil {
			cp.VoiceDuration = ptr(*orig.VoiceDuration)
		}
		view, err := p.commitMessage(ctx, cp)
		if err != nil {
			return result, err
		}
		result.Messages = append(result.Messages, view)
	}

	logger.Log.Debug("message_forwarded",
		zap.Int64("message_id", orig.ID),
		zap.Int("copies", len(result.Messages)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

// MarkDelivered records delivery to the caller
func (p *Pipeline) MarkDelivered(ctx context.Context, messageID, userID int64) (*MessageStatusPayload, error) {
	return p.markStatus(ctx, messageID, userID, false)
}

// MarkSeen records that the caller viewed the message; delivery is implied
func (p *Pipeline) MarkSeen(ctx context.Context, messageID, userID int64) (*MessageStatusPayload, error) {
	return p.markStatus(ctx, messageID, userID, true)
}

func (p *Pipeline) markStatus(ctx context.Context, messageID, userID int64, seen bool) (*MessageStatusPayload, error) {
	unlock := p.lockMessage(messageID)
	defer unlock()

	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	payload := &MessageStatusPayload{
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		SenderID:       msg.SenderID,
		UserID:         userID,
	}
	members, err := p.dir.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		// senders hold no status row for their own message
		statuses, err := p.repo.ListMessageStatuses(ctx, messageID)
		if err != nil {
			return nil, upstream("list statuses", err)
		}
		payload.Summary = Summarize(statusRecipients(msg, members, statuses), statuses)
		return payload, nil
	}

	c, st, err := p.repo.UpsertMessageStatus(ctx, messageID, userID, seen, p.now())
	if err != nil {
		return nil, upstream("upsert status", err)
	}
	statuses, err := p.repo.ListMessageStatuses(ctx, messageID)
	if err != nil {
		p.emit.Abandon(msg.ConversationID, c)
		return nil, upstream("list statuses", err)
	}
	payload.DeliveredAt = st.DeliveredAt
	payload.SeenAt = st.SeenAt
	payload.Summary = Summarize(statusRecipients(msg, members, statuses), statuses)

	p.emit.Commit(msg.ConversationID, c, &Event{
		Type:     EventMessageStatus,
		Audience: memberIDs(members),
		Payload:  payload,
	})
	return payload, nil
}

// Queries

// ListMessages returns a newest-first page of the conversation as the caller sees it
func (p *Pipeline) ListMessages(ctx context.Context, convID, userID, beforeID int64, limit int) ([]*Message, error) {
	if _, _, err := p.dir.Authorize(ctx, convID, userID); err != nil {
		return nil, err
	}
	msgs, err := p.repo.ListMessages(ctx, MessageQuery{
		ConversationID: convID,
		ViewerID:       userID,
		BeforeID:       beforeID,
		Limit:          clampLimit(limit, 50, 100),
	})
	if err != nil {
		return nil, upstream("list messages", err)
	}
	return p.decorateAll(ctx, msgs, userID), nil
}

// Search finds messages containing query in one conversation
func (p *Pipeline) Search(ctx context.Context, convID, userID int64, query string, limit int) ([]*Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalidf("search query required")
	}
	if _, _, err := p.dir.Authorize(ctx, convID, userID); err != nil {
		return nil, err
	}
	msgs, err := p.repo.ListMessages(ctx, MessageQuery{
		ConversationID: convID,
		ViewerID:       userID,
		Limit:          clampLimit(limit, 20, 100),
		Search:         query,
	})
	if err != nil {
		return nil, upstream("search messages", err)
	}
	return p.decorateAll(ctx, msgs, userID), nil
}

// ListPins returns the pins of a conversation
func (p *Pipeline) ListPins(ctx context.Context, convID, userID int64) ([]*PinnedMessage, error) {
	if _, _, err := p.dir.Authorize(ctx, convID, userID); err != nil {
		return nil, err
	}
	pins, err := p.repo.ListPins(ctx, convID)
	if err != nil {
		return nil, upstream("list pins", err)
	}
	return pins, nil
}

// Statuses returns per-recipient rows and the tick summary of a message
func (p *Pipeline) Statuses(ctx context.Context, messageID, userID int64) ([]*MessageStatus, StatusSummary, error) {
	msg, _, _, err := p.loadMessage(ctx, messageID, userID)
	if err != nil {
		return nil, StatusSummary{}, err
	}
	members, err := p.dir.Members(ctx, msg.ConversationID)
	if err != nil {
		return nil, StatusSummary{}, err
	}
	statuses, err := p.repo.ListMessageStatuses(ctx, messageID)
	if err != nil {
		return nil, StatusSummary{}, upstream("list statuses", err)
	}
	return statuses, Summarize(statusRecipients(msg, members, statuses), statuses), nil
}

// statusRecipients counts who a message was addressed to: everyone holding a
// status row plus the active members, other than the sender, that had joined
// when it was sent. Missing rows then read as pending instead of shrinking
// the group.
func statusRecipients(msg *Message, members []*Member, statuses []*MessageStatus) int {
	ids := make(map[int64]struct{}, len(members)+len(statuses))
	for _, st := range statuses {
		ids[st.UserID] = struct{}{}
	}
	for _, m := range members {
		if m.UserID != msg.SenderID && !m.JoinedAt.After(msg.CreatedAt) {
			ids[m.UserID] = struct{}{}
		}
	}
	return len(ids)
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// decorate attaches sender, reply preview and reactions. Lookups are
// best-effort; a failed one leaves the field empty.
func (p *Pipeline) decorate(ctx context.Context, msg *Message, viewerID int64) *Message {
	return p.decorateWith(ctx, msg, viewerID, make(map[int64]*UserInfo))
}

func (p *Pipeline) decorateAll(ctx context.Context, msgs []*Message, viewerID int64) []*Message {
	users := make(map[int64]*UserInfo)
	for i, m := range msgs {
		msgs[i] = p.decorateWith(ctx, m, viewerID, users)
	}
	return msgs
}

func (p *Pipeline) decorateWith(ctx context.Context, msg *Message, viewerID int64, users map[int64]*UserInfo) *Message {
	if u, ok := users[msg.SenderID]; ok {
		msg.Sender = u
	} else if u, err := p.repo.GetUserInfo(ctx, msg.SenderID); err == nil {
		users[msg.SenderID] = u
		msg.Sender = u
	}

	if msg.ReplyToID != nil {
		msg.ReplyTo = p.replyPreview(ctx, *msg.ReplyToID, viewerID)
	}

	if reactions, err := p.repo.ListReactions(ctx, msg.ID); err == nil && len(reactions) > 0 {
		msg.Reactions = GroupReactions(reactions)
	}
	return msg
}

// replyPreview renders a weak reference; a missing, recalled or hidden
// target is shown as unavailable
func (p *Pipeline) replyPreview(ctx context.Context, targetID, viewerID int64) *ReplyPreview {
	preview := &ReplyPreview{MessageID: targetID, Unavailable: true}
	target, err := p.repo.GetMessage(ctx, targetID)
	if err != nil || target.IsRecalled {
		return preview
	}
	if viewerID > 0 {
		vis, err := p.repo.GetMessageVisibility(ctx, targetID, viewerID)
		if err != nil || vis.Hidden {
			return preview
		}
	}
	preview.SenderID = target.SenderID
	preview.Content = target.Content
	preview.Unavailable = false
	return preview
}

// notifyOffline sends a best-effort notice to recipients without a live
// session; failures never reach the sender
func (p *Pipeline) notifyOffline(msg *Message, recipients []int64) {
	if p.notifier == nil || p.presence == nil {
		return
	}
	senderName := fmt.Sprintf("user %d", msg.SenderID)
	if msg.Sender != nil && msg.Sender.DisplayName != "" {
		senderName = msg.Sender.DisplayName
	}

	for _, uid := range recipients {
		if p.presence.IsOnline(uid) {
			continue
		}
		p.notices.Add(1)
		go func(recipientID int64) {
			defer p.notices.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			user, err := p.repo.GetUserInfo(ctx, recipientID)
			if err != nil || user.Email == nil || *user.Email == "" {
				offlineNoticesTotal.WithLabelValues("no_address").Inc()
				return
			}
			sent, err := p.notifier.NotifyOffline(ctx, notification.OfflineNotice{
				RecipientID:    recipientID,
				RecipientEmail: *user.Email,
				RecipientName:  user.DisplayName,
				ConversationID: msg.ConversationID,
				MessageID:      msg.ID,
				SenderName:     senderName,
				Preview:        noticePreview(msg),
				SentAt:         msg.CreatedAt,
			})
			switch {
			case err != nil:
				offlineNoticesTotal.WithLabelValues("failed").Inc()
				logger.Log.Warn("offline_notice_failed",
					zap.Int64("recipient_id", recipientID),
					zap.Int64("message_id", msg.ID),
					zap.Error(err))
			case sent:
				offlineNoticesTotal.WithLabelValues("sent").Inc()
			default:
				offlineNoticesTotal.WithLabelValues("suppressed").Inc()
			}
		}(uid)
	}
}

func noticePreview(msg *Message) string {
	if msg.Content != nil && *msg.Content != "" {
		runes := []rune(*msg.Content)
		if len(runes) > 80 {
			return string(runes[:80]) + "..."
		}
		return *msg.Content
	}
	switch {
	case msg.AttachmentType != nil:
		return "Sent a " + *msg.AttachmentType
	case msg.VoiceURL != nil:
		return "Sent a voice note"
	default:
		return "Sent a message"
	}
}
