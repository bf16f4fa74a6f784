package notification

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"finlink/internal/domain/link"
	"finlink/internal/shared/messages"
)

// Service publishes link alerts to the owning user's devices. With a nil
// messenger alerts are only logged.
type Service struct {
	messenger Messenger
	messages  *messages.Messages
	logger    *zap.Logger
}

// NewService creates a new notification service
func NewService(messenger Messenger, msgs *messages.Messages, logger *zap.Logger) *Service {
	if msgs == nil {
		msgs = messages.Default()
	}
	return &Service{messenger: messenger, messages: msgs, logger: logger}
}

// RelinkRequired tells the user a link lost its credential.
func (s *Service) RelinkRequired(ctx context.Context, l *link.InstitutionLink, errorCode string) {
	s.send(ctx, l, KindRelinkRequired, s.messages.RelinkRequired, 0, map[string]string{"errorCode": errorCode})
}

// SyncCompleted reports how many new transactions a sync stored.
// Nothing is sent when there are none.
func (s *Service) SyncCompleted(ctx context.Context, l *link.InstitutionLink, added int) {
	if added == 0 {
		return
	}
	s.send(ctx, l, KindSyncComplete, s.messages.SyncComplete, added, map[string]string{"added": strconv.Itoa(added)})
}

// LinkRevoked confirms a disconnect.
func (s *Service) LinkRevoked(ctx context.Context, l *link.InstitutionLink) {
	s.send(ctx, l, KindLinkRevoked, s.messages.LinkRevoked, 0, nil)
}

func (s *Service) send(ctx context.Context, l *link.InstitutionLink, kind string, text messages.MessageText, count int, data map[string]string) {
	rendered := text.Render(l.InstitutionName, count)

	if data == nil {
		data = make(map[string]string)
	}
	data["kind"] = kind
	data["linkId"] = l.ID

	logger := s.logger.With(
		zap.String("link_id", l.ID),
		zap.String("kind", kind),
	)
	if s.messenger == nil {
		logger.Info("link alert", zap.String("title", rendered.Title))
		return
	}

	// Alerts are best effort; a failed push never fails the operation.
	if err := s.messenger.SendToTopic(ctx, Topic(l.ClientUserID), rendered.Title, rendered.Body, data); err != nil {
		logger.Warn("failed to send link alert", zap.Error(err))
	}
}
