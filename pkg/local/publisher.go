package local

import (
	"go.uber.org/zap"

	"commune/pkg/federation"
)

// Publisher delivers federation events to the local platform. This
// implementation logs them; a real deployment fans them out to
// connected clients.
type Publisher struct {
	logger *zap.Logger
}

// NewPublisher creates a logging publisher.
func NewPublisher(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

func (p *Publisher) PublishMessage(msg federation.InboundMessage) {
	author := msg.Author.LocalUserID
	if msg.Author.IsFederated() {
		author = msg.Author.Remote.Username
	}
	p.logger.Info("federated message",
		zap.String("channel", msg.LocalChannelID),
		zap.String("author", author),
		zap.String("origin", msg.OriginName),
		zap.String("content", msg.Content))
}

func (p *Publisher) PublishChannelUpdate(localChannelID, name, description string) {
	p.logger.Info("federated channel update",
		zap.String("channel", localChannelID),
		zap.String("name", name),
		zap.String("description", description))
}

func (p *Publisher) PublishUserStatus(originServer, username, status string) {
	p.logger.Info("federated user status",
		zap.String("origin", originServer),
		zap.String("user", username),
		zap.String("status", status))
}

func (p *Publisher) PublishVoiceState(localChannelID, username string, joined, speaking bool) {
	p.logger.Info("federated voice state",
		zap.String("channel", localChannelID),
		zap.String("user", username),
		zap.Bool("joined", joined),
		zap.Bool("speaking", speaking))
}
