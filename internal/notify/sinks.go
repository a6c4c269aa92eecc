package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
	tele "gopkg.in/telebot.v4"
)

// Config selects and configures the sinks.
type Config struct {
	Buffer   int            `toml:"buffer" yaml:"buffer" env:"HERALD_NOTIFY_BUFFER" validate:"gte=0"`
	Email    EmailConfig    `toml:"email" yaml:"email"`
	Telegram TelegramConfig `toml:"telegram" yaml:"telegram"`
}

// EmailConfig holds SMTP settings for the email sink.
type EmailConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled" env:"HERALD_NOTIFY_EMAIL_ENABLED"`
	Host     string   `toml:"host" yaml:"host" env:"HERALD_NOTIFY_EMAIL_HOST" validate:"required_if=Enabled true"`
	Port     int      `toml:"port" yaml:"port" env:"HERALD_NOTIFY_EMAIL_PORT" validate:"gte=0,lte=65535"`
	Username string   `toml:"username" yaml:"username" env:"HERALD_NOTIFY_EMAIL_USERNAME"`
	Password string   `toml:"password" yaml:"password" env:"HERALD_NOTIFY_EMAIL_PASSWORD"`
	From     string   `toml:"from" yaml:"from" env:"HERALD_NOTIFY_EMAIL_FROM" validate:"omitempty,email"`
	To       []string `toml:"to" yaml:"to" env:"HERALD_NOTIFY_EMAIL_TO" envSeparator:","`
}

// TelegramConfig holds bot settings for the Telegram sink.
type TelegramConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled" env:"HERALD_NOTIFY_TELEGRAM_ENABLED"`
	Token   string `toml:"token" yaml:"token" env:"HERALD_NOTIFY_TELEGRAM_TOKEN" validate:"required_if=Enabled true"`
	ChatID  int64  `toml:"chat_id" yaml:"chat_id" env:"HERALD_NOTIFY_TELEGRAM_CHAT_ID"`
}

// DefaultConfig returns a config with only the log sink.
func DefaultConfig() Config {
	return Config{
		Buffer: DefaultBuffer,
		Email:  EmailConfig{Port: 587},
	}
}

// NewSinks builds the log sink plus whichever remote sinks are enabled.
func NewSinks(cfg Config, logger zerolog.Logger) ([]Sink, error) {
	sinks := []Sink{NewLogSink(logger)}

	if cfg.Email.Enabled {
		s, err := NewEmailSink(cfg.Email)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if cfg.Telegram.Enabled {
		s, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	return sinks, nil
}

// LogSink writes notifications to the application log.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("sink", "log").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	level := zerolog.InfoLevel
	if n.Kind == KindAlert || n.NewStatus == "failed" {
		level = zerolog.WarnLevel
	}

	s.logger.WithLevel(level).
		Str("notification_id", n.ID).
		Str("kind", string(n.Kind)).
		Str("entry_id", n.EntryID).
		Str("article_ref", n.ArticleRef).
		Str("old_status", string(n.OldStatus)).
		Str("new_status", string(n.NewStatus)).
		Time("occurrence", n.Occurrence).
		Msg(n.Reason)
	return nil
}

// EmailSink mails each notification over SMTP.
type EmailSink struct {
	from string
	to   []string
	send func(m ...*gomail.Message) error
}

func NewEmailSink(cfg EmailConfig) (*EmailSink, error) {
	if cfg.Host == "" {
		return nil, errors.New("email sink: host is required")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("email sink: at least one recipient is required")
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &EmailSink{from: from, to: cfg.To, send: dialer.DialAndSend}, nil
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := s.message(n)
	if err := s.send(msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (s *EmailSink) message(n Notification) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", s.to...)
	msg.SetHeader("Subject", n.Subject())
	msg.SetBody("text/plain", n.Text())
	return msg
}

// messenger is the part of *tele.Bot the Telegram sink uses.
type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink posts each notification to a chat.
type TelegramSink struct {
	bot  messenger
	chat *tele.Chat
}

// NewTelegramSink creates an offline bot: it only sends, so it never polls
// for updates or calls getMe at startup.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram sink: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram sink: chat_id is required")
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram sink: %w", err)
	}
	return &TelegramSink{bot: bot, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.bot.Send(s.chat, n.Text(), tele.NoPreview); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
