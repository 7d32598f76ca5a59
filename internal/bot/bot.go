package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/zette-dev/tether/internal/config"
	"github.com/zette-dev/tether/internal/executor"
	"github.com/zette-dev/tether/internal/session"
)

const callbackTimeout = 15 * time.Second

// Sessions is the session registry the bot drives.
type Sessions interface {
	Create(chatID int64) session.StatusInfo
	Status(chatID int64) session.StatusInfo
	Terminate(chatID int64) bool
	Interrupt(chatID int64) bool
	Send(ctx context.Context, chatID int64, text string) (executor.Response, error)
	SendImage(ctx context.Context, chatID int64, path, caption string) (executor.Response, error)
}

// Bot wraps the Telegram bot and routes messages to sessions.
type Bot struct {
	bot      *bot.Bot
	sessions Sessions
	editIvl  time.Duration
	imageDir string
	allowed  map[int64]bool
	client   *http.Client

	mu     sync.Mutex
	status map[int64]*statusMessage
}

// statusMessage is the single progress message kept per in-flight send and
// edited in place as events arrive.
type statusMessage struct {
	id       int
	text     string
	lastEdit time.Time
}

// New creates a Telegram bot wired to the given sessions.
func New(cfg config.TelegramConfig, sess config.SessionConfig, sessions Sessions) (*Bot, error) {
	allowed := make(map[int64]bool, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = true
	}

	b := &Bot{
		sessions: sessions,
		editIvl:  sess.EditInterval,
		imageDir: sess.ImageDir,
		allowed:  allowed,
		client:   &http.Client{Timeout: 60 * time.Second},
		status:   make(map[int64]*statusMessage),
	}

	opts := []bot.Option{
		bot.WithMiddlewares(b.authMiddleware),
		bot.WithDefaultHandler(b.handleMessage),
	}

	tgBot, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	b.bot = tgBot
	return b, nil
}

// Start begins long polling. Blocks until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	slog.Info("telegram bot starting long poll")
	b.bot.Start(ctx)
}

// Handlers returns the session notification handlers that report back to
// the chats.
func (b *Bot) Handlers() session.Handlers {
	return session.Handlers{
		Progress: b.onProgress,
		Ended:    b.onEnded,
		Warning:  b.onWarning,
	}
}

// authMiddleware silently drops messages from unauthorized users.
func (b *Bot) authMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, tg *bot.Bot, update *models.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}
		if !b.allowed[update.Message.From.ID] {
			slog.Warn("unauthorized message", "user_id", update.Message.From.ID)
			return
		}
		next(ctx, tg, update)
	}
}

// handleMessage dispatches commands, photos and text.
func (b *Bot) handleMessage(ctx context.Context, tg *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	chatID := msg.Chat.ID

	if len(msg.Photo) > 0 {
		go b.handlePhoto(ctx, tg, msg)
		return
	}
	if msg.Text == "" {
		return
	}

	switch parseCommand(msg.Text) {
	case "":
		go b.handleText(ctx, tg, chatID, msg.Text)
	case "new", "start":
		info := b.sessions.Create(chatID)
		b.reply(ctx, chatID, fmt.Sprintf("Session ready (%s, %s).", info.Backend, info.ConversationID))
	case "kill":
		if b.sessions.Terminate(chatID) {
			b.reply(ctx, chatID, "Session ended.")
		} else {
			b.reply(ctx, chatID, "No active session.")
		}
	case "stop":
		if !b.sessions.Interrupt(chatID) {
			b.reply(ctx, chatID, "Nothing is running.")
		}
	case "status":
		b.reply(ctx, chatID, formatStatus(b.sessions.Status(chatID)))
	default:
		b.reply(ctx, chatID, "Unknown command. Use /new, /stop, /kill or /status.")
	}
}

func (b *Bot) handleText(ctx context.Context, tg *bot.Bot, chatID int64, text string) {
	b.typing(ctx, tg, chatID)
	resp, err := b.sessions.Send(ctx, chatID, text)
	b.finish(ctx, chatID, resp, err)
}

func (b *Bot) handlePhoto(ctx context.Context, tg *bot.Bot, msg *models.Message) {
	chatID := msg.Chat.ID
	b.typing(ctx, tg, chatID)

	path, err := b.downloadPhoto(ctx, tg, msg)
	if err != nil {
		slog.Error("download photo failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Could not download that image.")
		return
	}

	resp, err := b.sessions.SendImage(ctx, chatID, path, msg.Caption)
	b.finish(ctx, chatID, resp, err)
}

// finish posts the outcome of a send and forgets its status message.
func (b *Bot) finish(ctx context.Context, chatID int64, resp executor.Response, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		b.reply(ctx, chatID, "No active session. Send /new to start one.")
		return
	case errors.Is(err, session.ErrBusy):
		b.reply(ctx, chatID, "Still working on your previous message. Send /stop to cancel it.")
		return
	case err != nil:
		slog.Error("session send failed", "chat_id", chatID, "error", err)
		b.reply(ctx, chatID, "Something went wrong. Please try again.")
		return
	}

	b.mu.Lock()
	delete(b.status, chatID)
	b.mu.Unlock()

	for _, part := range splitMessage(formatResponse(resp), maxMessageLen) {
		b.reply(ctx, chatID, part)
	}
}

// downloadPhoto saves the largest size of a photo into the image directory
// and returns its path.
func (b *Bot) downloadPhoto(ctx context.Context, tg *bot.Bot, msg *models.Message) (string, error) {
	photo := msg.Photo[0]
	for _, p := range msg.Photo[1:] {
		if p.Width*p.Height > photo.Width*photo.Height {
			photo = p
		}
	}

	file, err := tg.GetFile(ctx, &bot.GetFileParams{FileID: photo.FileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tg.FileDownloadLink(file), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		// Drop the URL, it embeds the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(b.imageDir, 0o700); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".jpg"
	}
	path := filepath.Join(b.imageDir, fmt.Sprintf("%d-%s%s", msg.Chat.ID, photo.FileUniqueID, ext))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create image: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}

	slog.Info("photo saved", "chat_id", msg.Chat.ID, "path", path)
	return path, nil
}

// onProgress keeps one status message per send up to date. Edits are
// throttled to the edit interval; user input requests always get their own
// message.
func (b *Bot) onProgress(chatID int64, evt executor.Event) {
	text := formatEvent(evt)
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if evt.Kind == executor.KindUserInput {
		b.reply(ctx, chatID, text)
		return
	}

	text = truncateRunes(text, maxMessageLen)

	b.mu.Lock()
	st, ok := b.status[chatID]
	if !ok {
		st = &statusMessage{}
		b.status[chatID] = st
	}
	if st.text == text || (st.id != 0 && time.Since(st.lastEdit) < b.editIvl) {
		b.mu.Unlock()
		return
	}
	id := st.id
	st.text = text
	st.lastEdit = time.Now()
	b.mu.Unlock()

	if id == 0 {
		sent, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
		if err != nil {
			slog.Error("send status failed", "chat_id", chatID, "error", err)
			return
		}
		b.mu.Lock()
		st.id = sent.ID
		b.mu.Unlock()
		return
	}

	if _, err := b.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: id,
		Text:      text,
	}); err != nil {
		slog.Debug("edit status failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) onEnded(chatID int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	switch reason {
	case session.ReasonIdleTimeout:
		b.reply(ctx, chatID, "Session ended after inactivity. Send /new to start another.")
	default:
		b.reply(ctx, chatID, fmt.Sprintf("Session ended (%s).", reason))
	}
}

func (b *Bot) onWarning(chatID int64, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	b.reply(ctx, chatID, msg)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		slog.Error("send message failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) typing(ctx context.Context, tg *bot.Bot, chatID int64) {
	if _, err := tg.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	}); err != nil {
		slog.Debug("send chat action failed", "chat_id", chatID, "error", err)
	}
}
