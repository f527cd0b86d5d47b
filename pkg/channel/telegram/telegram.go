package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"pincer/pkg/bus"
	"pincer/pkg/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second
const maxMediaBytes = 20 << 20

// Adapter bridges Telegram updates into bus messages. Inbound text and
// photos are published to the bus; replies come back asynchronously
// through the outbound dispatcher and are sent to the originating chat.
type Adapter struct {
	cfg        config.TelegramConfig
	discussion config.DiscussionConfig
	allowFrom  map[string]struct{}
	log        *slog.Logger

	randFloat func() float64

	subscribeOnce sync.Once

	mu      sync.Mutex
	bot     *telego.Bot
	botID   int64
	botUser string
	typing  map[int64]context.CancelFunc
	rounds  map[string]int
}

// NewAdapter validates Telegram configuration and constructs an adapter.
// The discussion config paces replies to unaddressed group chatter.
func NewAdapter(cfg config.TelegramConfig, discussion config.DiscussionConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:        cfg,
		discussion: discussion,
		allowFrom:  allowFromSet(cfg.AllowFrom),
		log:        log.With("component", "channel.telegram"),
		randFloat:  rand.Float64,
		typing:     make(map[int64]context.CancelFunc),
		rounds:     make(map[string]int),
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts long polling and forwards messages to the bus. It blocks
// until ctx is done or the transport fails.
func (a *Adapter) Run(ctx context.Context, mb *bus.MessageBus) error {
	if mb == nil {
		return errors.New("message bus is required")
	}

	bot, err := a.newBot()
	if err != nil {
		return err
	}

	me, err := bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("identify telegram bot: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.botID = me.ID
	a.botUser = me.Username
	a.mu.Unlock()

	a.subscribeOnce.Do(func() {
		mb.SubscribeOutbound(channelName, a.deliver)
	})

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "bot", me.Username)

	for {
		select {
		case <-ctx.Done():
			a.stopAllTyping()
			return nil
		case update, ok := <-updates:
			if !ok {
				a.stopAllTyping()
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}
			a.handleUpdate(ctx, mb, update)
		}
	}
}

func (a *Adapter) newBot() (*telego.Bot, error) {
	token := strings.TrimSpace(a.cfg.Token)

	proxy := strings.TrimSpace(a.cfg.Proxy)
	if proxy != "" {
		client := &fasthttp.Client{Dial: fasthttpproxy.FasthttpHTTPDialer(proxy)}
		bot, err := telego.NewBot(token, telego.WithFastHTTPClient(client))
		if err != nil {
			return nil, fmt.Errorf("initialize telegram bot with proxy: %w", err)
		}
		return bot, nil
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}
	return bot, nil
}

func (a *Adapter) handleUpdate(ctx context.Context, mb *bus.MessageBus, update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return
	}

	content := strings.TrimSpace(message.Text)
	var media []string
	if len(message.Photo) > 0 {
		path, err := a.fetchPhoto(ctx, message.Photo)
		if err != nil {
			a.log.Warn("Failed to fetch photo", "error", err)
		} else {
			media = append(media, path)
		}
		if content == "" {
			content = strings.TrimSpace(message.Caption)
		}
		if content == "" {
			content = "[photo]"
		}
	}
	if content == "" {
		// Stickers, voice notes and other updates carry no usable text.
		return
	}

	if !a.shouldReply(message) {
		a.log.Debug("Sitting out this round", "chat_id", message.Chat.ID)
		return
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	inbound := bus.InboundMessage{
		Channel:    channelName,
		SenderID:   senderID,
		ChatID:     chatID,
		SessionKey: sessionKey(chatID),
		Content:    content,
		Media:      media,
		Metadata:   map[string]string{"update_id": strconv.Itoa(update.UpdateID)},
	}

	a.log.Info("Received message",
		"chat_id", chatID,
		"sender_id", senderID,
		"session_key", inbound.SessionKey,
		"content", previewText(content))

	a.startTyping(ctx, message.Chat.ID)

	if !mb.PublishInbound(ctx, inbound) {
		a.stopTyping(message.Chat.ID)
		a.log.Warn("Inbound queue rejected message", "chat_id", chatID)
	}
}

// deliver is the outbound subscriber for this channel. Every accepted
// inbound eventually produces either a reply or a push on the same chat,
// so each typing timer started in handleUpdate is canceled here.
func (a *Adapter) deliver(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.ChatID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}

	a.stopTyping(chatID)

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		text = strings.TrimSpace(msg.Error)
	}
	if text == "" {
		// Delivery receipts for already-pushed replies have no text.
		return nil
	}

	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return errors.New("telegram bot is not running")
	}

	a.log.Info("Sending message", "chat_id", msg.ChatID, "content", previewText(text))

	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}

	return nil
}

// shouldReply applies conversation pacing in group chats. Direct chats
// and addressed messages (a mention or a reply to the bot) always get a
// reply and reset the chat's round counter. Unaddressed group chatter is
// answered with decaying probability, bounded by the round cap.
func (a *Adapter) shouldReply(message *telego.Message) bool {
	if message.Chat.Type != telego.ChatTypeGroup && message.Chat.Type != telego.ChatTypeSupergroup {
		return true
	}

	chatKey := strconv.FormatInt(message.Chat.ID, 10)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isAddressed(message) {
		a.rounds[chatKey] = 0
		return true
	}

	round := a.rounds[chatKey]
	if round >= a.discussion.EffectiveMaxRounds() {
		return false
	}
	if a.randFloat() > a.discussion.ReplyProbability(round) {
		return false
	}

	a.rounds[chatKey] = round + 1
	return true
}

// isAddressed reports whether the message mentions the bot or replies to
// one of its messages. Callers hold a.mu.
func (a *Adapter) isAddressed(message *telego.Message) bool {
	if a.botUser != "" && strings.Contains(message.Text, "@"+a.botUser) {
		return true
	}

	reply := message.ReplyToMessage
	return reply != nil && reply.From != nil && reply.From.ID == a.botID
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// fetchPhoto downloads the largest rendition of a photo into the local
// media cache and returns its path.
func (a *Adapter) fetchPhoto(ctx context.Context, sizes []telego.PhotoSize) (string, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil {
		return "", errors.New("telegram bot is not running")
	}

	// Telegram lists renditions in ascending size.
	largest := sizes[len(sizes)-1]
	file, err := bot.GetFile(ctx, &telego.GetFileParams{FileID: largest.FileID})
	if err != nil {
		return "", fmt.Errorf("resolve file: %w", err)
	}

	dir := filepath.Join(os.TempDir(), "pincer-telegram")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare media dir: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, bot.FileDownloadURL(file.FilePath), nil)
	if err != nil {
		return "", err
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: status %d", response.StatusCode)
	}

	path := filepath.Join(dir, file.FileUniqueID+filepath.Ext(file.FilePath))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(response.Body, maxMediaBytes)); err != nil {
		return "", fmt.Errorf("save file: %w", err)
	}

	return path, nil
}

func (a *Adapter) startTyping(ctx context.Context, chatID int64) {
	a.mu.Lock()
	if cancel, ok := a.typing[chatID]; ok {
		cancel()
	}
	typingCtx, cancel := context.WithCancel(ctx)
	a.typing[chatID] = cancel
	bot := a.bot
	a.mu.Unlock()

	if bot == nil {
		cancel()
		return
	}

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

func (a *Adapter) stopTyping(chatID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cancel, ok := a.typing[chatID]; ok {
		cancel()
		delete(a.typing, chatID)
	}
}

func (a *Adapter) stopAllTyping() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, cancel := range a.typing {
		cancel()
		delete(a.typing, id)
	}
}

// sessionKey maps one Telegram chat to one session namespace.
func sessionKey(chatID string) string {
	return channelName + ":" + strings.TrimSpace(chatID)
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
