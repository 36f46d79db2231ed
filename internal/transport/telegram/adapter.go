// Package telegram adapts the Telegram Bot API (via telebot) to the
// transport.Adapter surface used by the core.
package telegram

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	rtsup "github.com/hidarameen/Hodhod/internal/runtime/supervisor"
	kit "github.com/hidarameen/Hodhod/internal/transport"
	logx "github.com/hidarameen/Hodhod/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	DownloadDir string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Item)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop logger; created on Start(),
	// cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedItems counts items dropped because the consumer was slower
	// than the poll loop. Logged periodically, not per item.
	droppedItems uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Item
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel; Start() may swap it.
	forward := func(kind kit.MediaKind, ref func(m *tele.Message) string) func(c tele.Context) error {
		return func(c tele.Context) error {
			m := c.Message()
			if m == nil {
				return nil
			}
			text := m.Text
			if text == "" {
				text = m.Caption
			}
			it := kit.Item{
				MessageID:    m.ID,
				SourceChatID: m.Chat.ID,
				GroupKey:     groupKey(m),
				Text:         text,
				Kind:         kind,
				ReceivedAt:   time.Now(),
			}
			if ref != nil {
				it.MediaRef = ref(m)
			}
			a.sendItem(it)
			return nil
		}
	}

	a.bot.Handle(tele.OnText, forward(kit.MediaNone, nil))
	a.bot.Handle(tele.OnPhoto, forward(kit.MediaPhoto, func(m *tele.Message) string {
		if m.Photo == nil {
			return ""
		}
		return m.Photo.FileID
	}))
	a.bot.Handle(tele.OnVideo, forward(kit.MediaVideo, func(m *tele.Message) string {
		if m.Video == nil {
			return ""
		}
		return m.Video.FileID
	}))
	a.bot.Handle(tele.OnAudio, forward(kit.MediaAudio, func(m *tele.Message) string {
		if m.Audio == nil {
			return ""
		}
		return m.Audio.FileID
	}))
	a.bot.Handle(tele.OnDocument, forward(kit.MediaDocument, func(m *tele.Message) string {
		if m.Document == nil {
			return ""
		}
		return m.Document.FileID
	}))
}

// groupKey scopes the platform album id by chat so two chats posting albums
// with the same id never merge.
func groupKey(m *tele.Message) string {
	if m.AlbumID == "" {
		return ""
	}
	return strconv.FormatInt(m.Chat.ID, 10) + "_" + m.AlbumID
}

func (a *Adapter) sendItem(it kit.Item) {
	outAny := a.out.Load()
	out, _ := outAny.(chan<- kit.Item)
	if out == nil {
		return
	}
	select {
	case out <- it:
	default:
		atomic.AddUint64(&a.droppedItems, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Item) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return errors.New("telegram adapter already started")
	}
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))))

	a.sup.Go("poll", func(c context.Context) error {
		// telebot's Start blocks until Stop is called.
		a.bot.Start()
		return nil
	})
	a.sup.Go("stop-watch", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})
	a.sup.GoRestart("drop-log", func(c context.Context) error {
		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()
		var last uint64
		for {
			select {
			case <-c.Done():
				return nil
			case <-tick.C:
				n := atomic.LoadUint64(&a.droppedItems)
				if n != last {
					a.log.Warn("inbound items dropped", logx.Uint64("total_dropped", n))
					last = n
				}
			}
		}
	})

	a.running = true
	a.log.Info("telegram adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.running = false
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (a *Adapter) SendText(ctx context.Context, to kit.Destination, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	msg, err := a.bot.Send(recipient(to), text, sendOpts(to, opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to kit.Destination, media []kit.MediaFile, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if len(media) == 0 {
		return a.SendText(ctx, to, caption, opt)
	}
	if len(media) == 1 {
		msg, err := a.bot.Send(recipient(to), sendable(media[0], caption), sendOpts(to, opt))
		if err != nil {
			return kit.MessageRef{}, err
		}
		return kit.MessageRef{ChatID: msg.Chat.ID, MessageID: msg.ID}, nil
	}

	album := make(tele.Album, 0, len(media))
	for i, m := range media {
		// Telegram renders only the first caption of an album.
		c := ""
		if i == 0 {
			c = caption
		}
		album = append(album, sendable(m, c))
	}
	msgs, err := a.bot.SendAlbum(recipient(to), album, sendOpts(to, opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	if len(msgs) == 0 {
		return kit.MessageRef{}, errors.New("album send returned no messages")
	}
	return kit.MessageRef{ChatID: msgs[0].Chat.ID, MessageID: msgs[0].ID}, nil
}

func (a *Adapter) Download(ctx context.Context, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", errors.New("empty media ref")
	}
	dir := a.cfg.DownloadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "hodhod-media")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, uuid.NewString())
	f := &tele.File{FileID: ref}
	if err := a.bot.Download(f, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func recipient(to kit.Destination) tele.Recipient { return tele.ChatID(to.ChatID) }

func sendOpts(to kit.Destination, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt != nil {
		so.ParseMode = opt.ParseMode
		so.DisableWebPagePreview = opt.DisablePreview
	}
	return so
}

func sendable(m kit.MediaFile, caption string) tele.Inputtable {
	var file tele.File
	if m.Path != "" {
		file = tele.FromDisk(m.Path)
	} else {
		file = tele.File{FileID: m.Ref}
	}
	switch m.Kind {
	case kit.MediaVideo:
		v := &tele.Video{File: file, Caption: caption}
		if m.Thumb != "" {
			v.Thumbnail = &tele.Photo{File: tele.FromDisk(m.Thumb)}
		}
		return v
	case kit.MediaAudio:
		return &tele.Audio{File: file, Caption: caption}
	case kit.MediaDocument:
		return &tele.Document{File: file, Caption: caption}
	default:
		return &tele.Photo{File: file, Caption: caption}
	}
}
