package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chatroom/internal/feed"
	"chatroom/internal/storage"
	"chatroom/internal/store"
	"chatroom/internal/util"
	"chatroom/pkg/domain"
)

var (
	// ErrNotAuthenticated means no user is bound to the engine; callers
	// should redirect to sign-in instead of rendering the room.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrEmptyMessage rejects a send with blank text and no attachment.
	ErrEmptyMessage = errors.New("empty message")
	// ErrUploadFailed aborts a send before any message insert is attempted.
	ErrUploadFailed = errors.New("attachment upload failed")
	// ErrInsertFailed reports a failed message insert; an already uploaded
	// attachment is left orphaned.
	ErrInsertFailed = errors.New("message insert failed")
	// ErrStoreUnavailable reports a failed history load; the message list
	// stays empty and the engine does not retry.
	ErrStoreUnavailable = errors.New("message store unavailable")
)

const (
	defaultStoreTimeout  = 5 * time.Second
	defaultUploadTimeout = 30 * time.Second
)

// Attachment is a pending file for Send.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Data        io.Reader
}

// Config wires one engine instance to its collaborators.
type Config struct {
	Store   store.Store
	Feed    *feed.Feed
	Objects storage.ObjectStore

	Room   string
	UserID string // empty means unauthenticated

	// EchoReverse appends a synthetic reversed-text reply for every merged
	// message. Fixture behavior, off by default.
	EchoReverse bool

	StoreTimeout  time.Duration
	UploadTimeout time.Duration
}

// Engine owns the message list for one connected client: it performs the
// initial history load, merges live feed events without duplication, and
// writes sends through the attachment and message stores. The list itself is
// only ever extended by the feed echo, never by an optimistic append.
//
// All list mutation is serialized by the engine mutex; after Close no async
// result may touch the list.
type Engine struct {
	store   store.Store
	feed    *feed.Feed
	objects storage.ObjectStore

	room          string
	userID        string
	echoReverse   bool
	storeTimeout  time.Duration
	uploadTimeout time.Duration

	mu       sync.Mutex
	messages []domain.Message
	seen     map[string]struct{}
	closed   bool
	onAppend func(domain.Message)

	sub       *feed.Subscription
	closeOnce sync.Once
}

// NewEngine builds an engine for one client session.
func NewEngine(cfg Config) *Engine {
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = defaultUploadTimeout
	}
	return &Engine{
		store:         cfg.Store,
		feed:          cfg.Feed,
		objects:       cfg.Objects,
		room:          cfg.Room,
		userID:        cfg.UserID,
		echoReverse:   cfg.EchoReverse,
		storeTimeout:  storeTimeout,
		uploadTimeout: uploadTimeout,
		seen:          make(map[string]struct{}),
	}
}

// OnAppend registers a callback invoked for every message merged into the
// list. Views use it to push the new tail to the client so the display stays
// pinned to the latest message. Must be set before Start.
func (e *Engine) OnAppend(fn func(domain.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAppend = fn
}

// LoadHistory reads the full room history, ordered by created_at ascending,
// into the engine. On store failure the list stays empty and the engine does
// not retry; the error is logged and reported once.
func (e *Engine) LoadHistory(ctx context.Context) ([]domain.Message, error) {
	if e.userID == "" {
		return nil, ErrNotAuthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	history, err := e.store.ListMessages(ctx, e.room)
	if err != nil {
		slog.Error("history load failed", "room", e.room, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil
	}
	for _, msg := range history {
		if _, dup := e.seen[msg.ID]; dup {
			continue
		}
		e.seen[msg.ID] = struct{}{}
		e.messages = append(e.messages, msg)
	}
	return e.snapshotLocked(), nil
}

// Start opens the live feed subscription. Events are merged one at a time in
// delivery order.
func (e *Engine) Start(ctx context.Context) error {
	if e.userID == "" {
		return ErrNotAuthenticated
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	if e.sub != nil {
		return errors.New("engine already started")
	}
	e.sub = e.feed.Subscribe(ctx, e.handleInsert)
	return nil
}

// handleInsert merges one feed event into the list: appended only when no
// entry shares its id, then kept sorted by created_at so out-of-commit-order
// delivery cannot leave the display misordered.
func (e *Engine) handleInsert(msg domain.Message) {
	appended := e.merge(msg)
	if !appended || !e.echoReverse || msg.UserID == domain.AutoUserID {
		return
	}
	e.merge(domain.Message{
		ID:        util.NewID(),
		Room:      msg.Room,
		UserID:    domain.AutoUserID,
		Content:   reverse(msg.Content),
		CreatedAt: time.Now().UTC(),
	})
}

func (e *Engine) merge(msg domain.Message) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, dup := e.seen[msg.ID]; dup {
		e.mu.Unlock()
		return false
	}
	e.seen[msg.ID] = struct{}{}
	e.messages = append(e.messages, msg)
	for i := len(e.messages) - 1; i > 0; i-- {
		if !e.messages[i].CreatedAt.Before(e.messages[i-1].CreatedAt) {
			break
		}
		e.messages[i], e.messages[i-1] = e.messages[i-1], e.messages[i]
	}
	notify := e.onAppend
	e.mu.Unlock()

	if notify != nil {
		notify(msg)
	}
	return true
}

// Send writes a message through the stores. The resulting row reaches the
// list only via the feed echo. With an attachment, any previously retained
// objects for the user are removed first, so at most one object per user
// survives; an upload failure aborts the send before the insert.
func (e *Engine) Send(ctx context.Context, text string, att *Attachment) error {
	if e.userID == "" {
		return ErrNotAuthenticated
	}
	text = strings.TrimSpace(text)
	if text == "" && att == nil {
		return ErrEmptyMessage
	}

	msg := domain.Message{
		Room:    e.room,
		UserID:  e.userID,
		Content: text,
	}
	if att != nil {
		url, contentType, err := e.uploadAttachment(ctx, att)
		if err != nil {
			return err
		}
		msg.AttachmentURL = url
		msg.AttachmentType = contentType
	}

	insertCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	inserted, err := e.store.InsertMessage(insertCtx, msg)
	if err != nil {
		// An uploaded attachment is orphaned here. Never the other way
		// around: a referenced object always exists.
		return fmt.Errorf("%w: %v", ErrInsertFailed, err)
	}

	if err := e.feed.Publish(ctx, inserted); err != nil {
		// The row is persisted; live subscribers miss it until reload.
		slog.Warn("feed publish failed after insert", "room", e.room, "message_id", inserted.ID, "err", err)
	}
	return nil
}

func (e *Engine) uploadAttachment(ctx context.Context, att *Attachment) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.uploadTimeout)
	defer cancel()

	prefix := e.userID + "/"
	existing, err := e.objects.List(ctx, prefix)
	if err != nil {
		return "", "", fmt.Errorf("%w: list previous: %v", ErrUploadFailed, err)
	}
	if len(existing) > 0 {
		if err := e.objects.Remove(ctx, existing); err != nil {
			return "", "", fmt.Errorf("%w: remove previous: %v", ErrUploadFailed, err)
		}
	}

	key := fmt.Sprintf("%s%d_%s", prefix, time.Now().UnixMilli(), safeFilename(att.Name))
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := e.objects.Put(ctx, key, att.Data, att.Size, contentType); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return e.objects.PublicURL(key), contentType, nil
}

// Messages returns a copy of the current list.
func (e *Engine) Messages() []domain.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Close tears the engine down: the subscription is canceled exactly once and
// no event arriving afterwards mutates the list.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		sub := e.sub
		e.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
	})
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func safeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment"
	}
	return name
}
