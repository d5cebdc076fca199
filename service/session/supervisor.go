// Package session supervises one transport connection per session: it reacts
// to transport events, restarts on transient faults, gives up on revoked
// credentials and routes everything else to the conversation index and the
// webhook relay.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"msggate/logger"
	"msggate/module/conversation"
	"msggate/service/dispatch"
	"msggate/service/media"
	"msggate/service/storage"
	"msggate/service/transport"
	"msggate/service/webhook"
	"msggate/tools"
	"msggate/tools/errs"
	"msggate/tools/safe"

	"go.uber.org/zap"
)

const secretBytes = 32

// MediaIngestor stores inbound attachments; nil descriptors mean "no media".
type MediaIngestor interface {
	Ingest(ctx context.Context, d media.Downloader, ref transport.MediaRef, mimeType string) *media.Descriptor
}

type Config struct {
	Store  storage.CredentialStore
	Dialer transport.Dialer
	Relay  webhook.Publisher
	Queue  *dispatch.Queue
	Media  MediaIngestor

	DefaultWebhookURL   string
	ConnectTimeout      time.Duration
	LogoutTimeout       time.Duration
	SendTimeout         time.Duration
	MessageCachePerChat int

	Now    func() time.Time
	Logger *zap.Logger
}

func (c *Config) norm() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logger.L()
	}
}

type Supervisor struct {
	cfg Config
	reg *Registry
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	cfg.norm()
	safe.MustNotNil(cfg.Store, "session store")
	safe.MustNotNil(cfg.Dialer, "session dialer")
	safe.MustNotNil(cfg.Relay, "session relay")
	safe.MustNotNil(cfg.Queue, "session queue")
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		reg:    NewRegistry(),
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Supervisor) Registry() *Registry { return s.reg }

func (s *Supervisor) newEntry(id string) *entry {
	return &entry{
		id:        id,
		index:     conversation.NewIndex(s.cfg.MessageCachePerChat),
		state:     StateInitializing,
		createdAt: s.cfg.Now(),
	}
}

// lockLive takes e's operation lock and confirms e is still the directory's
// entry for its id.
func (s *Supervisor) lockLive(e *entry) bool {
	e.opMu.Lock()
	if s.reg.get(e.id) != e {
		e.opMu.Unlock()
		return false
	}
	return true
}

func notFound(id string) error {
	return errs.ErrSessionNotFound.WrapMsg("", "session", id)
}

// Create registers a new session and starts pairing. Creating an id that is
// already live returns its status unchanged; an id whose credentials survive
// from an earlier run is reloaded with its original secret.
func (s *Supervisor) Create(ctx context.Context, id, webhookURL string) (Status, error) {
	if !storage.ValidSessionID(id) {
		return Status{}, errs.ErrArgs.WrapMsg("invalid session id", "id", id)
	}
	if s.ctx.Err() != nil {
		return Status{}, errs.ErrInternal.WrapMsg("supervisor closed")
	}
	for {
		if e := s.reg.get(id); e != nil {
			if !s.lockLive(e) {
				continue
			}
			e.mu.Lock()
			terminal := e.state.Terminal()
			e.mu.Unlock()
			if !terminal {
				e.opMu.Unlock()
				return s.snapshot(e), nil
			}
			fresh := s.newEntry(id)
			fresh.opMu.Lock()
			s.reg.replace(e, fresh)
			e.opMu.Unlock()
			return s.createLocked(ctx, fresh, webhookURL)
		}

		fresh := s.newEntry(id)
		fresh.opMu.Lock()
		if _, added := s.reg.addIfAbsent(fresh); !added {
			fresh.opMu.Unlock()
			continue
		}
		loaded, err := s.loadLocked(ctx, fresh)
		switch {
		case err != nil:
			fresh.opMu.Unlock()
			return Status{}, err
		case loaded:
			if webhookURL != "" {
				if err := s.setWebhookLocked(ctx, fresh, webhookURL); err != nil {
					s.log.Warn("[session] save webhook url", zap.String("session", id), zap.Error(err))
				}
			}
			fresh.opMu.Unlock()
			return s.snapshot(fresh), nil
		default:
			return s.createLocked(ctx, fresh, webhookURL)
		}
	}
}

// createLocked runs with e.opMu held and releases it.
func (s *Supervisor) createLocked(ctx context.Context, e *entry, webhookURL string) (Status, error) {
	defer e.opMu.Unlock()
	log := s.log.With(zap.String("session", e.id))

	e.mu.Lock()
	e.secret = tools.RandHex(secretBytes)
	e.webhookURL = webhookURL
	meta := storage.SessionMeta{WebhookURL: e.webhookURL, Secret: e.secret, CreatedAt: e.createdAt}
	e.mu.Unlock()

	if err := storage.SaveMeta(ctx, s.cfg.Store, e.id, meta); err != nil {
		s.reg.remove(e)
		return Status{}, errs.ErrInternal.WrapMsg("save session meta", "session", e.id, "err", err)
	}

	// created 必须先于该会话的其他事件：它带着后续事件的验签 secret
	s.publish(e, webhook.EventSessionCreated, map[string]any{
		"secret":     meta.Secret,
		"webhookUrl": meta.WebhookURL,
		"createdAt":  meta.CreatedAt.UnixMilli(),
	})

	if err := s.connect(ctx, e); err != nil {
		log.Warn("[session] initial connect failed", zap.Error(err))
		s.reg.remove(e)
		if perr := s.cfg.Store.Purge(context.WithoutCancel(ctx), e.id); perr != nil {
			log.Warn("[session] purge after failed create", zap.Error(perr))
		}
		s.publish(e, webhook.EventSessionDisconnected, map[string]any{"reason": "createFailed", "code": 0})
		return Status{}, errs.ErrTransport.WrapMsg("connect", "session", e.id, "err", err)
	}
	log.Info("[session] created")
	return s.snapshot(e), nil
}

// loadLocked restores a session persisted by an earlier run. loaded is false
// when nothing is stored; e stays in the directory only when loaded.
func (s *Supervisor) loadLocked(ctx context.Context, e *entry) (loaded bool, err error) {
	meta, err := storage.LoadMeta(ctx, s.cfg.Store, e.id)
	if errors.Is(err, storage.ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		s.reg.remove(e)
		return false, errs.ErrInternal.WrapMsg("load session meta", "session", e.id, "err", err)
	}
	e.mu.Lock()
	e.secret = meta.Secret
	e.webhookURL = meta.WebhookURL
	if !meta.CreatedAt.IsZero() {
		e.createdAt = meta.CreatedAt
	}
	e.mu.Unlock()

	if err := s.connect(ctx, e); err != nil {
		s.reg.remove(e)
		return false, errs.ErrTransport.WrapMsg("reconnect stored session", "session", e.id, "err", err)
	}
	s.log.Info("[session] reloaded from store", zap.String("session", e.id))
	return true, nil
}

// acquire returns the live entry for id with its operation lock held,
// reloading it from the store when needed.
func (s *Supervisor) acquire(ctx context.Context, id string) (e *entry, reloaded bool, err error) {
	if !storage.ValidSessionID(id) {
		return nil, false, notFound(id)
	}
	for {
		if e := s.reg.get(id); e != nil {
			if s.lockLive(e) {
				return e, false, nil
			}
			continue
		}
		if s.ctx.Err() != nil {
			return nil, false, notFound(id)
		}
		fresh := s.newEntry(id)
		fresh.opMu.Lock()
		if _, added := s.reg.addIfAbsent(fresh); !added {
			fresh.opMu.Unlock()
			continue
		}
		loaded, err := s.loadLocked(ctx, fresh)
		if err != nil {
			fresh.opMu.Unlock()
			return nil, false, err
		}
		if !loaded {
			s.reg.remove(fresh)
			fresh.opMu.Unlock()
			return nil, false, notFound(id)
		}
		return fresh, true, nil
	}
}

// lookup returns the entry without taking its operation lock.
func (s *Supervisor) lookup(ctx context.Context, id string) (*entry, error) {
	if e := s.reg.get(id); e != nil {
		return e, nil
	}
	e, _, err := s.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	e.opMu.Unlock()
	return e, nil
}

// connect dials a fresh handle from the stored credentials and starts its
// event pump. Caller holds e.opMu and has torn down any previous handle.
func (s *Supervisor) connect(ctx context.Context, e *entry) error {
	creds, err := s.cfg.Store.Load(ctx, e.id)
	if err != nil {
		return errs.WrapMsg(err, "load credentials")
	}
	delete(creds, storage.MetaKey)

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	h, err := s.cfg.Dialer.Dial(dctx, e.id, creds)
	if err != nil {
		return errs.WrapMsg(err, "dial")
	}

	e.mu.Lock()
	e.handle = h
	e.gen++
	gen := e.gen
	e.state = StateInitializing
	e.qr = ""
	e.mu.Unlock()

	s.wg.Add(1)
	safe.Go("session.pump."+e.id, func() {
		defer s.wg.Done()
		s.pump(e, h, gen)
	})
	return nil
}

// detach drops the current handle so events still queued on it are ignored.
func (e *entry) detach() transport.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.handle
	e.handle = nil
	e.gen++
	return h
}

func (s *Supervisor) restartLocked(ctx context.Context, e *entry) error {
	log := s.log.With(zap.String("session", e.id))
	e.mu.Lock()
	e.state = StateRestartPending
	e.mu.Unlock()

	if h := e.detach(); h != nil {
		_ = h.Close()
	}
	if err := s.connect(ctx, e); err != nil {
		log.Error("[session] restart failed, session dropped", zap.Error(err))
		e.mu.Lock()
		e.state = StateClosed
		e.mu.Unlock()
		s.reg.remove(e)
		s.cfg.Queue.Drop(e.id)
		return err
	}
	log.Info("[session] restarted")
	return nil
}

// Restart tears the connection down and dials again with the stored credentials.
func (s *Supervisor) Restart(ctx context.Context, id string) (Status, error) {
	e, reloaded, err := s.acquire(ctx, id)
	if err != nil {
		return Status{}, err
	}
	defer e.opMu.Unlock()
	if reloaded {
		return s.snapshot(e), nil
	}
	e.mu.Lock()
	terminal := e.state.Terminal()
	e.mu.Unlock()
	if terminal {
		return s.snapshot(e), errs.ErrSessionNotReady.WrapMsg("credentials revoked, create the session again", "session", id)
	}
	if err := s.restartLocked(ctx, e); err != nil {
		return Status{}, errs.ErrTransport.WrapMsg("restart", "session", id, "err", err)
	}
	return s.snapshot(e), nil
}

// Logout ends the session for good. The transport logout is best effort; the
// local purge always happens.
func (s *Supervisor) Logout(ctx context.Context, id string) error {
	if !storage.ValidSessionID(id) {
		return notFound(id)
	}
	e := s.reg.get(id)
	if e == nil || !s.lockLive(e) {
		return s.purgeStored(ctx, id)
	}
	defer e.opMu.Unlock()
	log := s.log.With(zap.String("session", id))

	e.mu.Lock()
	prev := e.state
	e.state = StateClosed
	e.qr = ""
	e.mu.Unlock()
	h := e.detach()

	if h != nil {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.LogoutTimeout)
		if err := h.Logout(lctx); err != nil {
			log.Warn("[session] transport logout failed, purging locally", zap.Error(err))
		}
		cancel()
		_ = h.Close()
	}

	s.reg.remove(e)
	if n := s.cfg.Queue.Drop(id); n > 0 {
		log.Info("[session] pending sends discarded", zap.Int("count", n))
	}
	if err := s.cfg.Store.Purge(context.WithoutCancel(ctx), id); err != nil {
		log.Error("[session] purge credentials", zap.Error(err))
	}
	if prev != StateLoggedOut {
		s.publish(e, webhook.EventSessionDisconnected, map[string]any{"reason": "logout", "code": 0})
	}
	log.Info("[session] logged out")
	return nil
}

// purgeStored removes a session that is not loaded in memory.
func (s *Supervisor) purgeStored(ctx context.Context, id string) error {
	if _, err := storage.LoadMeta(ctx, s.cfg.Store, id); err != nil {
		if errors.Is(err, storage.ErrNoCredential) {
			return notFound(id)
		}
		return errs.ErrInternal.WrapMsg("load session meta", "session", id, "err", err)
	}
	if err := s.cfg.Store.Purge(ctx, id); err != nil {
		return errs.ErrInternal.WrapMsg("purge credentials", "session", id, "err", err)
	}
	s.cfg.Queue.Drop(id)
	return nil
}

func (s *Supervisor) Status(ctx context.Context, id string) (Status, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return s.snapshot(e), nil
}

func (s *Supervisor) SetWebhook(ctx context.Context, id, url string) (Status, error) {
	e, _, err := s.acquire(ctx, id)
	if err != nil {
		return Status{}, err
	}
	defer e.opMu.Unlock()
	if err := s.setWebhookLocked(ctx, e, url); err != nil {
		return Status{}, errs.ErrInternal.WrapMsg("save session meta", "session", id, "err", err)
	}
	return s.snapshot(e), nil
}

func (s *Supervisor) setWebhookLocked(ctx context.Context, e *entry, url string) error {
	e.mu.Lock()
	e.webhookURL = url
	meta := storage.SessionMeta{WebhookURL: url, Secret: e.secret, CreatedAt: e.createdAt}
	e.mu.Unlock()
	return storage.SaveMeta(ctx, s.cfg.Store, e.id, meta)
}

// List returns every session in the directory ordered by id.
func (s *Supervisor) List() []Status {
	entries := s.reg.list()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.snapshot(e))
	}
	return out
}

// Restore reloads every stored session that is not in the directory yet.
func (s *Supervisor) Restore(ctx context.Context) (int, error) {
	ids, err := s.cfg.Store.Sessions(ctx)
	if err != nil {
		return 0, errs.WrapMsg(err, "list stored sessions")
	}
	restored := 0
	for _, id := range ids {
		if s.reg.get(id) != nil {
			continue
		}
		e, _, err := s.acquire(ctx, id)
		if err != nil {
			s.log.Warn("[session] restore failed", zap.String("session", id), zap.Error(err))
			continue
		}
		e.opMu.Unlock()
		restored++
	}
	return restored, nil
}

// Close disconnects every session without touching stored credentials.
func (s *Supervisor) Close() {
	s.cancel()
	for _, e := range s.reg.list() {
		if h := e.detach(); h != nil {
			_ = h.Close()
		}
	}
	s.wg.Wait()
}

func (s *Supervisor) snapshot(e *entry) Status {
	e.mu.Lock()
	st := Status{
		ID:          e.id,
		State:       e.state,
		Connected:   e.state == StateConnected,
		SelfID:      e.selfID,
		PhoneNumber: PhoneFromID(e.selfID),
		PushName:    e.pushName,
		WebhookURL:  e.webhookURL,
		CreatedAt:   e.createdAt,
	}
	if e.state == StateAwaitingScan && e.qr != "" {
		qr := e.qr
		st.QR = &qr
	}
	if e.lastDisc != nil {
		d := *e.lastDisc
		st.LastDisconnect = &d
	}
	e.mu.Unlock()
	st.QueueDepth = s.cfg.Queue.Depth(e.id)
	return st
}

func (s *Supervisor) target(e *entry) webhook.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	url := e.webhookURL
	if url == "" {
		url = s.cfg.DefaultWebhookURL
	}
	return webhook.Target{SessionID: e.id, URL: url, Secret: e.secret}
}

func (s *Supervisor) publish(e *entry, event string, data any) {
	s.cfg.Relay.Publish(s.ctx, s.target(e), event, data)
}
