package server

import (
	"context"
	"errors"

	"msgd/db"
	"msgd/metrics"
	"msgd/protocol"

	"go.uber.org/zap"
)

// UserStore is the persistent user database the router talks to.
// *db.DB implements it.
type UserStore interface {
	HashSource
	CheckUser(login string) (bool, error)
	UserLogin(login, ip string, port int, publicKey string) error
	UserLogout(login string) error
	GetContacts(login string) ([]string, error)
	GetUsers() ([]string, error)
	AddContact(login, contact string) error
	RemoveContact(login, contact string) error
	ProcessMessage(sender, recipient string) error
	GetPublicKey(login string) (string, error)
}

// State of a connection in the protocol.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Rejection reasons sent to clients.
const (
	reasonBadRequest      = "Bad request"
	reasonNameTaken       = "username already taken"
	reasonNotRegistered   = "user not registered"
	reasonWrongPassword   = "wrong password"
	reasonAlreadyLoggedIn = "already authenticated"
	reasonUnknownDest     = "destination not registered"
	reasonQueueFull       = "destination queue full"
	reasonUnknownUser     = "user not found"
	reasonNoPublicKey     = "no public key for user"
	reasonServerError     = "server error"
)

// Session is the per-connection protocol state. It is owned by the
// connection goroutine and never shared.
type Session struct {
	conn    *Conn
	state   State
	account string
}

func NewSession(conn *Conn) *Session {
	return &Session{conn: conn, state: StateUnauthenticated}
}

func (s *Session) State() State    { return s.state }
func (s *Session) Account() string { return s.account }
func (s *Session) Conn() *Conn     { return s.conn }

// Router interprets one envelope at a time for a session and moves it
// through its states.
type Router struct {
	registry   *Registry
	queue      *Queue
	store      UserStore
	handshaker *Handshaker
	delivery   *Delivery
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewRouter(registry *Registry, queue *Queue, store UserStore, handshaker *Handshaker, delivery *Delivery, logger *zap.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:   registry,
		queue:      queue,
		store:      store,
		handshaker: handshaker,
		delivery:   delivery,
		logger:     logger,
		metrics:    m,
	}
}

// Handle decodes one frame and dispatches it. Undecodable frames get a bad
// request reply and leave the state unchanged.
func (r *Router) Handle(ctx context.Context, sess *Session, frame []byte) {
	if sess.state == StateClosed {
		return
	}

	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		r.metrics.Envelope("invalid")
		r.logger.Debug("bad request", zap.String("conn", sess.conn.ID()), zap.Error(err))
		r.reply(sess, protocol.Fail(reasonBadRequest))
		return
	}

	r.Dispatch(ctx, sess, req)
}

// Dispatch runs the state transition for an already decoded request.
func (r *Router) Dispatch(ctx context.Context, sess *Session, req protocol.Request) {
	r.metrics.Envelope(string(req.Action()))

	switch sess.state {
	case StateUnauthenticated:
		if p, ok := req.(protocol.Presence); ok {
			r.handlePresence(ctx, sess, p)
			return
		}
		r.reply(sess, protocol.Fail(reasonBadRequest))

	case StateAuthenticated:
		if _, ok := req.(protocol.Presence); ok {
			r.reply(sess, protocol.Fail(reasonAlreadyLoggedIn))
			return
		}
		if req.Meta().Sender() != sess.account {
			r.logger.Warn("envelope sender does not match session",
				zap.String("account", sess.account),
				zap.String("sender", req.Meta().Sender()))
			r.reply(sess, protocol.Fail(reasonBadRequest))
			return
		}

		switch m := req.(type) {
		case protocol.Message:
			r.handleMessage(sess, m)
		case protocol.GetContacts:
			r.handleGetContacts(sess)
		case protocol.GetUsers:
			r.handleGetUsers(sess)
		case protocol.AddContact:
			r.handleAddContact(sess, m)
		case protocol.RemoveContact:
			r.handleRemoveContact(sess, m)
		case protocol.PublicKeyRequest:
			r.handlePublicKey(sess, m)
		case protocol.Exit:
			r.handleExit(sess)
		default:
			r.reply(sess, protocol.Fail(reasonBadRequest))
		}
	}
}

func (r *Router) handlePresence(ctx context.Context, sess *Session, p protocol.Presence) {
	name := p.Sender()
	log := r.logger.With(zap.String("account", name), zap.String("conn", sess.conn.ID()))

	if _, ok := r.registry.Lookup(name); ok {
		r.reject(sess, reasonNameTaken, "duplicate")
		log.Info("presence rejected: account already online")
		return
	}

	known, err := r.store.CheckUser(name)
	if err != nil {
		r.storeFailure(sess, "check user", err)
		return
	}
	if !known {
		r.reject(sess, reasonNotRegistered, "unknown_user")
		log.Info("presence rejected: unknown account")
		return
	}

	result, err := r.handshaker.Authorize(ctx, p, sess.conn)
	if err != nil {
		r.reject(sess, reasonWrongPassword, "wrong_password")
		log.Info("presence rejected: handshake failed", zap.Error(err))
		return
	}

	// Another connection may have finished its handshake for the same
	// account while this one was waiting.
	if err := r.registry.Register(name, sess.conn); err != nil {
		r.reject(sess, reasonNameTaken, "duplicate")
		log.Info("presence rejected after handshake", zap.Error(err))
		return
	}

	if err := r.store.UserLogin(name, result.IP, result.Port, result.PublicKey); err != nil {
		r.registry.Deregister(name)
		r.storeFailure(sess, "user login", err)
		return
	}

	sess.state = StateAuthenticated
	sess.account = name
	log.Info("client authenticated", zap.String("ip", result.IP), zap.Int("port", result.Port))

	if !r.reply(sess, protocol.OK()) {
		return
	}

	if n, err := r.delivery.Flush(name); err != nil {
		log.Warn("flush on login failed", zap.Int("delivered", n), zap.Error(err))
	}
}

func (r *Router) handleMessage(sess *Session, m protocol.Message) {
	known, err := r.store.CheckUser(m.Destination)
	if err != nil {
		r.storeFailure(sess, "check destination", err)
		return
	}
	if !known {
		r.reply(sess, protocol.Fail(reasonUnknownDest))
		return
	}

	err = r.queue.Enqueue(m.Destination, PendingMessage{
		Sender:      m.User,
		Destination: m.Destination,
		Text:        m.Text,
		Time:        m.Time,
	})
	if errors.Is(err, ErrQueueFull) {
		r.reply(sess, protocol.Fail(reasonQueueFull))
		return
	}

	if err := r.store.ProcessMessage(sess.account, m.Destination); err != nil {
		r.logger.Warn("message stats not updated",
			zap.String("sender", sess.account),
			zap.String("destination", m.Destination),
			zap.Error(err))
	}

	if !r.reply(sess, protocol.OK()) {
		return
	}

	if n, err := r.delivery.Flush(m.Destination); err != nil {
		r.logger.Debug("delivery failed, messages kept queued",
			zap.String("destination", m.Destination),
			zap.Int("delivered", n),
			zap.Error(err))
	}
}

func (r *Router) handleGetContacts(sess *Session) {
	contacts, err := r.store.GetContacts(sess.account)
	if err != nil {
		r.storeFailure(sess, "get contacts", err)
		return
	}
	r.reply(sess, protocol.List(contacts))
}

func (r *Router) handleGetUsers(sess *Session) {
	users, err := r.store.GetUsers()
	if err != nil {
		r.storeFailure(sess, "get users", err)
		return
	}
	r.reply(sess, protocol.List(users))
}

func (r *Router) handleAddContact(sess *Session, m protocol.AddContact) {
	err := r.store.AddContact(sess.account, m.UserID)
	if errors.Is(err, db.ErrNoRows) {
		r.reply(sess, protocol.Fail(reasonUnknownUser))
		return
	}
	if err != nil {
		r.storeFailure(sess, "add contact", err)
		return
	}
	r.reply(sess, protocol.Created())
}

func (r *Router) handleRemoveContact(sess *Session, m protocol.RemoveContact) {
	if err := r.store.RemoveContact(sess.account, m.UserID); err != nil {
		r.storeFailure(sess, "remove contact", err)
		return
	}
	r.reply(sess, protocol.Created())
}

func (r *Router) handlePublicKey(sess *Session, m protocol.PublicKeyRequest) {
	key, err := r.store.GetPublicKey(m.UserID)
	if errors.Is(err, db.ErrNoRows) || (err == nil && key == "") {
		r.reply(sess, protocol.Fail(reasonNoPublicKey))
		return
	}
	if err != nil {
		r.storeFailure(sess, "get public key", err)
		return
	}
	r.reply(sess, protocol.Response{Code: protocol.CodeAuth, Data: key})
}

func (r *Router) handleExit(sess *Session) {
	name := sess.account

	r.registry.Deregister(name)
	if err := r.store.UserLogout(name); err != nil {
		r.logger.Warn("logout not recorded", zap.String("account", name), zap.Error(err))
	}
	r.registry.Drop(sess.conn)

	sess.state = StateClosed
	sess.account = ""
	r.logger.Info("client exited", zap.String("account", name))
}

// Disconnect cleans up after a connection that went away without EXIT.
func (r *Router) Disconnect(sess *Session) {
	if sess.state == StateAuthenticated && r.ownsSession(sess) {
		if err := r.store.UserLogout(sess.account); err != nil {
			r.logger.Warn("logout not recorded", zap.String("account", sess.account), zap.Error(err))
		}
	}
	r.registry.Drop(sess.conn)
	sess.state = StateClosed
}

// ownsSession reports whether nobody else has taken over the account, for
// example after this connection was evicted and the user logged in again.
func (r *Router) ownsSession(sess *Session) bool {
	conn, ok := r.registry.Lookup(sess.account)
	return !ok || conn == sess.conn
}

// reply sends resp and reports whether it went out. A failed reply means
// the client is gone, so the connection is dropped.
func (r *Router) reply(sess *Session, resp protocol.Response) bool {
	if err := sess.conn.Send(resp); err != nil {
		r.logger.Debug("reply failed, dropping connection",
			zap.String("conn", sess.conn.ID()),
			zap.Error(err))
		r.Disconnect(sess)
		return false
	}
	return true
}

// reject answers with a 400 and closes the connection. Errors sending the
// rejection are ignored.
func (r *Router) reject(sess *Session, reason, metricReason string) {
	r.metrics.AuthFailure(metricReason)
	_ = sess.conn.Send(protocol.Fail(reason))
	r.registry.Drop(sess.conn)
	sess.state = StateClosed
}

func (r *Router) storeFailure(sess *Session, op string, err error) {
	r.logger.Error("user database call failed",
		zap.String("op", op),
		zap.String("account", sess.account),
		zap.Error(err))
	r.reply(sess, protocol.Fail(reasonServerError))
}
