package data

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"overlaynet/internal/crypto"
	"overlaynet/internal/debuglog"
	"overlaynet/internal/identity"
	"overlaynet/internal/node"
	"overlaynet/internal/proto"
)

var (
	directAAD  = []byte("overlay:direct:v1")
	mailboxAAD = []byte("overlay:mailbox:v1")
)

var ErrNoEncryptionKey = errors.New("recipient has no encryption key")

type DeliveryStatus string

const (
	StatusSent           DeliveryStatus = "sent"
	StatusAddedToMailbox DeliveryStatus = "added_to_mailbox"
	StatusAckReceived    DeliveryStatus = "ack_received"
	StatusFailed         DeliveryStatus = "failed"
)

// Message is a decrypted delivery.
type Message struct {
	ID         string
	Sender     []byte
	Payload    []byte
	Created    time.Time
	ViaMailbox bool
}

type MessageConsumer interface {
	OnMessage(m Message)
}

type MessageConsumerFunc func(Message)

func (f MessageConsumerFunc) OnMessage(m Message) { f(m) }

// mailItem is the plaintext sealed inside direct messages and mailbox
// entries.
type mailItem struct {
	ID      string `json:"id"`
	Sender  []byte `json:"sender"`
	Payload []byte `json:"payload"`
	Created int64  `json:"created"`
}

const defaultDeliveredCache = 4096

type MailboxConfig struct {
	SendTimeout time.Duration
	Logger      *zap.SugaredLogger
}

// Mailbox delivers sealed messages directly when the recipient is
// connected and through a replicated mailbox entry otherwise. The
// recipient acknowledges a mailbox entry by removing it.
type Mailbox struct {
	n        *node.Node
	data     *Service
	keys     identity.KeyManager
	consumer MessageConsumer
	cfg      MailboxConfig
	log      *zap.SugaredLogger

	delivered *lru.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup
	unsub  []func()

	mu     sync.Mutex
	status map[string]DeliveryStatus
	byKey  map[[32]byte]string
}

func NewMailbox(n *node.Node, data *Service, consumer MessageConsumer, cfg MailboxConfig) *Mailbox {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = debuglog.Named("mailbox")
	}
	delivered, err := lru.New[string, struct{}](defaultDeliveredCache)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mailbox{
		n:         n,
		data:      data,
		keys:      n.Keys(),
		consumer:  consumer,
		cfg:       cfg,
		log:       cfg.Logger,
		delivered: delivered,
		ctx:       ctx,
		cancel:    cancel,
		status:    make(map[string]DeliveryStatus),
		byKey:     make(map[[32]byte]string),
	}
}

// Start subscribes to mailbox entries and delivers any already stored for
// the local identity.
func (mb *Mailbox) Start() {
	mb.unsub = append(mb.unsub,
		mb.data.Subscribe(KindMailbox, mb),
		mb.n.OnMessage(proto.MsgTypeDirect, mb.handleDirect),
	)
	for _, e := range mb.data.Entries(KindMailbox) {
		mb.OnAdded(e)
	}
}

func (mb *Mailbox) Close() {
	mb.lifeMu.Lock()
	if mb.closed {
		mb.lifeMu.Unlock()
		return
	}
	mb.closed = true
	mb.lifeMu.Unlock()
	mb.cancel()
	for _, fn := range mb.unsub {
		fn()
	}
	mb.wg.Wait()
}

func (mb *Mailbox) goTracked(fn func()) bool {
	mb.lifeMu.Lock()
	if mb.closed {
		mb.lifeMu.Unlock()
		return false
	}
	mb.wg.Add(1)
	mb.lifeMu.Unlock()
	go func() {
		defer mb.wg.Done()
		fn()
	}()
	return true
}

func (mb *Mailbox) self() []byte { return mb.keys.NetworkID().PubKey }

// Status returns the last known delivery state of a sent message.
func (mb *Mailbox) Status(id string) (DeliveryStatus, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	st, ok := mb.status[id]
	return st, ok
}

func (mb *Mailbox) setStatus(id string, st DeliveryStatus) {
	mb.mu.Lock()
	mb.status[id] = st
	mb.mu.Unlock()
}

// Send seals payload to the recipient. It tries a direct message when a
// connection to the recipient is open and falls back to a mailbox entry.
func (mb *Mailbox) Send(ctx context.Context, to identity.NetworkID, payload []byte) (string, DeliveryStatus, error) {
	id := uuid.NewString()
	if len(to.EncPub) == 0 {
		mb.setStatus(id, StatusFailed)
		return id, StatusFailed, ErrNoEncryptionKey
	}
	plain, err := json.Marshal(mailItem{
		ID:      id,
		Sender:  mb.self(),
		Payload: payload,
		Created: mb.data.clock.Now().UnixMilli(),
	})
	if err != nil {
		mb.setStatus(id, StatusFailed)
		return id, StatusFailed, err
	}

	if c, ok := mb.n.ConnectionTo(to.ID()); ok {
		err := mb.sendDirect(ctx, c, id, to.EncPub, plain)
		if err == nil {
			mb.setStatus(id, StatusSent)
			return id, StatusSent, nil
		}
		mb.log.Debugw("direct send failed, using mailbox", "msg", id, "peer", to.ID().Short(), "err", err)
	}

	sealed, err := crypto.SealTo(to.EncPub, plain, mailboxAAD)
	if err != nil {
		mb.setStatus(id, StatusFailed)
		return id, StatusFailed, err
	}
	body, err := json.Marshal(sealed)
	if err != nil {
		mb.setStatus(id, StatusFailed)
		return id, StatusFailed, err
	}
	key := proto.DataEntry{Kind: KindMailbox, Payload: body, Owner: mb.self(), Receiver: to.PubKey}.Key()
	mb.mu.Lock()
	mb.byKey[key] = id
	mb.mu.Unlock()
	if _, err := mb.data.Publish(ctx, KindMailbox, body, to.PubKey); err != nil {
		mb.mu.Lock()
		delete(mb.byKey, key)
		mb.mu.Unlock()
		mb.setStatus(id, StatusFailed)
		return id, StatusFailed, err
	}
	mb.data.metrics.IncMailboxStored()
	mb.setStatus(id, StatusAddedToMailbox)
	return id, StatusAddedToMailbox, nil
}

func (mb *Mailbox) sendDirect(ctx context.Context, c *node.Connection, id string, encPub, plain []byte) error {
	sealed, err := crypto.SealTo(encPub, plain, directAAD)
	if err != nil {
		return err
	}
	msg := &proto.DirectMsg{
		MsgID:   id,
		Sender:  mb.self(),
		Sealed:  sealed,
		Created: mb.data.clock.Now().UnixMilli(),
	}
	msg.Sig = mb.keys.Sign(msg.SigBytes())
	ctx, cancel := context.WithTimeout(ctx, mb.cfg.SendTimeout)
	defer cancel()
	return c.Send(ctx, msg)
}

// OnAdded picks up mailbox entries addressed to us.
func (mb *Mailbox) OnAdded(e proto.DataEntry) {
	if !bytes.Equal(e.Receiver, mb.self()) {
		return
	}
	mb.goTracked(func() { mb.receive(e) })
}

// OnRemoved marks our own entries acknowledged once the receiver removed
// them.
func (mb *Mailbox) OnRemoved(e proto.DataEntry, t *proto.Tombstone) {
	if !bytes.Equal(e.Owner, mb.self()) {
		return
	}
	key := e.Key()
	mb.mu.Lock()
	id, ok := mb.byKey[key]
	if ok {
		delete(mb.byKey, key)
	}
	mb.mu.Unlock()
	if !ok {
		return
	}
	if t == nil {
		mb.setStatus(id, StatusFailed)
		mb.log.Infow("mailbox entry expired unacknowledged", "msg", id)
		return
	}
	if bytes.Equal(t.Signer, e.Receiver) {
		mb.setStatus(id, StatusAckReceived)
		mb.data.metrics.IncMailboxAcked()
	}
}

func (mb *Mailbox) receive(e proto.DataEntry) {
	var sealed crypto.Sealed
	if err := json.Unmarshal(e.Payload, &sealed); err != nil {
		mb.log.Debugw("undecodable mailbox entry", "err", err)
		return
	}
	plain, err := mb.keys.OpenSealed(sealed, mailboxAAD)
	if err != nil {
		mb.log.Debugw("cannot open mailbox entry", "err", err)
		return
	}
	item, ok := mb.decode(plain, e.Owner)
	if !ok {
		return
	}
	mb.deliver(item, true)
	if _, err := mb.data.Unpublish(mb.ctx, KindMailbox, e.Key()); err != nil && !errors.Is(err, ErrNotFound) {
		mb.log.Warnw("mailbox ack failed", "msg", item.ID, "err", err)
	}
}

func (mb *Mailbox) decode(plain, sender []byte) (mailItem, bool) {
	var item mailItem
	if err := json.Unmarshal(plain, &item); err != nil {
		mb.log.Debugw("undecodable mail item", "err", err)
		return item, false
	}
	if item.ID == "" || !bytes.Equal(item.Sender, sender) {
		mb.log.Debugw("mail item sender mismatch", "msg", item.ID)
		return item, false
	}
	return item, true
}

func (mb *Mailbox) deliver(item mailItem, viaMailbox bool) {
	dk := identity.DeriveID(item.Sender).String() + "/" + item.ID
	if ok, _ := mb.delivered.ContainsOrAdd(dk, struct{}{}); ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			mb.log.Errorw("message consumer panic", "msg", item.ID, "panic", r)
		}
	}()
	mb.consumer.OnMessage(Message{
		ID:         item.ID,
		Sender:     item.Sender,
		Payload:    item.Payload,
		Created:    time.UnixMilli(item.Created),
		ViaMailbox: viaMailbox,
	})
}

func (mb *Mailbox) handleDirect(c *node.Connection, m proto.Message) {
	msg := m.(*proto.DirectMsg)
	if !bytes.Equal(msg.Sender, c.PeerCapability().NetworkID.PubKey) {
		mb.log.Debugw("direct message sender is not the peer", "conn", c.String())
		return
	}
	if !identity.Verify(msg.Sender, msg.SigBytes(), msg.Sig) {
		mb.log.Debugw("direct message bad signature", "conn", c.String())
		return
	}
	plain, err := mb.keys.OpenSealed(msg.Sealed, directAAD)
	if err != nil {
		mb.log.Debugw("cannot open direct message", "conn", c.String(), "err", err)
		return
	}
	item, ok := mb.decode(plain, msg.Sender)
	if !ok || item.ID != msg.MsgID {
		return
	}
	mb.data.metrics.IncDirectDelivered()
	mb.deliver(item, false)
}
