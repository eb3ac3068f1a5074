package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/talkincode/wadesk/internal/domain"
	"github.com/talkincode/wadesk/internal/eventbus"
	"github.com/talkincode/wadesk/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 5
	baseDelay         = time.Second
	maxDelay          = 30 * time.Second
)

// ReconnectDelay returns min(1s * 2^retry, 30s).
func ReconnectDelay(retry int) time.Duration {
	if retry >= 5 {
		return maxDelay
	}
	d := baseDelay << uint(retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Timer is a pending deferred call.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d without blocking the caller.
type AfterFunc func(d time.Duration, f func()) Timer

func stdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// InstanceStatus is the live view of one instance.
type InstanceStatus struct {
	InstanceID  string `json:"instance_id"`
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

type instance struct {
	key        InstanceKey
	status     string
	phone      string
	retryCount int
	// gen is bumped whenever the socket owning this entry changes, so events
	// and timers from an older socket can be told apart.
	gen    uint64
	socket Socket
	cancel context.CancelFunc
	retry  Timer
	sendMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for reconnect scheduling.
func WithAfterFunc(f AfterFunc) Option {
	return func(o *Orchestrator) { o.after = f }
}

// Orchestrator owns the registry of live instances and drives their
// connection lifecycle. Each live socket is consumed by exactly one
// goroutine, which is the only place instance state changes in response to
// network events.
type Orchestrator struct {
	transport Transport
	sessions  SessionRepository
	instances InstanceRepository
	bus       eventbus.Publisher

	maxRetries int
	after      AfterFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	registry map[InstanceKey]*instance
}

func NewOrchestrator(transport Transport, sessions SessionRepository, instances InstanceRepository, bus eventbus.Publisher, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		transport:  transport,
		sessions:   sessions,
		instances:  instances,
		bus:        bus,
		maxRetries: DefaultMaxRetries,
		after:      stdAfterFunc,
		ctx:        ctx,
		cancel:     cancel,
		registry:   make(map[InstanceKey]*instance),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Connect starts a connection for the instance. It is a no-op while the
// instance is connecting, waiting for a QR scan or connected. The call
// returns once the attempt is initiated; the outcome arrives as events.
func (o *Orchestrator) Connect(ctx context.Context, tenantID, instanceID string) error {
	key := InstanceKey{TenantID: tenantID, InstanceID: instanceID}

	o.mu.Lock()
	inst, ok := o.registry[key]
	if ok && inst.status != domain.InstanceDisconnected {
		o.mu.Unlock()
		return nil
	}
	if !ok {
		inst = &instance{key: key, status: domain.InstanceDisconnected}
		o.registry[key] = inst
		metrics.InstanceStatus.WithLabelValues(domain.InstanceDisconnected).Inc()
	}
	if inst.retry != nil {
		inst.retry.Stop()
		inst.retry = nil
	}
	inst.retryCount = 0
	inst.gen++
	gen := inst.gen
	o.setStatus(inst, domain.InstanceConnecting)
	o.mu.Unlock()

	if err := o.open(ctx, inst, gen); err != nil {
		o.mu.Lock()
		if inst.gen == gen {
			o.setStatus(inst, domain.InstanceDisconnected)
		}
		o.mu.Unlock()
		o.persistStatus(key, domain.InstanceDisconnected, "")
		return err
	}
	return nil
}

// open loads credentials and attaches a fresh socket to inst. The caller has
// already marked inst as connecting under generation gen.
func (o *Orchestrator) open(ctx context.Context, inst *instance, gen uint64) error {
	key := inst.key
	creds, err := o.sessions.Load(ctx, key)
	if err != nil {
		zap.L().Error("load session credentials failed",
			zap.String("namespace", "whatsapp"),
			zap.String("tenant_id", key.TenantID),
			zap.String("instance_id", key.InstanceID),
			zap.Error(err))
		return fmt.Errorf("load credentials %s: %w", key, err)
	}
	o.persistStatus(key, domain.InstanceConnecting, "")

	sock, err := o.transport.Open(o.ctx, key, creds)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}

	o.mu.Lock()
	if o.registry[key] != inst || inst.gen != gen {
		// disconnected while the socket was opening
		o.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	loopCtx, cancel := context.WithCancel(o.ctx)
	inst.socket = sock
	inst.cancel = cancel
	o.mu.Unlock()

	go o.run(loopCtx, inst, gen, sock)

	zap.L().Info("instance connecting",
		zap.String("namespace", "whatsapp"),
		zap.String("tenant_id", key.TenantID),
		zap.String("instance_id", key.InstanceID),
		zap.Bool("has_credentials", creds != nil))
	return nil
}

func (o *Orchestrator) run(ctx context.Context, inst *instance, gen uint64, sock Socket) {
	events := sock.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				o.handleClose(inst, gen, sock, CloseEvent{Reason: domain.ReasonNetwork, Err: domain.ErrTransientNetwork})
				return
			}
			if ce, closed := ev.(CloseEvent); closed {
				o.handleClose(inst, gen, sock, ce)
				return
			}
			o.handle(ctx, inst, gen, sock, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, inst *instance, gen uint64, sock Socket, ev TransportEvent) {
	key := inst.key
	switch v := ev.(type) {
	case QREvent:
		if !o.transition(inst, gen, domain.InstanceQRPending, "") {
			return
		}
		o.persistStatus(key, domain.InstanceQRPending, "")
		o.publish(key, domain.EventQR, domain.QRPayload{InstanceID: key.InstanceID, QR: v.Code})

	case OpenEvent:
		if !o.transition(inst, gen, domain.InstanceConnected, v.Phone) {
			return
		}
		o.persistStatus(key, domain.InstanceConnected, v.Phone)
		zap.L().Info("instance connected",
			zap.String("namespace", "whatsapp"),
			zap.String("tenant_id", key.TenantID),
			zap.String("instance_id", key.InstanceID),
			zap.String("phone", v.Phone))
		o.publish(key, domain.EventConnected, domain.ConnectedPayload{
			InstanceID:  key.InstanceID,
			PhoneNumber: v.Phone,
			PushName:    v.PushName,
		})

	case CredsUpdateEvent:
		creds, err := sock.Credentials()
		if err != nil {
			zap.L().Error("snapshot credentials failed",
				zap.String("namespace", "whatsapp"),
				zap.String("instance_id", key.InstanceID),
				zap.Error(err))
			return
		}
		if creds == nil {
			return
		}
		if err := o.sessions.Save(ctx, key, creds); err != nil {
			zap.L().Error("save credentials failed",
				zap.String("namespace", "whatsapp"),
				zap.String("instance_id", key.InstanceID),
				zap.Error(err))
			return
		}
		if sealer, ok := sock.(Sealer); ok {
			if err := sealer.Sealed(ctx); err != nil {
				zap.L().Warn("scrub transport key copy failed",
					zap.String("namespace", "whatsapp"),
					zap.String("instance_id", key.InstanceID),
					zap.Error(err))
			}
		}

	case InboundMessageEvent:
		if v.FromMe {
			return
		}
		o.publish(key, domain.EventMessageReceived, domain.MessageReceivedPayload{
			InstanceID: key.InstanceID,
			MessageID:  v.MessageID,
			From:       v.From,
			PushName:   v.PushName,
			Content:    v.Content,
			Type:       v.Type,
			MediaURL:   v.MediaURL,
			Timestamp:  v.Timestamp,
		})

	case ReceiptEvent:
		for _, id := range v.MessageIDs {
			o.publish(key, domain.EventStatusUpdate, domain.StatusUpdatePayload{
				InstanceID: key.InstanceID,
				MessageID:  id,
				RemoteJid:  v.RemoteJid,
				Status:     v.Ack,
			})
		}
	}
}

// transition applies a status change if gen still owns inst.
func (o *Orchestrator) transition(inst *instance, gen uint64, status, phone string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.registry[inst.key] != inst || inst.gen != gen {
		return false
	}
	o.setStatus(inst, status)
	if status == domain.InstanceConnected {
		inst.retryCount = 0
		inst.phone = phone
	}
	return true
}

// handleClose applies the reconnection policy after the socket of
// generation gen went away. sock may be nil when opening failed.
func (o *Orchestrator) handleClose(inst *instance, gen uint64, sock Socket, ce CloseEvent) {
	key := inst.key

	o.mu.Lock()
	if o.registry[key] != inst || inst.gen != gen {
		o.mu.Unlock()
		return
	}
	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}
	inst.socket = nil
	o.setStatus(inst, domain.InstanceDisconnected)
	inst.gen++
	shouldReconnect := !ce.LoggedOut && inst.retryCount < o.maxRetries
	var delay time.Duration
	switch {
	case ce.LoggedOut:
		o.drop(inst)
	case shouldReconnect:
		inst.retryCount++
		delay = ReconnectDelay(inst.retryCount)
		next := inst.gen
		inst.retry = o.after(delay, func() { o.reconnect(inst, next) })
	}
	retry := inst.retryCount
	o.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}

	reason := ce.Reason
	if ce.LoggedOut {
		reason = domain.ReasonLogout
		if err := o.purge(o.ctx, key); err != nil {
			zap.L().Error("delete credentials after logout failed",
				zap.String("namespace", "whatsapp"),
				zap.String("instance_id", key.InstanceID),
				zap.Error(err))
		}
	}
	o.persistStatus(key, domain.InstanceDisconnected, "")

	fields := []zap.Field{
		zap.String("namespace", "whatsapp"),
		zap.String("tenant_id", key.TenantID),
		zap.String("instance_id", key.InstanceID),
		zap.Int("status_code", ce.StatusCode),
		zap.String("reason", reason),
		zap.Bool("logged_out", ce.LoggedOut),
		zap.Int("retry", retry),
		zap.Error(ce.Err),
	}
	switch {
	case shouldReconnect:
		metrics.ReconnectAttempts.Inc()
		zap.L().Warn("instance disconnected, reconnect scheduled", append(fields, zap.Duration("delay", delay))...)
	case ce.LoggedOut:
		zap.L().Warn("instance logged out, credentials purged", fields...)
	default:
		zap.L().Error("instance disconnected, retries exhausted", fields...)
	}

	o.publish(key, domain.EventDisconnected, domain.DisconnectedPayload{
		InstanceID:      key.InstanceID,
		Reason:          reason,
		StatusCode:      ce.StatusCode,
		ShouldReconnect: shouldReconnect,
	})
}

func (o *Orchestrator) reconnect(inst *instance, gen uint64) {
	o.mu.Lock()
	if o.registry[inst.key] != inst || inst.gen != gen || inst.status != domain.InstanceDisconnected {
		o.mu.Unlock()
		return
	}
	inst.retry = nil
	o.setStatus(inst, domain.InstanceConnecting)
	o.mu.Unlock()

	err := o.open(o.ctx, inst, gen)
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrAuthenticationFailed) {
		o.mu.Lock()
		if inst.gen == gen {
			o.setStatus(inst, domain.InstanceDisconnected)
		}
		o.mu.Unlock()
		o.persistStatus(inst.key, domain.InstanceDisconnected, "")
		return
	}
	o.handleClose(inst, gen, nil, CloseEvent{Reason: domain.ReasonNetwork, Err: err})
}

// Disconnect closes the instance and removes it from the registry. With
// logout the session is also ended remotely and its credentials deleted.
// Any pending reconnection is cancelled.
func (o *Orchestrator) Disconnect(ctx context.Context, tenantID, instanceID string, logout bool) error {
	key := InstanceKey{TenantID: tenantID, InstanceID: instanceID}

	var sock Socket
	o.mu.Lock()
	if inst, ok := o.registry[key]; ok {
		inst.gen++
		if inst.retry != nil {
			inst.retry.Stop()
			inst.retry = nil
		}
		if inst.cancel != nil {
			inst.cancel()
			inst.cancel = nil
		}
		sock = inst.socket
		inst.socket = nil
		o.drop(inst)
	}
	o.mu.Unlock()

	if sock != nil {
		if logout {
			if err := sock.Logout(ctx); err != nil {
				zap.L().Warn("remote logout failed",
					zap.String("namespace", "whatsapp"),
					zap.String("instance_id", instanceID),
					zap.Error(err))
			}
		}
		if err := sock.Close(); err != nil {
			zap.L().Debug("socket close", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}

	reason := domain.ReasonManual
	if logout {
		reason = domain.ReasonLogout
		if err := o.purge(ctx, key); err != nil {
			return err
		}
	}
	o.persistStatus(key, domain.InstanceDisconnected, "")
	o.publish(key, domain.EventDisconnected, domain.DisconnectedPayload{
		InstanceID:      instanceID,
		Reason:          reason,
		ShouldReconnect: false,
	})
	zap.L().Info("instance disconnected",
		zap.String("namespace", "whatsapp"),
		zap.String("tenant_id", tenantID),
		zap.String("instance_id", instanceID),
		zap.Bool("logout", logout))
	return nil
}

// purge deletes the stored session and any transport-side copy of it.
func (o *Orchestrator) purge(ctx context.Context, key InstanceKey) error {
	creds, err := o.sessions.Load(ctx, key)
	if err != nil {
		// unreadable credentials are still deleted
		zap.L().Warn("load credentials before purge failed",
			zap.String("namespace", "whatsapp"),
			zap.String("instance_id", key.InstanceID),
			zap.Error(err))
	}
	if creds != nil {
		if err := o.transport.Forget(ctx, key, creds); err != nil {
			zap.L().Warn("forget transport session failed",
				zap.String("namespace", "whatsapp"),
				zap.String("instance_id", key.InstanceID),
				zap.Error(err))
		}
	}
	if err := o.sessions.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete credentials %s: %w", key, err)
	}
	return nil
}

// liveSocket returns the socket of a connected instance.
func (o *Orchestrator) liveSocket(key InstanceKey) (*instance, Socket, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.registry[key]
	if !ok || inst.status != domain.InstanceConnected || inst.socket == nil {
		return nil, nil, fmt.Errorf("%s: %w", key, domain.ErrNotConnected)
	}
	return inst, inst.socket, nil
}

// SendText delivers a text message and returns the protocol message id.
func (o *Orchestrator) SendText(ctx context.Context, tenantID, instanceID, to, text string) (string, error) {
	key := InstanceKey{TenantID: tenantID, InstanceID: instanceID}
	inst, sock, err := o.liveSocket(key)
	if err != nil {
		return "", err
	}
	inst.sendMu.Lock()
	id, err := sock.SendText(ctx, to, text)
	inst.sendMu.Unlock()
	return o.afterSend(key, to, text, domain.MessageTypeText, id, err)
}

// SendMedia uploads and delivers a media message.
func (o *Orchestrator) SendMedia(ctx context.Context, tenantID, instanceID, to string, media Media) (string, error) {
	key := InstanceKey{TenantID: tenantID, InstanceID: instanceID}
	inst, sock, err := o.liveSocket(key)
	if err != nil {
		return "", err
	}
	inst.sendMu.Lock()
	id, err := sock.SendMedia(ctx, to, media)
	inst.sendMu.Unlock()
	return o.afterSend(key, to, media.Caption, media.Type, id, err)
}

func (o *Orchestrator) afterSend(key InstanceKey, to, content, typ, id string, err error) (string, error) {
	if err != nil {
		metrics.MessagesFailed.Inc()
		o.publish(key, domain.EventMessageFailed, domain.MessageFailedPayload{
			InstanceID: key.InstanceID,
			To:         to,
			Error:      err.Error(),
		})
		return "", err
	}
	metrics.MessagesSent.Inc()
	o.publish(key, domain.EventMessageSent, domain.MessageSentPayload{
		InstanceID: key.InstanceID,
		MessageID:  id,
		To:         to,
		Content:    content,
		Type:       typ,
	})
	return id, nil
}

// RestoreAll reconnects every instance stored as connected and active.
// Failures are logged per instance.
func (o *Orchestrator) RestoreAll(ctx context.Context) error {
	rows, err := o.instances.ListRestorable(ctx)
	if err != nil {
		return fmt.Errorf("list restorable instances: %w", err)
	}
	restored := 0
	for _, row := range rows {
		if err := o.Connect(ctx, row.TenantID, row.ID); err != nil {
			zap.L().Error("restore instance failed",
				zap.String("namespace", "whatsapp"),
				zap.String("tenant_id", row.TenantID),
				zap.String("instance_id", row.ID),
				zap.Error(err))
			continue
		}
		restored++
	}
	zap.L().Info("instances restored",
		zap.String("namespace", "whatsapp"),
		zap.Int("total", len(rows)),
		zap.Int("restored", restored))
	return nil
}

// Statuses returns the live state of a tenant's instances, which may
// differ from what storage says while a reconnect is in flight.
func (o *Orchestrator) Statuses(tenantID string) []InstanceStatus {
	o.mu.Lock()
	out := make([]InstanceStatus, 0)
	for key, inst := range o.registry {
		if key.TenantID != tenantID {
			continue
		}
		out = append(out, InstanceStatus{
			InstanceID:  key.InstanceID,
			Status:      inst.status,
			PhoneNumber: inst.phone,
			RetryCount:  inst.retryCount,
		})
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Shutdown closes every socket without touching stored status, so the next
// RestoreAll picks the same instances up again.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	socks := make([]Socket, 0, len(o.registry))
	for _, inst := range o.registry {
		inst.gen++
		if inst.retry != nil {
			inst.retry.Stop()
			inst.retry = nil
		}
		if inst.socket != nil {
			socks = append(socks, inst.socket)
			inst.socket = nil
		}
		o.drop(inst)
	}
	o.mu.Unlock()
	o.cancel()

	for _, s := range socks {
		_ = s.Close()
	}
	zap.L().Info("whatsapp orchestrator stopped", zap.Int("closed", len(socks)))
}

// setStatus and drop require o.mu.
func (o *Orchestrator) setStatus(inst *instance, status string) {
	if inst.status == status {
		return
	}
	metrics.InstanceStatus.WithLabelValues(inst.status).Dec()
	metrics.InstanceStatus.WithLabelValues(status).Inc()
	inst.status = status
}

func (o *Orchestrator) drop(inst *instance) {
	if o.registry[inst.key] != inst {
		return
	}
	metrics.InstanceStatus.WithLabelValues(inst.status).Dec()
	delete(o.registry, inst.key)
	inst.status = domain.InstanceDisconnected
}

func (o *Orchestrator) persistStatus(key InstanceKey, status, phone string) {
	if err := o.instances.UpdateStatus(o.ctx, key, status, phone); err != nil {
		zap.L().Warn("update instance status failed",
			zap.String("namespace", "whatsapp"),
			zap.String("instance_id", key.InstanceID),
			zap.String("status", status),
			zap.Error(err))
	}
}

func (o *Orchestrator) publish(key InstanceKey, typ string, payload interface{}) {
	o.bus.Publish(domain.NewEvent(key.TenantID, key.InstanceID, typ, payload))
}
