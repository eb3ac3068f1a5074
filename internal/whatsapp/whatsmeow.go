package whatsapp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/talkincode/wadesk/internal/domain"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waAdv"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.mau.fi/whatsmeow/util/keys"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"gorm.io/gorm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	eventBuffer       = 64
	mediaFetchTimeout = 30 * time.Second
)

// deviceSnapshot is the credential form stored for a whatsmeow instance:
// the device identity with its private keys. The sealed snapshot is the
// copy a device is rebuilt from; the key columns of the sqlstore row are
// zeroed once it is stored. Signal sessions and one-time prekeys stay in
// the sqlstore tables.
type deviceSnapshot struct {
	JID             string `json:"jid"`
	LID             string `json:"lid,omitempty"`
	NoiseKey        []byte `json:"noise_key,omitempty"`
	IdentityKey     []byte `json:"identity_key,omitempty"`
	SignedPreKeyID  uint32 `json:"signed_pre_key_id,omitempty"`
	SignedPreKey    []byte `json:"signed_pre_key,omitempty"`
	SignedPreKeySig []byte `json:"signed_pre_key_sig,omitempty"`
	RegistrationID  uint32 `json:"registration_id,omitempty"`
	AdvSecretKey    []byte `json:"adv_secret_key,omitempty"`
	Account         []byte `json:"account,omitempty"`
	PushName        string `json:"push_name,omitempty"`
	Platform        string `json:"platform,omitempty"`
	BusinessName    string `json:"business_name,omitempty"`
}

func snapshotDevice(dev *store.Device) (*deviceSnapshot, error) {
	if dev == nil || dev.ID == nil {
		return nil, nil
	}
	snap := &deviceSnapshot{
		JID:            dev.ID.String(),
		RegistrationID: dev.RegistrationID,
		AdvSecretKey:   dev.AdvSecretKey,
		PushName:       dev.PushName,
		Platform:       dev.Platform,
		BusinessName:   dev.BusinessName,
	}
	if !dev.LID.IsEmpty() {
		snap.LID = dev.LID.String()
	}
	if dev.NoiseKey != nil {
		snap.NoiseKey = dev.NoiseKey.Priv[:]
	}
	if dev.IdentityKey != nil {
		snap.IdentityKey = dev.IdentityKey.Priv[:]
	}
	if dev.SignedPreKey != nil {
		snap.SignedPreKeyID = dev.SignedPreKey.KeyID
		snap.SignedPreKey = dev.SignedPreKey.Priv[:]
		if dev.SignedPreKey.Signature != nil {
			snap.SignedPreKeySig = dev.SignedPreKey.Signature[:]
		}
	}
	if dev.Account != nil {
		raw, err := proto.Marshal(dev.Account)
		if err != nil {
			return nil, errors.Wrap(err, "encode device account")
		}
		snap.Account = raw
	}
	return snap, nil
}

// hasKeys is false for snapshots that only name the device.
func (snap *deviceSnapshot) hasKeys() bool {
	return len(snap.NoiseKey) == 32 && len(snap.IdentityKey) == 32 && len(snap.SignedPreKey) == 32
}

// apply overwrites the identity of dev with the snapshot.
func (snap *deviceSnapshot) apply(dev *store.Device) error {
	if !snap.hasKeys() {
		return errors.New("device snapshot has no key material")
	}
	jid, err := types.ParseJID(snap.JID)
	if err != nil {
		return errors.Wrapf(err, "parse device jid %q", snap.JID)
	}
	dev.ID = &jid
	if snap.LID != "" {
		lid, err := types.ParseJID(snap.LID)
		if err != nil {
			return errors.Wrapf(err, "parse device lid %q", snap.LID)
		}
		dev.LID = lid
	}
	dev.NoiseKey = keys.NewKeyPairFromPrivateKey(*(*[32]byte)(snap.NoiseKey))
	dev.IdentityKey = keys.NewKeyPairFromPrivateKey(*(*[32]byte)(snap.IdentityKey))
	dev.SignedPreKey = &keys.PreKey{
		KeyPair: *keys.NewKeyPairFromPrivateKey(*(*[32]byte)(snap.SignedPreKey)),
		KeyID:   snap.SignedPreKeyID,
	}
	if len(snap.SignedPreKeySig) == 64 {
		dev.SignedPreKey.Signature = (*[64]byte)(snap.SignedPreKeySig)
	}
	dev.RegistrationID = snap.RegistrationID
	dev.AdvSecretKey = snap.AdvSecretKey
	if len(snap.Account) > 0 {
		account := &waAdv.ADVSignedDeviceIdentity{}
		if err := proto.Unmarshal(snap.Account, account); err != nil {
			return errors.Wrap(err, "decode device account")
		}
		dev.Account = account
	}
	dev.PushName = snap.PushName
	dev.Platform = snap.Platform
	dev.BusinessName = snap.BusinessName
	return nil
}

func decodeSnapshot(creds *Credentials) (*deviceSnapshot, error) {
	if creds == nil || len(creds.Creds) == 0 {
		return nil, nil
	}
	var snap deviceSnapshot
	if err := json.Unmarshal(creds.Creds, &snap); err != nil {
		return nil, errors.Wrap(err, "decode device snapshot")
	}
	return &snap, nil
}

// WhatsmeowTransport implements Transport over go.mau.fi/whatsmeow.
type WhatsmeowTransport struct {
	db        *gorm.DB
	container *sqlstore.Container
}

var _ Transport = (*WhatsmeowTransport)(nil)

// NewWhatsmeowTransport reuses the application database so the whatsmeow
// tables live next to ours.
func NewWhatsmeowTransport(ctx context.Context, db *gorm.DB, dbType string) (*WhatsmeowTransport, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain underlying sql.DB: %w", err)
	}

	driver := "postgres"
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "sqlite", "sqlite3":
		driver = "sqlite3"
		if _, err := sqlDB.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
			zap.L().Warn("whatsapp: unable to enable sqlite foreign_keys pragma", zap.Error(err))
		}
	}

	container := sqlstore.NewWithDB(sqlDB, driver, newZapLogger("sqlstore"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore upgrade failed: %w", err)
	}
	zap.L().Info("whatsapp: transport store ready", zap.String("driver", driver))
	return &WhatsmeowTransport{db: db, container: container}, nil
}

func (t *WhatsmeowTransport) Open(ctx context.Context, key InstanceKey, creds *Credentials) (Socket, error) {
	dev, err := t.device(ctx, key, creds)
	if err != nil {
		return nil, err
	}

	cli := whatsmeow.NewClient(dev, newZapLogger(key.InstanceID))
	// reconnection is driven by the orchestrator only
	cli.EnableAutoReconnect = false

	s := &wmSocket{
		t:      t,
		key:    key,
		cli:    cli,
		events: make(chan TransportEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	cli.AddEventHandler(s.handle)

	if cli.Store.ID == nil {
		qrChan, err := cli.GetQRChannel(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "qr channel")
		}
		go s.pumpQR(qrChan)
	}
	if err := cli.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	return s, nil
}

// device rebuilds the stored device from the sealed snapshot and writes it
// back to the sqlstore so the signal stores attach to it.
func (t *WhatsmeowTransport) device(ctx context.Context, key InstanceKey, creds *Credentials) (*store.Device, error) {
	snap, err := decodeSnapshot(creds)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return t.container.NewDevice(), nil
	}
	if !snap.hasKeys() {
		return t.legacyDevice(ctx, key, snap)
	}
	dev := t.container.NewDevice()
	if err := snap.apply(dev); err != nil {
		return nil, err
	}
	if err := t.container.PutDevice(ctx, dev); err != nil {
		return nil, errors.Wrap(err, "restore device")
	}
	return dev, nil
}

// legacyDevice loads a device whose snapshot predates key sealing.
func (t *WhatsmeowTransport) legacyDevice(ctx context.Context, key InstanceKey, snap *deviceSnapshot) (*store.Device, error) {
	jid, err := types.ParseJID(snap.JID)
	if err != nil {
		return nil, errors.Wrapf(err, "parse device jid %q", snap.JID)
	}
	dev, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, errors.Wrap(err, "load device")
	}
	if dev == nil {
		zap.L().Warn("whatsapp: stored device missing, pairing again",
			zap.String("instance_id", key.InstanceID),
			zap.String("jid", snap.JID))
		return t.container.NewDevice(), nil
	}
	return dev, nil
}

// Forget deletes the sqlstore device and, through the cascade, its signal
// sessions and prekeys.
func (t *WhatsmeowTransport) Forget(ctx context.Context, key InstanceKey, creds *Credentials) error {
	snap, err := decodeSnapshot(creds)
	if err != nil || snap == nil {
		return err
	}
	jid, err := types.ParseJID(snap.JID)
	if err != nil {
		return errors.Wrapf(err, "parse device jid %q", snap.JID)
	}
	dev, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return errors.Wrap(err, "load device")
	}
	if dev == nil {
		return nil
	}
	if err := t.container.DeleteDevice(ctx, dev); err != nil {
		return errors.Wrap(err, "delete device")
	}
	zap.L().Info("whatsapp: device forgotten",
		zap.String("instance_id", key.InstanceID),
		zap.String("jid", snap.JID))
	return nil
}

// scrubDeviceKeys zeroes the private key columns of the sqlstore row. The
// row stays for the foreign keys of the signal tables.
func (t *WhatsmeowTransport) scrubDeviceKeys(ctx context.Context, jid types.JID) error {
	zero := make([]byte, 32)
	return t.db.WithContext(ctx).Exec(
		"UPDATE whatsmeow_device SET noise_key = ?, identity_key = ?, signed_pre_key = ?, adv_key = ? WHERE jid = ?",
		zero, zero, zero, zero, jid.String(),
	).Error
}

type wmSocket struct {
	t         *WhatsmeowTransport
	key       InstanceKey
	cli       *whatsmeow.Client
	events    chan TransportEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wmSocket) Events() <-chan TransportEvent { return s.events }

func (s *wmSocket) emit(ev TransportEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *wmSocket) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			s.emit(QREvent{Code: item.Code})
		case "timeout":
			s.emit(CloseEvent{Reason: "qr_timeout", Err: domain.ErrTransientNetwork})
		case "success":
		default:
			s.emit(CloseEvent{Reason: item.Event, Err: item.Error})
		}
	}
}

func (s *wmSocket) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess, *events.PushNameSetting:
		// whatsmeow has just saved the device row
		s.emit(CredsUpdateEvent{})
	case *events.Connected:
		s.emit(CredsUpdateEvent{})
		phone := ""
		if s.cli.Store.ID != nil {
			phone = s.cli.Store.ID.User
		}
		s.emit(OpenEvent{Phone: phone, PushName: s.cli.Store.PushName})
	case *events.LoggedOut:
		s.emit(CloseEvent{StatusCode: int(v.Reason), Reason: domain.ReasonLogout, LoggedOut: true, Err: domain.ErrLoggedOut})
	case *events.StreamReplaced:
		s.emit(CloseEvent{Reason: domain.ReasonReplaced, Err: domain.ErrTransientNetwork})
	case *events.Disconnected:
		s.emit(CloseEvent{Reason: domain.ReasonNetwork, Err: domain.ErrTransientNetwork})
	case *events.Message:
		content, typ := messageContent(v.Message)
		s.emit(InboundMessageEvent{
			MessageID: v.Info.ID,
			From:      v.Info.Chat.ToNonAD().String(),
			PushName:  v.Info.PushName,
			Content:   content,
			Type:      typ,
			FromMe:    v.Info.IsFromMe,
			Timestamp: v.Info.Timestamp,
		})
	case *events.Receipt:
		ack := receiptAck(v.Type)
		if ack == 0 || v.IsFromMe {
			return
		}
		ids := make([]string, 0, len(v.MessageIDs))
		for _, id := range v.MessageIDs {
			ids = append(ids, id)
		}
		s.emit(ReceiptEvent{MessageIDs: ids, RemoteJid: v.Chat.ToNonAD().String(), Ack: ack})
	}
}

func receiptAck(t types.ReceiptType) int {
	switch t {
	case types.ReceiptTypeDelivered:
		return domain.AckDelivered
	case types.ReceiptTypeRead:
		return domain.AckRead
	case types.ReceiptTypePlayed:
		return domain.AckPlayed
	}
	return 0
}

// messageContent returns the text (or caption) and the content type.
func messageContent(m *waE2E.Message) (string, string) {
	switch {
	case m == nil:
		return "", domain.MessageTypeUnknown
	case m.GetConversation() != "":
		return m.GetConversation(), domain.MessageTypeText
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText(), domain.MessageTypeText
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption(), domain.MessageTypeImage
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption(), domain.MessageTypeVideo
	case m.GetAudioMessage() != nil:
		return "", domain.MessageTypeAudio
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetFileName(), domain.MessageTypeDocument
	case m.GetStickerMessage() != nil:
		return "", domain.MessageTypeSticker
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		return fmt.Sprintf("%f,%f", loc.GetDegreesLatitude(), loc.GetDegreesLongitude()), domain.MessageTypeLocation
	}
	return "", domain.MessageTypeUnknown
}

// recipientJID accepts either a full JID or a bare phone number.
func recipientJID(to string) (types.JID, error) {
	if !strings.Contains(to, "@") {
		return types.NewJID(strings.TrimPrefix(to, "+"), types.DefaultUserServer), nil
	}
	return types.ParseJID(to)
}

func (s *wmSocket) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := recipientJID(to)
	if err != nil {
		return "", errors.Wrapf(err, "invalid recipient %q", to)
	}
	resp, err := s.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (s *wmSocket) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	jid, err := recipientJID(to)
	if err != nil {
		return "", errors.Wrapf(err, "invalid recipient %q", to)
	}
	data := media.Data
	if len(data) == 0 {
		if data, err = fetchMedia(media.URL); err != nil {
			return "", err
		}
	}
	mime := media.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	var appInfo whatsmeow.MediaType
	switch media.Type {
	case domain.MessageTypeImage:
		appInfo = whatsmeow.MediaImage
	case domain.MessageTypeVideo:
		appInfo = whatsmeow.MediaVideo
	case domain.MessageTypeAudio:
		appInfo = whatsmeow.MediaAudio
	default:
		appInfo = whatsmeow.MediaDocument
	}
	up, err := s.cli.Upload(ctx, data, appInfo)
	if err != nil {
		return "", errors.Wrap(err, "upload media")
	}

	msg := &waE2E.Message{}
	switch appInfo {
	case whatsmeow.MediaImage:
		msg.ImageMessage = &waE2E.ImageMessage{
			Caption: proto.String(media.Caption), Mimetype: proto.String(mime),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}
	case whatsmeow.MediaVideo:
		msg.VideoMessage = &waE2E.VideoMessage{
			Caption: proto.String(media.Caption), Mimetype: proto.String(mime),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}
	case whatsmeow.MediaAudio:
		msg.AudioMessage = &waE2E.AudioMessage{
			Mimetype: proto.String(mime),
			URL:      proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}
	default:
		msg.DocumentMessage = &waE2E.DocumentMessage{
			Caption: proto.String(media.Caption), Mimetype: proto.String(mime),
			FileName: proto.String(media.FileName),
			URL:      proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}
	}

	resp, err := s.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func fetchMedia(url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("media has neither data nor url")
	}
	var body []byte
	var code int
	err := gout.GET(url).SetTimeout(mediaFetchTimeout).BindBody(&body).Code(&code).Do()
	if err != nil {
		return nil, errors.Wrapf(err, "fetch media %s", url)
	}
	if code != http.StatusOK {
		return nil, errors.Errorf("fetch media %s: status %d", url, code)
	}
	return body, nil
}

func (s *wmSocket) Credentials() (*Credentials, error) {
	snap, err := snapshotDevice(s.cli.Store)
	if err != nil || snap == nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return &Credentials{Creds: raw}, nil
}

// Sealed drops the plaintext key copy whatsmeow wrote to its device row.
func (s *wmSocket) Sealed(ctx context.Context) error {
	dev := s.cli.Store
	if dev == nil || dev.ID == nil {
		return nil
	}
	return s.t.scrubDeviceKeys(ctx, *dev.ID)
}

func (s *wmSocket) Logout(ctx context.Context) error {
	return s.cli.Logout(ctx)
}

func (s *wmSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cli.Disconnect()
	})
	return nil
}
