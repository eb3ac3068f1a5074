package whatsapp

import (
	"context"
	"time"
)

// InstanceKey identifies one tenant connection.
type InstanceKey struct {
	TenantID   string
	InstanceID string
}

func (k InstanceKey) String() string {
	return k.TenantID + "/" + k.InstanceID
}

// Credentials is the opaque session state a transport needs to resume
// without pairing again. Creds is the protocol identity, Keys the key
// store snapshot (may be empty when the transport keeps keys elsewhere).
type Credentials struct {
	Creds []byte
	Keys  []byte
}

// Media describes an outbound media message. Data wins over URL when both
// are set.
type Media struct {
	Type     string `json:"type"` // image, video, audio, document
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Caption  string `json:"caption,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Transport opens sockets to the messaging network.
type Transport interface {
	// Open starts a connection seeded with creds (nil means a new pairing).
	// The outcome is reported on the socket's event stream.
	Open(ctx context.Context, key InstanceKey, creds *Credentials) (Socket, error)
	// Forget drops whatever the transport keeps for creds outside the vault.
	// It is called when a session is purged, live socket or not.
	Forget(ctx context.Context, key InstanceKey, creds *Credentials) error
}

// Socket is a single live connection. Only the orchestrator holds it.
type Socket interface {
	Events() <-chan TransportEvent
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, media Media) (string, error)
	Credentials() (*Credentials, error)
	Logout(ctx context.Context) error
	Close() error
}

// Sealer is implemented by sockets whose library keeps its own plaintext
// copy of the key material. Sealed runs after the encrypted copy is stored.
type Sealer interface {
	Sealed(ctx context.Context) error
}

// TransportEvent is one of the event structs below.
type TransportEvent interface {
	transportEvent()
}

// QREvent asks for a pairing code to be shown to the user.
type QREvent struct {
	Code string
}

// OpenEvent reports an authenticated connection.
type OpenEvent struct {
	Phone    string
	PushName string
}

// CloseEvent ends the socket. LoggedOut marks a remote logout, which is
// terminal.
type CloseEvent struct {
	StatusCode int
	Reason     string
	LoggedOut  bool
	Err        error
}

// CredsUpdateEvent signals that Socket.Credentials changed.
type CredsUpdateEvent struct{}

type InboundMessageEvent struct {
	MessageID string
	From      string
	PushName  string
	Content   string
	Type      string
	MediaURL  string
	FromMe    bool
	Timestamp time.Time
}

// ReceiptEvent carries a delivery ack level for messages we sent.
type ReceiptEvent struct {
	MessageIDs []string
	RemoteJid  string
	Ack        int
}

func (QREvent) transportEvent()             {}
func (OpenEvent) transportEvent()           {}
func (CloseEvent) transportEvent()          {}
func (CredsUpdateEvent) transportEvent()    {}
func (InboundMessageEvent) transportEvent() {}
func (ReceiptEvent) transportEvent()        {}
