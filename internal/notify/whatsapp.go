package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// JIDSuffix is the WhatsApp JID server for regular users.
const JIDSuffix = "s.whatsapp.net"

// WhatsAppSender sends a WhatsApp text to a phone number.
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// WhatsAppOpts configures the whatsmeow client.
type WhatsAppOpts struct {
	DBDSN       string // whatsmeow device store
	QRPath      string // write the login QR code here instead of stdout
	NumericCode bool
}

// WhatsAppOption configures the whatsmeow client.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsAppDBDSN sets the whatsmeow device store connection string.
func WithWhatsAppDBDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to path.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode prints the raw login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppClient sends operator alerts from a linked WhatsApp device.
type WhatsAppClient struct {
	waClient *whatsmeow.Client
}

var _ WhatsAppSender = (*WhatsAppClient)(nil)

// whatsmeowDriver picks the database/sql driver for the device store.
func whatsmeowDriver(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	return "sqlite3"
}

// NewWhatsAppClient opens the device store and connects, running the QR login flow when the
// device is not linked yet.
func NewWhatsAppClient(ctx context.Context, opts ...WhatsAppOption) (*WhatsAppClient, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("whatsapp device store DSN must be provided")
	}
	driver := whatsmeowDriver(cfg.DBDSN)
	if driver == "sqlite3" && !strings.Contains(cfg.DBDSN, "foreign_keys") {
		slog.Warn("NewWhatsAppClient: SQLite device store without foreign keys; whatsmeow recommends ?_foreign_keys=on", "dsn", cfg.DBDSN)
	}
	slog.Debug("NewWhatsAppClient: opening device store", "driver", driver, "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	container, err := sqlstore.New(ctx, driver, cfg.DBDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID != nil {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("NewWhatsAppClient: connected")
		return &WhatsAppClient{waClient: waClient}, nil
	}

	slog.Info("NewWhatsAppClient: login required, starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			waClient.Disconnect()
			return nil, fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("NewWhatsAppClient: login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	slog.Info("NewWhatsAppClient: connected after login")
	return &WhatsAppClient{waClient: waClient}, nil
}

// SendMessage sends body to the phone number to. Formatting characters are ignored.
func (c *WhatsAppClient) SendMessage(ctx context.Context, to, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	user := util.DigitsOnly(to)
	if user == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid := types.NewJID(user, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("WhatsAppClient.SendMessage: send failed", "to", user, "error", err)
		return fmt.Errorf("failed to send WhatsApp message to %s: %w", user, err)
	}
	slog.Debug("WhatsAppClient.SendMessage: message sent", "to", user, "length", len(body))
	return nil
}

// Close disconnects from WhatsApp.
func (c *WhatsAppClient) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockWhatsAppClient records messages instead of sending them.
type MockWhatsAppClient struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// NewMockWhatsAppClient returns an empty recorder.
func NewMockWhatsAppClient() *MockWhatsAppClient {
	return &MockWhatsAppClient{}
}

// SendMessage records the message, or returns Err.
func (m *MockWhatsAppClient) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockWhatsAppClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
