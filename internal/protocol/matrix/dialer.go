// ABOUTME: Matrix protocol.Dialer backed by mautrix clients
// ABOUTME: Maps homeserver errors to disconnect reasons

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tether-gateway/internal/protocol"
)

// Options configures the matrix Dialer.
type Options struct {
	// Homeserver is the base URL used for new logins.
	Homeserver string
	// RedirectURL is where SSO sends the user back; {id} is replaced with the
	// session id. It should point at the gateway's pairing callback.
	RedirectURL string
	// DeviceName is the display name of devices created by login.
	DeviceName string
	Logger     *slog.Logger
}

// Dialer opens matrix connections.
type Dialer struct {
	opts   Options
	logger *slog.Logger
}

// NewDialer validates opts and returns a Dialer.
func NewDialer(opts Options) (*Dialer, error) {
	if opts.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	if _, err := SSORedirectURL(opts.Homeserver, "x"); err != nil {
		return nil, err
	}
	if opts.RedirectURL == "" {
		return nil, errors.New("matrix redirect_url is required")
	}
	if opts.DeviceName == "" {
		opts.DeviceName = "tether-gateway"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{opts: opts, logger: logger.With("component", "matrix")}, nil
}

// Name implements protocol.Dialer.
func (d *Dialer) Name() string {
	return "matrix"
}

// Open implements protocol.Dialer. Stored credentials start a whoami+sync loop;
// missing or unreadable credentials emit the SSO pairing URL instead.
func (d *Dialer) Open(ctx context.Context, p protocol.OpenParams) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := d.logger.With("session_id", p.SessionID)
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		dialer:    d,
		sessionID: p.SessionID,
		emitter:   protocol.NewEmitter(logger),
		ctx:       runCtx,
		cancel:    cancel,
		logger:    logger,
	}

	if len(p.Credentials) > 0 {
		creds, err := DecodeCredentials(p.Credentials)
		if err == nil {
			client, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("creating matrix client: %w", err)
			}
			client.DeviceID = id.DeviceID(creds.DeviceID)
			c.client = client
			c.paired = true
			go c.run()
			logger.Info("opening with stored credentials", "user_id", creds.UserID)
			return c, nil
		}
		logger.Warn("ignoring unreadable matrix credentials", "error", err)
	}

	client, err := mautrix.NewClient(d.opts.Homeserver, "", "")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	c.client = client

	artifact, err := SSORedirectURL(d.opts.Homeserver, callbackURL(d.opts.RedirectURL, p.SessionID))
	if err != nil {
		cancel()
		return nil, err
	}
	c.emitter.Emit(protocol.Event{Type: protocol.EventPairingCode, PairingCode: artifact})
	logger.Info("awaiting SSO login")
	return c, nil
}

// ReasonFromError maps a client error to a disconnect reason.
func ReasonFromError(err error) protocol.Reason {
	switch {
	case err == nil:
		return protocol.ReasonConnectionClosed
	case errors.Is(err, context.Canceled):
		return protocol.ReasonClosedLocally
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ReasonTimedOut
	case errors.Is(err, mautrix.MUnknownToken):
		return protocol.ReasonLoggedOut
	case errors.Is(err, mautrix.MLimitExceeded):
		return protocol.ReasonRateLimited
	default:
		return protocol.ReasonConnectionLost
	}
}

var _ protocol.Dialer = (*Dialer)(nil)
