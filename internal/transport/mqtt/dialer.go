// Package mqtt dials MQTT v5 brokers over websocket, TLS or plain TCP.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"carwash/internal/config"
	"carwash/internal/transport"
	"carwash/pkg/log"
)

// MQTT v5 reason codes that mean the credentials will never be accepted
const (
	reasonBadUserNameOrPassword = 0x86
	reasonNotAuthorized         = 0x87
	reasonBadAuthMethod         = 0x8C
)

// Config holds the physical connection settings
type Config struct {
	URL           *url.URL
	KeepAlive     time.Duration
	CleanStart    bool
	InsecureTLS   bool
	PacketTimeout time.Duration
}

// Dialer opens paho client sessions. It implements transport.Dialer.
type Dialer struct {
	cfg    Config
	logger *logrus.Entry
}

// NewDialer creates a dialer for cfg
func NewDialer(cfg Config) *Dialer {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.PacketTimeout <= 0 {
		cfg.PacketTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg:    cfg,
		logger: log.Component("mqtt").WithField("broker", cfg.URL.Redacted()),
	}
}

// FromConfig builds a dialer from the broker section of the configuration
func FromConfig(bc *config.BrokerConfig) (*Dialer, error) {
	u, err := url.Parse(bc.URL())
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	return NewDialer(Config{
		URL:           u,
		KeepAlive:     bc.KeepAlive,
		CleanStart:    bc.Clean,
		InsecureTLS:   bc.InsecureTLS,
		PacketTimeout: bc.RequestTimeout,
	}), nil
}

// Dial implements transport.Dialer
func (d *Dialer) Dial(ctx context.Context, clientID string, creds transport.Credentials, deliver func(transport.Message)) (transport.Link, error) {
	conn, err := d.openConn(ctx)
	if err != nil {
		return nil, err
	}

	l := &link{done: make(chan struct{}), logger: d.logger.WithField("client_id", clientID)}

	cli := paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				deliver(transport.Message{
					Topic:      pr.Packet.Topic,
					Payload:    pr.Packet.Payload,
					ReceivedAt: time.Now(),
				})
				return true, nil
			},
		},
		OnClientError: func(err error) {
			l.drop(err)
		},
		OnServerDisconnect: func(dc *paho.Disconnect) {
			l.drop(disconnectError(dc))
		},
		PacketTimeout: d.cfg.PacketTimeout,
	})
	l.cli = cli

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(d.cfg.KeepAlive / time.Second),
		CleanStart: d.cfg.CleanStart,
	}
	if creds.Username != "" {
		cp.UsernameFlag = true
		cp.Username = creds.Username
	}
	if creds.Token != "" {
		cp.PasswordFlag = true
		cp.Password = []byte(creds.Token)
	}

	ca, err := cli.Connect(ctx, cp)
	if err != nil || (ca != nil && ca.ReasonCode >= 0x80) {
		_ = conn.Close()
		return nil, connackError(ca, err)
	}

	l.logger.Debug("mqtt session established")
	return l, nil
}

func (d *Dialer) openConn(ctx context.Context) (net.Conn, error) {
	u := d.cfg.URL
	tlsConfig := &tls.Config{
		ServerName:         u.Hostname(),
		InsecureSkipVerify: d.cfg.InsecureTLS,
		MinVersion:         tls.VersionTLS12,
	}

	switch u.Scheme {
	case "ws", "wss":
		wd := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
			Subprotocols:     []string{"mqtt"},
			TLSClientConfig:  tlsConfig,
		}
		ws, resp, err := wd.DialContext(ctx, u.String(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, fmt.Errorf("%w: websocket handshake %s", transport.ErrAuthRejected, resp.Status)
			}
			return nil, fmt.Errorf("websocket dial %s: %w", u.Redacted(), err)
		}
		return newWSConn(ws), nil
	case "ssl", "tls", "mqtts":
		td := tls.Dialer{Config: tlsConfig}
		conn, err := td.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("tls dial %s: %w", u.Host, err)
		}
		return conn, nil
	case "tcp", "mqtt":
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("tcp dial %s: %w", u.Host, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

func isAuthReason(code byte) bool {
	switch code {
	case reasonBadUserNameOrPassword, reasonNotAuthorized, reasonBadAuthMethod:
		return true
	}
	return false
}

func connackError(ca *paho.Connack, err error) error {
	if ca != nil && isAuthReason(ca.ReasonCode) {
		return fmt.Errorf("%w: connack reason 0x%02X", transport.ErrAuthRejected, ca.ReasonCode)
	}
	if ca != nil && ca.ReasonCode >= 0x80 {
		return fmt.Errorf("connect refused: reason 0x%02X", ca.ReasonCode)
	}
	return fmt.Errorf("mqtt connect: %w", err)
}

func disconnectError(dc *paho.Disconnect) error {
	if dc == nil {
		return errors.New("server disconnected")
	}
	if isAuthReason(dc.ReasonCode) {
		return fmt.Errorf("%w: disconnect reason 0x%02X", transport.ErrAuthRejected, dc.ReasonCode)
	}
	return fmt.Errorf("server disconnected: reason 0x%02X", dc.ReasonCode)
}

// link is one paho session
type link struct {
	cli    *paho.Client
	logger *logrus.Entry

	done chan struct{}
	once sync.Once
	err  error
}

func (l *link) drop(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

func (l *link) Subscribe(ctx context.Context, topics []string) error {
	opts := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		opts = append(opts, paho.SubscribeOptions{Topic: t, QoS: 0})
	}
	sa, err := l.cli.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts})
	if err != nil {
		return err
	}
	for i, code := range sa.Reasons {
		if code >= 0x80 && i < len(topics) {
			return fmt.Errorf("subscribe %s refused: reason 0x%02X", topics[i], code)
		}
	}
	return nil
}

func (l *link) Unsubscribe(ctx context.Context, topics []string) error {
	ua, err := l.cli.Unsubscribe(ctx, &paho.Unsubscribe{Topics: topics})
	if err != nil {
		return err
	}
	for i, code := range ua.Reasons {
		if code >= 0x80 && i < len(topics) {
			return fmt.Errorf("unsubscribe %s refused: reason 0x%02X", topics[i], code)
		}
	}
	return nil
}

func (l *link) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := l.cli.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: payload,
	})
	return err
}

func (l *link) Done() <-chan struct{} {
	return l.done
}

func (l *link) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *link) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	err := l.cli.Disconnect(&paho.Disconnect{ReasonCode: 0})
	l.drop(nil)
	return err
}
