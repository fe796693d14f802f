package intercom

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/saker-ai/smart-intercom/internal/protocol"
)

const (
	DefaultPort                  = 80
	DefaultPath                  = "/audio_stream"
	DefaultChunkSize             = 1024
	DefaultReconnectInitialDelay = 5 * time.Second
	DefaultReconnectMaxDelay     = 60 * time.Second
	DefaultPingInterval          = 20 * time.Second
	DefaultPingTimeout           = 10 * time.Second
	DefaultCloseTimeout          = 5 * time.Second
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultProbeTimeout          = 5 * time.Second
)

// Config describes how to reach and authenticate with one device.
type Config struct {
	DeviceID  string
	Host      string
	Port      int
	Path      string
	UseSSL    bool
	SecretKey string

	// ChunkSize bounds the payload of one outbound binary message.
	ChunkSize int

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	// ReconnectOnInitialFailure starts the reconnection supervisor when the
	// first Connect fails to reach the device. By default only a drop of an
	// established session is retried.
	ReconnectOnInitialFailure bool
	DisableReconnect          bool

	PingInterval     time.Duration
	PingTimeout      time.Duration
	CloseTimeout     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c Config) normalize() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		c.ReconnectMaxDelay = c.ReconnectInitialDelay
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// URL returns the websocket endpoint of the device.
func (c Config) URL() string {
	c = c.normalize()
	scheme := "ws"
	if c.UseSSL {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   c.Path,
	}
	return u.String()
}

// Observer receives client events. All methods run on the session's receive
// goroutine in wire order and must return quickly; a slow observer delays
// every later frame. Observers must not call Disconnect.
type Observer interface {
	// OnMessage receives every control message other than the
	// authentication handshake.
	OnMessage(msg protocol.Inbound)
	// OnAudio receives each binary frame. The slice is owned by the
	// receiver set and must not be modified.
	OnAudio(frame []byte)
	// OnConnect fires once per successful authentication.
	OnConnect()
	// OnDisconnect fires once per session end. err is nil when the owner
	// called Disconnect, ErrAuthFailed when the device rejected the key, and
	// the transport error otherwise.
	OnDisconnect(err error)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Message    func(msg protocol.Inbound)
	Audio      func(frame []byte)
	Connect    func()
	Disconnect func(err error)
}

func (f ObserverFuncs) OnMessage(msg protocol.Inbound) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f ObserverFuncs) OnAudio(frame []byte) {
	if f.Audio != nil {
		f.Audio(frame)
	}
}

func (f ObserverFuncs) OnConnect() {
	if f.Connect != nil {
		f.Connect()
	}
}

func (f ObserverFuncs) OnDisconnect(err error) {
	if f.Disconnect != nil {
		f.Disconnect(err)
	}
}
