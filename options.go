package mqtt

import (
	"fmt"
	"time"

	"github.com/golang-io/mqtt/config"
	"github.com/golang-io/mqtt/packet"
	"github.com/golang-io/requests"
)

// CONFIG is the broker-wide configuration bag; callers embedding this
// package as a library may replace it wholesale before starting a Server.
var CONFIG = config.Default()

type Options struct {
	URL           string // client used
	ClientID      string
	Version       byte
	Subscriptions []packet.Subscription

	// CleanStart requests a fresh session (the default) when true, or asks
	// the broker to resume ClientID's persisted session when false.
	CleanStart bool

	// KeepAlive is the interval the client promises to send a packet
	// within; the broker halves-again it into its own read deadline
	// (§4.2). Zero lets the broker fall back to its configured default.
	KeepAlive time.Duration

	// SessionExpiry (v5.0 only) is how long the broker should keep this
	// client's session after a non-clean-start disconnect before
	// discarding it.
	SessionExpiry uint32
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{
		URL:        "mqtt://127.0.0.1:1883",
		ClientID:   "mqtt-" + requests.GenId(),
		Version:    packet.VERSION311,
		CleanStart: true,
		KeepAlive:  60 * time.Second,
	}
	for _, o := range opts {
		o(&options)
	}
	return options
}

func URL(url string) Option {
	return func(o *Options) {
		o.URL = url
	}
}

func Subscription(subscription ...packet.Subscription) Option {
	return func(o *Options) {
		o.Subscriptions = append(o.Subscriptions, subscription...)
	}
}

// ClientID overrides the randomly generated client id newOptions assigns by
// default. A stable id is required to exercise session persistence across
// reconnects: the broker keys a persisted session by client id.
func ClientID(id string) Option {
	return func(o *Options) {
		o.ClientID = id
	}
}

// PersistSession requests that the broker keep ClientID's session (its
// subscriptions) alive for expiry after a disconnect, instead of the
// default clean-start behavior of discarding it immediately.
func PersistSession(expiry time.Duration) Option {
	return func(o *Options) {
		o.CleanStart = false
		o.SessionExpiry = uint32(expiry / time.Second)
	}
}

func KeepAlive(d time.Duration) Option {
	return func(o *Options) {
		o.KeepAlive = d
	}
}

func Version[T ~string | ~byte](version T) Option {
	return func(o *Options) {
		switch v := any(version).(type) {
		case byte:
			o.Version = v
		case string:
			switch v {
			case "5.0.0":
				o.Version = packet.VERSION500
			case "3.1.1":
				o.Version = packet.VERSION311
			default:
				panic(fmt.Errorf("version = %s not support", v))
			}
		}
	}
}
