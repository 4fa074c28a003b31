// Package notify publishes acquisition events to an MQTT broker.
package notify

import (
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"
	publishWait   = 5 * time.Second
)

// conn is the subset of mqtt.Client the publisher uses.
type conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type Client struct {
	conn      conn
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// Connect dials the broker. The retained "<prefix>/status" topic reads
// "online" while connected and falls back to "offline" through the last will
// when the process dies.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: normalizePrefix(opts.TopicPrefix),
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false).
		SetWill(c.Topic("status"), statusOffline, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	c.conn = client
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

// newClient wraps an existing connection.
func newClient(cn conn, prefix string, log zerolog.Logger) *Client {
	c := &Client{conn: cn, prefix: normalizePrefix(prefix), log: log}
	c.connected.Store(true)
	return c
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
	client.Publish(c.Topic("status"), 1, true, statusOnline)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Topic joins the configured prefix and a sub-topic.
func (c *Client) Topic(sub string) string {
	return c.prefix + "/" + sub
}

// publishJSON marshals v and publishes it. With wait set, it blocks until the
// broker acknowledges or publishWait elapses; otherwise the result is
// checked in the background.
func (c *Client) publishJSON(topic string, qos byte, retained, wait bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := c.conn.Publish(topic, qos, retained, payload)
	if !wait {
		go c.track(topic, token)
		return nil
	}
	return c.await(topic, token)
}

func (c *Client) track(topic string, token mqtt.Token) {
	_ = c.await(topic, token)
}

func (c *Client) await(topic string, token mqtt.Token) error {
	if !token.WaitTimeout(publishWait) {
		c.failed.Add(1)
		c.log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
		return errors.New("mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		c.failed.Add(1)
		c.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		return err
	}
	c.published.Add(1)
	return nil
}

// Stats returns the number of acknowledged and failed publishes.
func (c *Client) Stats() (published, failed int64) {
	return c.published.Load(), c.failed.Load()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close marks the tool offline and disconnects.
func (c *Client) Close() {
	c.log.Info().
		Int64("published", c.published.Load()).
		Int64("failed", c.failed.Load()).
		Msg("disconnecting mqtt client")
	token := c.conn.Publish(c.Topic("status"), 1, true, statusOffline)
	token.WaitTimeout(publishWait)
	c.conn.Disconnect(1000)
	c.connected.Store(false)
}

func normalizePrefix(raw string) string {
	p := strings.Trim(strings.TrimSpace(raw), "/")
	if p == "" {
		return "classicap"
	}
	return p
}
