// Package publish mirrors captured events onto an MQTT broker so home
// automation stacks can react to remote presses without polling the daemon.
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

// queueSize bounds how many events may wait for the broker before new ones
// are dropped.
const queueSize = 64

// Publisher forwards captured events to an MQTT broker. A nil Publisher is
// valid and publishes nothing, so callers can wire it unconditionally.
//
// PublishEvent runs on the capture path, so the broker round trip happens on
// a dedicated goroutine fed through a bounded queue. A stalled broker costs
// dropped events, never stalled capture.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	events      chan model.CapturedEvent
	done        chan struct{}
	stopped     chan struct{}
}

// Connect dials the broker and returns a ready Publisher. An empty brokerURL
// disables publishing and returns (nil, nil).
func Connect(brokerURL, clientID, topicPrefix string) (*Publisher, error) {
	if brokerURL == "" {
		return nil, nil
	}
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	opts.SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", brokerURL, token.Error())
	}
	return newPublisher(client, topicPrefix), nil
}

func newPublisher(client mqtt.Client, topicPrefix string) *Publisher {
	if topicPrefix == "" {
		topicPrefix = "raspmcp"
	}
	p := &Publisher{
		client:      client,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		events:      make(chan model.CapturedEvent, queueSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go p.run()
	return p
}

type eventMessage struct {
	EventID    string              `json:"event_id"`
	Signal     model.DecodedSignal `json:"signal"`
	CapturedAt string              `json:"captured_at"`
}

// PublishEvent enqueues one captured event for delivery to
// <prefix>/events/<protocol> and returns immediately. Events are dropped
// with a log line when the queue is full.
func (p *Publisher) PublishEvent(ev model.CapturedEvent) {
	if p == nil {
		return
	}
	select {
	case p.events <- ev:
	case <-p.done:
	default:
		log.Printf("publish: queue full, dropping event %s", ev.ID)
	}
}

func (p *Publisher) run() {
	defer close(p.stopped)
	for {
		select {
		case ev := <-p.events:
			p.publish(ev)
		case <-p.done:
			return
		}
	}
}

func (p *Publisher) publish(ev model.CapturedEvent) {
	msg := eventMessage{
		EventID:    ev.ID,
		Signal:     ev.Decoded,
		CapturedAt: ev.CapturedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("publish: marshal event %s: %v", ev.ID, err)
		return
	}
	topic := fmt.Sprintf("%s/events/%s", p.topicPrefix, ev.Decoded.Protocol)
	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	if token.Error() != nil {
		log.Printf("publish: event %s to %s: %v", ev.ID, topic, token.Error())
	}
}

// Close stops the delivery goroutine and disconnects from the broker,
// flushing in-flight messages briefly.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	close(p.done)
	<-p.stopped
	p.client.Disconnect(250)
}
