package publish

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/fanbridge/internal/frame"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	msgs []published
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func TestPublisher_ObservePublishesRetainedSnapshot(t *testing.T) {
	client := &fakeClient{}
	p := NewPublisher(client, "site/fan/", zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "site/fan/state", p.Topic())

	st := state.New()
	st.Subscribe(p.Observe)
	st.ApplyTelemetry(frame.Fields{PeopleCount: 5, Temperature: 36, FanSpeed: 80})

	require.Len(t, client.msgs, 1)
	msg := client.msgs[0]
	assert.Equal(t, "site/fan/state", msg.topic)
	assert.True(t, msg.retained)
	assert.Equal(t, byte(0), msg.qos)

	var got struct {
		State   map[string]interface{} `json:"state"`
		Changed []string               `json:"changed"`
		Stamp   int64                  `json:"stamp"`
	}
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.EqualValues(t, 5, got.State["peopleCount"])
	assert.Equal(t, "auto", got.State["mode"])
	assert.Equal(t, []string{"peopleCount", "temperature", "fanSpeed"}, got.Changed)
	assert.NotZero(t, got.Stamp)
}

func TestPublisher_ReportsQueueErrors(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	p := NewPublisher(client, "", zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "fanbridge/state", p.Topic())

	err := p.Publish(state.New().Snapshot(), nil)
	assert.EqualError(t, err, "not connected")
}
