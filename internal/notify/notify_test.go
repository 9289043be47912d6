package notify

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerTopicFiltering(t *testing.T) {
	b := NewBroker(nil)
	fleet := b.Subscribe(TopicFleetUpdated)
	all := b.Subscribe()
	defer b.Unsubscribe(fleet)
	defer b.Unsubscribe(all)

	b.Publish(TopicShipStatus, map[string]string{"ship_id": "s1"})
	b.Publish(TopicFleetUpdated, map[string]string{"id": "f1"})

	got := <-fleet.Ch
	assert.Equal(t, TopicFleetUpdated, got.Topic)
	assert.JSONEq(t, `{"id":"f1"}`, string(got.Payload))
	select {
	case extra := <-fleet.Ch:
		t.Fatalf("unexpected event %s", extra.Topic)
	default:
	}

	assert.Len(t, all.Ch, 2)
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker(nil)
	b.bufferSize = 1
	sub := b.Subscribe()

	b.Publish(TopicShipStatus, 1)
	b.Publish(TopicShipStatus, 2)

	assert.Len(t, sub.Ch, 1)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestHubStreamsEvents(t *testing.T) {
	b := NewBroker(nil)
	srv := httptest.NewServer(NewHub(b, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?topics=" + TopicDeploymentUpdated
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return b.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)

	b.Publish(TopicShipStatus, "ignored")
	b.Publish(TopicDeploymentUpdated, map[string]string{"status": "completed"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, TopicDeploymentUpdated, event.Topic)
	assert.JSONEq(t, `{"status":"completed"}`, string(event.Payload))
}
