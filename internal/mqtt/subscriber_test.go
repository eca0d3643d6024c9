package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsense/internal/config"
	"healthsense/internal/models"
)

type recordingSubmitter struct {
	inputs []models.ReadingInput
	err    error
}

func (r *recordingSubmitter) Submit(_ context.Context, source string, in *models.ReadingInput) (models.Bundle, error) {
	if source != "mqtt" {
		return models.Bundle{}, errors.New("unexpected source")
	}
	if r.err != nil {
		return models.Bundle{}, r.err
	}
	r.inputs = append(r.inputs, *in)
	return models.Bundle{Reading: models.Reading{ID: "r1", DeviceID: in.DeviceID}}, nil
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "test",
		Topic:    "healthsense/devices/+/readings",
		QoS:      1,
	}
}

func TestDeviceFromTopic(t *testing.T) {
	assert.Equal(t, "HEALTH03", DeviceFromTopic("healthsense/devices/+/readings", "healthsense/devices/HEALTH03/readings"))
	assert.Equal(t, "", DeviceFromTopic("healthsense/readings", "healthsense/readings"))
	assert.Equal(t, "", DeviceFromTopic("healthsense/#", "healthsense/devices/x"))
	assert.Equal(t, "", DeviceFromTopic("a/+/b", "a"))
}

func TestNewSubscriberValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Broker = ""
	_, err := NewSubscriber(cfg, &recordingSubmitter{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Topic = ""
	_, err = NewSubscriber(cfg, &recordingSubmitter{})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.QoS = 3
	_, err = NewSubscriber(cfg, &recordingSubmitter{})
	assert.Error(t, err)

	// Stop before Start is a no-op
	s, err := NewSubscriber(testConfig(), &recordingSubmitter{})
	require.NoError(t, err)
	s.Stop()
}

func TestHandleMessageUsesTopicDevice(t *testing.T) {
	sub := &recordingSubmitter{}
	s, err := NewSubscriber(testConfig(), sub)
	require.NoError(t, err)

	ok := s.HandleMessage(context.Background(), "healthsense/devices/HEALTH09/readings", []byte(`{"glucose": 130, "spo2": "97"}`))
	require.True(t, ok)
	require.Len(t, sub.inputs, 1)
	assert.Equal(t, "HEALTH09", sub.inputs[0].DeviceID)
	assert.Equal(t, 130.0, sub.inputs[0].Glucose)
	assert.Equal(t, 97.0, sub.inputs[0].SpO2)

	// payload device wins over the topic
	ok = s.HandleMessage(context.Background(), "healthsense/devices/HEALTH09/readings", []byte(`{"device_id": "WATCH", "heart_rate": 70}`))
	require.True(t, ok)
	assert.Equal(t, "WATCH", sub.inputs[1].DeviceID)
}

func TestHandleMessageRejects(t *testing.T) {
	sub := &recordingSubmitter{}
	s, err := NewSubscriber(testConfig(), sub)
	require.NoError(t, err)

	assert.False(t, s.HandleMessage(context.Background(), "healthsense/devices/x/readings", []byte(`[1,2]`)))
	assert.False(t, s.HandleMessage(context.Background(), "healthsense/devices/x/readings", []byte(`{"glucose": true}`)))
	assert.Empty(t, sub.inputs)

	sub.err = models.ErrStoreUnavailable
	assert.False(t, s.HandleMessage(context.Background(), "healthsense/devices/x/readings", []byte(`{"glucose": 100}`)))
}
