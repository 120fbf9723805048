// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package status

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 2 * time.Second

// Publisher is the part of an MQTT client the sinks need.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Connect opens an MQTT client to broker.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", broker, err)
	}
	return client, nil
}

// MQTTSink publishes the status as a retained message so late subscribers
// see the current value.
type MQTTSink struct {
	Client Publisher
	Topic  string
}

type statusMessage struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

func (m MQTTSink) Report(s Status) error {
	payload, err := json.Marshal(statusMessage{Status: s.String(), Time: time.Now().UTC()})
	if err != nil {
		return err
	}
	return publish(m.Client, m.Topic, true, payload)
}

// PublishJSON publishes v as JSON on topic, not retained.
func PublishJSON(client Publisher, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	return publish(client, topic, false, payload)
}

func publish(client Publisher, topic string, retained bool, payload []byte) error {
	token := client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publishing to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}
