// Package config holds the per-endpoint broker topology configuration.
package config

import (
	"io/ioutil"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Exchange describes an AMQP exchange declaration.
type Exchange struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"autodelete"`
	Passive    bool   `yaml:"passive"`
}

// Queue describes an AMQP queue declaration. When Randomize is set, a fresh
// unique suffix is appended to the name every time the topology is resolved;
// the resolved name is ephemeral and must not be persisted as identity.
type Queue struct {
	Name       string `yaml:"name"`
	Randomize  bool   `yaml:"randomize"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"autodelete"`
	Passive    bool   `yaml:"passive"`
}

// Channel describes the channel QoS settings.
type Channel struct {
	PrefetchCount  int  `yaml:"prefetch_count"`
	PrefetchGlobal bool `yaml:"prefetch_global"`
}

// Endpoint bundles the topology of one logical endpoint.
type Endpoint struct {
	Exchange   Exchange `yaml:"exchange"`
	Queue      Queue    `yaml:"queue"`
	Channel    Channel  `yaml:"channel"`
	RoutingKey string   `yaml:"routing_key"`
}

// Load reads an endpoint configuration from a YAML file.
func Load(path string) (*Endpoint, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var ep Endpoint
	if err := yaml.Unmarshal(b, &ep); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	return &ep, nil
}
